// Package hedging is the boundary to the external market-maker that dealer
// metal exposure is offset against.
package hedging

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// Request asks the venue to trade the given troy ounces per metal.
type Request struct {
	Side       model.Side
	Location   model.Location
	Reference  string
	Quantities map[model.Metal]decimal.Decimal
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if !r.Side.Valid() {
		return fmt.Errorf("%w: hedge side %q", model.ErrValidation, r.Side)
	}
	if len(r.Quantities) == 0 {
		return fmt.Errorf("%w: hedge request has no metals", model.ErrValidation)
	}
	for metal, qty := range r.Quantities {
		if !qty.IsPositive() {
			return fmt.Errorf("%w: hedge quantity for %s must be positive", model.ErrValidation, metal)
		}
	}
	return nil
}

// Metals returns the requested metals in a stable order.
func (r Request) Metals() []model.Metal {
	out := make([]model.Metal, 0, len(r.Quantities))
	for m := range r.Quantities {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Result is the venue's answer: its confirmation reference and the spot price
// per ounce realized for each metal.
type Result struct {
	ConfirmationReference string
	SpotPrices            map[model.Metal]decimal.Decimal
}

// Client is the hedging venue. Hedge commits a trade at the venue; QuoteHedge
// prices one without committing.
type Client interface {
	Hedge(ctx context.Context, req Request) (*Result, error)
	QuoteHedge(ctx context.Context, req Request) (*Result, error)
}
