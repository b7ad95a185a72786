package hedging

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// Simulated is an in-process venue that fills every request at configured
// spot prices. It backs development deployments and tests.
type Simulated struct {
	mu     sync.Mutex
	prices map[model.Metal]decimal.Decimal
	seq    int
	fail   error
	hedges []Request
	log    zerolog.Logger
}

// NewSimulated creates a venue quoting the given spot prices.
func NewSimulated(prices map[model.Metal]decimal.Decimal, log zerolog.Logger) *Simulated {
	p := make(map[model.Metal]decimal.Decimal, len(prices))
	for k, v := range prices {
		p[k] = v
	}
	return &Simulated{prices: p, log: log}
}

// SetPrice updates the spot price of one metal.
func (s *Simulated) SetPrice(metal model.Metal, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[metal] = price
}

// FailWith makes every following Hedge call return err. nil restores fills.
func (s *Simulated) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Hedges returns the committed requests in call order.
func (s *Simulated) Hedges() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.hedges...)
}

func (s *Simulated) price(req Request) (map[model.Metal]decimal.Decimal, error) {
	out := make(map[model.Metal]decimal.Decimal, len(req.Quantities))
	for metal := range req.Quantities {
		p, ok := s.prices[metal]
		if !ok {
			return nil, fmt.Errorf("no market for %s", metal)
		}
		out[metal] = p
	}
	return out, nil
}

// Hedge implements Client.
func (s *Simulated) Hedge(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	prices, err := s.price(req)
	if err != nil {
		return nil, err
	}
	s.seq++
	s.hedges = append(s.hedges, req)
	ref := fmt.Sprintf("SIM-%06d", s.seq)

	s.log.Info().
		Str("confirmation", ref).
		Str("side", string(req.Side)).
		Str("reference", req.Reference).
		Int("metals", len(req.Quantities)).
		Msg("simulated hedge filled")
	return &Result{ConfirmationReference: ref, SpotPrices: prices}, nil
}

// QuoteHedge implements Client.
func (s *Simulated) QuoteHedge(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prices, err := s.price(req)
	if err != nil {
		return nil, err
	}
	return &Result{SpotPrices: prices}, nil
}
