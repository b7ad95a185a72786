// Package model defines the core domain types shared across the dealer ledger.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a trade from the dealer's point of view.
// A buy takes metal into inventory and pays cash out.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side. Hedges are always placed opposite to the
// physical trade.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Location identifies a vault or trading desk, e.g. "SLC".
type Location string

// Metal is the underlying metal type a product is made of.
type Metal string

const (
	MetalGold      Metal = "gold"
	MetalSilver    Metal = "silver"
	MetalPlatinum  Metal = "platinum"
	MetalPalladium Metal = "palladium"
)

// Product is read-only catalog data: the ledger only needs the metal and the
// fine weight to convert units into troy ounces for hedging.
type Product struct {
	ID       uuid.UUID       `json:"id" db:"id"`
	SKU      string          `json:"sku" db:"sku"`
	Name     string          `json:"name" db:"name"`
	Metal    Metal           `json:"metal" db:"metal"`
	WeightOz decimal.Decimal `json:"weight_oz" db:"weight_oz"`
}

// Ounces converts a unit quantity of the product into troy ounces.
func (p Product) Ounces(quantity decimal.Decimal) decimal.Decimal {
	return quantity.Mul(p.WeightOz)
}

// Validate checks the fields the ledger relies on.
func (p Product) Validate() error {
	if p.Metal == "" {
		return fmt.Errorf("%w: product %s has no metal", ErrValidation, p.ID)
	}
	if !p.WeightOz.IsPositive() {
		return fmt.Errorf("%w: product %s weight must be positive", ErrValidation, p.ID)
	}
	return nil
}
