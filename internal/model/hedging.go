package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SpotDeferredItem is one metal leg of a hedge.
type SpotDeferredItem struct {
	Metal       Metal           `json:"metal" db:"metal"`
	PricePerOz  decimal.Decimal `json:"price_per_oz" db:"price_per_oz"`
	QuantityOz  decimal.Decimal `json:"quantity_oz" db:"quantity_oz"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
}

// SpotDeferredTrade is the hedge-side record linking a physical trade to the
// trade executed with the hedging counterparty.
type SpotDeferredTrade struct {
	Aggregate

	ID                    uuid.UUID          `json:"id" db:"id"`
	HedgingAccountID      uuid.UUID          `json:"hedging_account_id" db:"hedging_account_id"`
	TradeID               uuid.UUID          `json:"trade_id" db:"trade_id"`
	ConfirmationReference string             `json:"confirmation_reference" db:"confirmation_reference"`
	Side                  Side               `json:"side" db:"side"`
	TradeDate             time.Time          `json:"trade_date" db:"trade_date"`
	CreatedAt             time.Time          `json:"created_at" db:"created_at"`
	Items                 []SpotDeferredItem `json:"items"`
}

// NewSpotDeferredTrade creates an empty hedge record.
func NewSpotDeferredTrade(accountID, tradeID uuid.UUID, reference string, side Side, tradeDate, at time.Time) *SpotDeferredTrade {
	s := &SpotDeferredTrade{
		ID:                    uuid.New(),
		HedgingAccountID:      accountID,
		TradeID:               tradeID,
		ConfirmationReference: reference,
		Side:                  side,
		TradeDate:             tradeDate,
		CreatedAt:             at,
	}
	s.raise(NewEvent(EventSpotDeferredCreated, s.ID, at, map[string]string{
		"trade_id":               tradeID.String(),
		"hedging_account_id":     accountID.String(),
		"confirmation_reference": reference,
		"side":                   string(side),
	}))
	return s
}

// AddItem adds a metal leg. A metal appearing twice is a programming error.
func (s *SpotDeferredTrade) AddItem(metal Metal, pricePerOz, quantityOz decimal.Decimal) error {
	for _, it := range s.Items {
		if it.Metal == metal {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateMetal, metal, s.ID)
		}
	}
	s.Items = append(s.Items, SpotDeferredItem{
		Metal:       metal,
		PricePerOz:  pricePerOz,
		QuantityOz:  quantityOz,
		TotalAmount: pricePerOz.Mul(quantityOz),
	})
	return nil
}

// Clone returns a deep copy without buffered events.
func (s *SpotDeferredTrade) Clone() *SpotDeferredTrade {
	c := *s
	c.Aggregate = Aggregate{}
	c.Items = append([]SpotDeferredItem(nil), s.Items...)
	return &c
}

// HedgingItem is a manual adjustment booked against a hedging account.
type HedgingItem struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	HedgingAccountID uuid.UUID       `json:"hedging_account_id" db:"hedging_account_id"`
	Amount           decimal.Decimal `json:"amount" db:"amount"` // signed
	Note             string          `json:"note" db:"note"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// HedgingAccount is the counterparty relationship metal exposure is offset
// against.
type HedgingAccount struct {
	ID                 uuid.UUID           `json:"id" db:"id"`
	Name               string              `json:"name" db:"name"`
	Code               string              `json:"code" db:"code"`
	SpotDeferredTrades []SpotDeferredTrade `json:"spot_deferred_trades"`
	HedgingItems       []HedgingItem       `json:"hedging_items"`
}

// UnrealizedGainLoss marks every open hedge to the given spot prices and adds
// the manual adjustments. It is always recomputed, never stored.
//
// A sell hedge gains when spot falls below the hedged price; a buy hedge gains
// when spot rises above it.
func (a *HedgingAccount) UnrealizedGainLoss(spot map[Metal]decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, sdt := range a.SpotDeferredTrades {
		for _, it := range sdt.Items {
			price, ok := spot[it.Metal]
			if !ok {
				return decimal.Zero, fmt.Errorf("%w: no spot price for %s", ErrValidation, it.Metal)
			}
			diff := it.PricePerOz.Sub(price)
			if sdt.Side == SideBuy {
				diff = diff.Neg()
			}
			total = total.Add(diff.Mul(it.QuantityOz))
		}
	}
	for _, it := range a.HedgingItems {
		total = total.Add(it.Amount)
	}
	return total, nil
}
