package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteStatus is a one-way state machine: pending → executed | expired.
type QuoteStatus string

const (
	QuoteStatusPending  QuoteStatus = "pending"
	QuoteStatusExecuted QuoteStatus = "executed"
	QuoteStatusExpired  QuoteStatus = "expired"
)

// QuoteItem is one priced product line of a quote. SpotPrice is per troy
// ounce; Premium and EffectivePrice are per unit.
type QuoteItem struct {
	ProductID      uuid.UUID       `json:"product_id" db:"product_id"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	SpotPrice      decimal.Decimal `json:"spot_price" db:"spot_price"`
	Premium        decimal.Decimal `json:"premium" db:"premium"`
	EffectivePrice decimal.Decimal `json:"effective_price" db:"effective_price"`
}

// Total is the notional of the line.
func (i QuoteItem) Total() decimal.Decimal {
	return i.EffectivePrice.Mul(i.Quantity)
}

// TradeQuote is a time-boxed priced offer.
type TradeQuote struct {
	Aggregate

	ID        uuid.UUID   `json:"id" db:"id"`
	Side      Side        `json:"side" db:"side"`
	Location  Location    `json:"location" db:"location"`
	IssuedAt  time.Time   `json:"issued_at" db:"issued_at"`
	ExpiresAt time.Time   `json:"expires_at" db:"expires_at"`
	Status    QuoteStatus `json:"status" db:"status"`
	Items     []QuoteItem `json:"items"`
}

// TotalAmount is the notional of the whole quote.
func (q *TradeQuote) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, it := range q.Items {
		total = total.Add(it.Total())
	}
	return total
}

// IsExpired reports whether the quote is past its expiry at now.
func (q *TradeQuote) IsExpired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// MarkAsExecuted moves a pending quote to executed. Irreversible.
func (q *TradeQuote) MarkAsExecuted(at time.Time) error {
	if q.Status != QuoteStatusPending {
		return fmt.Errorf("%w: quote %s is %s, not pending", ErrInvalidState, q.ID, q.Status)
	}
	q.Status = QuoteStatusExecuted
	q.raise(NewEvent(EventQuoteExecuted, q.ID, at, map[string]string{
		"side":     string(q.Side),
		"location": string(q.Location),
	}))
	return nil
}

// MarkAsExpired moves a pending quote to expired. Irreversible.
func (q *TradeQuote) MarkAsExpired(at time.Time) error {
	if q.Status != QuoteStatusPending {
		return fmt.Errorf("%w: quote %s is %s, not pending", ErrInvalidState, q.ID, q.Status)
	}
	q.Status = QuoteStatusExpired
	q.raise(NewEvent(EventQuoteExpired, q.ID, at, nil))
	return nil
}

// Clone returns a deep copy without buffered events.
func (q *TradeQuote) Clone() *TradeQuote {
	c := *q
	c.Aggregate = Aggregate{}
	c.Items = append([]QuoteItem(nil), q.Items...)
	return &c
}
