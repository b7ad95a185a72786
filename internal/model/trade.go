package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeType distinguishes who the dealer traded with.
type TradeType string

const (
	TradeTypeClient TradeType = "client"
	TradeTypeDealer TradeType = "dealer"
	TradeTypeOffset TradeType = "offset"
)

// TradeItem is one product line of a trade. Prices are copied verbatim from
// the quote (or the dealer ticket); nothing is re-priced at execution.
type TradeItem struct {
	ProductID      uuid.UUID       `json:"product_id" db:"product_id"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	SpotPrice      decimal.Decimal `json:"spot_price" db:"spot_price"`
	Premium        decimal.Decimal `json:"premium" db:"premium"`
	EffectivePrice decimal.Decimal `json:"effective_price" db:"effective_price"`
}

// TotalAmount is the cash value of the line.
func (i TradeItem) TotalAmount() decimal.Decimal {
	return i.EffectivePrice.Mul(i.Quantity)
}

// Revenue is the premium earned on the line.
func (i TradeItem) Revenue() decimal.Decimal {
	return i.Premium.Mul(i.Quantity)
}

// Trade is a physical trade. It is mutable only through the named
// transitions below, each guarded by its own precondition.
type Trade struct {
	Aggregate

	ID                  uuid.UUID   `json:"id" db:"id"`
	Type                TradeType   `json:"type" db:"type"`
	Side                Side        `json:"side" db:"side"`
	Location            Location    `json:"location" db:"location"`
	ReferenceNumber     string      `json:"reference_number,omitempty" db:"reference_number"`
	TradeDate           time.Time   `json:"trade_date" db:"trade_date"`
	SettlementDate      time.Time   `json:"settlement_date" db:"settlement_date"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	ConfirmedAt         *time.Time  `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CancelledAt         *time.Time  `json:"cancelled_at,omitempty" db:"cancelled_at"`
	PositionSettledAt   *time.Time  `json:"position_settled_at,omitempty" db:"position_settled_at"`
	FinancialSettledAt  *time.Time  `json:"financial_settled_at,omitempty" db:"financial_settled_at"`
	QuoteID             *uuid.UUID  `json:"quote_id,omitempty" db:"quote_id"`
	SpotDeferredTradeID *uuid.UUID  `json:"spot_deferred_trade_id,omitempty" db:"spot_deferred_trade_id"`
	OffsetTradeID       *uuid.UUID  `json:"offset_trade_id,omitempty" db:"offset_trade_id"`
	OffsetOfTradeID     *uuid.UUID  `json:"offset_of_trade_id,omitempty" db:"offset_of_trade_id"`
	Items               []TradeItem `json:"items"`
}

// NewTradeParams carries the header of a trade being materialized.
type NewTradeParams struct {
	Type            TradeType
	Side            Side
	Location        Location
	ReferenceNumber string
	TradeDate       time.Time
	SettlementDate  time.Time
	QuoteID         *uuid.UUID
	CreatedAt       time.Time
}

// NewTrade creates an empty trade. Items are added with AddItem.
func NewTrade(p NewTradeParams) (*Trade, error) {
	if !p.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", ErrValidation, p.Side)
	}
	switch p.Type {
	case TradeTypeClient, TradeTypeDealer, TradeTypeOffset:
	default:
		return nil, fmt.Errorf("%w: unknown trade type %q", ErrValidation, p.Type)
	}
	if p.Location == "" {
		return nil, fmt.Errorf("%w: location is required", ErrValidation)
	}
	t := &Trade{
		ID:              uuid.New(),
		Type:            p.Type,
		Side:            p.Side,
		Location:        p.Location,
		ReferenceNumber: p.ReferenceNumber,
		TradeDate:       p.TradeDate,
		SettlementDate:  p.SettlementDate,
		QuoteID:         p.QuoteID,
		CreatedAt:       p.CreatedAt,
	}
	t.raise(NewEvent(EventTradeCreated, t.ID, p.CreatedAt, map[string]string{
		"type":     string(t.Type),
		"side":     string(t.Side),
		"location": string(t.Location),
	}))
	return t, nil
}

// AddItem appends a line. Quantities are unique per product.
func (t *Trade) AddItem(item TradeItem) error {
	if !item.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity for product %s must be positive", ErrValidation, item.ProductID)
	}
	for _, existing := range t.Items {
		if existing.ProductID == item.ProductID {
			return fmt.Errorf("%w: product %s appears twice on trade %s", ErrValidation, item.ProductID, t.ID)
		}
	}
	t.Items = append(t.Items, item)
	return nil
}

// TotalAmount is the cash value of the trade.
func (t *Trade) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, it := range t.Items {
		total = total.Add(it.TotalAmount())
	}
	return total
}

// Revenue is the premium earned on the trade.
func (t *Trade) Revenue() decimal.Decimal {
	total := decimal.Zero
	for _, it := range t.Items {
		total = total.Add(it.Revenue())
	}
	return total
}

// IsCancelled reports whether the trade has been offset.
func (t *Trade) IsCancelled() bool {
	return t.CancelledAt != nil
}

// LinkSpotDeferredTrade records the hedge-side record. Only once.
func (t *Trade) LinkSpotDeferredTrade(id uuid.UUID) error {
	if t.SpotDeferredTradeID != nil {
		return fmt.Errorf("%w: trade %s already linked to spot deferred trade %s", ErrInvalidState, t.ID, *t.SpotDeferredTradeID)
	}
	t.SpotDeferredTradeID = &id
	return nil
}

// Confirm marks the trade as confirmed with the client.
func (t *Trade) Confirm(at time.Time) error {
	if t.IsCancelled() {
		return fmt.Errorf("%w: trade %s is cancelled", ErrInvalidState, t.ID)
	}
	if t.ConfirmedAt != nil {
		return fmt.Errorf("%w: trade %s already confirmed", ErrInvalidState, t.ID)
	}
	t.ConfirmedAt = &at
	t.raise(NewEvent(EventTradeConfirmed, t.ID, at, nil))
	return nil
}

// SettlePosition marks the physical leg as settled.
func (t *Trade) SettlePosition(at time.Time) error {
	if t.IsCancelled() {
		return fmt.Errorf("%w: trade %s is cancelled", ErrInvalidState, t.ID)
	}
	if t.PositionSettledAt != nil {
		return fmt.Errorf("%w: trade %s position already settled", ErrInvalidState, t.ID)
	}
	t.PositionSettledAt = &at
	t.raise(NewEvent(EventTradePositionSettled, t.ID, at, nil))
	return nil
}

// SettleFinancially marks the cash leg as settled.
func (t *Trade) SettleFinancially(at time.Time) error {
	if t.IsCancelled() {
		return fmt.Errorf("%w: trade %s is cancelled", ErrInvalidState, t.ID)
	}
	if t.FinancialSettledAt != nil {
		return fmt.Errorf("%w: trade %s already financially settled", ErrInvalidState, t.ID)
	}
	t.FinancialSettledAt = &at
	t.raise(NewEvent(EventTradeFinancialSettled, t.ID, at, map[string]string{
		"amount": t.TotalAmount().String(),
	}))
	return nil
}

// CancelWithOffset cancels the trade by linking an explicit offsetting trade.
// Only unsettled client and dealer trades can be cancelled, and only once.
func (t *Trade) CancelWithOffset(offset *Trade, at time.Time) error {
	if t.Type != TradeTypeClient && t.Type != TradeTypeDealer {
		return fmt.Errorf("%w: %s trade %s cannot be cancelled", ErrInvalidState, t.Type, t.ID)
	}
	if t.IsCancelled() {
		return fmt.Errorf("%w: trade %s already cancelled", ErrInvalidState, t.ID)
	}
	if t.PositionSettledAt != nil || t.FinancialSettledAt != nil {
		return fmt.Errorf("%w: trade %s is already settled", ErrInvalidState, t.ID)
	}
	if offset == nil || offset.Type != TradeTypeOffset || offset.Side != t.Side.Opposite() {
		return fmt.Errorf("%w: offset for trade %s must be an opposite-side offset trade", ErrValidation, t.ID)
	}
	offsetID := offset.ID
	originalID := t.ID
	t.CancelledAt = &at
	t.OffsetTradeID = &offsetID
	offset.OffsetOfTradeID = &originalID
	t.raise(NewEvent(EventTradeCancelled, t.ID, at, map[string]string{
		"offset_trade_id": offsetID.String(),
	}))
	return nil
}

// Clone returns a deep copy without buffered events.
func (t *Trade) Clone() *Trade {
	c := *t
	c.Aggregate = Aggregate{}
	c.Items = append([]TradeItem(nil), t.Items...)
	return &c
}
