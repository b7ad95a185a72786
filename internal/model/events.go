package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Domain event types.
const (
	EventQuoteExecuted         = "quote.executed"
	EventQuoteExpired          = "quote.expired"
	EventTradeCreated          = "trade.created"
	EventTradeConfirmed        = "trade.confirmed"
	EventTradeCancelled        = "trade.cancelled"
	EventTradePositionSettled  = "trade.position_settled"
	EventTradeFinancialSettled = "trade.financial_settled"
	EventSpotDeferredCreated   = "spot_deferred_trade.created"
	EventTransactionCreated    = "financial_transaction.created"
	EventPositionCreated       = "inventory_position.created"
)

// DomainEvent is a state-change notification raised by an aggregate. It is
// only published after the unit of work that produced it commits.
type DomainEvent struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(eventType string, aggregateID uuid.UUID, at time.Time, payload any) DomainEvent {
	ev := DomainEvent{
		ID:          uuid.New(),
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  at.UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventSource is implemented by every aggregate that buffers events.
type EventSource interface {
	PendingEvents() []DomainEvent
	ClearEvents()
}

// Aggregate buffers events raised during a mutation. Embed it in aggregate
// structs; the persistence boundary drains it after a successful commit.
type Aggregate struct {
	events []DomainEvent
}

func (a *Aggregate) raise(ev DomainEvent) {
	a.events = append(a.events, ev)
}

// PendingEvents returns a copy of the buffered events.
func (a *Aggregate) PendingEvents() []DomainEvent {
	out := make([]DomainEvent, len(a.events))
	copy(out, a.events)
	return out
}

// ClearEvents drops the buffered events.
func (a *Aggregate) ClearEvents() {
	a.events = nil
}
