// Package notify turns committed domain events into real-time notifications.
// Delivery is fire and forget: nothing here can fail a ledger commit.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// Hub names clients subscribe to.
const (
	HubQuotes   = "quotes"
	HubTrades   = "trades"
	HubBalances = "balances"
	HubHedging  = "hedging"
)

// Sink publishes a payload to every listener of a hub.
type Sink interface {
	Publish(ctx context.Context, hub string, payload any) error
}

// FanOut publishes to several sinks; each is attempted even if one fails.
type FanOut []Sink

// Publish implements Sink.
func (f FanOut) Publish(ctx context.Context, hub string, payload any) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, hub, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Message is the wire shape pushed to listeners.
type Message struct {
	Type        string          `json:"type"`
	EventID     uuid.UUID       `json:"event_id"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// HubFor maps an event type to the hub that announces it. Unknown types map
// to "".
func HubFor(eventType string) string {
	switch eventType {
	case model.EventQuoteExecuted, model.EventQuoteExpired:
		return HubQuotes
	case model.EventTradeCreated, model.EventTradeConfirmed, model.EventTradeCancelled,
		model.EventTradePositionSettled, model.EventTradeFinancialSettled:
		return HubTrades
	case model.EventTransactionCreated, model.EventPositionCreated:
		return HubBalances
	case model.EventSpotDeferredCreated:
		return HubHedging
	default:
		return ""
	}
}

// Publisher is an event subscriber that forwards events to a Sink.
type Publisher struct {
	sink Sink
}

// NewPublisher creates a subscriber publishing to sink.
func NewPublisher(sink Sink) *Publisher {
	return &Publisher{sink: sink}
}

// Handle forwards ev to its hub. Events with no hub are ignored.
func (p *Publisher) Handle(ctx context.Context, ev model.DomainEvent) error {
	hub := HubFor(ev.Type)
	if hub == "" {
		return nil
	}
	return p.sink.Publish(ctx, hub, Message{
		Type:        ev.Type,
		EventID:     ev.ID,
		AggregateID: ev.AggregateID,
		OccurredAt:  ev.OccurredAt,
		Data:        ev.Payload,
	})
}
