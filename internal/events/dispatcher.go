package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// Subscriber reacts to a domain event.
type Subscriber interface {
	Handle(ctx context.Context, ev model.DomainEvent) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev model.DomainEvent) error

// Handle implements Subscriber.
func (f SubscriberFunc) Handle(ctx context.Context, ev model.DomainEvent) error {
	return f(ctx, ev)
}

type namedSubscriber struct {
	name string
	sub  Subscriber
}

// Dispatcher delivers one event to every registered subscriber.
type Dispatcher struct {
	mu   sync.RWMutex
	subs []namedSubscriber
	log  zerolog.Logger
}

// NewDispatcher creates a dispatcher with no subscribers.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Subscribe registers sub under name. Subscribers run in registration order.
func (d *Dispatcher) Subscribe(name string, sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, namedSubscriber{name: name, sub: sub})
}

// Dispatch hands ev to every subscriber. A failing or panicking subscriber is
// logged and does not stop delivery to the others; the failures come back
// joined, each wrapping model.ErrDelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.DomainEvent) error {
	d.mu.RLock()
	subs := append([]namedSubscriber(nil), d.subs...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := d.deliver(ctx, s, ev); err != nil {
			d.log.Warn().
				Err(err).
				Str("subscriber", s.name).
				Str("event_id", ev.ID.String()).
				Str("event_type", ev.Type).
				Msg("subscriber failed")
			errs = append(errs, fmt.Errorf("subscriber %s: %w: %w", s.name, model.ErrDelivery, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, s namedSubscriber, ev model.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.sub.Handle(ctx, ev)
}
