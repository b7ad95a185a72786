package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// ErrTxDone is returned when a finished unit of work is used again.
var ErrTxDone = errors.New("store: transaction already committed or rolled back")

// staging is the bookkeeping shared by every Tx implementation: the latest
// entry per chain written in the unit of work, the aggregates touched, and
// the after-commit hooks.
type staging struct {
	transactions map[model.BalanceType]*model.FinancialTransaction
	positions    map[model.PositionKey]*model.InventoryPosition
	sources      []model.EventSource
	seen         map[model.EventSource]struct{}
	hooks        []func()
	done         bool
}

func newStaging() staging {
	return staging{
		transactions: make(map[model.BalanceType]*model.FinancialTransaction),
		positions:    make(map[model.PositionKey]*model.InventoryPosition),
		seen:         make(map[model.EventSource]struct{}),
	}
}

func (s *staging) track(src model.EventSource) {
	if _, ok := s.seen[src]; ok {
		return
	}
	s.seen[src] = struct{}{}
	s.sources = append(s.sources, src)
}

func (s *staging) stageTransaction(e *model.FinancialTransaction) {
	s.transactions[e.BalanceType] = e
	s.track(e)
}

func (s *staging) stagePosition(e *model.InventoryPosition) {
	s.positions[e.Key()] = e
	s.track(e)
}

// StagedTransaction implements Tx.
func (s *staging) StagedTransaction(bt model.BalanceType) (*model.FinancialTransaction, bool) {
	e, ok := s.transactions[bt]
	return e, ok
}

// StagedPosition implements Tx.
func (s *staging) StagedPosition(key model.PositionKey) (*model.InventoryPosition, bool) {
	e, ok := s.positions[key]
	return e, ok
}

// OnCommit implements Tx.
func (s *staging) OnCommit(fn func()) {
	s.hooks = append(s.hooks, fn)
}

// afterCommit runs hooks, then drains the events of every touched aggregate
// into sink. A sink failure is logged, never returned: the commit already
// happened.
func (s *staging) afterCommit(ctx context.Context, sink EventSink, log zerolog.Logger) {
	for _, fn := range s.hooks {
		fn()
	}

	var events []model.DomainEvent
	for _, src := range s.sources {
		events = append(events, src.PendingEvents()...)
		src.ClearEvents()
	}
	if sink == nil || len(events) == 0 {
		return
	}
	if err := sink.Enqueue(context.WithoutCancel(ctx), events); err != nil {
		log.Error().Err(err).Int("events", len(events)).Msg("failed to enqueue domain events")
	}
}
