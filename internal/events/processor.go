package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bullionops/dealer-ledger/internal/metrics"
)

// ProcessorConfig controls the drain schedule.
type ProcessorConfig struct {
	BatchSize int
	Interval  time.Duration
}

// BatchResult counts the outcome of one drain.
type BatchResult struct {
	Processed int
	Failed    int
}

// Processor drains a Queue into a Dispatcher.
type Processor struct {
	queue Queue
	disp  *Dispatcher
	cfg   ProcessorConfig
	log   zerolog.Logger
}

// NewProcessor creates a processor. Non-positive settings fall back to a
// batch of 100 every second.
func NewProcessor(q Queue, d *Dispatcher, cfg ProcessorConfig, log zerolog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Processor{queue: q, disp: d, cfg: cfg, log: log}
}

// RunOnce dequeues and dispatches up to BatchSize events. A failed dispatch is
// counted and skipped. Cancellation is checked before each dequeue; an event
// already dequeued is always dispatched to completion.
func (p *Processor) RunOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	for i := 0; i < p.cfg.BatchSize; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ev, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}

		if err := p.disp.Dispatch(context.WithoutCancel(ctx), ev); err != nil {
			res.Failed++
			metrics.EventsProcessed.WithLabelValues("failed").Inc()
			p.log.Error().
				Err(err).
				Str("event_id", ev.ID.String()).
				Str("event_type", ev.Type).
				Msg("event dispatch failed")
			continue
		}
		res.Processed++
		metrics.EventsProcessed.WithLabelValues("processed").Inc()
	}
	return res, nil
}

// Run drains the queue every Interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info().
		Int("batch_size", p.cfg.BatchSize).
		Dur("interval", p.cfg.Interval).
		Msg("event processor started")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("event processor stopped")
			return nil
		case <-ticker.C:
			res, err := p.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("event queue drain failed")
			}
			if res.Processed > 0 || res.Failed > 0 {
				p.log.Debug().
					Int("processed", res.Processed).
					Int("failed", res.Failed).
					Msg("event batch drained")
			}
		}
	}
}
