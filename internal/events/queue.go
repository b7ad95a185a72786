// Package events delivers domain events produced by committed units of work
// to subscribers, off the commit path.
//
// A Queue buffers events in occurrence order, a Dispatcher hands one event to
// every subscriber with failures isolated, and a Processor drains the queue in
// bounded batches on its own schedule.
package events

import (
	"context"
	"sort"
	"sync"

	"github.com/bullionops/dealer-ledger/internal/metrics"
	"github.com/bullionops/dealer-ledger/internal/model"
)

// Queue is an ordered buffer of domain events. Dequeue returns ok == false
// when the queue is empty.
type Queue interface {
	Enqueue(ctx context.Context, batch []model.DomainEvent) error
	Dequeue(ctx context.Context) (ev model.DomainEvent, ok bool, err error)
	Len(ctx context.Context) (int, error)
}

// sortBatch orders a batch by OccurredAt, keeping the raise order of events
// with equal timestamps.
func sortBatch(batch []model.DomainEvent) []model.DomainEvent {
	out := append([]model.DomainEvent(nil), batch...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu     sync.Mutex
	events []model.DomainEvent
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue inserts each event after every queued event that did not occur
// later, so interleaved batches still dequeue chronologically.
func (q *MemoryQueue) Enqueue(_ context.Context, batch []model.DomainEvent) error {
	sorted := sortBatch(batch)

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ev := range sorted {
		i := sort.Search(len(q.events), func(i int) bool {
			return q.events[i].OccurredAt.After(ev.OccurredAt)
		})
		q.events = append(q.events, model.DomainEvent{})
		copy(q.events[i+1:], q.events[i:])
		q.events[i] = ev
	}
	metrics.EventsEnqueued.Add(float64(len(sorted)))
	return nil
}

// Dequeue pops the oldest event.
func (q *MemoryQueue) Dequeue(_ context.Context) (model.DomainEvent, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return model.DomainEvent{}, false, nil
	}
	ev := q.events[0]
	q.events[0] = model.DomainEvent{}
	q.events = q.events[1:]
	return ev, true, nil
}

// Len returns the number of queued events.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events), nil
}
