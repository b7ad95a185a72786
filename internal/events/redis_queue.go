package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/bullionops/dealer-ledger/internal/metrics"
	"github.com/bullionops/dealer-ledger/internal/model"
)

// RedisQueue is a Queue backed by a Redis sorted set, so buffered events
// survive a restart and can be drained by any instance.
//
// The score is the occurrence time in microseconds (exact in a float64).
// Members are prefixed with a zero-padded sequence number, which makes Redis'
// lexical tie-break follow insertion order for equal timestamps.
type RedisQueue struct {
	rdb    *redis.Client
	key    string
	seqKey string
}

// NewRedisQueue creates a queue stored under prefix.
func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{
		rdb:    rdb,
		key:    prefix + ":queue",
		seqKey: prefix + ":seq",
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, batch []model.DomainEvent) error {
	if len(batch) == 0 {
		return nil
	}
	sorted := sortBatch(batch)

	last, err := q.rdb.IncrBy(ctx, q.seqKey, int64(len(sorted))).Result()
	if err != nil {
		return fmt.Errorf("reserve event sequence: %w", err)
	}
	first := last - int64(len(sorted)) + 1

	members := make([]redis.Z, 0, len(sorted))
	for i, ev := range sorted {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		members = append(members, redis.Z{
			Score:  float64(ev.OccurredAt.UnixMicro()),
			Member: fmt.Sprintf("%016d:%s", first+int64(i), data),
		})
	}
	if err := q.rdb.ZAdd(ctx, q.key, members...).Err(); err != nil {
		return fmt.Errorf("enqueue %d events: %w", len(members), err)
	}
	metrics.EventsEnqueued.Add(float64(len(members)))
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (model.DomainEvent, bool, error) {
	popped, err := q.rdb.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		return model.DomainEvent{}, false, fmt.Errorf("dequeue event: %w", err)
	}
	if len(popped) == 0 {
		return model.DomainEvent{}, false, nil
	}

	member, _ := popped[0].Member.(string)
	_, payload, found := strings.Cut(member, ":")
	if !found {
		return model.DomainEvent{}, false, fmt.Errorf("malformed queue member %q", member)
	}
	var ev model.DomainEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return model.DomainEvent{}, false, fmt.Errorf("decode event: %w", err)
	}
	return ev, true, nil
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	return int(n), err
}
