package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker for multi-instance deployments, built on
// SET NX PX. TTL bounds how long a crashed holder can block others; a live
// holder renews its lease every TTL/3 until it releases.
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
	log   zerolog.Logger
}

// NewRedisLocker creates a distributed locker. A non-positive ttl falls back
// to 30s.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		rdb:   rdb,
		ttl:   ttl,
		retry: 25 * time.Millisecond,
		log:   log,
	}
}

// Acquire implements Locker. It polls until the key is free or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (Release, error) {
	key := lockKey(name)
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(context.WithoutCancel(ctx), name, key, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
				l.log.Error().Err(err).Str("lock", name).Msg("failed to release lock")
			}
		})
	}, nil
}

// renew keeps the lease alive until stop is closed. A lease found under
// another token means it already expired; that is logged and renewal ends.
func (l *RedisLocker) renew(ctx context.Context, name, key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		rctx, cancel := context.WithTimeout(ctx, l.ttl/3)
		n, err := renewScript.Run(rctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.log.Warn().Err(err).Str("lock", name).Msg("failed to renew lock lease")
			continue
		}
		if n == 0 {
			l.log.Error().Str("lock", name).Msg("lock lease lost before release")
			return
		}
	}
}

func lockKey(name string) string { return fmt.Sprintf("lock:%s", name) }
