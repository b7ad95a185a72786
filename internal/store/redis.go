package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for catalog data. Products are immutable reference data, so reads
// check Redis first then fall back to the primary. Aggregates and ledgers
// always go to the primary.
type CachedStore struct {
	Store

	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// GetProduct reads through the cache.
func (s *CachedStore) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	data, err := s.rdb.Get(ctx, productKey(id)).Bytes()
	if err == nil {
		var p model.Product
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.Store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, productKey(id), data, s.ttl)
	}
	return p, nil
}

func productKey(id uuid.UUID) string { return fmt.Sprintf("product:%s", id) }
