package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Loader returns the balance of the most recent ledger entry for key, or zero
// when the chain is empty.
type Loader[K comparable] func(ctx context.Context, key K) (decimal.Decimal, error)

// Cache memoizes the last known balance per chain. It is a non-owning
// snapshot: dropping it and always calling the loader must give identical
// results. Only the service that owns the chain may call Set, and only while
// holding the lock that serializes its appends.
type Cache[K comparable] struct {
	mu       sync.RWMutex
	balances map[K]decimal.Decimal
	load     Loader[K]
	disabled bool
}

// NewCache returns a cache seeded lazily by load.
func NewCache[K comparable](load Loader[K]) *Cache[K] {
	return &Cache[K]{
		balances: make(map[K]decimal.Decimal),
		load:     load,
	}
}

// NewUncached returns a cache that never memoizes. Useful to check that the
// cache does not change results.
func NewUncached[K comparable](load Loader[K]) *Cache[K] {
	c := NewCache(load)
	c.disabled = true
	return c
}

// Get returns the balance for key, loading it on first access.
func (c *Cache[K]) Get(ctx context.Context, key K) (decimal.Decimal, error) {
	if !c.disabled {
		c.mu.RLock()
		b, ok := c.balances[key]
		c.mu.RUnlock()
		if ok {
			return b, nil
		}
	}

	b, err := c.load(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if c.disabled {
		return b, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent Set wins over a stale load.
	if existing, ok := c.balances[key]; ok {
		return existing, nil
	}
	c.balances[key] = b
	return b, nil
}

// Set records the balance of a newly appended entry.
func (c *Cache[K]) Set(key K, balance decimal.Decimal) {
	if c.disabled {
		return
	}
	c.mu.Lock()
	c.balances[key] = balance
	c.mu.Unlock()
}
