// Package lock provides the coarse named lock that serializes every workflow
// touching cash or inventory balances.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Release frees a held lock. Calling it more than once is a no-op.
type Release func()

// Locker acquires named locks. Acquire blocks until the lock is held or ctx
// is done.
type Locker interface {
	Acquire(ctx context.Context, name string) (Release, error)
}

// With runs fn while holding name. The lock is released on every exit path,
// including a panic in fn.
func With(ctx context.Context, l Locker, name string, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, name)
	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", name, err)
	}
	defer release()
	return fn(ctx)
}

// MemoryLocker is an in-process Locker backed by one semaphore per name.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[name] = ch
	}
	return ch
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, name string) (Release, error) {
	ch := l.slot(name)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
