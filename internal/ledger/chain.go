// Package ledger implements the append-only balance chain shared by the cash
// and inventory ledgers, and the running-balance cache that sits in front of
// it.
//
// Both ledgers use identical chaining math: next = prior + delta. They differ
// only in the validity rule applied to next, which is injected as a Predicate.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// Predicate validates a candidate next balance.
type Predicate func(next decimal.Decimal) error

// NonNegative rejects balances below zero. Used by the cash ledger.
func NonNegative(next decimal.Decimal) error {
	if next.IsNegative() {
		return fmt.Errorf("%w: would be %s", model.ErrNegativeBalance, next)
	}
	return nil
}

// Unbounded accepts every balance. Used by the inventory ledger, where
// overselling ahead of settlement is allowed.
func Unbounded(decimal.Decimal) error { return nil }

// Chain is the append-only balance primitive. It is pure and does no I/O.
type Chain struct {
	valid Predicate
}

// NewChain returns a chain guarded by valid. A nil predicate accepts all.
func NewChain(valid Predicate) Chain {
	if valid == nil {
		valid = Unbounded
	}
	return Chain{valid: valid}
}

var (
	// Cash is the chain used by financial transactions.
	Cash = NewChain(NonNegative)
	// Inventory is the chain used by inventory positions.
	Inventory = NewChain(Unbounded)
)

// Append returns prior + delta, or an error if the result is invalid.
func (c Chain) Append(prior, delta decimal.Decimal) (decimal.Decimal, error) {
	next := prior.Add(delta)
	if err := c.valid(next); err != nil {
		return prior, err
	}
	return next, nil
}

// Replay folds deltas from zero.
func (c Chain) Replay(deltas []decimal.Decimal) (decimal.Decimal, error) {
	balance := decimal.Zero
	for i, d := range deltas {
		next, err := c.Append(balance, d)
		if err != nil {
			return balance, fmt.Errorf("entry %d: %w", i, err)
		}
		balance = next
	}
	return balance, nil
}

// Link is one persisted step of a chain: the delta it applied and the
// balance it recorded.
type Link struct {
	Delta decimal.Decimal
	After decimal.Decimal
}

// Verify replays links from zero and checks that every recorded balance
// matches the replayed one. It returns the final balance.
func (c Chain) Verify(links []Link) (decimal.Decimal, error) {
	balance := decimal.Zero
	for i, l := range links {
		next, err := c.Append(balance, l.Delta)
		if err != nil {
			return balance, fmt.Errorf("entry %d: %w", i, err)
		}
		if !next.Equal(l.After) {
			return balance, fmt.Errorf("%w: entry %d recorded %s, replay gives %s", model.ErrChainBroken, i, l.After, next)
		}
		balance = next
	}
	return balance, nil
}
