package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullionops/dealer-ledger/internal/model"
)

func cents(raw []int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(raw))
	for i, c := range raw {
		out[i] = decimal.New(c, -2)
	}
	return out
}

func TestProperty_InventoryReplayIsSum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	properties.Property("replay of an unbounded chain equals the sum of its deltas", prop.ForAll(
		func(raw []int64) bool {
			deltas := cents(raw)
			got, err := Inventory.Replay(deltas)
			if err != nil {
				return false
			}
			sum := decimal.Zero
			for _, d := range deltas {
				sum = sum.Add(d)
			}
			return got.Equal(sum)
		},
		gen.SliceOf(gen.Int64Range(-1_000_000, 1_000_000)),
	))
	properties.TestingRun(t)
}

func TestProperty_CashNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	properties.Property("appends that would go negative are refused and keep the prior balance", prop.ForAll(
		func(raw []int64) bool {
			balance := decimal.Zero
			for _, d := range cents(raw) {
				next, err := Cash.Append(balance, d)
				if err != nil {
					if !errors.Is(err, model.ErrNegativeBalance) || !next.Equal(balance) {
						return false
					}
					if !balance.Add(d).IsNegative() {
						return false
					}
					continue
				}
				if next.IsNegative() {
					return false
				}
				balance = next
			}
			return !balance.IsNegative()
		},
		gen.SliceOf(gen.Int64Range(-50_000, 50_000)),
	))
	properties.TestingRun(t)
}

func TestProperty_VerifyAcceptsWhatAppendRecorded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	properties.Property("links built by Append always verify", prop.ForAll(
		func(raw []int64) bool {
			var links []Link
			balance := decimal.Zero
			for _, d := range cents(raw) {
				next, err := Inventory.Append(balance, d)
				if err != nil {
					return false
				}
				links = append(links, Link{Delta: d, After: next})
				balance = next
			}
			got, err := Inventory.Verify(links)
			return err == nil && got.Equal(balance)
		},
		gen.SliceOf(gen.Int64Range(-1_000_000, 1_000_000)),
	))
	properties.TestingRun(t)
}

func TestCashReplay_StopsAtFirstOverdraft(t *testing.T) {
	got, err := Cash.Replay([]decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(-40),
		decimal.NewFromInt(-70),
		decimal.NewFromInt(500),
	})
	require.ErrorIs(t, err, model.ErrNegativeBalance)
	assert.Contains(t, err.Error(), "entry 2")
	assert.True(t, got.Equal(decimal.NewFromInt(60)))
}

func TestVerify_DetectsTamperedBalance(t *testing.T) {
	links := []Link{
		{Delta: decimal.NewFromInt(10), After: decimal.NewFromInt(10)},
		{Delta: decimal.NewFromInt(5), After: decimal.NewFromInt(16)},
		{Delta: decimal.NewFromInt(1), After: decimal.NewFromInt(17)},
	}
	got, err := Cash.Verify(links)
	require.ErrorIs(t, err, model.ErrChainBroken)
	assert.True(t, got.Equal(decimal.NewFromInt(10)))
}

func TestNewChain_NilPredicateAcceptsAll(t *testing.T) {
	got, err := NewChain(nil).Append(decimal.Zero, decimal.NewFromInt(-3))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(-3)))
}

func TestCache_MatchesUncached(t *testing.T) {
	ctx := context.Background()
	backing := map[string]decimal.Decimal{"a": decimal.NewFromInt(7)}
	loads := 0
	load := func(_ context.Context, key string) (decimal.Decimal, error) {
		loads++
		return backing[key], nil
	}

	cached := NewCache[string](load)
	uncached := NewUncached[string](load)

	for _, key := range []string{"a", "a", "b"} {
		want, err := uncached.Get(ctx, key)
		require.NoError(t, err)
		got, err := cached.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.Equal(want), key)
	}
	// uncached loads every time, cached once per key.
	assert.Equal(t, 5, loads)

	backing["a"] = decimal.NewFromInt(9)
	cached.Set("a", decimal.NewFromInt(9))
	uncached.Set("a", decimal.NewFromInt(1))
	got, _ := cached.Get(ctx, "a")
	want, _ := uncached.Get(ctx, "a")
	assert.True(t, got.Equal(want))
}

func TestCache_SetOverridesMemo(t *testing.T) {
	ctx := context.Background()
	v := decimal.NewFromInt(1)
	c := NewCache[int](func(context.Context, int) (decimal.Decimal, error) { return v, nil })

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(1)))

	v = decimal.NewFromInt(2)
	got, _ = c.Get(ctx, 1)
	assert.True(t, got.Equal(decimal.NewFromInt(1)), "memoized value served until the owner sets a new one")

	c.Set(1, decimal.NewFromInt(3))
	got, _ = c.Get(ctx, 1)
	assert.True(t, got.Equal(decimal.NewFromInt(3)))
}

func TestCache_LoadErrorIsNotMemoized(t *testing.T) {
	ctx := context.Background()
	fail := true
	c := NewCache[string](func(context.Context, string) (decimal.Decimal, error) {
		if fail {
			return decimal.Zero, errors.New("db down")
		}
		return decimal.NewFromInt(4), nil
	})
	_, err := c.Get(ctx, "k")
	require.Error(t, err)

	fail = false
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(4)))
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name      string
		v         Validator
		balance   string
		requested string
		want      bool
	}{
		{"exact", AtLeast, "10", "10", true},
		{"short", AtLeast, "9.99", "10", false},
		{"within tolerance", WithTolerance(decimal.NewFromInt(1)), "9.5", "10", true},
		{"beyond tolerance", WithTolerance(decimal.NewFromInt(1)), "8.99", "10", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Sufficient(decimal.RequireFromString(tt.balance), decimal.RequireFromString(tt.requested)))
		})
	}
}
