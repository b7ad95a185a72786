package finance_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullionops/dealer-ledger/internal/finance"
	"github.com/bullionops/dealer-ledger/internal/ledger"
	"github.com/bullionops/dealer-ledger/internal/model"
	"github.com/bullionops/dealer-ledger/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func credit(t *testing.T, st store.Store, svc *finance.Service, bt model.BalanceType, amount string) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	_, err = svc.CreateAdjustment(ctx, tx, bt, model.TransactionCredit, d(amount), "seed")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
}

func TestCreateTransaction_ChainsWithinOneUnitOfWork(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	svc := finance.NewService(st, zerolog.Nop())
	credit(t, st, svc, model.BalanceTypeEffective, "100")

	tx, _ := st.Begin(ctx)
	first, err := svc.CreateTransaction(ctx, tx, finance.CreateParams{
		BalanceType: model.BalanceTypeEffective, Side: model.TransactionDebit, Amount: d("30"),
	})
	require.NoError(t, err)
	second, err := svc.CreateTransaction(ctx, tx, finance.CreateParams{
		BalanceType: model.BalanceTypeEffective, Side: model.TransactionDebit, Amount: d("50"),
	})
	require.NoError(t, err)
	assert.True(t, first.BalanceAfter.Equal(d("70")))
	assert.True(t, second.BalanceAfter.Equal(d("20")), "second entry chains on the staged first")

	bal, _ := svc.Balance(ctx, model.BalanceTypeEffective)
	assert.True(t, bal.Equal(d("100")), "balance moves only on commit")

	require.NoError(t, tx.Commit(ctx))
	bal, _ = svc.Balance(ctx, model.BalanceTypeEffective)
	assert.True(t, bal.Equal(d("20")))
}

func TestCreateTransaction_RefusesNegativeBalance(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	svc := finance.NewService(st, zerolog.Nop())
	credit(t, st, svc, model.BalanceTypeActual, "10")

	tx, _ := st.Begin(ctx)
	_, err := svc.CreateTransaction(ctx, tx, finance.CreateParams{
		BalanceType: model.BalanceTypeActual, Side: model.TransactionDebit, Amount: d("10.01"),
	})
	require.ErrorIs(t, err, model.ErrNegativeBalance)
	_, staged := tx.StagedTransaction(model.BalanceTypeActual)
	assert.False(t, staged, "nothing is written for a refused entry")
	require.NoError(t, tx.Commit(ctx))

	entries, _ := st.ListTransactions(ctx, model.BalanceTypeActual)
	assert.Len(t, entries, 1)
}

func TestCreateTransaction_Validation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	svc := finance.NewService(st, zerolog.Nop())
	tx, _ := st.Begin(ctx)

	tests := []struct {
		name string
		p    finance.CreateParams
	}{
		{"bad side", finance.CreateParams{BalanceType: model.BalanceTypeActual, Side: "both", Amount: d("1")}},
		{"bad balance type", finance.CreateParams{BalanceType: "pending", Side: model.TransactionCredit, Amount: d("1")}},
		{"negative amount", finance.CreateParams{BalanceType: model.BalanceTypeActual, Side: model.TransactionCredit, Amount: d("-1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTransaction(ctx, tx, tt.p)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}

	_, err := svc.CreateAdjustment(ctx, tx, model.BalanceTypeActual, model.TransactionCredit, decimal.Zero, "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestBalanceTypesAreIndependent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	svc := finance.NewService(st, zerolog.Nop())
	credit(t, st, svc, model.BalanceTypeEffective, "40")

	ok, err := svc.HasEnough(ctx, model.BalanceTypeEffective, d("40"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.HasEnough(ctx, model.BalanceTypeActual, d("0.01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithValidatorAndUncachedAgree(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	cached := finance.NewService(st, zerolog.Nop(), finance.WithValidator(ledger.WithTolerance(d("5"))))
	credit(t, st, cached, model.BalanceTypeEffective, "100")
	credit(t, st, cached, model.BalanceTypeEffective, "25")

	uncached := finance.NewService(st, zerolog.Nop(), finance.WithoutCache())
	a, _ := cached.Balance(ctx, model.BalanceTypeEffective)
	b, _ := uncached.Balance(ctx, model.BalanceTypeEffective)
	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(d("125")))

	ok, _ := cached.HasEnough(ctx, model.BalanceTypeEffective, d("130"))
	assert.True(t, ok, "tolerance covers the gap")
	ok, _ = uncached.HasEnough(ctx, model.BalanceTypeEffective, d("130"))
	assert.False(t, ok)
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	svc := finance.NewService(st, zerolog.Nop())
	credit(t, st, svc, model.BalanceTypeActual, "12.50")
	credit(t, st, svc, model.BalanceTypeActual, "7.50")

	got, err := svc.Replay(ctx, model.BalanceTypeActual)
	require.NoError(t, err)
	assert.True(t, got.Equal(d("20")))

	got, err = svc.Replay(ctx, model.BalanceTypeEffective)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
