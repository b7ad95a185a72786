package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullionops/dealer-ledger/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.DomainEvent
	err    error
}

func (r *recordingSink) Enqueue(_ context.Context, events []model.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return r.err
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

var at = time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

func newTrade(t *testing.T, ref string) *model.Trade {
	t.Helper()
	tr, err := model.NewTrade(model.NewTradeParams{
		Type:            model.TradeTypeClient,
		Side:            model.SideBuy,
		Location:        "SLC",
		ReferenceNumber: ref,
		TradeDate:       at,
		CreatedAt:       at,
	})
	require.NoError(t, err)
	return tr
}

func cashEntry(bt model.BalanceType, amount, after string) *model.FinancialTransaction {
	return model.NewFinancialTransaction(model.FinancialTransaction{
		ID:           uuid.New(),
		BalanceType:  bt,
		Side:         model.TransactionCredit,
		Amount:       decimal.RequireFromString(amount),
		BalanceAfter: decimal.RequireFromString(after),
		CreatedAt:    at,
	})
}

func TestMemoryStore_CommitPublishesAfterWrite(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	s := NewMemoryStore(sink)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	tr := newTrade(t, "R-1")
	require.NoError(t, tx.SaveTrade(ctx, tr))
	require.NoError(t, tx.InsertTransaction(ctx, cashEntry(model.BalanceTypeEffective, "10", "10")))

	hookRan := false
	tx.OnCommit(func() {
		hookRan = true
		assert.Empty(t, sink.types(), "hooks run before events are published")
	})

	_, err = s.GetTrade(ctx, tr.ID)
	require.ErrorIs(t, err, model.ErrNotFound, "uncommitted writes are invisible")
	assert.Empty(t, sink.types())

	require.NoError(t, tx.Commit(ctx))
	assert.True(t, hookRan)
	assert.Equal(t, []string{model.EventTradeCreated, model.EventTransactionCreated}, sink.types())
	assert.Empty(t, tr.PendingEvents(), "events are drained once published")

	got, err := s.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "R-1", got.ReferenceNumber)
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
}

func TestMemoryStore_RollbackPublishesNothing(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	s := NewMemoryStore(sink)

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.SaveTrade(ctx, newTrade(t, "R-2")))
	require.NoError(t, tx.InsertTransaction(ctx, cashEntry(model.BalanceTypeEffective, "5", "5")))
	tx.OnCommit(func() { t.Error("hook ran on rollback") })
	require.NoError(t, tx.Rollback(ctx))

	assert.Empty(t, sink.types())
	latest, err := s.LatestTransaction(ctx, model.BalanceTypeEffective)
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.ErrorIs(t, tx.SaveTrade(ctx, newTrade(t, "R-3")), ErrTxDone)
}

func TestMemoryStore_CanceledContextCommitsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore(nil)
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.InsertTransaction(ctx, cashEntry(model.BalanceTypeActual, "1", "1")))
	cancel()

	require.ErrorIs(t, tx.Commit(ctx), context.Canceled)
	entries, _ := s.ListTransactions(context.Background(), model.BalanceTypeActual)
	assert.Empty(t, entries)
}

func TestMemoryStore_SinkFailureDoesNotUndoCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(&recordingSink{err: errors.New("queue down")})
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.InsertTransaction(ctx, cashEntry(model.BalanceTypeEffective, "3", "3")))
	require.NoError(t, tx.Commit(ctx))

	latest, err := s.LatestTransaction(ctx, model.BalanceTypeEffective)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.BalanceAfter.Equal(decimal.NewFromInt(3)))
}

func TestMemoryStore_StagedEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	tx, _ := s.Begin(ctx)

	_, ok := tx.StagedTransaction(model.BalanceTypeEffective)
	assert.False(t, ok)

	require.NoError(t, tx.InsertTransaction(ctx, cashEntry(model.BalanceTypeEffective, "10", "10")))
	require.NoError(t, tx.InsertTransaction(ctx, cashEntry(model.BalanceTypeEffective, "5", "15")))
	e, ok := tx.StagedTransaction(model.BalanceTypeEffective)
	require.True(t, ok)
	assert.True(t, e.BalanceAfter.Equal(decimal.NewFromInt(15)), "latest staged entry wins")

	key := model.PositionKey{ProductID: uuid.New(), Location: "SLC", Type: model.PositionTypeAvailable}
	require.NoError(t, tx.InsertPosition(ctx, model.NewInventoryPosition(model.InventoryPosition{
		ID: uuid.New(), ProductID: key.ProductID, Location: key.Location, Type: key.Type,
		Side: model.PositionOut, Quantity: decimal.NewFromInt(2), PositionAfter: decimal.NewFromInt(-2), CreatedAt: at,
	})))
	p, ok := tx.StagedPosition(key)
	require.True(t, ok)
	assert.True(t, p.PositionAfter.Equal(decimal.NewFromInt(-2)))
	require.NoError(t, tx.Commit(ctx))

	keys, err := s.ListPositionKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.PositionKey{key}, keys)
	entries, err := s.ListTransactions(ctx, model.BalanceTypeEffective)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].BalanceAfter.Equal(decimal.NewFromInt(10)))
}

func TestMemoryStore_ClonesIsolateState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	tr := newTrade(t, "R-4")
	require.NoError(t, tr.AddItem(model.TradeItem{ProductID: uuid.New(), Quantity: decimal.NewFromInt(1)}))

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.SaveTrade(ctx, tr))
	require.NoError(t, tx.Commit(ctx))

	tr.Items[0].Quantity = decimal.NewFromInt(99)
	got, _ := s.GetTrade(ctx, tr.ID)
	assert.True(t, got.Items[0].Quantity.Equal(decimal.NewFromInt(1)))

	got.ReferenceNumber = "changed"
	again, _ := s.GetTrade(ctx, tr.ID)
	assert.Equal(t, "R-4", again.ReferenceNumber)
}

func TestMemoryStore_ReferenceExistsWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.SaveTrade(ctx, newTrade(t, "R-5")))
	require.NoError(t, tx.Commit(ctx))

	ok, err := s.ReferenceExists(ctx, "R-5", at)
	require.NoError(t, err)
	assert.True(t, ok, "window is inclusive")

	ok, _ = s.ReferenceExists(ctx, "R-5", at.Add(time.Second))
	assert.False(t, ok)
	ok, _ = s.ReferenceExists(ctx, "R-6", at.Add(-time.Hour))
	assert.False(t, ok)
}

func TestMemoryStore_HedgingAccountCollectsSpotDeferredTrades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	acct := uuid.New()
	s.PutHedgingAccount(model.HedgingAccount{ID: acct, Name: "SLC", Code: "SLC"})

	sdt := model.NewSpotDeferredTrade(acct, uuid.New(), "R-7", model.SideSell, at, at)
	require.NoError(t, sdt.AddItem(model.MetalGold, decimal.NewFromInt(2000), decimal.NewFromInt(1)))
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.InsertSpotDeferredTrade(ctx, sdt))
	require.NoError(t, tx.Commit(ctx))

	got, err := s.GetHedgingAccount(ctx, acct)
	require.NoError(t, err)
	require.Len(t, got.SpotDeferredTrades, 1)
	assert.Equal(t, "R-7", got.SpotDeferredTrades[0].ConfirmationReference)

	_, err = s.GetHedgingAccount(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryStore_HedgingItems(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	acct := uuid.New()
	s.PutHedgingAccount(model.HedgingAccount{ID: acct, Name: "SLC", Code: "SLC"})

	tx, _ := s.Begin(ctx)
	err := tx.InsertHedgingItem(ctx, &model.HedgingItem{ID: uuid.New(), HedgingAccountID: uuid.New(), Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, model.ErrNotFound)
	require.NoError(t, tx.InsertHedgingItem(ctx, &model.HedgingItem{ID: uuid.New(), HedgingAccountID: acct, Amount: decimal.NewFromInt(-4), CreatedAt: at}))

	got, _ := s.GetHedgingAccount(ctx, acct)
	assert.Empty(t, got.HedgingItems, "uncommitted items are invisible")

	require.NoError(t, tx.Commit(ctx))
	got, err = s.GetHedgingAccount(ctx, acct)
	require.NoError(t, err)
	require.Len(t, got.HedgingItems, 1)
	assert.True(t, got.HedgingItems[0].Amount.Equal(decimal.NewFromInt(-4)))
}
