//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// newPostgresStore opens a store on a throwaway schema of the database named
// by LEDGER_TEST_DATABASE_URL, so ledger chains never see rows from other runs.
func newPostgresStore(t *testing.T, sink EventSink) (*PostgresStore, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "ledger_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		admin.Close()
	})

	s := NewPostgresStore(pool, sink, zerolog.Nop())
	require.NoError(t, s.EnsureSchema(ctx))
	return s, pool
}

func TestPostgresStore_EnsureSchemaIsIdempotent(t *testing.T) {
	s, _ := newPostgresStore(t, nil)
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestPostgresStore_CommitChainsAndPublishes(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	s, _ := newPostgresStore(t, sink)

	latest, err := s.LatestTransaction(ctx, model.BalanceTypeEffective)
	require.NoError(t, err)
	assert.Nil(t, latest)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertTransaction(ctx, cashEntry(model.BalanceTypeEffective, "10", "10")))
	second := cashEntry(model.BalanceTypeEffective, "5.25", "15.25")
	require.NoError(t, tx.InsertTransaction(ctx, second))
	require.NoError(t, tx.Commit(ctx))

	latest, err = s.LatestTransaction(ctx, model.BalanceTypeEffective)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.True(t, decimal.RequireFromString("15.25").Equal(latest.BalanceAfter))

	all, err := s.ListTransactions(ctx, model.BalanceTypeEffective)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, decimal.RequireFromString("10").Equal(all[0].BalanceAfter))

	assert.Equal(t, []string{model.EventTransactionCreated, model.EventTransactionCreated}, sink.types())
}

func TestPostgresStore_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	s, _ := newPostgresStore(t, sink)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertTransaction(ctx, cashEntry(model.BalanceTypeActual, "10", "10")))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)

	latest, err := s.LatestTransaction(ctx, model.BalanceTypeActual)
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Empty(t, sink.types())
}

func TestPostgresStore_HedgingItems(t *testing.T) {
	ctx := context.Background()
	s, pool := newPostgresStore(t, nil)

	accountID := uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO hedging_accounts (id, name, code) VALUES ($1, $2, $3)`,
		accountID, "Desk", "DESK")
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertHedgingItem(ctx, &model.HedgingItem{
		ID:               uuid.New(),
		HedgingAccountID: accountID,
		Amount:           decimal.RequireFromString("-7.50"),
		Note:             "fee",
		CreatedAt:        at,
	}))
	require.NoError(t, tx.Commit(ctx))

	acct, err := s.GetHedgingAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, acct.HedgingItems, 1)
	assert.True(t, decimal.RequireFromString("-7.50").Equal(acct.HedgingItems[0].Amount))
	assert.Equal(t, "fee", acct.HedgingItems[0].Note)

	_, err = s.GetHedgingAccount(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}
