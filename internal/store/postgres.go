package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bullionops/dealer-ledger/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text to avoid float conversion.
type PostgresStore struct {
	pool *pgxpool.Pool
	sink EventSink
	log  zerolog.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store. sink may be nil.
func NewPostgresStore(pool *pgxpool.Pool, sink EventSink, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, sink: sink, log: log}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	var p model.Product
	var weight string
	err := s.pool.QueryRow(ctx,
		`SELECT id, sku, name, metal, weight_oz::TEXT FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.Metal, &weight)
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	if p.WeightOz, err = parseDecimal(weight); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetHedgingAccount(ctx context.Context, id uuid.UUID) (*model.HedgingAccount, error) {
	var a model.HedgingAccount
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, code FROM hedging_accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Code)
	if err != nil {
		return nil, notFound(err, "hedging account", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM spot_deferred_trades WHERE hedging_account_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	for _, sdtID := range ids {
		sdt, err := getSpotDeferredTrade(ctx, s.pool, sdtID)
		if err != nil {
			return nil, err
		}
		a.SpotDeferredTrades = append(a.SpotDeferredTrades, *sdt)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, hedging_account_id, amount::TEXT, note, created_at
		 FROM hedging_items WHERE hedging_account_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it model.HedgingItem
		var amount string
		if err := rows.Scan(&it.ID, &it.HedgingAccountID, &amount, &it.Note, &it.CreatedAt); err != nil {
			return nil, err
		}
		if it.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		a.HedgingItems = append(a.HedgingItems, it)
	}
	return &a, rows.Err()
}

func (s *PostgresStore) GetQuote(ctx context.Context, id uuid.UUID) (*model.TradeQuote, error) {
	var q model.TradeQuote
	err := s.pool.QueryRow(ctx,
		`SELECT id, side, location, issued_at, expires_at, status FROM trade_quotes WHERE id = $1`, id).
		Scan(&q.ID, &q.Side, &q.Location, &q.IssuedAt, &q.ExpiresAt, &q.Status)
	if err != nil {
		return nil, notFound(err, "quote", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT product_id, quantity::TEXT, spot_price::TEXT, premium::TEXT, effective_price::TEXT
		 FROM trade_quote_items WHERE quote_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it model.QuoteItem
		var qty, spot, premium, effective string
		if err := rows.Scan(&it.ProductID, &qty, &spot, &premium, &effective); err != nil {
			return nil, err
		}
		if err := parseInto(
			field{&it.Quantity, qty}, field{&it.SpotPrice, spot},
			field{&it.Premium, premium}, field{&it.EffectivePrice, effective},
		); err != nil {
			return nil, err
		}
		q.Items = append(q.Items, it)
	}
	return &q, rows.Err()
}

func (s *PostgresStore) GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return getTrade(ctx, s.pool, id)
}

func getTrade(ctx context.Context, q querier, id uuid.UUID) (*model.Trade, error) {
	var t model.Trade
	err := q.QueryRow(ctx,
		`SELECT id, type, side, location, reference_number, trade_date, settlement_date, created_at,
		        confirmed_at, cancelled_at, position_settled_at, financial_settled_at,
		        quote_id, spot_deferred_trade_id, offset_trade_id, offset_of_trade_id
		 FROM trades WHERE id = $1`, id).
		Scan(&t.ID, &t.Type, &t.Side, &t.Location, &t.ReferenceNumber,
			&t.TradeDate, &t.SettlementDate, &t.CreatedAt,
			&t.ConfirmedAt, &t.CancelledAt, &t.PositionSettledAt, &t.FinancialSettledAt,
			&t.QuoteID, &t.SpotDeferredTradeID, &t.OffsetTradeID, &t.OffsetOfTradeID)
	if err != nil {
		return nil, notFound(err, "trade", id)
	}

	rows, err := q.Query(ctx,
		`SELECT product_id, quantity::TEXT, spot_price::TEXT, premium::TEXT, effective_price::TEXT
		 FROM trade_items WHERE trade_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it model.TradeItem
		var qty, spot, premium, effective string
		if err := rows.Scan(&it.ProductID, &qty, &spot, &premium, &effective); err != nil {
			return nil, err
		}
		if err := parseInto(
			field{&it.Quantity, qty}, field{&it.SpotPrice, spot},
			field{&it.Premium, premium}, field{&it.EffectivePrice, effective},
		); err != nil {
			return nil, err
		}
		t.Items = append(t.Items, it)
	}
	return &t, rows.Err()
}

func (s *PostgresStore) GetSpotDeferredTrade(ctx context.Context, id uuid.UUID) (*model.SpotDeferredTrade, error) {
	return getSpotDeferredTrade(ctx, s.pool, id)
}

func getSpotDeferredTrade(ctx context.Context, q querier, id uuid.UUID) (*model.SpotDeferredTrade, error) {
	var sdt model.SpotDeferredTrade
	err := q.QueryRow(ctx,
		`SELECT id, hedging_account_id, trade_id, confirmation_reference, side, trade_date, created_at
		 FROM spot_deferred_trades WHERE id = $1`, id).
		Scan(&sdt.ID, &sdt.HedgingAccountID, &sdt.TradeID, &sdt.ConfirmationReference,
			&sdt.Side, &sdt.TradeDate, &sdt.CreatedAt)
	if err != nil {
		return nil, notFound(err, "spot deferred trade", id)
	}

	rows, err := q.Query(ctx,
		`SELECT metal, price_per_oz::TEXT, quantity_oz::TEXT, total_amount::TEXT
		 FROM spot_deferred_trade_items WHERE spot_deferred_trade_id = $1 ORDER BY metal`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it model.SpotDeferredItem
		var price, qty, total string
		if err := rows.Scan(&it.Metal, &price, &qty, &total); err != nil {
			return nil, err
		}
		if err := parseInto(field{&it.PricePerOz, price}, field{&it.QuantityOz, qty}, field{&it.TotalAmount, total}); err != nil {
			return nil, err
		}
		sdt.Items = append(sdt.Items, it)
	}
	return &sdt, rows.Err()
}

func (s *PostgresStore) ReferenceExists(ctx context.Context, reference string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trades WHERE reference_number = $1 AND created_at >= $2)`,
		reference, since).Scan(&exists)
	return exists, err
}

const transactionColumns = `id, trade_id, adjustment_id, balance_type, side, amount::TEXT, balance_after::TEXT, note, created_at`

func (s *PostgresStore) LatestTransaction(ctx context.Context, bt model.BalanceType) (*model.FinancialTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM financial_transactions
		 WHERE balance_type = $1 ORDER BY seq DESC LIMIT 1`, bt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanTransactions(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, bt model.BalanceType) ([]model.FinancialTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM financial_transactions
		 WHERE balance_type = $1 ORDER BY seq`, bt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

const positionColumns = `id, product_id, trade_id, location, position_type, side, quantity::TEXT, position_after::TEXT, created_at`

func (s *PostgresStore) LatestPosition(ctx context.Context, key model.PositionKey) (*model.InventoryPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM inventory_positions
		 WHERE product_id = $1 AND location = $2 AND position_type = $3
		 ORDER BY seq DESC LIMIT 1`, key.ProductID, key.Location, key.Type)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanPositions(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, key model.PositionKey) ([]model.InventoryPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM inventory_positions
		 WHERE product_id = $1 AND location = $2 AND position_type = $3
		 ORDER BY seq`, key.ProductID, key.Location, key.Type)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionKeys(ctx context.Context) ([]model.PositionKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT product_id, location, position_type FROM inventory_positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.PositionKey
	for rows.Next() {
		var k model.PositionKey
		if err := rows.Scan(&k.ProductID, &k.Location, &k.Type); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Begin opens a database transaction. Ledger entries are inserted inside it
// and become visible only on Commit.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &postgresTx{tx: tx, staging: newStaging(), store: s}, nil
}

type postgresTx struct {
	staging

	tx    pgx.Tx
	store *PostgresStore
}

func (t *postgresTx) SaveQuote(ctx context.Context, q *model.TradeQuote) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trade_quotes (id, side, location, issued_at, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		q.ID, q.Side, q.Location, q.IssuedAt, q.ExpiresAt, q.Status)
	if err != nil {
		return fmt.Errorf("save quote %s: %w", q.ID, err)
	}
	for _, it := range q.Items {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO trade_quote_items (quote_id, product_id, quantity, spot_price, premium, effective_price)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
			 ON CONFLICT (quote_id, product_id) DO NOTHING`,
			q.ID, it.ProductID, it.Quantity.String(), it.SpotPrice.String(),
			it.Premium.String(), it.EffectivePrice.String())
		if err != nil {
			return fmt.Errorf("save quote %s item: %w", q.ID, err)
		}
	}
	t.track(q)
	return nil
}

func (t *postgresTx) SaveTrade(ctx context.Context, tr *model.Trade) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, type, side, location, reference_number, trade_date, settlement_date, created_at,
		                     confirmed_at, cancelled_at, position_settled_at, financial_settled_at,
		                     quote_id, spot_deferred_trade_id, offset_trade_id, offset_of_trade_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		     confirmed_at = EXCLUDED.confirmed_at,
		     cancelled_at = EXCLUDED.cancelled_at,
		     position_settled_at = EXCLUDED.position_settled_at,
		     financial_settled_at = EXCLUDED.financial_settled_at,
		     spot_deferred_trade_id = EXCLUDED.spot_deferred_trade_id,
		     offset_trade_id = EXCLUDED.offset_trade_id,
		     offset_of_trade_id = EXCLUDED.offset_of_trade_id`,
		tr.ID, tr.Type, tr.Side, tr.Location, tr.ReferenceNumber, tr.TradeDate, tr.SettlementDate, tr.CreatedAt,
		tr.ConfirmedAt, tr.CancelledAt, tr.PositionSettledAt, tr.FinancialSettledAt,
		tr.QuoteID, tr.SpotDeferredTradeID, tr.OffsetTradeID, tr.OffsetOfTradeID)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", tr.ID, err)
	}
	for _, it := range tr.Items {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO trade_items (trade_id, product_id, quantity, spot_price, premium, effective_price)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
			 ON CONFLICT (trade_id, product_id) DO NOTHING`,
			tr.ID, it.ProductID, it.Quantity.String(), it.SpotPrice.String(),
			it.Premium.String(), it.EffectivePrice.String())
		if err != nil {
			return fmt.Errorf("save trade %s item: %w", tr.ID, err)
		}
	}
	t.track(tr)
	return nil
}

func (t *postgresTx) InsertSpotDeferredTrade(ctx context.Context, sdt *model.SpotDeferredTrade) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO spot_deferred_trades (id, hedging_account_id, trade_id, confirmation_reference, side, trade_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sdt.ID, sdt.HedgingAccountID, sdt.TradeID, sdt.ConfirmationReference, sdt.Side, sdt.TradeDate, sdt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert spot deferred trade %s: %w", sdt.ID, err)
	}
	for _, it := range sdt.Items {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO spot_deferred_trade_items (spot_deferred_trade_id, metal, price_per_oz, quantity_oz, total_amount)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)`,
			sdt.ID, it.Metal, it.PricePerOz.String(), it.QuantityOz.String(), it.TotalAmount.String())
		if err != nil {
			return fmt.Errorf("insert spot deferred trade %s item: %w", sdt.ID, err)
		}
	}
	t.track(sdt)
	return nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, e *model.FinancialTransaction) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO financial_transactions (id, trade_id, adjustment_id, balance_type, side, amount, balance_after, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		e.ID, e.TradeID, e.AdjustmentID, e.BalanceType, e.Side,
		e.Amount.String(), e.BalanceAfter.String(), e.Note, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert financial transaction %s: %w", e.ID, err)
	}
	t.stageTransaction(e)
	return nil
}

func (t *postgresTx) InsertPosition(ctx context.Context, e *model.InventoryPosition) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO inventory_positions (id, product_id, trade_id, location, position_type, side, quantity, position_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.ProductID, e.TradeID, e.Location, e.Type, e.Side,
		e.Quantity.String(), e.PositionAfter.String(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert inventory position %s: %w", e.ID, err)
	}
	t.stagePosition(e)
	return nil
}

func (t *postgresTx) InsertHedgingItem(ctx context.Context, it *model.HedgingItem) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO hedging_items (id, hedging_account_id, amount, note, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		it.ID, it.HedgingAccountID, it.Amount.String(), it.Note, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert hedging item %s: %w", it.ID, err)
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		_ = t.tx.Rollback(context.WithoutCancel(ctx))
		return fmt.Errorf("commit: %w", err)
	}
	t.afterCommit(ctx, t.store.sink, t.store.log)
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// --- scanning helpers ---

type field struct {
	dst *decimal.Decimal
	raw string
}

func parseInto(fields ...field) error {
	for _, f := range fields {
		d, err := parseDecimal(f.raw)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

func scanTransactions(rows pgx.Rows) ([]model.FinancialTransaction, error) {
	var entries []model.FinancialTransaction
	for rows.Next() {
		var e model.FinancialTransaction
		var amount, after string
		if err := rows.Scan(&e.ID, &e.TradeID, &e.AdjustmentID, &e.BalanceType, &e.Side,
			&amount, &after, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseInto(field{&e.Amount, amount}, field{&e.BalanceAfter, after}); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanPositions(rows pgx.Rows) ([]model.InventoryPosition, error) {
	var entries []model.InventoryPosition
	for rows.Next() {
		var e model.InventoryPosition
		var qty, after string
		if err := rows.Scan(&e.ID, &e.ProductID, &e.TradeID, &e.Location, &e.Type, &e.Side,
			&qty, &after, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseInto(field{&e.Quantity, qty}, field{&e.PositionAfter, after}); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
