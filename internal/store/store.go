// Package store defines the persistence boundary of the dealer ledger.
// Implementations include PostgreSQL (source of truth), a Redis read-through
// cache for catalog data, and in-memory (for testing).
//
// Reads go through Store. Every write happens inside a Tx, the unit of work
// the trade workflow treats as atomic: either every entry created in it is
// durable or none is. Domain events buffered on the aggregates written through
// a Tx are handed to the EventSink only after Commit succeeds.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// Store is the read side plus the unit-of-work factory.
type Store interface {
	// --- Reference data ---

	// GetProduct retrieves a catalog product.
	GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error)

	// GetHedgingAccount retrieves an account with its spot deferred trades
	// and hedging items.
	GetHedgingAccount(ctx context.Context, id uuid.UUID) (*model.HedgingAccount, error)

	// --- Aggregates ---

	GetQuote(ctx context.Context, id uuid.UUID) (*model.TradeQuote, error)
	GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error)
	GetSpotDeferredTrade(ctx context.Context, id uuid.UUID) (*model.SpotDeferredTrade, error)

	// ReferenceExists reports whether a trade with this reference number was
	// created at or after since.
	ReferenceExists(ctx context.Context, reference string, since time.Time) (bool, error)

	// --- Immutable ledgers ---

	// LatestTransaction returns the most recent cash entry of a balance
	// type, or nil when there is none.
	LatestTransaction(ctx context.Context, bt model.BalanceType) (*model.FinancialTransaction, error)

	// LatestPosition returns the most recent inventory entry for key, or nil.
	LatestPosition(ctx context.Context, key model.PositionKey) (*model.InventoryPosition, error)

	// ListTransactions returns a balance type's entries in creation order.
	ListTransactions(ctx context.Context, bt model.BalanceType) ([]model.FinancialTransaction, error)

	// ListPositions returns a chain's entries in creation order.
	ListPositions(ctx context.Context, key model.PositionKey) ([]model.InventoryPosition, error)

	// ListPositionKeys returns every inventory chain that has entries.
	ListPositionKeys(ctx context.Context) ([]model.PositionKey, error)

	// Begin opens a unit of work.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work. Writes are invisible to Store reads until Commit.
type Tx interface {
	// SaveQuote inserts or updates a quote.
	SaveQuote(ctx context.Context, q *model.TradeQuote) error

	// SaveTrade inserts or updates a trade and inserts its items.
	SaveTrade(ctx context.Context, t *model.Trade) error

	// InsertSpotDeferredTrade appends a hedge record.
	InsertSpotDeferredTrade(ctx context.Context, s *model.SpotDeferredTrade) error

	// InsertTransaction appends a cash entry.
	InsertTransaction(ctx context.Context, e *model.FinancialTransaction) error

	// InsertPosition appends an inventory entry.
	InsertPosition(ctx context.Context, e *model.InventoryPosition) error

	// InsertHedgingItem appends a manual adjustment to a hedging account.
	InsertHedgingItem(ctx context.Context, it *model.HedgingItem) error

	// StagedTransaction returns the latest cash entry of bt written in this
	// unit of work, if any.
	StagedTransaction(bt model.BalanceType) (*model.FinancialTransaction, bool)

	// StagedPosition returns the latest inventory entry for key written in
	// this unit of work, if any.
	StagedPosition(key model.PositionKey) (*model.InventoryPosition, bool)

	// OnCommit registers fn to run after a successful commit, before events
	// are handed to the sink.
	OnCommit(fn func())

	// Commit makes every write durable, runs the commit hooks and publishes
	// buffered domain events. On error nothing is durable.
	Commit(ctx context.Context) error

	// Rollback discards the unit of work. Safe to call after Commit.
	Rollback(ctx context.Context) error
}

// EventSink receives the domain events of a committed unit of work.
type EventSink interface {
	Enqueue(ctx context.Context, events []model.DomainEvent) error
}
