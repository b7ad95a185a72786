package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bullionops/dealer-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	products     map[uuid.UUID]model.Product
	accounts     map[uuid.UUID]*model.HedgingAccount
	quotes       map[uuid.UUID]*model.TradeQuote
	trades       map[uuid.UUID]*model.Trade
	spotDeferred map[uuid.UUID]*model.SpotDeferredTrade
	transactions []model.FinancialTransaction
	positions    []model.InventoryPosition

	sink EventSink
	log  zerolog.Logger
}

// NewMemoryStore creates a new in-memory store. sink may be nil.
func NewMemoryStore(sink EventSink) *MemoryStore {
	return &MemoryStore{
		products:     make(map[uuid.UUID]model.Product),
		accounts:     make(map[uuid.UUID]*model.HedgingAccount),
		quotes:       make(map[uuid.UUID]*model.TradeQuote),
		trades:       make(map[uuid.UUID]*model.Trade),
		spotDeferred: make(map[uuid.UUID]*model.SpotDeferredTrade),
		sink:         sink,
		log:          zerolog.Nop(),
	}
}

// SetLogger replaces the logger used for post-commit failures.
func (s *MemoryStore) SetLogger(log zerolog.Logger) {
	s.log = log
}

// PutProduct seeds catalog data.
func (s *MemoryStore) PutProduct(p model.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutHedgingAccount seeds a hedging account. Its spot deferred trades are
// tracked by the store from then on.
func (s *MemoryStore) PutHedgingAccount(a model.HedgingAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := a
	acc.SpotDeferredTrades = nil
	s.accounts[a.ID] = &acc
	for i := range a.SpotDeferredTrades {
		sdt := a.SpotDeferredTrades[i].Clone()
		sdt.HedgingAccountID = a.ID
		s.spotDeferred[sdt.ID] = sdt
	}
}

func (s *MemoryStore) GetProduct(_ context.Context, id uuid.UUID) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, model.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetHedgingAccount(_ context.Context, id uuid.UUID) (*model.HedgingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("hedging account %s: %w", id, model.ErrNotFound)
	}
	acc := *a
	acc.HedgingItems = append([]model.HedgingItem(nil), a.HedgingItems...)
	acc.SpotDeferredTrades = nil
	for _, sdt := range s.spotDeferred {
		if sdt.HedgingAccountID == id {
			acc.SpotDeferredTrades = append(acc.SpotDeferredTrades, *sdt.Clone())
		}
	}
	return &acc, nil
}

func (s *MemoryStore) GetQuote(_ context.Context, id uuid.UUID) (*model.TradeQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[id]
	if !ok {
		return nil, fmt.Errorf("quote %s: %w", id, model.ErrNotFound)
	}
	return q.Clone(), nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id uuid.UUID) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) GetSpotDeferredTrade(_ context.Context, id uuid.UUID) (*model.SpotDeferredTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sdt, ok := s.spotDeferred[id]
	if !ok {
		return nil, fmt.Errorf("spot deferred trade %s: %w", id, model.ErrNotFound)
	}
	return sdt.Clone(), nil
}

func (s *MemoryStore) ReferenceExists(_ context.Context, reference string, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.trades {
		if t.ReferenceNumber == reference && !t.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) LatestTransaction(_ context.Context, bt model.BalanceType) (*model.FinancialTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].BalanceType == bt {
			e := s.transactions[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) LatestPosition(_ context.Context, key model.PositionKey) (*model.InventoryPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.positions) - 1; i >= 0; i-- {
		if s.positions[i].Key() == key {
			e := s.positions[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, bt model.BalanceType) ([]model.FinancialTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FinancialTransaction
	for _, e := range s.transactions {
		if e.BalanceType == bt {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, key model.PositionKey) ([]model.InventoryPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InventoryPosition
	for _, e := range s.positions {
		if e.Key() == key {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositionKeys(_ context.Context) ([]model.PositionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[model.PositionKey]bool)
	var keys []model.PositionKey
	for _, e := range s.positions {
		k := e.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Begin opens an in-memory unit of work. Writes are staged and applied to the
// store under a single lock on Commit.
func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{
		store:   s,
		staging: newStaging(),
	}, nil
}

type memoryTx struct {
	staging

	store        *MemoryStore
	quotes       []*model.TradeQuote
	trades       []*model.Trade
	spotDeferred []*model.SpotDeferredTrade
	transactions []*model.FinancialTransaction
	positions    []*model.InventoryPosition
	hedgingItems []model.HedgingItem
}

func (tx *memoryTx) SaveQuote(_ context.Context, q *model.TradeQuote) error {
	if tx.done {
		return ErrTxDone
	}
	tx.quotes = append(tx.quotes, q)
	tx.track(q)
	return nil
}

func (tx *memoryTx) SaveTrade(_ context.Context, t *model.Trade) error {
	if tx.done {
		return ErrTxDone
	}
	tx.trades = append(tx.trades, t)
	tx.track(t)
	return nil
}

func (tx *memoryTx) InsertSpotDeferredTrade(_ context.Context, sdt *model.SpotDeferredTrade) error {
	if tx.done {
		return ErrTxDone
	}
	tx.spotDeferred = append(tx.spotDeferred, sdt)
	tx.track(sdt)
	return nil
}

func (tx *memoryTx) InsertTransaction(_ context.Context, e *model.FinancialTransaction) error {
	if tx.done {
		return ErrTxDone
	}
	tx.transactions = append(tx.transactions, e)
	tx.stageTransaction(e)
	return nil
}

func (tx *memoryTx) InsertPosition(_ context.Context, e *model.InventoryPosition) error {
	if tx.done {
		return ErrTxDone
	}
	tx.positions = append(tx.positions, e)
	tx.stagePosition(e)
	return nil
}

func (tx *memoryTx) InsertHedgingItem(_ context.Context, it *model.HedgingItem) error {
	if tx.done {
		return ErrTxDone
	}
	tx.store.mu.RLock()
	_, ok := tx.store.accounts[it.HedgingAccountID]
	tx.store.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hedging account %s: %w", it.HedgingAccountID, model.ErrNotFound)
	}
	tx.hedgingItems = append(tx.hedgingItems, *it)
	return nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s := tx.store
	s.mu.Lock()
	// Snapshot at commit time, so later mutations of the caller's pointers
	// do not leak into the store.
	for _, q := range tx.quotes {
		s.quotes[q.ID] = q.Clone()
	}
	for _, t := range tx.trades {
		s.trades[t.ID] = t.Clone()
	}
	for _, sdt := range tx.spotDeferred {
		s.spotDeferred[sdt.ID] = sdt.Clone()
	}
	for _, e := range tx.transactions {
		c := *e
		c.ClearEvents()
		s.transactions = append(s.transactions, c)
	}
	for _, e := range tx.positions {
		c := *e
		c.ClearEvents()
		s.positions = append(s.positions, c)
	}
	for _, it := range tx.hedgingItems {
		acc := s.accounts[it.HedgingAccountID]
		acc.HedgingItems = append(acc.HedgingItems, it)
	}
	s.mu.Unlock()

	tx.afterCommit(ctx, s.sink, s.log)
	return nil
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	tx.done = true
	return nil
}
