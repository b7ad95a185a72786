// Package inventory owns the per-(product, location, position type) quantity
// chains. Running quantities may go negative: selling ahead of settlement is
// allowed.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bullionops/dealer-ledger/internal/ledger"
	"github.com/bullionops/dealer-ledger/internal/model"
	"github.com/bullionops/dealer-ledger/internal/store"
)

// Option configures a Service.
type Option func(*Service)

// WithValidator replaces the default sufficiency rule.
func WithValidator(v ledger.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithoutCache makes every balance read go to the store.
func WithoutCache() Option {
	return func(s *Service) { s.cache = ledger.NewUncached(s.latest) }
}

// Service is the only writer of inventory positions and of their cache.
type Service struct {
	store     store.Store
	chain     ledger.Chain
	cache     *ledger.Cache[model.PositionKey]
	validator ledger.Validator
	log       zerolog.Logger
}

// NewService creates an inventory service backed by st.
func NewService(st store.Store, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		chain:     ledger.Inventory,
		validator: ledger.AtLeast,
		log:       log,
	}
	s.cache = ledger.NewCache(s.latest)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) latest(ctx context.Context, key model.PositionKey) (decimal.Decimal, error) {
	e, err := s.store.LatestPosition(ctx, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load latest position %s: %w", key, err)
	}
	if e == nil {
		return decimal.Zero, nil
	}
	return e.PositionAfter, nil
}

// Balance returns the current running quantity for key. Unlocked callers may
// see a value that changes immediately after.
func (s *Service) Balance(ctx context.Context, key model.PositionKey) (decimal.Decimal, error) {
	return s.cache.Get(ctx, key)
}

// HasEnough reports whether key holds at least requested units, as decided
// by the configured validator.
func (s *Service) HasEnough(ctx context.Context, key model.PositionKey, requested decimal.Decimal) (bool, error) {
	balance, err := s.cache.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return s.validator.Sufficient(balance, requested), nil
}

// CreateParams describes one inventory movement.
type CreateParams struct {
	ProductID uuid.UUID
	TradeID   uuid.UUID
	Location  model.Location
	Type      model.PositionType
	Side      model.PositionSide
	Quantity  decimal.Decimal
	At        time.Time
}

// CreatePosition appends an entry to the chain for the params' key inside tx.
// The cache moves only after tx commits. Callers must hold the balance lock.
func (s *Service) CreatePosition(ctx context.Context, tx store.Tx, p CreateParams) (*model.InventoryPosition, error) {
	if !p.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown position side %q", model.ErrValidation, p.Side)
	}
	if p.Type != model.PositionTypeAvailable && p.Type != model.PositionTypeSettled {
		return nil, fmt.Errorf("%w: unknown position type %q", model.ErrValidation, p.Type)
	}
	if p.Quantity.IsNegative() {
		return nil, fmt.Errorf("%w: quantity must not be negative", model.ErrValidation)
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}

	key := model.PositionKey{ProductID: p.ProductID, Location: p.Location, Type: p.Type}
	prior, err := s.prior(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	next, err := s.chain.Append(prior, p.Side.Sign().Mul(p.Quantity))
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", key, err)
	}

	entry := model.NewInventoryPosition(model.InventoryPosition{
		ID:            uuid.New(),
		ProductID:     p.ProductID,
		TradeID:       p.TradeID,
		Location:      p.Location,
		Type:          p.Type,
		Side:          p.Side,
		Quantity:      p.Quantity,
		PositionAfter: next,
		CreatedAt:     p.At,
	})
	if err := tx.InsertPosition(ctx, entry); err != nil {
		return nil, err
	}
	tx.OnCommit(func() { s.cache.Set(key, next) })

	s.log.Debug().
		Str("key", key.String()).
		Str("side", string(p.Side)).
		Str("quantity", p.Quantity.String()).
		Str("position_after", next.String()).
		Msg("inventory position staged")
	return entry, nil
}

// prior prefers an entry staged earlier in the same unit of work.
func (s *Service) prior(ctx context.Context, tx store.Tx, key model.PositionKey) (decimal.Decimal, error) {
	if e, ok := tx.StagedPosition(key); ok {
		return e.PositionAfter, nil
	}
	return s.cache.Get(ctx, key)
}

// Replay recomputes key's balance from its full history, bypassing the cache,
// and checks every recorded link.
func (s *Service) Replay(ctx context.Context, key model.PositionKey) (decimal.Decimal, error) {
	entries, err := s.store.ListPositions(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	links := make([]ledger.Link, len(entries))
	for i := range entries {
		links[i] = ledger.Link{Delta: entries[i].SignedQuantity(), After: entries[i].PositionAfter}
	}
	balance, err := s.chain.Verify(links)
	if err != nil {
		return balance, fmt.Errorf("position %s: %w", key, err)
	}
	return balance, nil
}

// Keys lists every chain with at least one entry.
func (s *Service) Keys(ctx context.Context) ([]model.PositionKey, error) {
	return s.store.ListPositionKeys(ctx)
}
