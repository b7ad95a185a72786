// Package finance owns the cash chains, one per balance type. A cash balance
// never goes below zero: an append that would do so fails and nothing is
// written.
package finance

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

// Service is the only writer of financial transactions and of their cache.
type Service struct {
	store     store.Store
	chain     ledger.Chain
	cache     *ledger.Cache[model.BalanceType]
	validator ledger.Validator
	log       zerolog.Logger
}

// NewService creates a finance service backed by st.
func NewService(st store.Store, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		chain:     ledger.Cash,
		validator: ledger.AtLeast,
		log:       log,
	}
	s.cache = ledger.NewCache(s.latest)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) latest(ctx context.Context, bt model.BalanceType) (decimal.Decimal, error) {
	e, err := s.store.LatestTransaction(ctx, bt)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load latest %s transaction: %w", bt, err)
	}
	if e == nil {
		return decimal.Zero, nil
	}
	return e.BalanceAfter, nil
}

// Balance returns the current cash balance of bt.
func (s *Service) Balance(ctx context.Context, bt model.BalanceType) (decimal.Decimal, error) {
	return s.cache.Get(ctx, bt)
}

// HasEnough reports whether bt covers amount, as decided by the configured
// validator.
func (s *Service) HasEnough(ctx context.Context, bt model.BalanceType, amount decimal.Decimal) (bool, error) {
	balance, err := s.cache.Get(ctx, bt)
	if err != nil {
		return false, err
	}
	return s.validator.Sufficient(balance, amount), nil
}

// CreateParams describes one cash movement. Exactly one of TradeID and
// AdjustmentID is usually set.
type CreateParams struct {
	TradeID      *uuid.UUID
	AdjustmentID *uuid.UUID
	BalanceType  model.BalanceType
	Side         model.TransactionSide
	Amount       decimal.Decimal
	Note         string
	At           time.Time
}

// CreateTransaction appends a cash entry inside tx. It fails with
// ErrNegativeBalance, before anything is written, when the resulting balance
// would be negative. Callers must hold the balance lock.
func (s *Service) CreateTransaction(ctx context.Context, tx store.Tx, p CreateParams) (*model.FinancialTransaction, error) {
	if !p.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction side %q", model.ErrValidation, p.Side)
	}
	if p.BalanceType != model.BalanceTypeEffective && p.BalanceType != model.BalanceTypeActual {
		return nil, fmt.Errorf("%w: unknown balance type %q", model.ErrValidation, p.BalanceType)
	}
	if p.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", model.ErrValidation)
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}

	prior, err := s.prior(ctx, tx, p.BalanceType)
	if err != nil {
		return nil, err
	}
	next, err := s.chain.Append(prior, p.Side.Sign().Mul(p.Amount))
	if err != nil {
		return nil, fmt.Errorf("%s balance %s %s %s: %w", p.BalanceType, prior, p.Side, p.Amount, err)
	}

	entry := model.NewFinancialTransaction(model.FinancialTransaction{
		ID:           uuid.New(),
		TradeID:      p.TradeID,
		AdjustmentID: p.AdjustmentID,
		BalanceType:  p.BalanceType,
		Side:         p.Side,
		Amount:       p.Amount,
		BalanceAfter: next,
		Note:         p.Note,
		CreatedAt:    p.At,
	})
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return nil, err
	}
	bt := p.BalanceType
	tx.OnCommit(func() { s.cache.Set(bt, next) })
	return entry, nil
}

// CreateAdjustment books a manual cash correction not caused by a trade.
func (s *Service) CreateAdjustment(ctx context.Context, tx store.Tx, bt model.BalanceType, side model.TransactionSide, amount decimal.Decimal, note string) (*model.FinancialTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: adjustment amount must be positive", model.ErrValidation)
	}
	id := uuid.New()
	entry, err := s.CreateTransaction(ctx, tx, CreateParams{
		AdjustmentID: &id,
		BalanceType:  bt,
		Side:         side,
		Amount:       amount,
		Note:         note,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("adjustment_id", id.String()).
		Str("balance_type", string(bt)).
		Str("side", string(side)).
		Str("amount", amount.String()).
		Msg("cash adjustment staged")
	return entry, nil
}

func (s *Service) prior(ctx context.Context, tx store.Tx, bt model.BalanceType) (decimal.Decimal, error) {
	if e, ok := tx.StagedTransaction(bt); ok {
		return e.BalanceAfter, nil
	}
	return s.cache.Get(ctx, bt)
}

// Replay recomputes bt's balance from its full history, bypassing the cache.
func (s *Service) Replay(ctx context.Context, bt model.BalanceType) (decimal.Decimal, error) {
	entries, err := s.store.ListTransactions(ctx, bt)
	if err != nil {
		return decimal.Zero, err
	}
	links := make([]ledger.Link, len(entries))
	for i := range entries {
		links[i] = ledger.Link{Delta: entries[i].SignedAmount(), After: entries[i].BalanceAfter}
	}
	balance, err := s.chain.Verify(links)
	if err != nil {
		return balance, fmt.Errorf("%s balance: %w", bt, err)
	}
	return balance, nil
}
