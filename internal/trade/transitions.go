package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bullionops/dealer-ledger/internal/metrics"
	"github.com/bullionops/dealer-ledger/internal/model"
	"github.com/bullionops/dealer-ledger/internal/store"
)

// transition loads a trade under the balance lock, applies fn inside a unit
// of work and commits the trade with whatever fn appended.
func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, fn func(ctx context.Context, tx store.Tx, t *model.Trade, now time.Time) error) (*model.Trade, error) {
	var out *model.Trade
	err := s.run(ctx, op, []attribute.KeyValue{attribute.String("trade_id", id.String())}, func(ctx context.Context) error {
		t, err := s.store.GetTrade(ctx, id)
		if err != nil {
			return fmt.Errorf("load trade %s: %w", id, err)
		}
		now := s.now().UTC()

		tx, err := s.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

		if err := fn(ctx, tx, t, now); err != nil {
			return err
		}
		if err := tx.SaveTrade(ctx, t); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit trade %s: %w", t.ID, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("trade_id", id.String()).Str("operation", op).Msg("trade updated")
	return out, nil
}

// ConfirmTrade records client confirmation.
func (s *Service) ConfirmTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return s.transition(ctx, "confirm", id, func(_ context.Context, _ store.Tx, t *model.Trade, now time.Time) error {
		return t.Confirm(now)
	})
}

// SettlePosition records the physical delivery of a trade on the settled
// position type.
func (s *Service) SettlePosition(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return s.transition(ctx, "settle_position", id, func(ctx context.Context, tx store.Tx, t *model.Trade, now time.Time) error {
		if err := t.SettlePosition(now); err != nil {
			return err
		}
		_, err := s.appendPositions(ctx, tx, t, model.PositionTypeSettled, now)
		return err
	})
}

// SettleFinancially records the cash movement of a trade on the actual
// balance type. Paying for a buy needs enough actual cash.
func (s *Service) SettleFinancially(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return s.transition(ctx, "settle_financially", id, func(ctx context.Context, tx store.Tx, t *model.Trade, now time.Time) error {
		if err := t.SettleFinancially(now); err != nil {
			return err
		}
		if t.Side == model.SideBuy {
			total := t.TotalAmount()
			ok, err := s.finance.HasEnough(ctx, model.BalanceTypeActual, total)
			if err != nil {
				return err
			}
			if !ok {
				metrics.SufficiencyRejections.WithLabelValues("cash").Inc()
				return fmt.Errorf("%w: %s cash does not cover %s", model.ErrInsufficientFunds, model.BalanceTypeActual, total)
			}
		}
		_, err := s.appendCash(ctx, tx, t, model.BalanceTypeActual, now)
		return err
	})
}

// CancelTrade cancels an unsettled client or dealer trade by booking an
// opposite-side offset trade that reverses its ledger entries. A hedged
// trade has its hedge reversed at the venue and recorded the same way.
func (s *Service) CancelTrade(ctx context.Context, id uuid.UUID) (*Execution, error) {
	var exec *Execution
	err := s.run(ctx, "cancel", []attribute.KeyValue{attribute.String("trade_id", id.String())}, func(ctx context.Context) error {
		var err error
		exec, err = s.cancelTrade(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(exec.Trade.Type), string(exec.Trade.Side)).Inc()
	return exec, nil
}

func (s *Service) cancelTrade(ctx context.Context, id uuid.UUID) (exec *Execution, err error) {
	now := s.now().UTC()

	original, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load trade %s: %w", id, err)
	}
	offset, err := model.NewTrade(model.NewTradeParams{
		Type:           model.TradeTypeOffset,
		Side:           original.Side.Opposite(),
		Location:       original.Location,
		TradeDate:      now,
		SettlementDate: s.settlementDate(now),
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	for _, it := range original.Items {
		if err := offset.AddItem(it); err != nil {
			return nil, err
		}
	}
	if err := original.CancelWithOffset(offset, now); err != nil {
		return nil, err
	}
	// Reversing a sell pays the client back out of effective cash.
	if offset.Side == model.SideBuy {
		if err := s.checkSufficiency(ctx, offset.Side, offset.Location, offset.Items); err != nil {
			return nil, err
		}
	}

	var (
		sdt *model.SpotDeferredTrade
		leg *hedgeLeg
	)
	if original.SpotDeferredTradeID != nil {
		var hedged *model.SpotDeferredTrade
		hedged, err = s.store.GetSpotDeferredTrade(ctx, *original.SpotDeferredTradeID)
		if err != nil {
			return nil, fmt.Errorf("load spot deferred trade %s: %w", *original.SpotDeferredTradeID, err)
		}
		ids := make([]uuid.UUID, len(offset.Items))
		for i, it := range offset.Items {
			ids[i] = it.ProductID
		}
		var products map[uuid.UUID]*model.Product
		if products, err = s.loadProducts(ctx, ids); err != nil {
			return nil, err
		}

		sdt, leg, err = s.hedge(ctx, offset, products, hedged.HedgingAccountID, now)
		if leg != nil {
			defer func() {
				if err != nil {
					s.compensate(ctx, leg, err)
				}
			}()
		}
		if err != nil {
			return nil, err
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := tx.SaveTrade(ctx, original); err != nil {
		return nil, err
	}
	if err := tx.SaveTrade(ctx, offset); err != nil {
		return nil, err
	}
	if sdt != nil {
		if err := tx.InsertSpotDeferredTrade(ctx, sdt); err != nil {
			return nil, err
		}
	}
	positions, err := s.appendPositions(ctx, tx, offset, model.PositionTypeAvailable, now)
	if err != nil {
		return nil, err
	}
	cash, err := s.appendCash(ctx, tx, offset, model.BalanceTypeEffective, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancellation of %s: %w", original.ID, err)
	}

	s.log.Info().
		Str("trade_id", original.ID.String()).
		Str("offset_trade_id", offset.ID.String()).
		Bool("hedged", sdt != nil).
		Msg("trade cancelled")

	return &Execution{Trade: offset, Original: original, SpotDeferredTrade: sdt, Transaction: cash, Positions: positions}, nil
}

// AdjustCashRequest is a manual cash entry not tied to a trade.
type AdjustCashRequest struct {
	BalanceType model.BalanceType     `json:"balance_type"`
	Side        model.TransactionSide `json:"side"`
	Amount      decimal.Decimal       `json:"amount"`
	Note        string                `json:"note"`
}

// AdjustCash books a manual adjustment, such as a deposit or withdrawal.
// A debit that would take the balance below zero is refused.
func (s *Service) AdjustCash(ctx context.Context, req AdjustCashRequest) (*model.FinancialTransaction, error) {
	var out *model.FinancialTransaction
	attrs := []attribute.KeyValue{
		attribute.String("balance_type", string(req.BalanceType)),
		attribute.String("side", string(req.Side)),
	}
	err := s.run(ctx, "adjust_cash", attrs, func(ctx context.Context) error {
		if req.BalanceType != model.BalanceTypeEffective && req.BalanceType != model.BalanceTypeActual {
			return fmt.Errorf("%w: unknown balance type %q", model.ErrValidation, req.BalanceType)
		}
		if req.Side == model.TransactionDebit {
			ok, err := s.finance.HasEnough(ctx, req.BalanceType, req.Amount)
			if err != nil {
				return err
			}
			if !ok {
				metrics.SufficiencyRejections.WithLabelValues("cash").Inc()
				return fmt.Errorf("%w: %s cash does not cover %s", model.ErrInsufficientFunds, req.BalanceType, req.Amount)
			}
		}

		tx, err := s.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

		e, err := s.finance.CreateAdjustment(ctx, tx, req.BalanceType, req.Side, req.Amount, req.Note)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit adjustment: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddHedgingItemRequest is a manual adjustment to a hedging account, such as
// a fee or a rolled position's carry. Amount is signed.
type AddHedgingItemRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// AddHedgingItem books a manual adjustment that counts toward the account's
// unrealized gain or loss.
func (s *Service) AddHedgingItem(ctx context.Context, accountID uuid.UUID, req AddHedgingItemRequest) (*model.HedgingItem, error) {
	var out *model.HedgingItem
	err := s.run(ctx, "add_hedging_item", []attribute.KeyValue{attribute.String("hedging_account_id", accountID.String())}, func(ctx context.Context) error {
		if req.Amount.IsZero() {
			return fmt.Errorf("%w: hedging item amount must not be zero", model.ErrValidation)
		}
		if _, err := s.store.GetHedgingAccount(ctx, accountID); err != nil {
			return fmt.Errorf("load hedging account %s: %w", accountID, err)
		}

		tx, err := s.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

		it := &model.HedgingItem{
			ID:               uuid.New(),
			HedgingAccountID: accountID,
			Amount:           req.Amount,
			Note:             req.Note,
			CreatedAt:        s.now().UTC(),
		}
		if err := tx.InsertHedgingItem(ctx, it); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit hedging item: %w", err)
		}
		out = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("hedging_account_id", accountID.String()).
		Str("amount", out.Amount.String()).
		Msg("hedging item booked")
	return out, nil
}
