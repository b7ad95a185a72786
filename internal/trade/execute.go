package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bullionops/dealer-ledger/internal/hedging"
	"github.com/bullionops/dealer-ledger/internal/metrics"
	"github.com/bullionops/dealer-ledger/internal/model"
)

// --- Request types ---

// IssueQuoteRequest prices a quote. SpotPrice is per troy ounce, Premium per
// unit.
type IssueQuoteRequest struct {
	Side     model.Side       `json:"side"`
	Location model.Location   `json:"location"`
	TTL      time.Duration    `json:"-"`
	Items    []IssueQuoteItem `json:"items"`
}

// IssueQuoteItem is one priced line of a quote request.
type IssueQuoteItem struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	SpotPrice decimal.Decimal `json:"spot_price"`
	Premium   decimal.Decimal `json:"premium"`
}

// ExecuteQuoteRequest executes a pending quote.
type ExecuteQuoteRequest struct {
	QuoteID         uuid.UUID `json:"quote_id"`
	ReferenceNumber string    `json:"reference_number,omitempty"`
}

// ExecuteDealerTradeRequest books a trade with another dealer. Prices are
// supplied by the counterparty: SpotPrice and PricePerOz are per troy ounce.
type ExecuteDealerTradeRequest struct {
	Side            model.Side     `json:"side"`
	Location        model.Location `json:"location"`
	ReferenceNumber string         `json:"reference_number,omitempty"`
	AutoHedge       bool           `json:"auto_hedge"`
	Items           []DealerItem   `json:"items"`
}

// DealerItem is one product line of a dealer trade.
type DealerItem struct {
	ProductID  uuid.UUID       `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	SpotPrice  decimal.Decimal `json:"spot_price"`
	PricePerOz decimal.Decimal `json:"price_per_oz"`
}

const defaultQuoteTTL = 30 * time.Second

// IssueQuote stores a pending quote. EffectivePrice is spot × fine weight +
// premium, per unit.
func (s *Service) IssueQuote(ctx context.Context, req IssueQuoteRequest) (*model.TradeQuote, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", model.ErrValidation, req.Side)
	}
	if req.Location == "" {
		return nil, fmt.Errorf("%w: location is required", model.ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: quote has no items", model.ErrValidation)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultQuoteTTL
	}

	ids := make([]uuid.UUID, len(req.Items))
	for i, it := range req.Items {
		ids[i] = it.ProductID
	}
	products, err := s.loadProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	q := &model.TradeQuote{
		ID:        uuid.New(),
		Side:      req.Side,
		Location:  req.Location,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Status:    model.QuoteStatusPending,
	}
	seen := make(map[uuid.UUID]bool, len(req.Items))
	for _, it := range req.Items {
		if seen[it.ProductID] {
			return nil, fmt.Errorf("%w: product %s appears twice", model.ErrValidation, it.ProductID)
		}
		seen[it.ProductID] = true
		if !it.Quantity.IsPositive() || !it.SpotPrice.IsPositive() || it.Premium.IsNegative() {
			return nil, fmt.Errorf("%w: quote line for %s needs positive quantity and spot, non-negative premium", model.ErrValidation, it.ProductID)
		}
		p := products[it.ProductID]
		q.Items = append(q.Items, model.QuoteItem{
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			SpotPrice:      it.SpotPrice,
			Premium:        it.Premium,
			EffectivePrice: it.SpotPrice.Mul(p.WeightOz).Add(it.Premium),
		})
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()
	if err := tx.SaveQuote(ctx, q); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// ExpireQuote moves a pending quote to expired.
func (s *Service) ExpireQuote(ctx context.Context, id uuid.UUID) (*model.TradeQuote, error) {
	var q *model.TradeQuote
	err := s.run(ctx, "expire_quote", []attribute.KeyValue{attribute.String("quote_id", id.String())}, func(ctx context.Context) error {
		var err error
		q, err = s.store.GetQuote(ctx, id)
		if err != nil {
			return fmt.Errorf("load quote %s: %w", id, err)
		}
		if err := q.MarkAsExpired(s.now().UTC()); err != nil {
			return err
		}
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()
		if err := tx.SaveQuote(ctx, q); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// PreviewHedge prices the hedge a quote would need, without committing
// anything at the venue.
func (s *Service) PreviewHedge(ctx context.Context, quoteID uuid.UUID) (*hedging.Result, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("load quote %s: %w", quoteID, err)
	}
	items, ids := quoteLines(q)
	products, err := s.loadProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	res, err := s.hedger.QuoteHedge(ctx, hedging.Request{
		Side:       q.Side.Opposite(),
		Location:   q.Location,
		Reference:  q.ID.String(),
		Quantities: ouncesByMetal(items, products),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrHedgeFailed, err)
	}
	return res, nil
}

// quoteLines copies quote prices verbatim into trade lines.
func quoteLines(q *model.TradeQuote) ([]model.TradeItem, []uuid.UUID) {
	items := make([]model.TradeItem, len(q.Items))
	ids := make([]uuid.UUID, len(q.Items))
	for i, it := range q.Items {
		items[i] = model.TradeItem{
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			SpotPrice:      it.SpotPrice,
			Premium:        it.Premium,
			EffectivePrice: it.EffectivePrice,
		}
		ids[i] = it.ProductID
	}
	return items, ids
}

// ExecuteQuote turns a pending quote into a hedged client trade with its
// ledger entries, atomically.
func (s *Service) ExecuteQuote(ctx context.Context, req ExecuteQuoteRequest) (*Execution, error) {
	var exec *Execution
	attrs := []attribute.KeyValue{attribute.String("quote_id", req.QuoteID.String())}
	err := s.run(ctx, "execute_quote", attrs, func(ctx context.Context) error {
		var err error
		exec, err = s.executeQuote(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(exec.Trade.Type), string(exec.Trade.Side)).Inc()
	return exec, nil
}

func (s *Service) executeQuote(ctx context.Context, req ExecuteQuoteRequest) (exec *Execution, err error) {
	now := s.now().UTC()

	// 1. Uniqueness guard.
	if err := s.checkReference(ctx, req.ReferenceNumber, now); err != nil {
		return nil, err
	}

	// 2. Load and validate the quote.
	q, err := s.store.GetQuote(ctx, req.QuoteID)
	if err != nil {
		return nil, fmt.Errorf("load quote %s: %w", req.QuoteID, err)
	}
	if q.Status != model.QuoteStatusPending {
		return nil, fmt.Errorf("%w: quote %s is %s", model.ErrInvalidState, q.ID, q.Status)
	}
	if q.IsExpired(now) {
		return nil, fmt.Errorf("%w: quote %s expired at %s", model.ErrQuoteExpired, q.ID, q.ExpiresAt.Format(time.RFC3339))
	}
	if len(q.Items) == 0 {
		return nil, fmt.Errorf("%w: quote %s has no items", model.ErrValidation, q.ID)
	}
	lines, ids := quoteLines(q)
	products, err := s.loadProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	accountID, err := s.hedgingAccount(q.Location)
	if err != nil {
		return nil, err
	}

	// 3. Sufficiency gate.
	if err := s.checkSufficiency(ctx, q.Side, q.Location, lines); err != nil {
		return nil, err
	}

	// 4. Trade materialization.
	quoteID := q.ID
	t, err := model.NewTrade(model.NewTradeParams{
		Type:            model.TradeTypeClient,
		Side:            q.Side,
		Location:        q.Location,
		ReferenceNumber: req.ReferenceNumber,
		TradeDate:       now,
		SettlementDate:  s.settlementDate(now),
		QuoteID:         &quoteID,
		CreatedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if err := t.AddItem(line); err != nil {
			return nil, err
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	// 5-6. Hedge and record the spot deferred trade.
	sdt, leg, err := s.hedge(ctx, t, products, accountID, now)
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

	// 7. Mark the quote executed.
	if err := q.MarkAsExecuted(now); err != nil {
		return nil, err
	}

	if err := tx.SaveQuote(ctx, q); err != nil {
		return nil, err
	}
	if err := tx.SaveTrade(ctx, t); err != nil {
		return nil, err
	}
	if err := tx.InsertSpotDeferredTrade(ctx, sdt); err != nil {
		return nil, err
	}

	// 8. Ledger appends.
	positions, err := s.appendPositions(ctx, tx, t, model.PositionTypeAvailable, now)
	if err != nil {
		return nil, err
	}
	cash, err := s.appendCash(ctx, tx, t, model.BalanceTypeEffective, now)
	if err != nil {
		return nil, err
	}

	// 9. Commit.
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit trade %s: %w", t.ID, err)
	}

	s.log.Info().
		Str("trade_id", t.ID.String()).
		Str("quote_id", q.ID.String()).
		Str("side", string(t.Side)).
		Str("location", string(t.Location)).
		Str("total", t.TotalAmount().String()).
		Str("confirmation", sdt.ConfirmationReference).
		Msg("quote executed")

	return &Execution{Trade: t, SpotDeferredTrade: sdt, Transaction: cash, Positions: positions}, nil
}

// dealerLine prices a dealer item per unit: the effective price is the
// agreed price per ounce times fine weight, the premium its excess over spot.
func dealerLine(it DealerItem, p *model.Product) model.TradeItem {
	return model.TradeItem{
		ProductID:      it.ProductID,
		Quantity:       it.Quantity,
		SpotPrice:      it.SpotPrice,
		Premium:        it.PricePerOz.Sub(it.SpotPrice).Mul(p.WeightOz),
		EffectivePrice: it.PricePerOz.Mul(p.WeightOz),
	}
}

// ExecuteDealerTrade books a dealer trade. With AutoHedge the exposure is
// hedged like a client trade and lines are re-based on the realized spot;
// without it no hedge or spot deferred trade is created.
func (s *Service) ExecuteDealerTrade(ctx context.Context, req ExecuteDealerTradeRequest) (*Execution, error) {
	var exec *Execution
	attrs := []attribute.KeyValue{
		attribute.String("side", string(req.Side)),
		attribute.Bool("auto_hedge", req.AutoHedge),
	}
	err := s.run(ctx, "execute_dealer_trade", attrs, func(ctx context.Context) error {
		var err error
		exec, err = s.executeDealerTrade(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(exec.Trade.Type), string(exec.Trade.Side)).Inc()
	return exec, nil
}

func (s *Service) executeDealerTrade(ctx context.Context, req ExecuteDealerTradeRequest) (exec *Execution, err error) {
	now := s.now().UTC()

	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", model.ErrValidation, req.Side)
	}
	if req.Location == "" {
		return nil, fmt.Errorf("%w: location is required", model.ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: dealer trade has no items", model.ErrValidation)
	}
	if err := s.checkReference(ctx, req.ReferenceNumber, now); err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(req.Items))
	for i, it := range req.Items {
		if !it.Quantity.IsPositive() || !it.PricePerOz.IsPositive() || it.SpotPrice.IsNegative() {
			return nil, fmt.Errorf("%w: dealer line for %s needs positive quantity and price per oz", model.ErrValidation, it.ProductID)
		}
		ids[i] = it.ProductID
	}
	products, err := s.loadProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	var accountID uuid.UUID
	if req.AutoHedge {
		if accountID, err = s.hedgingAccount(req.Location); err != nil {
			return nil, err
		}
	}

	lines := make([]model.TradeItem, len(req.Items))
	for i, it := range req.Items {
		lines[i] = dealerLine(it, products[it.ProductID])
	}
	if err := s.checkSufficiency(ctx, req.Side, req.Location, lines); err != nil {
		return nil, err
	}

	t, err := model.NewTrade(model.NewTradeParams{
		Type:            model.TradeTypeDealer,
		Side:            req.Side,
		Location:        req.Location,
		ReferenceNumber: req.ReferenceNumber,
		TradeDate:       now,
		SettlementDate:  s.settlementDate(now),
		CreatedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if err := t.AddItem(line); err != nil {
			return nil, err
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var (
		sdt *model.SpotDeferredTrade
		leg *hedgeLeg
	)
	if req.AutoHedge {
		sdt, leg, err = s.hedge(ctx, t, products, accountID, now)
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
		rebaseOnRealizedSpot(t, req.Items, products, sdt)
	}

	if err := tx.SaveTrade(ctx, t); err != nil {
		return nil, err
	}
	if sdt != nil {
		if err := tx.InsertSpotDeferredTrade(ctx, sdt); err != nil {
			return nil, err
		}
	}
	positions, err := s.appendPositions(ctx, tx, t, model.PositionTypeAvailable, now)
	if err != nil {
		return nil, err
	}
	cash, err := s.appendCash(ctx, tx, t, model.BalanceTypeEffective, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit trade %s: %w", t.ID, err)
	}

	s.log.Info().
		Str("trade_id", t.ID.String()).
		Str("side", string(t.Side)).
		Str("location", string(t.Location)).
		Str("total", t.TotalAmount().String()).
		Bool("auto_hedge", req.AutoHedge).
		Msg("dealer trade executed")

	return &Execution{Trade: t, SpotDeferredTrade: sdt, Transaction: cash, Positions: positions}, nil
}

// rebaseOnRealizedSpot replaces each line's spot with the price the venue
// filled the hedge at. The effective price stays as agreed.
func rebaseOnRealizedSpot(t *model.Trade, items []DealerItem, products map[uuid.UUID]*model.Product, sdt *model.SpotDeferredTrade) {
	realized := make(map[model.Metal]decimal.Decimal, len(sdt.Items))
	for _, it := range sdt.Items {
		realized[it.Metal] = it.PricePerOz
	}
	for i, it := range items {
		p := products[it.ProductID]
		it.SpotPrice = realized[p.Metal]
		t.Items[i] = dealerLine(it, p)
	}
}
