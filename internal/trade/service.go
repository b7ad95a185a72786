// Package trade executes client and dealer trades against the cash and
// inventory ledgers, hedges the resulting metal exposure, and exposes the
// trade lifecycle over HTTP.
//
// Every operation that can move a balance runs under one named lock for its
// whole duration and commits through a single unit of work.
package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bullionops/dealer-ledger/internal/calendar"
	"github.com/bullionops/dealer-ledger/internal/finance"
	"github.com/bullionops/dealer-ledger/internal/hedging"
	"github.com/bullionops/dealer-ledger/internal/inventory"
	"github.com/bullionops/dealer-ledger/internal/lock"
	"github.com/bullionops/dealer-ledger/internal/metrics"
	"github.com/bullionops/dealer-ledger/internal/model"
	"github.com/bullionops/dealer-ledger/internal/store"
	"github.com/bullionops/dealer-ledger/internal/tracing"
)

// DefaultLockName is the lock shared by every balance-affecting workflow.
const DefaultLockName = "dealer-balances"

// Config holds workflow settings.
type Config struct {
	LockName        string
	DuplicateWindow time.Duration
	SettlementDays  int
	CalendarType    calendar.Type
	HedgeTimeout    time.Duration
	// HedgingAccounts maps each trading location to the account its hedges
	// are booked against.
	HedgingAccounts map[model.Location]uuid.UUID
}

// Deps are the collaborators of the workflow.
type Deps struct {
	Store     store.Store
	Locker    lock.Locker
	Inventory *inventory.Service
	Finance   *finance.Service
	Hedging   hedging.Client
	Calendar  calendar.Calendar
	Now       func() time.Time
	Log       zerolog.Logger
}

// Service runs the trade workflows.
type Service struct {
	store     store.Store
	locker    lock.Locker
	inventory *inventory.Service
	finance   *finance.Service
	hedger    hedging.Client
	calendar  calendar.Calendar
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates a trade service. A nil Locker, Calendar or Now fall back
// to an in-process lock, a weekday calendar and the wall clock.
func NewService(d Deps, cfg Config) *Service {
	if d.Locker == nil {
		d.Locker = lock.NewMemoryLocker()
	}
	if d.Calendar == nil {
		d.Calendar = calendar.NewWeekdayCalendar()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}
	if cfg.CalendarType == "" {
		cfg.CalendarType = calendar.TypeUS
	}
	return &Service{
		store:     d.Store,
		locker:    d.Locker,
		inventory: d.Inventory,
		finance:   d.Finance,
		hedger:    d.Hedging,
		calendar:  d.Calendar,
		cfg:       cfg,
		now:       d.Now,
		log:       d.Log,
	}
}

// Execution is everything a committed workflow wrote.
type Execution struct {
	Trade             *model.Trade                `json:"trade"`
	Original          *model.Trade                `json:"original,omitempty"` // set by cancellations
	SpotDeferredTrade *model.SpotDeferredTrade    `json:"spot_deferred_trade,omitempty"`
	Transaction       *model.FinancialTransaction `json:"transaction,omitempty"`
	Positions         []*model.InventoryPosition  `json:"positions,omitempty"`
}

// run wraps a workflow with the balance lock, a span, metrics and failure
// logging.
func (s *Service) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "trade."+op, attrs...)
	defer func() {
		metrics.TradeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			kind := model.KindOf(err)
			metrics.TradeFailures.WithLabelValues(op, string(kind)).Inc()
			s.log.Warn().Err(err).Str("operation", op).Str("kind", string(kind)).Msg("trade operation failed")
		}
		tracing.End(span, err)
	}()
	return lock.With(ctx, s.locker, s.cfg.LockName, fn)
}

// checkReference is the duplicate-reference guard.
func (s *Service) checkReference(ctx context.Context, ref string, now time.Time) error {
	if ref == "" {
		return nil
	}
	exists, err := s.store.ReferenceExists(ctx, ref, now.Add(-s.cfg.DuplicateWindow))
	if err != nil {
		return fmt.Errorf("check reference %q: %w", ref, err)
	}
	if exists {
		return fmt.Errorf("%w: %q within %s", model.ErrDuplicateReference, ref, s.cfg.DuplicateWindow)
	}
	return nil
}

func (s *Service) loadProducts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Product, error) {
	out := make(map[uuid.UUID]*model.Product, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		p, err := s.store.GetProduct(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load product: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

func (s *Service) hedgingAccount(loc model.Location) (uuid.UUID, error) {
	id, ok := s.cfg.HedgingAccounts[loc]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: no hedging account configured for location %s", model.ErrValidation, loc)
	}
	return id, nil
}

func (s *Service) settlementDate(tradeDate time.Time) time.Time {
	return s.calendar.AddBusinessDays(tradeDate, s.cfg.SettlementDays, s.cfg.CalendarType)
}

// checkSufficiency is the side-branch gate: a buy checks effective cash, a
// sell checks available inventory per product. Never both.
func (s *Service) checkSufficiency(ctx context.Context, side model.Side, loc model.Location, items []model.TradeItem) error {
	switch side {
	case model.SideBuy:
		total := decimal.Zero
		for _, it := range items {
			total = total.Add(it.TotalAmount())
		}
		ok, err := s.finance.HasEnough(ctx, model.BalanceTypeEffective, total)
		if err != nil {
			return err
		}
		if !ok {
			metrics.SufficiencyRejections.WithLabelValues("cash").Inc()
			return fmt.Errorf("%w: %s cash does not cover %s", model.ErrInsufficientFunds, model.BalanceTypeEffective, total)
		}
	case model.SideSell:
		for _, it := range items {
			key := model.PositionKey{ProductID: it.ProductID, Location: loc, Type: model.PositionTypeAvailable}
			ok, err := s.inventory.HasEnough(ctx, key, it.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				metrics.SufficiencyRejections.WithLabelValues("inventory").Inc()
				return fmt.Errorf("%w: %s does not hold %s units", model.ErrInsufficientInventory, key, it.Quantity)
			}
		}
	default:
		return fmt.Errorf("%w: unknown side %q", model.ErrValidation, side)
	}
	return nil
}

// hedgeLeg is a hedge accepted by the venue, kept so it can be reversed if
// the unit of work it belongs to does not commit.
type hedgeLeg struct {
	req hedging.Request
	res *hedging.Result
}

func hedgeReference(t *model.Trade) string {
	if t.ReferenceNumber != "" {
		return t.ReferenceNumber
	}
	return t.ID.String()
}

func ouncesByMetal(items []model.TradeItem, products map[uuid.UUID]*model.Product) map[model.Metal]decimal.Decimal {
	out := make(map[model.Metal]decimal.Decimal)
	for _, it := range items {
		p := products[it.ProductID]
		out[p.Metal] = out[p.Metal].Add(p.Ounces(it.Quantity))
	}
	return out
}

func (s *Service) callHedge(ctx context.Context, req hedging.Request) (*hedging.Result, error) {
	if s.cfg.HedgeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HedgeTimeout)
		defer cancel()
	}
	return s.hedger.Hedge(ctx, req)
}

// hedge offsets t's metal exposure at the venue on the opposite side and
// builds the spot deferred trade recording it, linked from t. A non-nil leg
// is returned whenever the venue accepted the hedge, even if building the
// record failed afterwards.
func (s *Service) hedge(ctx context.Context, t *model.Trade, products map[uuid.UUID]*model.Product, accountID uuid.UUID, now time.Time) (*model.SpotDeferredTrade, *hedgeLeg, error) {
	req := hedging.Request{
		Side:       t.Side.Opposite(),
		Location:   t.Location,
		Reference:  hedgeReference(t),
		Quantities: ouncesByMetal(t.Items, products),
	}

	hctx, span := tracing.Start(ctx, "trade.hedge",
		attribute.String("side", string(req.Side)),
		attribute.String("reference", req.Reference),
	)
	res, err := s.callHedge(hctx, req)
	tracing.End(span, err)
	if err != nil {
		metrics.HedgesTotal.WithLabelValues(string(req.Side), "failed").Inc()
		return nil, nil, fmt.Errorf("%w: %w", model.ErrHedgeFailed, err)
	}
	metrics.HedgesTotal.WithLabelValues(string(req.Side), "filled").Inc()
	leg := &hedgeLeg{req: req, res: res}

	sdt := model.NewSpotDeferredTrade(accountID, t.ID, res.ConfirmationReference, req.Side, t.TradeDate, now)
	for _, metal := range req.Metals() {
		price, ok := res.SpotPrices[metal]
		if !ok {
			return nil, leg, fmt.Errorf("%w: venue returned no %s price on %s", model.ErrHedgeFailed, metal, res.ConfirmationReference)
		}
		if err := sdt.AddItem(metal, price, req.Quantities[metal]); err != nil {
			return nil, leg, err
		}
		metrics.HedgedOunces.WithLabelValues(string(metal), string(req.Side)).Add(req.Quantities[metal].InexactFloat64())
	}
	if err := t.LinkSpotDeferredTrade(sdt.ID); err != nil {
		return nil, leg, err
	}

	s.log.Info().
		Str("trade_id", t.ID.String()).
		Str("confirmation", res.ConfirmationReference).
		Str("side", string(req.Side)).
		Msg("hedge filled")
	return sdt, leg, nil
}

// compensate reverses a hedge whose unit of work failed to commit. It runs
// detached from the caller's cancellation. A failed reversal needs manual
// reconciliation and is logged with everything needed for it.
func (s *Service) compensate(ctx context.Context, leg *hedgeLeg, cause error) {
	rev := hedging.Request{
		Side:       leg.req.Side.Opposite(),
		Location:   leg.req.Location,
		Reference:  leg.req.Reference + "-REV",
		Quantities: leg.req.Quantities,
	}
	timeout := s.cfg.HedgeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	res, err := s.hedger.Hedge(cctx, rev)
	if err != nil {
		metrics.HedgeCompensations.WithLabelValues("failed").Inc()
		s.log.Error().
			Err(err).
			AnErr("cause", cause).
			Str("confirmation", leg.res.ConfirmationReference).
			Str("reference", rev.Reference).
			Str("side", string(rev.Side)).
			Msg("reverse hedge failed, manual reconciliation required")
		return
	}
	metrics.HedgeCompensations.WithLabelValues("reversed").Inc()
	s.log.Warn().
		AnErr("cause", cause).
		Str("confirmation", leg.res.ConfirmationReference).
		Str("reversal", res.ConfirmationReference).
		Msg("hedge reversed after failed commit")
}

func (s *Service) appendPositions(ctx context.Context, tx store.Tx, t *model.Trade, pt model.PositionType, now time.Time) ([]*model.InventoryPosition, error) {
	out := make([]*model.InventoryPosition, 0, len(t.Items))
	for _, it := range t.Items {
		p, err := s.inventory.CreatePosition(ctx, tx, inventory.CreateParams{
			ProductID: it.ProductID,
			TradeID:   t.ID,
			Location:  t.Location,
			Type:      pt,
			Side:      model.PositionSideFor(t.Side),
			Quantity:  it.Quantity,
			At:        now,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) appendCash(ctx context.Context, tx store.Tx, t *model.Trade, bt model.BalanceType, now time.Time) (*model.FinancialTransaction, error) {
	id := t.ID
	return s.finance.CreateTransaction(ctx, tx, finance.CreateParams{
		TradeID:     &id,
		BalanceType: bt,
		Side:        model.TransactionSideFor(t.Side),
		Amount:      t.TotalAmount(),
		At:          now,
	})
}

// --- Unlocked reads ---

// GetTrade returns a trade.
func (s *Service) GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return s.store.GetTrade(ctx, id)
}

// GetQuote returns a quote.
func (s *Service) GetQuote(ctx context.Context, id uuid.UUID) (*model.TradeQuote, error) {
	return s.store.GetQuote(ctx, id)
}

// CashBalance returns the current balance of bt. It may change right after.
func (s *Service) CashBalance(ctx context.Context, bt model.BalanceType) (decimal.Decimal, error) {
	return s.finance.Balance(ctx, bt)
}

// InventoryBalance returns the current running quantity for key.
func (s *Service) InventoryBalance(ctx context.Context, key model.PositionKey) (decimal.Decimal, error) {
	return s.inventory.Balance(ctx, key)
}

// UnrealizedGainLoss marks a hedging account to the given spot prices.
func (s *Service) UnrealizedGainLoss(ctx context.Context, accountID uuid.UUID, spot map[model.Metal]decimal.Decimal) (decimal.Decimal, error) {
	acc, err := s.store.GetHedgingAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.UnrealizedGainLoss(spot)
}
