package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

func newTestTrade(t *testing.T, typ TradeType, side Side) *Trade {
	t.Helper()
	tr, err := NewTrade(NewTradeParams{
		Type:      typ,
		Side:      side,
		Location:  "SLC",
		TradeDate: t0,
		CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tr
}

func offsetFor(t *testing.T, tr *Trade) *Trade {
	t.Helper()
	return newTestTrade(t, TradeTypeOffset, tr.Side.Opposite())
}

// --- Side and ledger directions ---

func TestSide_Opposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatal("opposite sides do not round-trip")
	}
	if Side("hold").Valid() {
		t.Error("unknown side reported valid")
	}
}

func TestLedgerDirections(t *testing.T) {
	if TransactionSideFor(SideBuy) != TransactionDebit {
		t.Error("a buy should debit cash")
	}
	if TransactionSideFor(SideSell) != TransactionCredit {
		t.Error("a sell should credit cash")
	}
	if PositionSideFor(SideBuy) != PositionIn || PositionSideFor(SideSell) != PositionOut {
		t.Error("inventory direction does not follow the trade side")
	}
	if !TransactionDebit.Sign().Equal(d("-1")) || !PositionIn.Sign().Equal(d("1")) {
		t.Error("unexpected signs")
	}
}

func TestFinancialTransaction_BalanceBefore(t *testing.T) {
	tx := NewFinancialTransaction(FinancialTransaction{
		ID:           uuid.New(),
		BalanceType:  BalanceTypeEffective,
		Side:         TransactionDebit,
		Amount:       d("250"),
		BalanceAfter: d("750"),
		CreatedAt:    t0,
	})
	if !tx.BalanceBefore().Equal(d("1000")) {
		t.Errorf("expected 1000 before, got %s", tx.BalanceBefore())
	}
	evs := tx.PendingEvents()
	if len(evs) != 1 || evs[0].Type != EventTransactionCreated {
		t.Fatalf("expected one %s event, got %+v", EventTransactionCreated, evs)
	}
}

// --- Trade construction ---

func TestNewTrade_Validation(t *testing.T) {
	tests := []struct {
		name string
		p    NewTradeParams
	}{
		{"bad side", NewTradeParams{Type: TradeTypeClient, Side: "hold", Location: "SLC"}},
		{"bad type", NewTradeParams{Type: "swap", Side: SideBuy, Location: "SLC"}},
		{"no location", NewTradeParams{Type: TradeTypeClient, Side: SideBuy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTrade(tt.p); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestTrade_AddItemAndTotals(t *testing.T) {
	tr := newTestTrade(t, TradeTypeClient, SideBuy)
	p := uuid.New()
	if err := tr.AddItem(TradeItem{ProductID: p, Quantity: d("2"), Premium: d("3"), EffectivePrice: d("1003")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.AddItem(TradeItem{ProductID: p, Quantity: d("1"), EffectivePrice: d("1")}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected duplicate product to be refused, got %v", err)
	}
	if err := tr.AddItem(TradeItem{ProductID: uuid.New(), Quantity: d("0")}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected zero quantity to be refused, got %v", err)
	}
	if !tr.TotalAmount().Equal(d("2006")) {
		t.Errorf("expected total 2006, got %s", tr.TotalAmount())
	}
	if !tr.Revenue().Equal(d("6")) {
		t.Errorf("expected revenue 6, got %s", tr.Revenue())
	}
}

// --- Trade transitions ---

func TestTrade_TransitionsAreOneShot(t *testing.T) {
	tr := newTestTrade(t, TradeTypeClient, SideBuy)
	steps := []struct {
		name string
		fn   func(time.Time) error
	}{
		{"confirm", tr.Confirm},
		{"settle position", tr.SettlePosition},
		{"settle financially", tr.SettleFinancially},
	}
	for _, s := range steps {
		if err := s.fn(t0); err != nil {
			t.Fatalf("%s: unexpected error: %v", s.name, err)
		}
		if err := s.fn(t0); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s twice: expected ErrInvalidState, got %v", s.name, err)
		}
	}

	var types []string
	for _, ev := range tr.PendingEvents() {
		types = append(types, ev.Type)
	}
	want := []string{EventTradeCreated, EventTradeConfirmed, EventTradePositionSettled, EventTradeFinancialSettled}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestTrade_LinkSpotDeferredTradeOnce(t *testing.T) {
	tr := newTestTrade(t, TradeTypeClient, SideSell)
	if err := tr.LinkSpotDeferredTrade(uuid.New()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.LinkSpotDeferredTrade(uuid.New()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestTrade_CancelWithOffset(t *testing.T) {
	tr := newTestTrade(t, TradeTypeClient, SideBuy)
	off := offsetFor(t, tr)
	if err := tr.CancelWithOffset(off, t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.IsCancelled() || *tr.OffsetTradeID != off.ID || *off.OffsetOfTradeID != tr.ID {
		t.Fatal("offset link not recorded on both trades")
	}
	if err := tr.CancelWithOffset(offsetFor(t, tr), t0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second cancel: expected ErrInvalidState, got %v", err)
	}
	if err := tr.Confirm(t0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("confirm after cancel: expected ErrInvalidState, got %v", err)
	}
}

func TestTrade_CancelWithOffsetRefusals(t *testing.T) {
	t.Run("offset trades cannot be cancelled", func(t *testing.T) {
		tr := newTestTrade(t, TradeTypeOffset, SideBuy)
		if err := tr.CancelWithOffset(offsetFor(t, tr), t0); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})
	t.Run("settled trades cannot be cancelled", func(t *testing.T) {
		tr := newTestTrade(t, TradeTypeDealer, SideSell)
		_ = tr.SettleFinancially(t0)
		if err := tr.CancelWithOffset(offsetFor(t, tr), t0); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})
	t.Run("offset must be opposite side", func(t *testing.T) {
		tr := newTestTrade(t, TradeTypeClient, SideBuy)
		same := newTestTrade(t, TradeTypeOffset, SideBuy)
		if err := tr.CancelWithOffset(same, t0); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
		if tr.IsCancelled() {
			t.Error("refused cancel still marked the trade")
		}
	})
	t.Run("offset must be an offset trade", func(t *testing.T) {
		tr := newTestTrade(t, TradeTypeClient, SideBuy)
		client := newTestTrade(t, TradeTypeClient, SideSell)
		if err := tr.CancelWithOffset(client, t0); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestTrade_CloneDropsEvents(t *testing.T) {
	tr := newTestTrade(t, TradeTypeClient, SideBuy)
	_ = tr.AddItem(TradeItem{ProductID: uuid.New(), Quantity: d("1")})
	c := tr.Clone()
	if len(c.PendingEvents()) != 0 {
		t.Error("clone kept buffered events")
	}
	c.Items[0].Quantity = d("5")
	if !tr.Items[0].Quantity.Equal(d("1")) {
		t.Error("clone shares its items with the original")
	}
}

// --- Quotes ---

func TestQuote_StateMachine(t *testing.T) {
	q := &TradeQuote{ID: uuid.New(), Status: QuoteStatusPending, ExpiresAt: t0.Add(time.Minute)}
	if q.IsExpired(t0.Add(time.Minute)) {
		t.Error("a quote is still live at its expiry instant")
	}
	if !q.IsExpired(t0.Add(time.Minute + time.Nanosecond)) {
		t.Error("a quote past its expiry should be expired")
	}
	if err := q.MarkAsExecuted(t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.MarkAsExecuted(t0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := q.MarkAsExpired(t0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("executed quote expired: expected ErrInvalidState, got %v", err)
	}

	q2 := &TradeQuote{ID: uuid.New(), Status: QuoteStatusPending}
	if err := q2.MarkAsExpired(t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q2.MarkAsExecuted(t0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expired quote executed: expected ErrInvalidState, got %v", err)
	}
}

// --- Hedging ---

func TestSpotDeferredTrade_DuplicateMetal(t *testing.T) {
	s := NewSpotDeferredTrade(uuid.New(), uuid.New(), "R-1", SideSell, t0, t0)
	if err := s.AddItem(MetalGold, d("1000"), d("2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Items[0].TotalAmount.Equal(d("2000")) {
		t.Errorf("expected total 2000, got %s", s.Items[0].TotalAmount)
	}
	if err := s.AddItem(MetalGold, d("1001"), d("1")); !errors.Is(err, ErrDuplicateMetal) {
		t.Errorf("expected ErrDuplicateMetal, got %v", err)
	}
}

func TestHedgingAccount_UnrealizedGainLoss(t *testing.T) {
	sell := NewSpotDeferredTrade(uuid.New(), uuid.New(), "S", SideSell, t0, t0)
	_ = sell.AddItem(MetalGold, d("2000"), d("1"))
	buy := NewSpotDeferredTrade(uuid.New(), uuid.New(), "B", SideBuy, t0, t0)
	_ = buy.AddItem(MetalSilver, d("25"), d("100"))

	acct := &HedgingAccount{
		SpotDeferredTrades: []SpotDeferredTrade{*sell, *buy},
		HedgingItems:       []HedgingItem{{Amount: d("-15")}},
	}
	// sell gold at 2000, spot 1950: +50. buy silver at 25, spot 26: +100.
	got, err := acct.UnrealizedGainLoss(map[Metal]decimal.Decimal{MetalGold: d("1950"), MetalSilver: d("26")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("135")) {
		t.Errorf("expected 135, got %s", got)
	}

	if _, err := acct.UnrealizedGainLoss(map[Metal]decimal.Decimal{MetalGold: d("1950")}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing spot price: expected ErrValidation, got %v", err)
	}
}

// --- Errors ---

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{ErrNotFound, KindValidation},
		{ErrQuoteExpired, KindState},
		{ErrInsufficientInventory, KindInsufficient},
		{ErrChainBroken, KindConsistency},
		{ErrHedgeFailed, KindCollaborator},
		{ErrDelivery, KindDelivery},
		{errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
