package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceType partitions the cash ledger by recognition point.
type BalanceType string

const (
	// BalanceTypeEffective moves when a trade executes.
	BalanceTypeEffective BalanceType = "effective"
	// BalanceTypeActual moves when cash actually settles.
	BalanceTypeActual BalanceType = "actual"
)

// BalanceTypes lists every cash partition.
var BalanceTypes = []BalanceType{BalanceTypeEffective, BalanceTypeActual}

// PositionType partitions the inventory ledger.
type PositionType string

const (
	PositionTypeAvailable PositionType = "available"
	PositionTypeSettled   PositionType = "settled"
)

// TransactionSide is the signed direction of a cash entry.
type TransactionSide string

const (
	TransactionCredit TransactionSide = "credit"
	TransactionDebit  TransactionSide = "debit"
)

// Sign returns +1 for credits and -1 for debits.
func (s TransactionSide) Sign() decimal.Decimal {
	if s == TransactionDebit {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether s is a known side.
func (s TransactionSide) Valid() bool {
	return s == TransactionCredit || s == TransactionDebit
}

// TransactionSideFor returns the cash direction of a trade side: buying metal
// pays cash out.
func TransactionSideFor(side Side) TransactionSide {
	if side == SideBuy {
		return TransactionDebit
	}
	return TransactionCredit
}

// PositionSide is the signed direction of an inventory entry.
type PositionSide string

const (
	PositionIn  PositionSide = "in"
	PositionOut PositionSide = "out"
)

// Sign returns +1 for in and -1 for out.
func (s PositionSide) Sign() decimal.Decimal {
	if s == PositionOut {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether s is a known side.
func (s PositionSide) Valid() bool {
	return s == PositionIn || s == PositionOut
}

// PositionSideFor returns the inventory direction of a trade side.
func PositionSideFor(side Side) PositionSide {
	if side == SideBuy {
		return PositionIn
	}
	return PositionOut
}

// PositionKey identifies one inventory chain.
type PositionKey struct {
	ProductID uuid.UUID    `json:"product_id"`
	Location  Location     `json:"location"`
	Type      PositionType `json:"type"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProductID, k.Location, k.Type)
}

// FinancialTransaction is an immutable cash ledger entry.
// BalanceAfter = previous BalanceAfter + Side.Sign() * Amount, and is never
// negative.
type FinancialTransaction struct {
	Aggregate

	ID           uuid.UUID       `json:"id" db:"id"`
	TradeID      *uuid.UUID      `json:"trade_id,omitempty" db:"trade_id"`
	AdjustmentID *uuid.UUID      `json:"adjustment_id,omitempty" db:"adjustment_id"`
	BalanceType  BalanceType     `json:"balance_type" db:"balance_type"`
	Side         TransactionSide `json:"side" db:"side"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Note         string          `json:"note,omitempty" db:"note"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// NewFinancialTransaction records a created cash entry and raises its event.
func NewFinancialTransaction(e FinancialTransaction) *FinancialTransaction {
	t := e
	t.Aggregate = Aggregate{}
	t.raise(NewEvent(EventTransactionCreated, t.ID, t.CreatedAt, map[string]string{
		"balance_type":  string(t.BalanceType),
		"side":          string(t.Side),
		"amount":        t.Amount.String(),
		"balance_after": t.BalanceAfter.String(),
	}))
	return &t
}

// SignedAmount is the delta this entry applied to the chain.
func (t *FinancialTransaction) SignedAmount() decimal.Decimal {
	return t.Side.Sign().Mul(t.Amount)
}

// BalanceBefore reconstructs the balance the entry was chained onto.
func (t *FinancialTransaction) BalanceBefore() decimal.Decimal {
	return t.BalanceAfter.Sub(t.SignedAmount())
}

// InventoryPosition is an immutable inventory ledger entry. Unlike cash, the
// running quantity may go negative: sellers may oversell ahead of settlement.
type InventoryPosition struct {
	Aggregate

	ID            uuid.UUID       `json:"id" db:"id"`
	ProductID     uuid.UUID       `json:"product_id" db:"product_id"`
	TradeID       uuid.UUID       `json:"trade_id" db:"trade_id"`
	Location      Location        `json:"location" db:"location"`
	Type          PositionType    `json:"position_type" db:"position_type"`
	Side          PositionSide    `json:"side" db:"side"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	PositionAfter decimal.Decimal `json:"position_after" db:"position_after"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// NewInventoryPosition records a created inventory entry and raises its event.
func NewInventoryPosition(e InventoryPosition) *InventoryPosition {
	p := e
	p.Aggregate = Aggregate{}
	p.raise(NewEvent(EventPositionCreated, p.ID, p.CreatedAt, map[string]string{
		"product_id":     p.ProductID.String(),
		"location":       string(p.Location),
		"position_type":  string(p.Type),
		"side":           string(p.Side),
		"quantity":       p.Quantity.String(),
		"position_after": p.PositionAfter.String(),
	}))
	return &p
}

// Key returns the chain this entry belongs to.
func (p *InventoryPosition) Key() PositionKey {
	return PositionKey{ProductID: p.ProductID, Location: p.Location, Type: p.Type}
}

// SignedQuantity is the delta this entry applied to the chain.
func (p *InventoryPosition) SignedQuantity() decimal.Decimal {
	return p.Side.Sign().Mul(p.Quantity)
}
