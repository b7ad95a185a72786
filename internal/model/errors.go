package model

import (
	"context"
	"errors"
)

// Sentinel errors. Callers wrap them with context using %w and match with
// errors.Is; KindOf maps them onto the error taxonomy.
var (
	// Validation: bad input shape.
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")

	// State: aggregate invariants enforced at the point of mutation.
	ErrInvalidState       = errors.New("invalid state")
	ErrQuoteExpired       = errors.New("quote expired")
	ErrDuplicateReference = errors.New("duplicate reference number")

	// Insufficiency: reported before any mutation.
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// Consistency: fatal for the unit of work.
	ErrNegativeBalance = errors.New("balance would become negative")
	ErrChainBroken     = errors.New("ledger chain broken")
	ErrDuplicateMetal  = errors.New("duplicate metal in spot deferred trade")

	// Collaborator: the external hedging venue failed.
	ErrHedgeFailed = errors.New("hedge failed")

	// Delivery: event dispatch failed. Never escapes the event pipeline.
	ErrDelivery = errors.New("event delivery failed")
)

// Kind is the coarse class of an error, used by callers to decide between
// "change the request" and "retry later".
type Kind string

const (
	KindValidation   Kind = "validation"
	KindState        Kind = "state"
	KindInsufficient Kind = "insufficiency"
	KindConsistency  Kind = "consistency"
	KindCollaborator Kind = "collaborator"
	KindDelivery     Kind = "delivery"
	KindCanceled     Kind = "canceled"
	KindUnknown      Kind = "unknown"
)

// KindOf classifies err. A nil error has an empty kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return KindValidation
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrQuoteExpired), errors.Is(err, ErrDuplicateReference):
		return KindState
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientInventory):
		return KindInsufficient
	case errors.Is(err, ErrNegativeBalance), errors.Is(err, ErrChainBroken), errors.Is(err, ErrDuplicateMetal):
		return KindConsistency
	case errors.Is(err, ErrHedgeFailed):
		return KindCollaborator
	case errors.Is(err, ErrDelivery):
		return KindDelivery
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}
