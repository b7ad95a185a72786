package ledger

import "github.com/shopspring/decimal"

// Validator decides whether a balance covers a requested amount. It is kept
// separate from the chain so sufficiency rules can vary independently of the
// append rule.
type Validator interface {
	Sufficient(balance, requested decimal.Decimal) bool
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(balance, requested decimal.Decimal) bool

// Sufficient implements Validator.
func (f ValidatorFunc) Sufficient(balance, requested decimal.Decimal) bool {
	return f(balance, requested)
}

// AtLeast is the default rule: balance >= requested.
var AtLeast = ValidatorFunc(func(balance, requested decimal.Decimal) bool {
	return balance.GreaterThanOrEqual(requested)
})

// WithTolerance accepts requests that exceed the balance by at most tol.
func WithTolerance(tol decimal.Decimal) Validator {
	return ValidatorFunc(func(balance, requested decimal.Decimal) bool {
		return balance.Add(tol).GreaterThanOrEqual(requested)
	})
}
