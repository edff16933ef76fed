// Package errs defines the closed set of business errors returned by the
// saga participants. Callers distinguish cases with errors.Is / errors.As
// rather than string matching.
package errs

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrDuplicateLock is returned by LockFunds when a funds lock already exists
// for the order. Callers must treat it as "already locked", not a failure.
var ErrDuplicateLock = errors.New("funds lock already exists for order")

// InsufficientFundsError is returned when a debit or lock exceeds the
// wallet's available balance.
type InsufficientFundsError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: requested %s, available %s", e.Requested, e.Available)
}

// NotFoundError is returned when an entity referenced by a business key does
// not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// InvalidStateError is returned when an operation is attempted against an
// entity whose current status does not permit it.
type InvalidStateError struct {
	Entity string
	ID     string
	From   string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Entity, e.ID, e.From)
}

// ValidationError is returned when a request fails a business validation
// rule before any state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}
