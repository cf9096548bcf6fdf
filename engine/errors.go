/*
errors.go - Centralized error types for the engine

ERROR CATEGORIES:
  1. Not-found / ownership - rejected before any side effect
  2. Lifecycle violations  - undocumented transitions, non-cancellable states
  3. Ledger violations     - insufficient balance, invalid amounts
  4. Configuration         - missing collaborators

Idempotency short-circuits (refund already present, operation already
corrected) are NOT errors. They come back as results with a no-op outcome.
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrOperationNotFound = errors.New("operation not found")

	// ErrNotOwner is returned when the caller does not own the operation or
	// account. API layers report it as not-found.
	ErrNotOwner = errors.New("not owned by caller")

	ErrForbidden = errors.New("forbidden")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCancellable    = errors.New("operation is not cancellable in its current status")
	ErrNotInteractive    = errors.New("operation is not awaiting client input")
	ErrCaptchaExpired    = errors.New("captcha challenge expired")
	ErrUnknownPackage    = errors.New("unknown package")
	ErrResourceBusy      = errors.New("external resource is locked by another operation")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAmountAlreadySet    = errors.New("operation amount already set")
	ErrDuplicateAccount    = errors.New("account already exists")

	ErrInvalidRequest        = errors.New("invalid request")
	ErrOperationIDRequired   = errors.New("operation id required for this correction kind")
	ErrUnknownCorrectionKind = errors.New("unknown correction kind")

	ErrStoreRequired = errors.New("store is required")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransitionError describes a rejected status write.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing or foreign record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrOperationNotFound) ||
		errors.Is(err, ErrNotOwner)
}

// IsConflict returns true if the record exists but is in the wrong state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotCancellable) ||
		errors.Is(err, ErrNotInteractive) ||
		errors.Is(err, ErrAmountAlreadySet) ||
		errors.Is(err, ErrResourceBusy) ||
		errors.Is(err, ErrDuplicateAccount)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrCaptchaExpired) ||
		errors.Is(err, ErrUnknownPackage) ||
		errors.Is(err, ErrOperationIDRequired) ||
		errors.Is(err, ErrUnknownCorrectionKind)
}
