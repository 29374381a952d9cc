/*
errors.go - Centralized error types for the point ledger

PURPOSE:
  All error types in one place. Callers match with errors.Is/errors.As;
  the API layer maps them to HTTP statuses.

ERROR CATEGORIES:
  1. Balance errors  - Spend exceeds available points (client-facing)
  2. Invariant errors - Per-lot over-decrement, reconciliation mismatch (fatal)
  3. Contention errors - Lock acquisition timeout (retryable)
  4. Idempotency - Duplicate request key (not an error for callers; the
     engine turns it into a replay of the original result)

SEE ALSO:
  - engine.go: Where these are produced
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a spend request exceeds the sum
	// of active lots. No mutation occurs.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientLotBalance indicates a decrement beyond a single lot's
	// remainder. The FEFO walk never produces this; seeing it means a logic
	// bug and it must not be swallowed.
	ErrInsufficientLotBalance = errors.New("insufficient lot balance")

	// ErrDuplicateRequest is returned by stores when a (user, request_id, type)
	// key already exists. The engine resolves it into an idempotent replay.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrLedgerBusy is returned when the per-user lock cannot be acquired
	// within the configured timeout. Retryable with backoff.
	ErrLedgerBusy = errors.New("ledger busy: lock acquisition timed out")

	// ErrReconciliationMismatch is returned when the transaction log and the
	// lot store disagree on a user's balance. Deductions for that user are
	// halted until manually resolved.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrUserFrozen is returned for deductions against a user halted by a
	// reconciliation mismatch.
	ErrUserFrozen = errors.New("user frozen pending reconciliation")

	// ErrLotNotFound is returned when a referenced lot does not exist.
	ErrLotNotFound = errors.New("lot not found")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be a positive integer")

	// ErrMissingRequestID is returned when a money-affecting operation is
	// submitted without its idempotency key.
	ErrMissingRequestID = errors.New("request id required")

	// ErrInvalidSourceType is returned for an unknown payment/source type.
	ErrInvalidSourceType = errors.New("invalid source type")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how short a spend request fell.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how many points the user would need to charge to proceed.
func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Available }

// ReconciliationError reports the two sums that should have agreed.
type ReconciliationError struct {
	UserID    UserID
	LedgerSum int64 // signed sum of all transaction amounts
	LotSum    int64 // sum of remaining amounts over the user's lots
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation mismatch for %s: ledger sum %d, lot sum %d",
		e.UserID, e.LedgerSum, e.LotSum)
}

func (e *ReconciliationError) Unwrap() error { return ErrReconciliationMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerBusy)
}

// IsClientError returns true if the error is due to the caller's input rather
// than a ledger fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidSourceType) ||
		errors.Is(err, ErrMissingRequestID)
}

// IsFatal returns true for invariant violations that must alert and halt.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInsufficientLotBalance) ||
		errors.Is(err, ErrReconciliationMismatch)
}
