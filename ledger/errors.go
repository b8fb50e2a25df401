/*
errors.go - Centralized error types for the accounting core

PURPOSE:
  All failure modes of the ledger in one place. Every non-transient error
  maps to a stable code so the HTTP layer can translate it to a status
  without inspecting free text.

ERROR CATEGORIES:
  1. Validation errors - rejected before any storage call
  2. Commit errors     - detected by the storage layer at the atomic write
  3. Transient errors  - storage unavailable, retried with backoff

USAGE:
  Callers branch with errors.Is:

    if errors.Is(err, ledger.ErrInsufficientFunds) { ... }

  or with the stable code:

    switch ledger.Code(err) { case ledger.CodeInsufficientFunds: ... }

SEE ALSO:
  - coordinator.go: Produces these errors
  - api/handlers.go: Maps codes to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSelfTransfer is returned when sender and receiver are the same account.
	ErrSelfTransfer = errors.New("transfer to self")

	// ErrInsufficientFunds is returned when a debit would drive a balance
	// negative. The storage layer is the authoritative source of this error.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound is returned when a transaction group is unknown.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyReversed is returned when a group already has a reversal.
	// Reversal is idempotent by rejection, never silently repeated.
	ErrAlreadyReversed = errors.New("transaction group already reversed")

	// ErrDuplicateOperation is returned when a caller-supplied operation id
	// was already recorded. Expected behavior for retries.
	ErrDuplicateOperation = errors.New("duplicate operation id")

	// ErrStorageUnavailable marks transient durability failures. The
	// coordinator retries these a bounded number of times with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError reports why an amount was rejected.
type InvalidAmountError struct {
	Amount decimal.Decimal
	Cause  string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Amount, e.Cause)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// InsufficientFundsError reports the shortfall on a rejected debit.
type InsufficientFundsError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// StorageError wraps a driver-level failure as transient. It unwraps to both
// ErrStorageUnavailable and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// =============================================================================
// STABLE ERROR CODES - for the calling layer
// =============================================================================

const (
	CodeInvalidAmount      = "invalid_amount"
	CodeSelfTransfer       = "self_transfer"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeNotFound           = "not_found"
	CodeAlreadyReversed    = "already_reversed"
	CodeDuplicateOperation = "duplicate_operation"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal"
)

// Code returns the stable error code for err, or CodeInternal for anything
// the taxonomy does not name.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrSelfTransfer):
		return CodeSelfTransfer
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyReversed):
		return CodeAlreadyReversed
	case errors.Is(err, ErrDuplicateOperation):
		return CodeDuplicateOperation
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry with the
// same operation id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is permanent and caused by the
// caller's input rather than system state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrDuplicateOperation)
}
