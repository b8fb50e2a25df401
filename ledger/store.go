/*
store.go - Persistence interfaces for accounts and ledger entries

PURPOSE:
  Defines the contract between the coordinator and the database. The Store
  keeps the account projection and the append-only entry log together so a
  single transaction boundary can mutate both.

APPEND-ONLY CONTRACT:
  Entries have Append() and read methods only. No Update, No Delete. Ever.
  Corrections are made via compensating reversal entries.

NON-NEGATIVITY:
  ApplyDelta is a single atomic read-modify-write against the durable store
  (conditional upsert guarded by a balance >= 0 constraint), never a naive
  read-then-write from application memory. That makes the storage layer the
  final, authoritative guard against overdrafts even when concurrent service
  instances race on the same account.

IMPLEMENTATIONS:
  - store/sqlite:    production single-node store
  - store/postgres:  multi-instance store (row-level locking)
  - ledger/store:    in-memory store for tests and dev

SEE ALSO:
  - coordinator.go: Owns the WithTx boundary
  - query.go: Read-only consumers of this interface
*/
package ledger

import "context"

// =============================================================================
// STORE - accounts + append-only entry log
// =============================================================================

type Store interface {
	// GetBalance returns the current balance. Unknown accounts yield zero
	// without creating a row and never error.
	GetBalance(ctx context.Context, id AccountID) (Balance, error)

	// ApplyDelta atomically adds delta (positive or negative) to the account
	// balance and returns the new balance, upserting the account row with a
	// zero balance first if it does not exist. Fails with
	// InsufficientFundsError if the result would be negative. Must only be
	// called inside a transaction boundary owned by the coordinator.
	ApplyDelta(ctx context.Context, id AccountID, delta Delta) (Balance, error)

	// Append persists one or more entries as a single durable unit; either
	// all are visible or none. Entries within one call keep generation order.
	Append(ctx context.Context, entries []Entry) error

	// EntriesByGroup returns the entries of one transaction group in
	// generation order. Empty slice for unknown groups.
	EntriesByGroup(ctx context.Context, group GroupID) ([]Entry, error)

	// GroupReversed reports whether a reversal entry already references group.
	GroupReversed(ctx context.Context, group GroupID) (bool, error)

	// RecordOperation claims a caller-supplied operation id under a
	// uniqueness constraint, binding it to the group it produced. Fails with
	// ErrDuplicateOperation if the id was already claimed.
	RecordOperation(ctx context.Context, operationID string, group GroupID) error

	// History returns entries for an account in reverse chronological order
	// (most recent first), paginated by keyset cursor. The returned cursor
	// resumes after the last entry of this page; it is the zero Cursor when
	// the history is exhausted. Limit is clamped to MaxHistoryLimit.
	History(ctx context.Context, id AccountID, cursor Cursor, limit int) ([]Entry, Cursor, error)
}

// Balance and Delta aliases keep signatures readable; both are fixed-point
// decimals with Scale fractional digits.
type (
	Balance = Amount
	Delta   = Amount
)

// =============================================================================
// TRANSACTIONAL STORE - atomic unit of work
// =============================================================================

// TxStore wraps Store with a transaction boundary. The coordinator performs
// every mutating operation inside WithTx so that balance deltas and entry
// appends commit together or not at all.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back and durable state is left completely
	// unchanged; otherwise it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT STORE - account enumeration for the completeness audit
// =============================================================================

// AuditStore extends Store with the enumeration the ledger-completeness
// audit needs. Not part of the hot path.
type AuditStore interface {
	Store

	// AccountIDs returns every account that has a row.
	AccountIDs(ctx context.Context) ([]AccountID, error)
}
