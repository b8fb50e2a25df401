/*
Package ledger is the $EXTROPY accounting core.

PURPOSE:
  This package contains the token ledger that underlies the publishing
  platform: accounts with non-negative fixed-point balances, an append-only
  log of immutable ledger entries, and a transactional coordinator that
  awards, transfers, and reverses credit atomically.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountID/EntryID/GroupID: Type-safe identifiers
  - Entry: An immutable ledger record of one signed balance movement
  - EntryKind: award, transfer_out, transfer_in, reversal
  - Cursor: Restartable keyset position into an account's history

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only reversed
  2. Precision: decimal.Decimal with exactly 8 fractional digits,
     never binary floating point
  3. Atomicity: Every operation commits all of its effects or none
  4. Auditability: Balance always equals the replay-sum of the ledger

SEE ALSO:
  - coordinator.go: Award/Transfer/Reverse transactional operations
  - store.go: Persistence interfaces
  - query.go: Read-only balance/history projections
*/
package ledger

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string

// GroupID identifies a transaction group: the set of entries (1 or 2)
// produced by a single logical operation.
type GroupID string

// =============================================================================
// AMOUNTS - fixed-point decimals with 8 fractional digits
// =============================================================================

// Scale is the number of fractional digits carried by every balance and
// entry amount (DECIMAL(20,8) at the stores).
const Scale = 8

// Amount is a fixed-point decimal with Scale fractional digits. It is an
// alias so callers work with decimal.Decimal directly.
type Amount = decimal.Decimal

// ValidateAmount checks that an operation amount is strictly positive and
// representable at 8 fractional digits. Returns InvalidAmountError otherwise.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &InvalidAmountError{Amount: amount, Cause: "must be positive"}
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return &InvalidAmountError{Amount: amount, Cause: "more than 8 fractional digits"}
	}
	return nil
}

// MustDecimal parses a decimal literal, returning zero on malformed input.
// Intended for constants and store deserialization of values we wrote ourselves.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// ENTRY - One immutable, signed movement of value against one account
// =============================================================================

type EntryKind string

const (
	KindAward       EntryKind = "award"        // One-sided credit (publish reward, admin grant)
	KindTransferOut EntryKind = "transfer_out" // Debit side of a transfer
	KindTransferIn  EntryKind = "transfer_in"  // Credit side of a transfer
	KindReversal    EntryKind = "reversal"     // Compensating entry undoing a prior group
)

type Entry struct {
	ID        EntryID
	AccountID AccountID

	// Amount is signed: positive = credit, negative = debit.
	Amount decimal.Decimal
	Kind   EntryKind

	// Reason is an opaque cause token, e.g. "citation:<card-id>".
	Reason string

	// CounterpartyID is the other side of a transfer; empty for awards.
	CounterpartyID AccountID

	GroupID GroupID

	// ReversesGroup links a reversal entry back to the group it undoes.
	ReversesGroup GroupID

	// Metadata is an opaque key-value bag; the core never interprets it.
	Metadata map[string]string

	CreatedAt time.Time

	// Sequence is assigned by the store at append time and breaks CreatedAt
	// ties so each account's history has a total order.
	Sequence int64
}

// =============================================================================
// CURSOR - Restartable position into an account's history
// =============================================================================

// Cursor encodes the last-seen (CreatedAt, Sequence) pair of a history page.
// Unlike an offset, it lets a caller resume paging after a disconnect without
// skipping or duplicating entries. The zero Cursor means "from the top".
type Cursor struct {
	CreatedAt time.Time
	Sequence  int64
}

func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.Sequence == 0
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%s|%d", c.CreatedAt.UTC().Format(time.RFC3339Nano), c.Sequence)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode. An empty token is the
// zero cursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor: missing separator")
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	return Cursor{CreatedAt: at, Sequence: seq}, nil
}

// Before reports whether entry position (at, seq) sorts strictly older than
// the cursor. Used by stores to apply keyset pagination consistently.
func (c Cursor) Before(at time.Time, seq int64) bool {
	if at.Before(c.CreatedAt) {
		return true
	}
	return at.Equal(c.CreatedAt) && seq < c.Sequence
}

// =============================================================================
// HISTORY LIMITS
// =============================================================================

const (
	// MaxHistoryLimit bounds a single history page.
	MaxHistoryLimit = 100

	// DefaultHistoryLimit is used when the caller passes limit <= 0.
	DefaultHistoryLimit = 50
)

// ClampHistoryLimit normalizes a caller-supplied page size.
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
