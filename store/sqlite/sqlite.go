/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.TxStore and ledger.AuditStore using SQLite. Suitable for
  single-node deployments; the postgres package carries the same schema to
  multi-instance setups.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements ever touch ledger_entries. Corrections are
  appended as reversal entries by the coordinator.

NON-NEGATIVITY:
  Account balances are stored as INTEGER counts of 10^-8 token units so the
  CHECK (balance >= 0) constraint stays integer-exact - no floating point,
  no text comparison. ApplyDelta is a single conditional upsert; a debit
  that would overdraw fails the statement at the constraint, making the
  database the authoritative overdraft guard.

KEY TABLES:
  accounts:       balance projection, one row per account seen by a credit
  ledger_entries: immutable append-only log, seq AUTOINCREMENT tie-break
  operations:     claimed idempotency keys (operation_id PRIMARY KEY)

CONCURRENCY:
  The pool is capped at one connection: SQLite allows a single writer and
  this keeps transactions serialized at the pool instead of failing with
  SQLITE_BUSY. WAL mode keeps crash recovery sane.

USAGE:
  st, err := sqlite.New("./data/extropy.db")  // ":memory:" for tests
  coord := ledger.NewCoordinator(st)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres: Multi-instance implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/extropy/ledger/ledger"
)

// timeFormat is fixed-width UTC so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Balance projection. balance is in 10^-8 token units (DECIMAL(20,8)
	-- semantics) so the non-negativity CHECK is integer-exact.
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TEXT NOT NULL
	);

	-- Append-only ledger. seq is the insertion tie-break that gives each
	-- account's history a total order alongside created_at.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT,
		counterparty_id TEXT,
		group_id TEXT NOT NULL,
		reverses_group_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- History hot path: newest-first keyset pagination per account.
	CREATE INDEX IF NOT EXISTS idx_entries_account_created
		ON ledger_entries(account_id, created_at DESC, seq DESC);

	-- Reverse looks up the original group and checks for a prior reversal.
	CREATE INDEX IF NOT EXISTS idx_entries_group
		ON ledger_entries(group_id);
	CREATE INDEX IF NOT EXISTS idx_entries_reverses
		ON ledger_entries(reverses_group_id)
		WHERE reverses_group_id IS NOT NULL;

	-- Claimed idempotency keys. The PRIMARY KEY is the uniqueness guard.
	CREATE TABLE IF NOT EXISTS operations (
		operation_id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE INTERFACE (outside a transaction)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, id ledger.AccountID) (ledger.Balance, error) {
	return getBalance(ctx, s.db, id)
}

func (s *Store) ApplyDelta(ctx context.Context, id ledger.AccountID, delta ledger.Delta) (ledger.Balance, error) {
	return applyDelta(ctx, s.db, id, delta)
}

func (s *Store) Append(ctx context.Context, entries []ledger.Entry) error {
	// Multi-entry appends outside WithTx still need to be one durable unit.
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.Append(ctx, entries)
	})
}

func (s *Store) EntriesByGroup(ctx context.Context, group ledger.GroupID) ([]ledger.Entry, error) {
	return entriesByGroup(ctx, s.db, group)
}

func (s *Store) GroupReversed(ctx context.Context, group ledger.GroupID) (bool, error) {
	return groupReversed(ctx, s.db, group)
}

func (s *Store) RecordOperation(ctx context.Context, operationID string, group ledger.GroupID) error {
	return recordOperation(ctx, s.db, operationID, group)
}

func (s *Store) History(ctx context.Context, id ledger.AccountID, cursor ledger.Cursor, limit int) ([]ledger.Entry, ledger.Cursor, error) {
	return history(ctx, s.db, id, cursor, ledger.ClampHistoryLimit(limit))
}

func (s *Store) AccountIDs(ctx context.Context) ([]ledger.AccountID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, &ledger.StorageError{Op: "account ids", Err: err}
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id ledger.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, &ledger.StorageError{Op: "account ids", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// TRANSACTION BOUNDARY
// =============================================================================

// WithTx executes fn inside a database transaction. SQLite serializes
// writers, which is exactly the per-account ordering the coordinator needs;
// rollback on error leaves durable state untouched.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StorageError{Op: "begin", Err: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &ledger.StorageError{Op: "commit", Err: err}
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (t *txStore) GetBalance(ctx context.Context, id ledger.AccountID) (ledger.Balance, error) {
	return getBalance(ctx, t.tx, id)
}

func (t *txStore) ApplyDelta(ctx context.Context, id ledger.AccountID, delta ledger.Delta) (ledger.Balance, error) {
	return applyDelta(ctx, t.tx, id, delta)
}

func (t *txStore) Append(ctx context.Context, entries []ledger.Entry) error {
	for i := range entries {
		if err := appendEntry(ctx, t.tx, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *txStore) EntriesByGroup(ctx context.Context, group ledger.GroupID) ([]ledger.Entry, error) {
	return entriesByGroup(ctx, t.tx, group)
}

func (t *txStore) GroupReversed(ctx context.Context, group ledger.GroupID) (bool, error) {
	return groupReversed(ctx, t.tx, group)
}

func (t *txStore) RecordOperation(ctx context.Context, operationID string, group ledger.GroupID) error {
	return recordOperation(ctx, t.tx, operationID, group)
}

func (t *txStore) History(ctx context.Context, id ledger.AccountID, cursor ledger.Cursor, limit int) ([]ledger.Entry, ledger.Cursor, error) {
	return history(ctx, t.tx, id, cursor, ledger.ClampHistoryLimit(limit))
}

// =============================================================================
// SHARED SQL (works on *sql.DB and *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBalance(ctx context.Context, q querier, id ledger.AccountID) (ledger.Balance, error) {
	var units int64
	err := q.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE account_id = ?`, id,
	).Scan(&units)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, &ledger.StorageError{Op: "get balance", Err: err}
	}
	return decimal.New(units, -ledger.Scale), nil
}

func applyDelta(ctx context.Context, q querier, id ledger.AccountID, delta ledger.Delta) (ledger.Balance, error) {
	units, err := toUnits(delta)
	if err != nil {
		return decimal.Zero, err
	}

	var newUnits int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO accounts (account_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			balance = accounts.balance + excluded.balance,
			updated_at = excluded.updated_at
		RETURNING balance
	`, id, units, time.Now().UTC().Format(timeFormat)).Scan(&newUnits)

	if err != nil {
		if isCheckConstraintError(err) {
			available, balErr := getBalance(ctx, q, id)
			if balErr != nil {
				available = decimal.Zero
			}
			return decimal.Zero, &ledger.InsufficientFundsError{
				AccountID: id,
				Available: available,
				Requested: delta.Neg(),
			}
		}
		return decimal.Zero, &ledger.StorageError{Op: "apply delta", Err: err}
	}
	return decimal.New(newUnits, -ledger.Scale), nil
}

func appendEntry(ctx context.Context, q querier, e *ledger.Entry) error {
	metadataJSON, _ := json.Marshal(e.Metadata)

	row := q.QueryRowContext(ctx, `
		INSERT INTO ledger_entries
		(id, account_id, amount, kind, reason, counterparty_id,
		 group_id, reverses_group_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`,
		e.ID,
		e.AccountID,
		e.Amount.String(),
		e.Kind,
		e.Reason,
		nullString(string(e.CounterpartyID)),
		e.GroupID,
		nullString(string(e.ReversesGroup)),
		string(metadataJSON),
		e.CreatedAt.UTC().Format(timeFormat),
	)

	if err := row.Scan(&e.Sequence); err != nil {
		return &ledger.StorageError{Op: "append entry", Err: err}
	}
	return nil
}

func entriesByGroup(ctx context.Context, q querier, group ledger.GroupID) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, selectEntry+`
		WHERE group_id = ?
		ORDER BY seq ASC
	`, group)
	if err != nil {
		return nil, &ledger.StorageError{Op: "entries by group", Err: err}
	}
	defer rows.Close()
	return scanEntries(rows)
}

func groupReversed(ctx context.Context, q querier, group ledger.GroupID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE reverses_group_id = ?`, group,
	).Scan(&count)
	if err != nil {
		return false, &ledger.StorageError{Op: "group reversed", Err: err}
	}
	return count > 0, nil
}

func recordOperation(ctx context.Context, q querier, operationID string, group ledger.GroupID) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO operations (operation_id, group_id, created_at)
		VALUES (?, ?, ?)
	`, operationID, group, time.Now().UTC().Format(timeFormat))

	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateOperation, operationID)
		}
		return &ledger.StorageError{Op: "record operation", Err: err}
	}
	return nil
}

func history(ctx context.Context, q querier, id ledger.AccountID, cursor ledger.Cursor, limit int) ([]ledger.Entry, ledger.Cursor, error) {
	var (
		rows *sql.Rows
		err  error
	)

	// Fetch one extra row to know whether a next page exists.
	if cursor.IsZero() {
		rows, err = q.QueryContext(ctx, selectEntry+`
			WHERE account_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		`, id, limit+1)
	} else {
		at := cursor.CreatedAt.UTC().Format(timeFormat)
		rows, err = q.QueryContext(ctx, selectEntry+`
			WHERE account_id = ?
			  AND (created_at < ? OR (created_at = ? AND seq < ?))
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		`, id, at, at, cursor.Sequence, limit+1)
	}
	if err != nil {
		return nil, ledger.Cursor{}, &ledger.StorageError{Op: "history", Err: err}
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, ledger.Cursor{}, err
	}

	if len(entries) <= limit {
		return entries, ledger.Cursor{}, nil
	}
	entries = entries[:limit]
	last := entries[len(entries)-1]
	return entries, ledger.Cursor{CreatedAt: last.CreatedAt, Sequence: last.Sequence}, nil
}

const selectEntry = `
	SELECT seq, id, account_id, amount, kind, reason, counterparty_id,
	       group_id, reverses_group_id, metadata_json, created_at
	FROM ledger_entries
`

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var (
			e            ledger.Entry
			amount       string
			reason       sql.NullString
			counterparty sql.NullString
			reverses     sql.NullString
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(
			&e.Sequence, &e.ID, &e.AccountID, &amount, &e.Kind, &reason,
			&counterparty, &e.GroupID, &reverses, &metadataJSON, &createdAt,
		); err != nil {
			return nil, &ledger.StorageError{Op: "scan entry", Err: err}
		}

		e.Amount = ledger.MustDecimal(amount)
		e.Reason = reason.String
		e.CounterpartyID = ledger.AccountID(counterparty.String)
		e.ReversesGroup = ledger.GroupID(reverses.String)
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		t, _ := time.Parse(timeFormat, createdAt)
		e.CreatedAt = t

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// toUnits converts a fixed-point decimal to integer 10^-8 units, exact by
// construction since amounts are validated to at most 8 fractional digits.
func toUnits(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(ledger.Scale)
	if !shifted.IsInteger() {
		return 0, &ledger.InvalidAmountError{Amount: d, Cause: "more than 8 fractional digits"}
	}
	return shifted.IntPart(), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
