/*
Package postgres provides a PostgreSQL-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.TxStore and ledger.AuditStore on PostgreSQL via lib/pq.
  This is the multi-instance deployment target; the sqlite package covers
  single-node and test use.

NON-NEGATIVITY:
  Balances are NUMERIC(20,8) with CHECK (balance >= 0). ApplyDelta is a
  single conditional upsert; an overdraft fails the constraint and surfaces
  as InsufficientFundsError. Postgres row locks on the upserted account row
  serialize concurrent debits of the same account.

SCHEMA NOTES:
  - ledger_entries.seq is BIGSERIAL; together with created_at it gives each
    account history a total order for keyset pagination.
  - operations.operation_id PRIMARY KEY is the idempotency guard; a
    duplicate insert raises unique_violation (23505).

USAGE:
  st, err := postgres.New("postgres://extropy:...@db/extropy?sslmode=disable")
  coord := ledger.NewCoordinator(st)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: Single-node implementation
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/extropy/ledger/ledger"
)

type Store struct {
	db *sql.DB
}

// New connects to the database at dsn and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

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
	CREATE TABLE IF NOT EXISTS accounts (
		account_id TEXT PRIMARY KEY,
		balance NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		amount NUMERIC(20,8) NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT,
		counterparty_id TEXT,
		group_id TEXT NOT NULL,
		reverses_group_id TEXT,
		metadata_json JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account_created
		ON ledger_entries(account_id, created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_group
		ON ledger_entries(group_id);
	CREATE INDEX IF NOT EXISTS idx_entries_reverses
		ON ledger_entries(reverses_group_id)
		WHERE reverses_group_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS operations (
		operation_id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
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
// SHARED SQL
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBalance(ctx context.Context, q querier, id ledger.AccountID) (ledger.Balance, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT balance::text FROM accounts WHERE account_id = $1`, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, &ledger.StorageError{Op: "get balance", Err: err}
	}
	return ledger.MustDecimal(raw), nil
}

// applyDelta takes a row lock on the account, checks the result in-band, and
// only then updates. A constraint violation would abort the surrounding
// transaction wholesale, so the CHECK on the column is the backstop and the
// locked read is the working overdraft guard.
func applyDelta(ctx context.Context, q querier, id ledger.AccountID, delta ledger.Delta) (ledger.Balance, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (account_id, balance, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (account_id) DO NOTHING
	`, id)
	if err != nil {
		return decimal.Zero, &ledger.StorageError{Op: "apply delta", Err: err}
	}

	var raw string
	err = q.QueryRowContext(ctx,
		`SELECT balance::text FROM accounts WHERE account_id = $1 FOR UPDATE`, id,
	).Scan(&raw)
	if err != nil {
		return decimal.Zero, &ledger.StorageError{Op: "apply delta", Err: err}
	}
	current := ledger.MustDecimal(raw)

	next := current.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, &ledger.InsufficientFundsError{
			AccountID: id,
			Available: current,
			Requested: delta.Neg(),
		}
	}

	err = q.QueryRowContext(ctx, `
		UPDATE accounts SET balance = $2, updated_at = NOW()
		WHERE account_id = $1
		RETURNING balance::text
	`, id, next.StringFixed(ledger.Scale)).Scan(&raw)
	if err != nil {
		return decimal.Zero, &ledger.StorageError{Op: "apply delta", Err: err}
	}
	return ledger.MustDecimal(raw), nil
}

func appendEntry(ctx context.Context, q querier, e *ledger.Entry) error {
	metadataJSON, _ := json.Marshal(e.Metadata)

	row := q.QueryRowContext(ctx, `
		INSERT INTO ledger_entries
		(id, account_id, amount, kind, reason, counterparty_id,
		 group_id, reverses_group_id, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`,
		e.ID,
		e.AccountID,
		e.Amount.StringFixed(ledger.Scale),
		e.Kind,
		e.Reason,
		nullString(string(e.CounterpartyID)),
		e.GroupID,
		nullString(string(e.ReversesGroup)),
		string(metadataJSON),
		e.CreatedAt.UTC(),
	)

	if err := row.Scan(&e.Sequence); err != nil {
		return &ledger.StorageError{Op: "append entry", Err: err}
	}
	return nil
}

func entriesByGroup(ctx context.Context, q querier, group ledger.GroupID) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, selectEntry+`
		WHERE group_id = $1
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
		`SELECT COUNT(*) FROM ledger_entries WHERE reverses_group_id = $1`, group,
	).Scan(&count)
	if err != nil {
		return false, &ledger.StorageError{Op: "group reversed", Err: err}
	}
	return count > 0, nil
}

func recordOperation(ctx context.Context, q querier, operationID string, group ledger.GroupID) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO operations (operation_id, group_id, created_at)
		VALUES ($1, $2, NOW())
	`, operationID, group)

	if err != nil {
		if isUniqueViolation(err) {
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
			WHERE account_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		`, id, limit+1)
	} else {
		rows, err = q.QueryContext(ctx, selectEntry+`
			WHERE account_id = $1
			  AND (created_at, seq) < ($2, $3)
			ORDER BY created_at DESC, seq DESC
			LIMIT $4
		`, id, cursor.CreatedAt.UTC(), cursor.Sequence, limit+1)
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
	SELECT seq, id, account_id, amount::text, kind, reason, counterparty_id,
	       group_id, reverses_group_id, metadata_json::text, created_at
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
			createdAt    time.Time
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
		e.CreatedAt = createdAt.UTC()

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
