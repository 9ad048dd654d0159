/*
Package sqlite provides a SQLite-backed credit.Store.

PURPOSE:
  Persists ledger entries in a single SQLite file. Suitable for a single
  process or a small deployment; PostgreSQL (store/postgres) uses the same
  schema with native lock semantics.

APPEND-MOSTLY ENFORCEMENT:
  - No DELETE statements on credit_entries
  - UPDATE only through SetExpiresAt, Shrink and ApplyDelta

KEY TABLES:
  credit_entries: Grants and usage, the audit trail

INDEXES:
  - idx_credit_entries_wallet: Balance replay (hot path)
  - idx_credit_entries_usage:  Open usage lookup for grouped spending

CONCURRENCY:
  The database is opened with _txlock=immediate, so every transaction takes
  the write lock on BEGIN. ApplyDelta runs its relative update inside such a
  transaction; SQLITE_BUSY and SQLITE_LOCKED surface as
  credit.ErrSerializationConflict and are retried by the ledger.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := credit.New(store)

SEE ALSO:
  - credit/store.go: Interface definition
  - store/sqlscope: Shared query builder
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/sqlscope"
)

const table = "credit_entries"

// timeLayout is fixed-width so that string comparison orders instants.
const timeLayout = "2006-01-02 15:04:05.000000000"

var dialect = sqlscope.Dialect{
	Placeholder: sqlscope.Question,
	Time:        func(t time.Time) any { return formatTime(t) },
}

// Store implements credit.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-mostly)
	CREATE TABLE IF NOT EXISTS credit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		cart_item_id TEXT,
		subscription_item_id TEXT
	);

	-- Balance replay per wallet (hot path)
	CREATE INDEX IF NOT EXISTS idx_credit_entries_wallet
		ON credit_entries(subject_type, subject_id, credit_type, created_at, id);

	-- Open usage lookup for grouped spending
	CREATE INDEX IF NOT EXISTS idx_credit_entries_usage
		ON credit_entries(subject_type, subject_id, credit_type, created_at)
		WHERE kind = 'usage';
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTRY STORE (credit.Store interface)
// =============================================================================

// Insert adds an entry and assigns its ID.
func (s *Store) Insert(ctx context.Context, e *credit.Entry) error {
	query := `
		INSERT INTO credit_entries
		(subject_type, subject_id, credit_type, kind, amount, expires_at,
		 created_at, updated_at, notes, cart_item_id, subscription_item_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		e.Subject.Type,
		e.Subject.ID,
		e.CreditType,
		string(e.Kind),
		e.Amount,
		nullTime(e.ExpiresAt),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
		e.Notes,
		nullString(e.CartItemID),
		nullString(e.SubscriptionItemID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", classify(err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read entry id: %w", err)
	}
	e.ID = credit.EntryID(id)
	return nil
}

// Get returns a single entry.
func (s *Store) Get(ctx context.Context, id credit.EntryID) (*credit.Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", sqlscope.Columns, table)
	rows, err := s.db.QueryContext(ctx, query, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query entry: %w", classify(err))
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("entry %d: %w", id, credit.ErrEntryNotFound)
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Find returns entries matching q in replay order.
func (s *Store) Find(ctx context.Context, q credit.Query) ([]credit.Entry, error) {
	query, args := sqlscope.Find(dialect, table, q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", classify(err))
	}
	defer rows.Close()

	var entries []credit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SetExpiresAt(ctx context.Context, id credit.EntryID, at, updatedAt time.Time) error {
	return s.exec(ctx, id,
		"UPDATE credit_entries SET expires_at = ?, updated_at = ? WHERE id = ?",
		formatTime(at), formatTime(updatedAt), int64(id))
}

func (s *Store) Shrink(ctx context.Context, id credit.EntryID, amount int64, notes string, updatedAt time.Time) error {
	return s.exec(ctx, id,
		"UPDATE credit_entries SET amount = ?, notes = ?, updated_at = ? WHERE id = ?",
		amount, notes, formatTime(updatedAt), int64(id))
}

// ApplyDelta adds delta to the entry's amount inside an immediate
// transaction, which holds the database write lock until commit. The
// update only matches an entry still open at now.
func (s *Store) ApplyDelta(ctx context.Context, id credit.EntryID, delta int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	at := formatTime(now)
	res, err := tx.ExecContext(ctx, `
		UPDATE credit_entries SET amount = amount + ?, updated_at = ?
		WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		delta, at, int64(id), at)
	if err != nil {
		return fmt.Errorf("failed to apply delta: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM credit_entries WHERE id = ?", int64(id)).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("entry %d: %w", id, credit.ErrEntryNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check entry %d: %w", id, classify(err))
		}
		return fmt.Errorf("entry %d: %w", id, credit.ErrEntryClosed)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delta: %w", classify(err))
	}
	return nil
}

func (s *Store) exec(ctx context.Context, id credit.EntryID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update entry %d: %w", id, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %d: %w", id, credit.ErrEntryNotFound)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func scanEntry(rows *sql.Rows) (credit.Entry, error) {
	var (
		e                    credit.Entry
		id                   int64
		kind                 string
		expiresAt            sql.NullString
		createdAt, updatedAt string
		cartItem, subItem    sql.NullString
	)
	err := rows.Scan(&id, &e.Subject.Type, &e.Subject.ID, &e.CreditType, &kind, &e.Amount,
		&expiresAt, &createdAt, &updatedAt, &e.Notes, &cartItem, &subItem)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.ID = credit.EntryID(id)
	e.Kind = credit.Kind(kind)
	e.CartItemID = cartItem.String
	e.SubscriptionItemID = subItem.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, err
	}
	if expiresAt.Valid {
		at, err := parseTime(expiresAt.String)
		if err != nil {
			return e, err
		}
		e.ExpiresAt = &at
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// classify wraps lock contention as a retryable conflict.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", credit.ErrSerializationConflict, err)
	}
	return err
}
