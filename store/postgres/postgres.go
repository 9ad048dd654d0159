/*
Package postgres provides a PostgreSQL-backed credit.Store.

CONCURRENCY:
  ApplyDelta locks the usage row with SELECT ... FOR UPDATE and applies the
  relative update in the same transaction, so concurrent spenders serialize
  on the row instead of overwriting each other. Serialization failures,
  deadlocks and lock timeouts surface as credit.ErrSerializationConflict.

USAGE:
  db, err := postgres.Open(postgres.Config{Host: "localhost", Name: "credits"})
  store := postgres.New(db)
  if err := store.Migrate(ctx); err != nil { ... }

SEE ALSO:
  - store/sqlite: Same schema on SQLite
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/sqlscope"
)

const table = "credit_entries"

var dialect = sqlscope.Dialect{
	Placeholder: sqlscope.Dollar,
	Time:        func(t time.Time) any { return t.UTC() },
}

// Config holds connection settings.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Name, ssl)
}

// Open connects and configures the pool.
func Open(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Store implements credit.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the schema if it doesn't exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_entries (
		id BIGSERIAL PRIMARY KEY,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount BIGINT NOT NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		cart_item_id TEXT,
		subscription_item_id TEXT,
		CHECK (expires_at IS NULL OR expires_at >= created_at)
	);

	CREATE INDEX IF NOT EXISTS idx_credit_entries_wallet
		ON credit_entries(subject_type, subject_id, credit_type, created_at, id);

	CREATE INDEX IF NOT EXISTS idx_credit_entries_usage
		ON credit_entries(subject_type, subject_id, credit_type, created_at)
		WHERE kind = 'usage';
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// =============================================================================
// ENTRY STORE (credit.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, e *credit.Entry) error {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO credit_entries
		(subject_type, subject_id, credit_type, kind, amount, expires_at,
		 created_at, updated_at, notes, cart_item_id, subscription_item_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		e.Subject.Type,
		e.Subject.ID,
		e.CreditType,
		string(e.Kind),
		e.Amount,
		nullTime(e.ExpiresAt),
		e.CreatedAt.UTC(),
		e.UpdatedAt.UTC(),
		e.Notes,
		nullString(e.CartItemID),
		nullString(e.SubscriptionItemID),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", classify(err))
	}
	e.ID = credit.EntryID(id)
	return nil
}

func (s *Store) Get(ctx context.Context, id credit.EntryID) (*credit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", sqlscope.Columns, table), int64(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, credit.ErrEntryNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

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
		"UPDATE credit_entries SET expires_at = $1, updated_at = $2 WHERE id = $3",
		at.UTC(), updatedAt.UTC(), int64(id))
}

func (s *Store) Shrink(ctx context.Context, id credit.EntryID, amount int64, notes string, updatedAt time.Time) error {
	return s.exec(ctx, id,
		"UPDATE credit_entries SET amount = $1, notes = $2, updated_at = $3 WHERE id = $4",
		amount, notes, updatedAt.UTC(), int64(id))
}

// ApplyDelta locks the row and adds delta to its amount in one transaction.
// The locked row is checked for expiry first, so a concurrently closed
// entry is never mutated.
func (s *Store) ApplyDelta(ctx context.Context, id credit.EntryID, delta int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	var (
		locked    int64
		expiresAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, expires_at FROM credit_entries WHERE id = $1 FOR UPDATE", int64(id)).
		Scan(&locked, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("entry %d: %w", id, credit.ErrEntryNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock entry %d: %w", id, classify(err))
	}
	if expiresAt.Valid && !expiresAt.Time.After(now) {
		return fmt.Errorf("entry %d: %w", id, credit.ErrEntryClosed)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE credit_entries SET amount = amount + $1, updated_at = $2 WHERE id = $3",
		delta, now.UTC(), int64(id)); err != nil {
		return fmt.Errorf("failed to apply delta: %w", classify(err))
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

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (credit.Entry, error) {
	var (
		e                 credit.Entry
		id                int64
		kind              string
		expiresAt         sql.NullTime
		cartItem, subItem sql.NullString
	)
	err := row.Scan(&id, &e.Subject.Type, &e.Subject.ID, &e.CreditType, &kind, &e.Amount,
		&expiresAt, &e.CreatedAt, &e.UpdatedAt, &e.Notes, &cartItem, &subItem)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.ID = credit.EntryID(id)
	e.Kind = credit.Kind(kind)
	e.CartItemID = cartItem.String
	e.SubscriptionItemID = subItem.String
	if expiresAt.Valid {
		at := expiresAt.Time
		e.ExpiresAt = &at
	}
	return e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Lock contention codes that are safe to retry.
var retryable = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && retryable[pqErr.Code] {
		return fmt.Errorf("%w: %v", credit.ErrSerializationConflict, err)
	}
	return err
}
