/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the boundary between the engine and durable storage. The store is
  append-mostly: entries are inserted, never deleted, and only mutated in the
  three narrow ways listed below.

PERMITTED MUTATIONS:
  - SetExpiresAt: close or re-date a grant (expiry, renewal, proration)
  - Shrink:       lower a grant's amount and append a note (proration only)
  - ApplyDelta:   relative amount change on the open grouped usage entry,
                  executed under a row lock inside a storage transaction;
                  refused once the entry is closed

CONCURRENCY:
  ApplyDelta must never read the amount into memory and write it back. It is
  a single "amount = amount + delta" statement guarded by a row lock. Stores
  return an error wrapping ErrSerializationConflict when the lock or the
  transaction lost a race; the ledger retries those.

IMPLEMENTATIONS:
  - credit/store/memory.go: In-memory for tests and single-process use
  - store/sqlite:           SQLite (BEGIN IMMEDIATE)
  - store/postgres:         PostgreSQL (SELECT ... FOR UPDATE)
*/
package credit

import (
	"context"
	"time"
)

// Store persists ledger entries.
type Store interface {
	// Insert persists e and assigns e.ID. CreatedAt and UpdatedAt are taken
	// as given; the ledger fills them before calling.
	Insert(ctx context.Context, e *Entry) error

	// Get returns a single entry or an error wrapping ErrEntryNotFound.
	Get(ctx context.Context, id EntryID) (*Entry, error)

	// Find returns the entries matching q ordered by (CreatedAt, ID),
	// or in reverse when q.Newest is set.
	Find(ctx context.Context, q Query) ([]Entry, error)

	// SetExpiresAt sets the expiry of an entry.
	SetExpiresAt(ctx context.Context, id EntryID, at time.Time, updatedAt time.Time) error

	// Shrink sets a lower amount and replaces the notes.
	Shrink(ctx context.Context, id EntryID, amount int64, notes string, updatedAt time.Time) error

	// ApplyDelta adds delta to the entry's amount under a row lock. The entry
	// must still be open at now; otherwise it returns an error wrapping
	// ErrEntryClosed and leaves the row untouched.
	ApplyDelta(ctx context.Context, id EntryID, delta int64, now time.Time) error
}
