/*
errors.go - Centralized error types for the credit engine

ERROR CATEGORIES:
  1. Domain errors - Caller-recoverable (insufficient balance)
  2. Programmer errors - Unknown credit type, misuse of grouped spending,
     prorating a closed entry
  3. Store errors - Transient lock conflicts and fatal storage failures

USAGE:
  if errors.Is(err, credit.ErrInsufficientBalance) {
      // show "top up your credits"
  }

  var ibe *credit.InsufficientBalanceError
  if errors.As(err, &ibe) {
      log.Printf("short by %d", ibe.Shortfall())
  }
*/
package credit

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned by Remove and Spend when the balance
	// cannot cover the amount and negative balances are not allowed.
	// No entry was written.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidCreditType is returned when a credit type name is not configured.
	ErrInvalidCreditType = errors.New("invalid credit type")

	// ErrInvalidConfiguration is returned when the caller misuses the ledger,
	// e.g. passing notes or attributes to Spend in grouped usage mode.
	ErrInvalidConfiguration = errors.New("invalid ledger configuration")

	// ErrProrationOnClosedEntry is returned when prorating an entry that has
	// already expired.
	ErrProrationOnClosedEntry = errors.New("cannot prorate a closed entry")

	// ErrSerializationConflict is returned by stores when a locked update lost
	// a race with a concurrent transaction. Safe to retry.
	ErrSerializationConflict = errors.New("serialization conflict")

	// ErrStorage is returned when the locked usage decrement kept conflicting
	// after all retries.
	ErrStorage = errors.New("storage failure")

	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrEntryClosed is returned by Store.ApplyDelta when the entry has
	// expired. Closed usage entries are immutable.
	ErrEntryClosed = errors.New("entry closed")

	// ErrInvalidExpiry is returned when an expiry would precede the entry's creation.
	ErrInvalidExpiry = errors.New("expiry before creation")

	// ErrInvalidAmount is returned for negative amounts passed to Add, Remove or
	// Spend, and for an entry whose sign contradicts its kind.
	ErrInvalidAmount = errors.New("invalid amount")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Subject    Subject
	CreditType string
	Available  int64
	Requested  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s in %q: available %d, requested %d",
		e.Subject, e.CreditType, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall returns how many credits were missing.
func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Available }

// InvalidCreditTypeError names the unknown credit type.
type InvalidCreditTypeError struct {
	Name string
}

func (e *InvalidCreditTypeError) Error() string {
	return fmt.Sprintf("invalid credit type %q", e.Name)
}

func (e *InvalidCreditTypeError) Unwrap() error { return ErrInvalidCreditType }

// InvalidExpiryError describes an expiry that would precede creation.
type InvalidExpiryError struct {
	EntryID   EntryID
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e *InvalidExpiryError) Error() string {
	return fmt.Sprintf("expiry %s is before creation %s (entry %d)",
		e.ExpiresAt.Format(time.RFC3339), e.CreatedAt.Format(time.RFC3339), e.EntryID)
}

func (e *InvalidExpiryError) Unwrap() error { return ErrInvalidExpiry }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerializationConflict)
}

// IsClientError returns true if the error is due to invalid caller input or
// a balance the caller can fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidCreditType) ||
		errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrInvalidExpiry) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsNotFound returns true if the error indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}
