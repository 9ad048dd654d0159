/*
Package credit provides the credit ledger and balance computation engine.

PURPOSE:
  Tracks prepaid, expiring credit balances for billable subjects against an
  append-mostly log of ledger entries. Whether the credits are API calls,
  seats or generation tokens, the same engine answers "what is the balance
  right now" for any (subject, credit type) pair.

KEY CONCEPTS IN THIS FILE (types.go):
  - Subject: The billable account whose balance is tracked
  - Kind: Why an entry exists (subscription, product, adjustment, usage)
  - Entry: One grant (positive) or usage (negative) record
  - Types: The configured credit namespaces, one of them default

DESIGN PRINCIPLES:
  1. Append-mostly: Entries are never deleted. Only expiry and proration mutate them.
  2. Integer credits: Amounts are signed int64, no fractional credits.
  3. Replay: Balance is always derived from entries, never stored.
  4. Namespaces: A subject holds independent balances per credit type.

USAGE:
  ledger := credit.New(store.NewMemory(), credit.WithTypes(credit.NewTypes("default")))
  wallet, _ := ledger.For(credit.Subject{Type: "team", ID: "t-1"}, "")
  wallet.Add(ctx, 100, credit.WithExpiresAt(time.Now().AddDate(0, 1, 0)))
  balance, _ := wallet.Balance(ctx)

SEE ALSO:
  - bank.go: FIFO expiry replay
  - aggregator.go: Balance computation with historical cache
  - ledger.go, wallet.go: Public mutation API
  - proration.go: Early termination of grants
*/
package credit

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// EntryID identifies a ledger entry. IDs increase with insertion order and
// break ties between entries sharing a CreatedAt.
type EntryID int64

// Subject is the billable entity owning a balance.
type Subject struct {
	Type string
	ID   string
}

func (s Subject) String() string { return s.Type + ":" + s.ID }

// IsZero reports whether the subject is unset.
func (s Subject) IsZero() bool { return s.Type == "" && s.ID == "" }

// =============================================================================
// ENTRY KIND
// =============================================================================

type Kind string

const (
	KindSubscription Kind = "subscription" // Periodic grant from a plan renewal
	KindProduct      Kind = "product"      // One-off purchase
	KindAdjustment   Kind = "adjustment"   // Manual add/remove
	KindUsage        Kind = "usage"        // Consumption
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSubscription, KindProduct, KindAdjustment, KindUsage:
		return true
	}
	return false
}

// =============================================================================
// ENTRY - One grant or usage event
// =============================================================================

type Entry struct {
	ID         EntryID
	Subject    Subject
	CreditType string
	Kind       Kind

	// Positive = grant, negative = usage.
	Amount int64

	// Only meaningful when Amount > 0. Nil means the grant never expires.
	ExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Notes     string

	// Opaque links to the originating cart or subscription item.
	CartItemID         string
	SubscriptionItemID string
}

func (e Entry) IsGrant() bool { return e.Amount > 0 }
func (e Entry) IsUsage() bool { return e.Amount < 0 }

// ExpiredAt reports whether the entry is closed at t.
// An entry expiring exactly at t is already expired.
func (e Entry) ExpiredAt(t time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(t)
}

// Persisted reports whether the entry has been written to a store.
func (e Entry) Persisted() bool { return e.ID != 0 }

// validate checks the invariants every stored entry must hold.
func (e Entry) validate() error {
	if e.Subject.IsZero() {
		return fmt.Errorf("%w: subject is required", ErrInvalidConfiguration)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown entry kind %q", ErrInvalidConfiguration, e.Kind)
	}
	switch {
	case e.Kind == KindUsage && e.Amount > 0:
		return fmt.Errorf("%w: usage amount %d must not be positive", ErrInvalidAmount, e.Amount)
	case (e.Kind == KindSubscription || e.Kind == KindProduct) && e.Amount < 0:
		return fmt.Errorf("%w: %s amount %d must not be negative", ErrInvalidAmount, e.Kind, e.Amount)
	}
	if e.ExpiresAt != nil && e.ExpiresAt.Before(e.CreatedAt) {
		return &InvalidExpiryError{EntryID: e.ID, CreatedAt: e.CreatedAt, ExpiresAt: *e.ExpiresAt}
	}
	return nil
}

// NewEntry is the input for creating a ledger entry. CreatedAt, when set,
// backdates the entry and suppresses automatic timestamping.
type NewEntry struct {
	Subject            Subject
	CreditType         string
	Kind               Kind
	Amount             int64
	ExpiresAt          *time.Time
	CreatedAt          *time.Time
	Notes              string
	CartItemID         string
	SubscriptionItemID string
}

// =============================================================================
// CREDIT TYPES - Independent balance namespaces
// =============================================================================

// Types is the set of configured credit types. It is immutable after
// construction and safe for concurrent use.
type Types struct {
	def   string
	names []string
	known map[string]struct{}
}

// NewTypes creates a type set with def as the default. Extra names are
// added in order; duplicates are ignored.
func NewTypes(def string, others ...string) *Types {
	t := &Types{def: def, known: make(map[string]struct{})}
	for _, name := range append([]string{def}, others...) {
		if name == "" {
			continue
		}
		if _, ok := t.known[name]; ok {
			continue
		}
		t.known[name] = struct{}{}
		t.names = append(t.names, name)
	}
	return t
}

// Default returns the default type name.
func (t *Types) Default() string { return t.def }

// Names returns all configured types, default first.
func (t *Types) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Resolve maps an empty name to the default and rejects unknown names.
func (t *Types) Resolve(name string) (string, error) {
	if name == "" {
		name = t.def
	}
	if _, ok := t.known[name]; !ok {
		return "", &InvalidCreditTypeError{Name: name}
	}
	return name, nil
}

// TypeBalance pairs a credit type with a subject's balance in it.
type TypeBalance struct {
	CreditType string
	Balance    int64
}
