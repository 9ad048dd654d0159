/*
ledger.go - Public credit ledger API

PURPOSE:
  The Ledger is the entry point used by billing workflows (renewal jobs,
  purchase fulfilment, admin tooling). It creates entries, expires them,
  answers balance queries and hands out Wallets scoped to one subject and
  credit type for add/remove/spend.

WRITE PATH:
  1. Resolve the credit type (ErrInvalidCreditType if unknown)
  2. If the write touches an entry created before today, invalidate the
     historical cache BEFORE writing
  3. Persist
  4. Invalidate the historical cache again (covers readers that rebuilt
     history concurrently with the write)
  5. Compute the post-write balance and emit BalanceUpdated

  Cache invalidation never fails a write. A wallet whose invalidation
  failed is replayed from the store until a later invalidation succeeds.

CONFIGURATION:
  ledger := credit.New(store,
      credit.WithTypes(credit.NewTypes("default", "images")),
      credit.WithNegativeBalancePolicy(credit.NegativeBalancePolicy{
          PerType: map[string]credit.Allowance{"images": credit.Allow(true)},
      }),
      credit.WithGroupedUsage(true),
      credit.WithCache(rediscache.New(client, "")),
  )

SEE ALSO:
  - wallet.go: add/remove/spend for a single wallet
  - proration.go: Early termination of a grant
*/
package credit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/credit-engine/credit/cache"
	"github.com/warp/credit-engine/observability"
)

const (
	// DefaultLockRetries bounds the retries of the grouped usage decrement.
	DefaultLockRetries = 50

	// DefaultBalanceMemo is how long a Wallet reuses a computed balance.
	DefaultBalanceMemo = time.Second
)

// Ledger is safe for concurrent use.
type Ledger struct {
	store      Store
	aggregator *Aggregator
	types      *Types
	policy     NegativeBalancePolicy
	notifier   Notifier
	clock      Clock
	loc        *time.Location
	logger     *slog.Logger

	cache       Cache
	groupUsage  bool
	lockRetries int
	balanceMemo time.Duration

	// usageMu serializes find-or-create of grouped usage entries in-process.
	usageMu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLocation sets the time zone that defines day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.loc = loc }
}

// WithCache sets the historical bank cache backend. Nil disables caching.
func WithCache(c Cache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithTypes sets the configured credit types.
func WithTypes(types *Types) Option {
	return func(l *Ledger) { l.types = types }
}

// WithNegativeBalancePolicy sets who may go below zero.
func WithNegativeBalancePolicy(p NegativeBalancePolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithNotifier sets the BalanceUpdated receiver.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithGroupedUsage switches Spend to one usage entry per wallet per day.
func WithGroupedUsage(grouped bool) Option {
	return func(l *Ledger) { l.groupUsage = grouped }
}

// WithLockRetries bounds the retries of the grouped usage decrement.
func WithLockRetries(n int) Option {
	return func(l *Ledger) { l.lockRetries = n }
}

// WithBalanceMemo sets how long a Wallet reuses a computed balance.
// Zero disables the memo.
func WithBalanceMemo(ttl time.Duration) Option {
	return func(l *Ledger) { l.balanceMemo = ttl }
}

// New creates a ledger over store. Without WithTypes a single "default"
// credit type is configured; without WithCache an in-process cache is used.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		types:       NewTypes("default"),
		notifier:    nopNotifier{},
		clock:       systemClock,
		loc:         time.UTC,
		logger:      slog.Default(),
		lockRetries: DefaultLockRetries,
		balanceMemo: DefaultBalanceMemo,
	}
	l.cache = cache.NewMemory(func() time.Time { return l.clock() })

	for _, opt := range opts {
		opt(l)
	}
	if l.lockRetries < 1 {
		l.lockRetries = 1
	}

	var history *HistoricalCache
	if l.cache != nil {
		history = NewHistoricalCache(l.cache, l.loc, l.logger)
	}
	l.aggregator = NewAggregator(store, history, l.clock, l.loc, l.logger)
	return l
}

// Types returns the configured credit types.
func (l *Ledger) Types() *Types { return l.types }

// GroupedUsage reports whether Spend groups usage per day.
func (l *Ledger) GroupedUsage() bool { return l.groupUsage }

// Now returns the ledger clock's current instant.
func (l *Ledger) Now() time.Time { return l.clock() }

// Location returns the zone used for day boundaries.
func (l *Ledger) Location() *time.Location { return l.loc }

// For returns a wallet for subject in creditType. An empty type selects the default.
func (l *Ledger) For(subject Subject, creditType string) (*Wallet, error) {
	ct, err := l.types.Resolve(creditType)
	if err != nil {
		return nil, err
	}
	return &Wallet{ledger: l, subject: subject, creditType: ct}, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Balance returns the current balance without memoization.
func (l *Ledger) Balance(ctx context.Context, subject Subject, creditType string) (int64, error) {
	ct, err := l.types.Resolve(creditType)
	if err != nil {
		return 0, err
	}
	return l.aggregator.Balance(ctx, subject, ct)
}

// AllBalances returns the subject's balance in every configured type, default first.
func (l *Ledger) AllBalances(ctx context.Context, subject Subject) ([]TypeBalance, error) {
	names := l.types.Names()
	out := make([]TypeBalance, 0, len(names))
	for _, name := range names {
		balance, err := l.aggregator.Balance(ctx, subject, name)
		if err != nil {
			return nil, err
		}
		out = append(out, TypeBalance{CreditType: name, Balance: balance})
	}
	return out, nil
}

// SpentOnDate returns the credits consumed by usage entries created on the
// calendar day containing date. It doesn't depend on the grouping mode.
func (l *Ledger) SpentOnDate(ctx context.Context, subject Subject, creditType string, date time.Time) (int64, error) {
	ct, err := l.types.Resolve(creditType)
	if err != nil {
		return 0, err
	}
	entries, err := l.store.Find(ctx, ForWallet(subject, ct).OfKind(KindUsage).OnDay(StartOfDay(date, l.loc)))
	if err != nil {
		return 0, err
	}
	var spent int64
	for _, e := range entries {
		if e.Amount < 0 {
			spent -= e.Amount
		} else {
			spent += e.Amount
		}
	}
	return spent, nil
}

// Entries returns a wallet's audit trail in replay order.
func (l *Ledger) Entries(ctx context.Context, subject Subject, creditType string) ([]Entry, error) {
	ct, err := l.types.Resolve(creditType)
	if err != nil {
		return nil, err
	}
	return l.store.Find(ctx, ForWallet(subject, ct))
}

// Entry returns a single entry.
func (l *Ledger) Entry(ctx context.Context, id EntryID) (*Entry, error) {
	return l.store.Get(ctx, id)
}

// =============================================================================
// WRITES
// =============================================================================

// Create persists a new entry. This is the entry point for grant and usage
// producers. An explicit CreatedAt backdates the entry; UpdatedAt then
// equals CreatedAt.
func (l *Ledger) Create(ctx context.Context, in NewEntry) (EntryID, error) {
	e, err := l.create(ctx, in)
	if err != nil {
		return 0, err
	}
	return e.ID, nil
}

func (l *Ledger) create(ctx context.Context, in NewEntry) (*Entry, error) {
	ct, err := l.types.Resolve(in.CreditType)
	if err != nil {
		return nil, err
	}

	createdAt := l.clock()
	if in.CreatedAt != nil {
		createdAt = *in.CreatedAt
	}

	e := &Entry{
		Subject:            in.Subject,
		CreditType:         ct,
		Kind:               in.Kind,
		Amount:             in.Amount,
		ExpiresAt:          in.ExpiresAt,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
		Notes:              in.Notes,
		CartItemID:         in.CartItemID,
		SubscriptionItemID: in.SubscriptionItemID,
	}
	if err := e.validate(); err != nil {
		return nil, err
	}

	backdated := l.touchesPast(*e)
	if backdated {
		l.invalidate(ctx, *e)
	}

	if err := l.store.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to insert %s entry: %w", e.Kind, err)
	}
	observability.EntriesWritten.WithLabelValues(string(e.Kind)).Inc()
	l.logger.Debug("ledger entry created",
		"entry_id", e.ID, "subject", e.Subject.String(), "credit_type", ct,
		"kind", e.Kind, "amount", e.Amount, "backdated", backdated)

	l.afterWrite(ctx, *e)
	return e, nil
}

// Expire closes an entry at the given instant, or moves its expiry.
func (l *Ledger) Expire(ctx context.Context, id EntryID, at time.Time) (*Entry, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.expire(ctx, e, at)
}

func (l *Ledger) expire(ctx context.Context, e *Entry, at time.Time) (*Entry, error) {
	if at.Before(e.CreatedAt) {
		return nil, &InvalidExpiryError{EntryID: e.ID, CreatedAt: e.CreatedAt, ExpiresAt: at}
	}

	if l.touchesPast(*e) {
		l.invalidate(ctx, *e)
	}

	now := l.clock()
	if err := l.store.SetExpiresAt(ctx, e.ID, at, now); err != nil {
		return nil, fmt.Errorf("failed to expire entry %d: %w", e.ID, err)
	}
	e.ExpiresAt = &at
	e.UpdatedAt = now
	observability.EntriesWritten.WithLabelValues(string(e.Kind)).Inc()
	l.logger.Debug("ledger entry expired", "entry_id", e.ID, "expires_at", at)

	l.afterWrite(ctx, *e)
	return e, nil
}

// touchesPast reports whether e belongs to the cached history.
func (l *Ledger) touchesPast(e Entry) bool {
	return e.CreatedAt.Before(StartOfDay(l.clock(), l.loc))
}

// invalidate forgets the wallet's cached history. A failure leaves the
// wallet stale in the aggregator, which then bypasses the cache for it.
func (l *Ledger) invalidate(ctx context.Context, e Entry) {
	if err := l.aggregator.ClearCache(ctx, e.Subject, e.CreditType); err != nil {
		l.logger.Warn("historical cache invalidation failed, bypassing cache",
			"subject", e.Subject.String(), "credit_type", e.CreditType, "entry_id", e.ID, "error", err)
	}
}

// afterWrite runs once a write has committed: it invalidates the wallet's
// history and emits BalanceUpdated. It never fails the write.
func (l *Ledger) afterWrite(ctx context.Context, e Entry) {
	l.invalidate(ctx, e)

	balance, err := l.aggregator.Balance(ctx, e.Subject, e.CreditType)
	if err != nil {
		l.logger.Error("balance unavailable after write, BalanceUpdated not sent",
			"subject", e.Subject.String(), "credit_type", e.CreditType, "entry_id", e.ID, "error", err)
		return
	}
	l.notifier.BalanceUpdated(ctx, BalanceUpdated{
		ID:         uuid.New(),
		Subject:    e.Subject,
		CreditType: e.CreditType,
		NewBalance: balance,
		Entry:      e,
		At:         l.clock(),
	})
}
