package credit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/credit-engine/observability"
)

// =============================================================================
// AGGREGATOR - Balance from entries
// =============================================================================

// Aggregator computes balances by replaying a wallet's entries. History
// before today comes from the HistoricalCache, today's entries are always
// read fresh because they are still mutable.
//
// A wallet whose cached history could not be invalidated is marked stale.
// Stale wallets skip the cache and replay from the store until a later
// invalidation succeeds.
type Aggregator struct {
	store   Store
	history *HistoricalCache
	clock   Clock
	loc     *time.Location
	logger  *slog.Logger

	mu    sync.Mutex
	stale map[string]uint64 // wallet key -> failure generation
	gen   uint64
}

// NewAggregator creates an aggregator. history may be nil to disable caching.
func NewAggregator(store Store, history *HistoricalCache, clock Clock, loc *time.Location, logger *slog.Logger) *Aggregator {
	if clock == nil {
		clock = systemClock
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:   store,
		history: history,
		clock:   clock,
		loc:     loc,
		logger:  logger,
		stale:   make(map[string]uint64),
	}
}

// Balance returns the balance of subject in creditType at the current instant.
func (a *Aggregator) Balance(ctx context.Context, subject Subject, creditType string) (int64, error) {
	bank, err := a.BankAt(ctx, subject, creditType, a.clock())
	if err != nil {
		return 0, err
	}
	return bank.Total(), nil
}

// BankAt returns the replayed bank as seen at now, with expired buckets dropped.
func (a *Aggregator) BankAt(ctx context.Context, subject Subject, creditType string, now time.Time) (Bank, error) {
	today := StartOfDay(now, a.loc)
	scope := ForWallet(subject, creditType)

	past, err := a.historical(ctx, scope, now, today)
	if err != nil {
		return Bank{}, err
	}

	todays, err := a.store.Find(ctx, scope.Since(today))
	if err != nil {
		return Bank{}, fmt.Errorf("failed to load today's entries: %w", err)
	}

	bank := past.Clone()
	bank.ApplyAll(todays)
	bank.DropExpired(now)
	return bank, nil
}

func (a *Aggregator) historical(ctx context.Context, scope Query, now, today time.Time) (Bank, error) {
	compute := func(ctx context.Context) (Bank, error) {
		entries, err := a.store.Find(ctx, scope.Before(today))
		if err != nil {
			return Bank{}, fmt.Errorf("failed to load historical entries: %w", err)
		}
		return Replay(entries), nil
	}

	if a.history == nil {
		observability.BalanceComputations.WithLabelValues("disabled").Inc()
		return compute(ctx)
	}

	if !a.refresh(ctx, scope.Subject, scope.CreditType) {
		observability.BalanceComputations.WithLabelValues("bypass").Inc()
		return compute(ctx)
	}

	bank, hit, err := a.history.Bank(ctx, scope.Subject, scope.CreditType, now, compute)
	if err != nil {
		return Bank{}, err
	}
	if hit {
		observability.BalanceComputations.WithLabelValues("hit").Inc()
	} else {
		observability.BalanceComputations.WithLabelValues("miss").Inc()
	}
	return bank, nil
}

// ClearCache invalidates the cached history of a wallet. On failure the
// wallet is marked stale, so balances stay correct while the backend is
// unreachable.
func (a *Aggregator) ClearCache(ctx context.Context, subject Subject, creditType string) error {
	if a.history == nil {
		return nil
	}
	if err := a.history.Forget(ctx, subject, creditType, a.clock()); err != nil {
		a.markStale(subject, creditType)
		return err
	}
	return nil
}

// Stale reports whether the wallet's cached history is bypassed.
func (a *Aggregator) Stale(subject Subject, creditType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.stale[walletKey(subject, creditType)]
	return ok
}

func (a *Aggregator) markStale(subject Subject, creditType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	a.stale[walletKey(subject, creditType)] = a.gen
}

// refresh reports whether the cache may serve the wallet's history. A stale
// wallet is cleared only when its invalidation finally succeeds and no newer
// failure was recorded meanwhile.
func (a *Aggregator) refresh(ctx context.Context, subject Subject, creditType string) bool {
	key := walletKey(subject, creditType)
	a.mu.Lock()
	gen, stale := a.stale[key]
	a.mu.Unlock()
	if !stale {
		return true
	}

	if err := a.history.Forget(ctx, subject, creditType, a.clock()); err != nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stale[key] != gen {
		return false
	}
	delete(a.stale, key)
	a.logger.Info("historical cache recovered", "subject", subject.String(), "credit_type", creditType)
	return true
}

func walletKey(subject Subject, creditType string) string {
	return subject.Type + "\x00" + subject.ID + "\x00" + creditType
}
