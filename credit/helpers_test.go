package credit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/credit/cache"
	"github.com/warp/credit-engine/credit/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var team = credit.Subject{Type: "team", ID: "t-1"}

// April 2026 has 30 days, which keeps proration arithmetic round.
var day0 = time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	ledger *credit.Ledger
	store  *store.Memory
	cache  *cache.Memory
	clock  *testClock
	events *recorder
}

func newFixture(t *testing.T, opts ...credit.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		clock:  newClock(day0.Add(10 * time.Hour)),
		events: &recorder{},
	}
	f.cache = cache.NewMemory(f.clock.Now)
	base := []credit.Option{
		credit.WithClock(f.clock.Now),
		credit.WithCache(f.cache),
		credit.WithNotifier(f.events),
		credit.WithTypes(credit.NewTypes("default", "images")),
	}
	f.ledger = credit.New(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) wallet(t *testing.T, creditType string) *credit.Wallet {
	t.Helper()
	w, err := f.ledger.For(team, creditType)
	if err != nil {
		t.Fatalf("wallet %q: %v", creditType, err)
	}
	return w
}

func (f *fixture) balance(t *testing.T, creditType string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), team, creditType)
	if err != nil {
		t.Fatalf("balance %q: %v", creditType, err)
	}
	return b
}

func ptr(t time.Time) *time.Time { return &t }

// recorder collects BalanceUpdated events.
type recorder struct {
	mu     sync.Mutex
	events []credit.BalanceUpdated
}

func (r *recorder) BalanceUpdated(_ context.Context, e credit.BalanceUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Last() credit.BalanceUpdated {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// conflictingStore fails ApplyDelta with a serialization conflict the first
// failures times it is called. A negative value fails forever.
type conflictingStore struct {
	*store.Memory

	mu       sync.Mutex
	failures int
	attempts int
}

func (s *conflictingStore) ApplyDelta(ctx context.Context, id credit.EntryID, delta int64, at time.Time) error {
	s.mu.Lock()
	s.attempts++
	fail := s.failures != 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()

	if fail {
		return fmt.Errorf("could not obtain lock on entry %d: %w", id, credit.ErrSerializationConflict)
	}
	return s.Memory.ApplyDelta(ctx, id, delta, at)
}

func (s *conflictingStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// closingStore expires the target entry right before its next ApplyDelta,
// as a concurrent ExpireCurrentUsageEntries would.
type closingStore struct {
	*store.Memory

	mu        sync.Mutex
	closeNext bool
}

func (s *closingStore) CloseNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeNext = true
}

func (s *closingStore) ApplyDelta(ctx context.Context, id credit.EntryID, delta int64, now time.Time) error {
	s.mu.Lock()
	closing := s.closeNext
	s.closeNext = false
	s.mu.Unlock()

	if closing {
		if err := s.Memory.SetExpiresAt(ctx, id, now, now); err != nil {
			return err
		}
	}
	return s.Memory.ApplyDelta(ctx, id, delta, now)
}

// brokenCache fails the operations it is told to.
type brokenCache struct {
	*cache.Memory
	failGet, failSet, failForget bool
}

var errCacheDown = errors.New("cache down")

func (c *brokenCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.failGet {
		return nil, false, errCacheDown
	}
	return c.Memory.Get(ctx, key)
}

func (c *brokenCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.failSet {
		return errCacheDown
	}
	return c.Memory.Set(ctx, key, value, ttl)
}

func (c *brokenCache) Forget(ctx context.Context, key string) error {
	if c.failForget {
		return errCacheDown
	}
	return c.Memory.Forget(ctx, key)
}

func newMemoryCache(clock *testClock) *cache.Memory { return cache.NewMemory(clock.Now) }
