/*
cache.go - Historical bank cache

PURPOSE:
  Replaying a subject's whole history on every balance read is wasteful:
  everything created before today is immutable. The aggregator caches the
  Bank built from those entries, keyed by (subject, credit type, date), and
  only replays today's entries on top of it.

INVALIDATION CONTRACT:
  The past is trusted to be immutable once cached. Any write that touches an
  entry created before today (backdated grant, late expire, proration) must
  call Forget before it returns, otherwise stale history is served until the
  next day boundary.

DEGRADATION:
  A failing cache backend never fails a balance read: Get/Set errors are
  logged and the bank is recomputed from the store.

BACKENDS:
  - credit/cache/memory.go: Process-local map with TTL
  - cache/rediscache:       Redis (shared across processes)
*/
package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/credit-engine/observability"
)

// Cache is a byte-oriented key/value store with per-key TTL.
type Cache interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// Remember reads key through the cache, calling fn on a miss and storing its
// result for ttl. Cache failures are passed to onErr and never fail the call.
// The second return value reports a cache hit.
func Remember(
	ctx context.Context,
	c Cache,
	key string,
	ttl time.Duration,
	onErr func(op string, err error),
	fn func(ctx context.Context) ([]byte, error),
) ([]byte, bool, error) {
	if data, ok, err := c.Get(ctx, key); err != nil {
		onErr("get", err)
	} else if ok {
		return data, true, nil
	}

	data, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}
	if ttl > 0 {
		if err := c.Set(ctx, key, data, ttl); err != nil {
			onErr("set", err)
		}
	}
	return data, false, nil
}

// =============================================================================
// HISTORICAL CACHE
// =============================================================================

// HistoricalCache memoizes the pre-today Bank per (subject, type, date).
type HistoricalCache struct {
	cache  Cache
	loc    *time.Location
	logger *slog.Logger
}

// NewHistoricalCache wraps a cache backend. loc defines day boundaries.
func NewHistoricalCache(c Cache, loc *time.Location, logger *slog.Logger) *HistoricalCache {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoricalCache{cache: c, loc: loc, logger: logger}
}

// BankKey builds the cache key for a subject's history before day.
func BankKey(subject Subject, creditType string, day time.Time) string {
	return fmt.Sprintf("credit:bank:%s:%s:%s:%s",
		subject.Type, subject.ID, creditType, day.Format("2006-01-02"))
}

// Bank returns the cached history bank for the day containing now, computing
// and storing it on a miss. The entry lives until the next day boundary.
func (h *HistoricalCache) Bank(
	ctx context.Context,
	subject Subject,
	creditType string,
	now time.Time,
	compute func(ctx context.Context) (Bank, error),
) (Bank, bool, error) {
	day := StartOfDay(now, h.loc)
	key := BankKey(subject, creditType, day)
	ttl := NextDay(now, h.loc).Sub(now)

	onErr := func(op string, err error) {
		observability.CacheErrors.WithLabelValues(op).Inc()
		h.logger.Warn("historical cache unavailable, recomputing",
			"op", op, "key", key, "error", err)
	}

	data, hit, err := Remember(ctx, h.cache, key, ttl, onErr, func(ctx context.Context) ([]byte, error) {
		bank, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(bank)
	})
	if err != nil {
		return Bank{}, false, err
	}

	var bank Bank
	if err := json.Unmarshal(data, &bank); err != nil {
		// A corrupt value is treated like a miss.
		onErr("decode", err)
		bank, err = compute(ctx)
		return bank, false, err
	}
	return bank, hit, nil
}

// Forget invalidates the history bank for the day containing now.
func (h *HistoricalCache) Forget(ctx context.Context, subject Subject, creditType string, now time.Time) error {
	key := BankKey(subject, creditType, StartOfDay(now, h.loc))
	if err := h.cache.Forget(ctx, key); err != nil {
		observability.CacheErrors.WithLabelValues("forget").Inc()
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	return nil
}
