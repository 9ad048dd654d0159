package credit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/credit/cache"
)

func TestHistoricalCache_HitUntilNextDay(t *testing.T) {
	ctx := context.Background()
	clock := newClock(day0.Add(22 * time.Hour))
	history := credit.NewHistoricalCache(cache.NewMemory(clock.Now), time.UTC, nil)

	calls := 0
	compute := func(context.Context) (credit.Bank, error) {
		calls++
		return credit.Bank{Unexpiring: 42}, nil
	}

	bank, hit, err := history.Bank(ctx, team, "default", clock.Now(), compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int64(42), bank.Total())

	bank, hit, err = history.Bank(ctx, team, "default", clock.Now(), compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(42), bank.Total())
	assert.Equal(t, 1, calls)

	// A different type is a different key.
	_, hit, err = history.Bank(ctx, team, "images", clock.Now(), compute)
	require.NoError(t, err)
	assert.False(t, hit)

	clock.Advance(3 * time.Hour)
	_, hit, err = history.Bank(ctx, team, "default", clock.Now(), compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 3, calls)
}

func TestHistoricalCache_Forget(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(nil)
	history := credit.NewHistoricalCache(mem, time.UTC, nil)
	now := time.Now()

	_, _, err := history.Bank(ctx, team, "default", now, func(context.Context) (credit.Bank, error) {
		return credit.Bank{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, mem.Len())

	require.NoError(t, history.Forget(ctx, team, "default", now))
	assert.Equal(t, 0, mem.Len())
}

func TestHistoricalCache_CorruptValueRecomputes(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(nil)
	history := credit.NewHistoricalCache(mem, time.UTC, nil)
	now := time.Now()

	key := credit.BankKey(team, "default", credit.StartOfDay(now, time.UTC))
	require.NoError(t, mem.Set(ctx, key, []byte("{not json"), time.Hour))

	bank, hit, err := history.Bank(ctx, team, "default", now, func(context.Context) (credit.Bank, error) {
		return credit.Bank{Unexpiring: 7}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int64(7), bank.Total())
}

func TestHistoricalCache_ComputeErrorPropagates(t *testing.T) {
	ctx := context.Background()
	history := credit.NewHistoricalCache(cache.NewMemory(nil), time.UTC, nil)
	boom := errors.New("db gone")

	_, _, err := history.Bank(ctx, team, "default", time.Now(), func(context.Context) (credit.Bank, error) {
		return credit.Bank{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestBankKey(t *testing.T) {
	key := credit.BankKey(team, "images", day0)
	assert.Equal(t, "credit:bank:team:t-1:images:2026-04-01", key)
}

func TestRemember_SkipsStoreOnZeroTTL(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(nil)

	data, hit, err := credit.Remember(ctx, mem, "k", 0, func(string, error) {}, func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("v"), data)
	assert.Equal(t, 0, mem.Len())
}
