package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/sqlite"
)

var team = credit.Subject{Type: "team", ID: "t-1"}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created := time.Date(2026, 4, 1, 9, 30, 0, 123456789, time.UTC)
	expires := created.AddDate(0, 1, 0)
	e := &credit.Entry{
		Subject:            team,
		CreditType:         "default",
		Kind:               credit.KindSubscription,
		Amount:             300,
		ExpiresAt:          &expires,
		CreatedAt:          created,
		UpdatedAt:          created,
		Notes:              "april plan",
		SubscriptionItemID: "si_1",
	}
	require.NoError(t, s.Insert(ctx, e))
	require.NotZero(t, e.ID)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, team, got.Subject)
	assert.Equal(t, credit.KindSubscription, got.Kind)
	assert.Equal(t, int64(300), got.Amount)
	assert.True(t, got.CreatedAt.Equal(created))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
	assert.Equal(t, "april plan", got.Notes)
	assert.Equal(t, "si_1", got.SubscriptionItemID)
	assert.Empty(t, got.CartItemID)

	_, err = s.Get(ctx, 404)
	assert.ErrorIs(t, err, credit.ErrEntryNotFound)
}

func TestStore_FindOrdersByCreatedAtThenID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	// Nanosecond precision matters for ordering despite text storage.
	at := []time.Time{base.Add(time.Second), base, base.Add(900 * time.Millisecond), base}
	for i, ts := range at {
		require.NoError(t, s.Insert(ctx, &credit.Entry{
			Subject: team, CreditType: "default", Kind: credit.KindUsage,
			Amount: int64(-(i + 1)), CreatedAt: ts, UpdatedAt: ts,
		}))
	}

	entries, err := s.Find(ctx, credit.ForWallet(team, "default"))
	require.NoError(t, err)
	require.Len(t, entries, 4)
	amounts := []int64{entries[0].Amount, entries[1].Amount, entries[2].Amount, entries[3].Amount}
	assert.Equal(t, []int64{-2, -4, -3, -1}, amounts)

	before, err := s.Find(ctx, credit.ForWallet(team, "default").Before(base.Add(time.Second)))
	require.NoError(t, err)
	assert.Len(t, before, 3)

	latest, err := s.Find(ctx, credit.ForWallet(team, "default").Latest(1))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, int64(-1), latest[0].Amount)
}

func TestStore_ActiveScope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	open := &credit.Entry{Subject: team, CreditType: "default", Kind: credit.KindUsage, CreatedAt: now, UpdatedAt: now}
	closed := &credit.Entry{Subject: team, CreditType: "default", Kind: credit.KindUsage, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Insert(ctx, open))
	require.NoError(t, s.Insert(ctx, closed))
	require.NoError(t, s.SetExpiresAt(ctx, closed.ID, now, now))

	active, err := s.Find(ctx, credit.ForWallet(team, "default").OfKind(credit.KindUsage).Active(now))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)
}

func TestStore_ShrinkAndApplyDelta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	e := &credit.Entry{Subject: team, CreditType: "default", Kind: credit.KindProduct, Amount: 100, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Insert(ctx, e))

	require.NoError(t, s.Shrink(ctx, e.ID, 40, "shrunk", now.Add(time.Minute)))
	require.NoError(t, s.ApplyDelta(ctx, e.ID, -15, now.Add(2*time.Minute)))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Amount)
	assert.Equal(t, "shrunk", got.Notes)
	assert.True(t, got.UpdatedAt.Equal(now.Add(2*time.Minute)))

	assert.ErrorIs(t, s.ApplyDelta(ctx, 404, 1, now), credit.ErrEntryNotFound)
	assert.ErrorIs(t, s.Shrink(ctx, 404, 1, "", now), credit.ErrEntryNotFound)
}

func TestStore_ApplyDeltaRefusesClosedEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	e := &credit.Entry{Subject: team, CreditType: "default", Kind: credit.KindUsage, Amount: -4, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Insert(ctx, e))
	require.NoError(t, s.SetExpiresAt(ctx, e.ID, now.Add(time.Minute), now))

	// Still open a second before the expiry, closed at it.
	require.NoError(t, s.ApplyDelta(ctx, e.ID, -1, now.Add(59*time.Second)))
	err := s.ApplyDelta(ctx, e.ID, -1, now.Add(time.Minute))
	assert.ErrorIs(t, err, credit.ErrEntryClosed)
	assert.False(t, credit.IsRetryable(err))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), got.Amount)
}

func TestStore_ConcurrentDeltasAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	e := &credit.Entry{Subject: team, CreditType: "default", Kind: credit.KindUsage, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Insert(ctx, e))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.ApplyDelta(ctx, e.ID, -2, now))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), got.Amount)
}

func TestStore_BacksLedger(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ledger := credit.New(s, credit.WithGroupedUsage(true))

	w, err := ledger.For(team, "")
	require.NoError(t, err)
	_, err = w.Add(ctx, 20)
	require.NoError(t, err)
	_, err = w.Spend(ctx, 5)
	require.NoError(t, err)
	_, err = w.Spend(ctx, 3)
	require.NoError(t, err)

	b, err := ledger.Balance(ctx, team, "")
	require.NoError(t, err)
	assert.Equal(t, int64(12), b)

	spent, err := ledger.SpentOnDate(ctx, team, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(8), spent)
}
