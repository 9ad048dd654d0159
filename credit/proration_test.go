package credit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
)

const day = 24 * time.Hour

func TestProrateTo_RenewalScenario(t *testing.T) {
	// GIVEN: A = +300 subscription on day 0, 150 used on day 0
	// WHEN: On day 1, A is prorated to day 1 and B = +600 is granted
	// THEN: A shrinks to 10 and expires at day 1, balance is -150 + 10 + 600
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Set(day0)
	w := f.wallet(t, "")

	a, err := f.ledger.Create(ctx, credit.NewEntry{Subject: team, Kind: credit.KindSubscription, Amount: 300})
	require.NoError(t, err)
	_, err = w.Spend(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, int64(150), f.balance(t, ""))

	day1 := day0.Add(day)
	f.clock.Set(day1)
	assert.Equal(t, int64(150), f.balance(t, ""))

	prorated, err := f.ledger.Proration().ProrateTo(ctx, a, day1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), prorated.Amount)
	require.NotNil(t, prorated.ExpiresAt)
	assert.True(t, prorated.ExpiresAt.Equal(day1))
	assert.Contains(t, prorated.Notes, "Prorated from 300 to 10 credits")

	_, err = f.ledger.Create(ctx, credit.NewEntry{Subject: team, Kind: credit.KindSubscription, Amount: 600})
	require.NoError(t, err)

	assert.Equal(t, int64(460), f.balance(t, ""))
	assert.Equal(t, int64(460), f.events.Last().NewBalance)
}

func TestProrateTo_IdempotentAtSameEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Set(day0)

	id, err := f.ledger.Create(ctx, credit.NewEntry{Subject: team, Kind: credit.KindSubscription, Amount: 300})
	require.NoError(t, err)

	end := day0.Add(10 * day)
	f.clock.Set(day0.Add(2 * day))
	first, err := f.ledger.Proration().ProrateTo(ctx, id, end)
	require.NoError(t, err)
	second, err := f.ledger.Proration().ProrateTo(ctx, id, end)
	require.NoError(t, err)

	assert.Equal(t, int64(100), first.Amount)
	assert.Equal(t, first.Amount, second.Amount)
	assert.Equal(t, first.Notes, second.Notes)

	f.clock.Set(end.Add(day))
	third, err := f.ledger.Proration().ProrateTo(ctx, id, end)
	require.NoError(t, err)
	assert.Equal(t, first.Amount, third.Amount)
}

func TestProrateTo_ShrinksGrantEndingAtItsOwnExpiry(t *testing.T) {
	// GIVEN: +300 created on day 0 that already expires on day 10
	// WHEN: It is prorated to day 10
	// THEN: It still shrinks to 10 days' share, and a repeat is a no-op
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Set(day0)

	end := day0.Add(10 * day)
	id, err := f.ledger.Create(ctx, credit.NewEntry{
		Subject:   team,
		Kind:      credit.KindSubscription,
		Amount:    300,
		ExpiresAt: ptr(end),
	})
	require.NoError(t, err)

	f.clock.Set(day0.Add(2 * day))
	first, err := f.ledger.Proration().ProrateTo(ctx, id, end)
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.Amount)
	assert.Contains(t, first.Notes, "Prorated from 300 to 100 credits")

	second, err := f.ledger.Proration().ProrateTo(ctx, id, end)
	require.NoError(t, err)
	assert.Equal(t, int64(100), second.Amount)
	assert.Equal(t, first.Notes, second.Notes)
	assert.Equal(t, int64(100), f.balance(t, ""))
}

func TestProrateTo_SubMicrosecondEndIsIdempotent(t *testing.T) {
	// GIVEN: An end carrying nanoseconds
	// WHEN: The grant is prorated to it twice
	// THEN: The expiry is kept to microseconds and the second call changes nothing
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Set(day0)

	id, err := f.ledger.Create(ctx, credit.NewEntry{Subject: team, Kind: credit.KindSubscription, Amount: 300})
	require.NoError(t, err)

	end := day0.Add(10*day + 1500*time.Nanosecond)
	f.clock.Set(day0.Add(2 * day))
	first, err := f.ledger.Proration().ProrateTo(ctx, id, end)
	require.NoError(t, err)
	require.NotNil(t, first.ExpiresAt)
	assert.True(t, first.ExpiresAt.Equal(end.Truncate(time.Microsecond)))

	second, err := f.ledger.Proration().ProrateTo(ctx, id, end)
	require.NoError(t, err)
	assert.Equal(t, first.Amount, second.Amount)
	assert.Equal(t, first.Notes, second.Notes)
	assert.Equal(t, 1, strings.Count(second.Notes, "Prorated from"))
}

func TestProrateTo_NeverIncreases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Set(day0)

	id, err := f.ledger.Create(ctx, credit.NewEntry{Subject: team, Kind: credit.KindSubscription, Amount: 300})
	require.NoError(t, err)

	e, err := f.ledger.Proration().ProrateTo(ctx, id, day0.Add(45*day))
	require.NoError(t, err)
	assert.Equal(t, int64(300), e.Amount)
}

func TestProrateTo_ClosedEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Set(day0)

	id, err := f.ledger.Create(ctx, credit.NewEntry{
		Subject:   team,
		Kind:      credit.KindSubscription,
		Amount:    300,
		ExpiresAt: ptr(day0.Add(time.Hour)),
	})
	require.NoError(t, err)

	f.clock.Set(day0.Add(day))
	_, err = f.ledger.Proration().ProrateTo(ctx, id, day0.Add(day))
	assert.ErrorIs(t, err, credit.ErrProrationOnClosedEntry)

	e, err := f.ledger.Entry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(300), e.Amount)
}

func TestProrateTo_EndBeforeCreation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.ledger.Create(ctx, credit.NewEntry{Subject: team, Kind: credit.KindSubscription, Amount: 300})
	require.NoError(t, err)

	_, err = f.ledger.Proration().ProrateTo(ctx, id, f.clock.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, credit.ErrInvalidExpiry)
}

func TestProratedAmount(t *testing.T) {
	jan31 := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		entry  credit.Entry
		end    time.Time
		expect int64
	}{
		{
			name:   "thirty day month",
			entry:  credit.Entry{Amount: 300, CreatedAt: day0},
			end:    day0.Add(day),
			expect: 10,
		},
		{
			name:   "period clamped to february",
			entry:  credit.Entry{Amount: 280, CreatedAt: jan31},
			end:    jan31.Add(14 * day),
			expect: 140,
		},
		{
			name:   "half rounds away from zero",
			entry:  credit.Entry{Amount: 1, CreatedAt: day0},
			end:    day0.Add(15 * day),
			expect: 1,
		},
		{
			name:   "below half rounds down",
			entry:  credit.Entry{Amount: 1, CreatedAt: day0},
			end:    day0.Add(14 * day),
			expect: 0,
		},
		{
			name:   "capped at original amount",
			entry:  credit.Entry{Amount: 50, CreatedAt: day0},
			end:    day0.Add(60 * day),
			expect: 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, credit.ProratedAmount(tt.entry, tt.end))
		})
	}
}
