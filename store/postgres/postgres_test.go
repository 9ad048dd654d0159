package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/postgres"
)

var (
	team    = credit.Subject{Type: "team", ID: "t-1"}
	columns = []string{"id", "subject_type", "subject_id", "credit_type", "kind", "amount",
		"expires_at", "created_at", "updated_at", "notes", "cart_item_id", "subscription_item_id"}
)

func newMock(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return postgres.New(db), mock
}

func TestStore_Insert(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO credit_entries .* RETURNING id").
		WithArgs("team", "t-1", "default", "product", int64(10), nil, now, now, "", nil, "si_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	e := &credit.Entry{
		Subject: team, CreditType: "default", Kind: credit.KindProduct, Amount: 10,
		CreatedAt: now, UpdatedAt: now, SubscriptionItemID: "si_1",
	}
	require.NoError(t, store.Insert(context.Background(), e))
	assert.Equal(t, credit.EntryID(7), e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	expires := now.AddDate(0, 1, 0)

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM credit_entries WHERE id = \\$1").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(3, "team", "t-1", "default", "subscription", 300, expires, now, now, "plan", nil, "si_1"))

		e, err := store.Get(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, credit.EntryID(3), e.ID)
		assert.Equal(t, team, e.Subject)
		assert.Equal(t, credit.KindSubscription, e.Kind)
		assert.Equal(t, int64(300), e.Amount)
		require.NotNil(t, e.ExpiresAt)
		assert.True(t, e.ExpiresAt.Equal(expires))
		assert.Equal(t, "si_1", e.SubscriptionItemID)
		assert.Empty(t, e.CartItemID)
	})

	t.Run("missing", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM credit_entries WHERE id = \\$1").
			WithArgs(int64(4)).
			WillReturnRows(sqlmock.NewRows(columns))

		_, err := store.Get(context.Background(), 4)
		assert.ErrorIs(t, err, credit.ErrEntryNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Find(t *testing.T) {
	store, mock := newMock(t)
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .* FROM credit_entries WHERE subject_type = \\$1 AND subject_id = \\$2 AND credit_type = \\$3 AND created_at < \\$4 ORDER BY created_at ASC, id ASC").
		WithArgs("team", "t-1", "default", day).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(1, "team", "t-1", "default", "product", 100, nil, day.Add(-time.Hour), day.Add(-time.Hour), "", nil, nil).
			AddRow(2, "team", "t-1", "default", "usage", -40, nil, day.Add(-time.Minute), day.Add(-time.Minute), "", nil, nil))

	entries, err := store.Find(context.Background(), credit.ForWallet(team, "default").Before(day))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(60), credit.Replay(entries).Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ApplyDelta(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	t.Run("locks then updates", func(t *testing.T) {
		store, mock := newMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, expires_at FROM credit_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "expires_at"}).AddRow(3, nil))
		mock.ExpectExec("UPDATE credit_entries SET amount = amount \\+ \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(int64(-5), now, int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.ApplyDelta(context.Background(), 3, -5, now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock conflict is retryable", func(t *testing.T) {
		store, mock := newMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, expires_at FROM credit_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnError(&pq.Error{Code: "55P03", Message: "could not obtain lock on row"})
		mock.ExpectRollback()

		err := store.ApplyDelta(context.Background(), 3, -5, now)
		assert.ErrorIs(t, err, credit.ErrSerializationConflict)
		assert.True(t, credit.IsRetryable(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("serialization failure on commit", func(t *testing.T) {
		store, mock := newMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, expires_at FROM credit_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "expires_at"}).AddRow(3, nil))
		mock.ExpectExec("UPDATE credit_entries SET amount = amount").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

		err := store.ApplyDelta(context.Background(), 3, -5, now)
		assert.ErrorIs(t, err, credit.ErrSerializationConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("closed entry is left untouched", func(t *testing.T) {
		store, mock := newMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, expires_at FROM credit_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "expires_at"}).AddRow(3, now))
		mock.ExpectRollback()

		err := store.ApplyDelta(context.Background(), 3, -5, now)
		assert.ErrorIs(t, err, credit.ErrEntryClosed)
		assert.False(t, credit.IsRetryable(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		store, mock := newMock(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, expires_at FROM credit_entries WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "expires_at"}))
		mock.ExpectRollback()

		err := store.ApplyDelta(context.Background(), 9, -5, now)
		assert.ErrorIs(t, err, credit.ErrEntryNotFound)
		assert.False(t, credit.IsRetryable(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ShrinkMissing(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE credit_entries SET amount = \\$1, notes = \\$2, updated_at = \\$3 WHERE id = \\$4").
		WithArgs(int64(10), "prorated", now, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Shrink(context.Background(), 5, 10, "prorated", now)
	assert.ErrorIs(t, err, credit.ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_ProrateRepeatAfterMicrosecondRoundTrip(t *testing.T) {
	// GIVEN: A grant already prorated to end, read back from TIMESTAMPTZ at microseconds
	// WHEN: ProrateTo is called again with the nanosecond end
	// THEN: Only the row is read; nothing is shrunk or expired twice
	store, mock := newMock(t)
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	end := created.Add(10*24*time.Hour + 1500*time.Nanosecond)
	stored := end.Truncate(time.Microsecond)
	notes := "Prorated from 300 to 100 credits, ending " + end.Format(time.RFC3339) + "."

	mock.ExpectQuery("SELECT .* FROM credit_entries WHERE id = \\$1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(3, "team", "t-1", "default", "subscription", 100, stored, created, created, notes, nil, nil))

	ledger := credit.New(store,
		credit.WithCache(nil),
		credit.WithClock(func() time.Time { return created.Add(48 * time.Hour) }))

	e, err := ledger.Proration().ProrateTo(context.Background(), 3, end)
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.Amount)
	assert.Equal(t, notes, e.Notes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfig_DSN(t *testing.T) {
	cfg := postgres.Config{Host: "db", User: "credit", Password: "secret", Name: "credits"}
	assert.Equal(t, "host=db port=5432 user=credit password=secret dbname=credits sslmode=disable", cfg.DSN())
}
