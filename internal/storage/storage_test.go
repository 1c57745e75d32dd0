package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"eventbot/internal/model"
	logx "eventbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "store.db")
	}
	db, err := Open(context.Background(), Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newEvent(identity string, start, end *time.Time) model.Event {
	return model.Event{
		SourceIdentity: identity,
		Title:          "title " + identity,
		StartAt:        start,
		EndAt:          end,
		IsActive:       true,
		FirstSeenAt:    t0,
		LastSeenAt:     t0,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

func mustTx(t *testing.T, db *DB, fn func(tx *Tx) error) {
	t.Helper()
	require.NoError(t, db.InTx(context.Background(), fn))
}

func TestOpenFreshAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot.db")
	db, err := Open(context.Background(), Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	info := db.Migration()
	assert.True(t, info.Fresh)
	assert.Equal(t, uint(2), info.Version)
	assert.False(t, info.Dirty)
	ok, err := db.TimestampsNormalized(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, db.Close())

	db = openTestDB(t, path)
	assert.False(t, db.Migration().Fresh)
	assert.Equal(t, path, db.Path())
	require.NoError(t, db.Ping(context.Background()))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{Path: "  "}, logx.Nop())
	assert.Error(t, err)
}

func TestInsertEventConflictReturnsExisting(t *testing.T) {
	db := openTestDB(t, "")
	ctx := context.Background()
	mustTx(t, db, func(tx *Tx) error {
		first, created, err := tx.InsertEvent(ctx, newEvent("x", nil, nil))
		require.NoError(t, err)
		assert.True(t, created)

		dup := newEvent("x", nil, nil)
		dup.Title = "other"
		second, created, err := tx.InsertEvent(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "title x", second.Title)
		return nil
	})
}

func TestEventsByIdentityAndDeactivate(t *testing.T) {
	db := openTestDB(t, "")
	ctx := context.Background()
	mustTx(t, db, func(tx *Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if _, _, err := tx.InsertEvent(ctx, newEvent(id, nil, nil)); err != nil {
				return err
			}
		}
		got, err := tx.EventsByIdentity(ctx, []string{"a", "c", "zz"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		n, err := tx.DeactivateMissing(ctx, nil, t0)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = tx.DeactivateMissing(ctx, []string{"a"}, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		b, err := tx.EventByIdentity(ctx, "b")
		require.NoError(t, err)
		assert.False(t, b.IsActive)
		require.NotNil(t, b.RemovedAt)
		assert.Equal(t, t0.Add(time.Hour), *b.RemovedAt)
		return nil
	})
}

func TestEnsureDeliveryIsUniquePerPair(t *testing.T) {
	db := openTestDB(t, "")
	ctx := context.Background()
	mustTx(t, db, func(tx *Tx) error {
		e, _, err := tx.InsertEvent(ctx, newEvent("x", nil, nil))
		require.NoError(t, err)
		s, err := tx.UpsertSubscriber(ctx, model.SubscriberProfile{ExternalID: 7}, t0)
		require.NoError(t, err)

		d1, created, err := tx.EnsureDelivery(ctx, e.ID, s.ID, t0)
		require.NoError(t, err)
		assert.True(t, created)
		d2, created, err := tx.EnsureDelivery(ctx, e.ID, s.ID, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, d1.ID, d2.ID)
		return nil
	})
	st, err := db.Reader().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Deliveries)
}

func TestLedgerColumnsAreWriteOnce(t *testing.T) {
	db := openTestDB(t, "")
	ctx := context.Background()
	mustTx(t, db, func(tx *Tx) error {
		e, _, err := tx.InsertEvent(ctx, newEvent("x", nil, nil))
		require.NoError(t, err)
		s, err := tx.UpsertSubscriber(ctx, model.SubscriberProfile{ExternalID: 7}, t0)
		require.NoError(t, err)
		d, _, err := tx.EnsureDelivery(ctx, e.ID, s.ID, t0)
		require.NoError(t, err)

		d, err = tx.MarkSent(ctx, d.ID, t0.Add(1*time.Minute), false)
		require.NoError(t, err)
		assert.Nil(t, d.ReminderSentAt)
		d, err = tx.MarkSent(ctx, d.ID, t0.Add(2*time.Minute), true)
		require.NoError(t, err)
		d, err = tx.MarkSent(ctx, d.ID, t0.Add(3*time.Minute), true)
		require.NoError(t, err)

		assert.Equal(t, t0.Add(1*time.Minute), *d.FirstSentAt)
		assert.Equal(t, t0.Add(3*time.Minute), *d.LastSentAt)
		assert.Equal(t, t0.Add(2*time.Minute), *d.ReminderSentAt)

		d, changed, err := tx.MarkConfirmed(ctx, d.ID, t0.Add(4*time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)
		d, changed, err = tx.MarkConfirmed(ctx, d.ID, t0.Add(5*time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, t0.Add(4*time.Minute), *d.ConfirmedAt)
		return nil
	})
}

func TestPurgeEventCascades(t *testing.T) {
	db := openTestDB(t, "")
	ctx := context.Background()
	var eventID int64
	mustTx(t, db, func(tx *Tx) error {
		e, _, err := tx.InsertEvent(ctx, newEvent("x", nil, nil))
		require.NoError(t, err)
		eventID = e.ID
		for i := int64(1); i <= 3; i++ {
			s, err := tx.UpsertSubscriber(ctx, model.SubscriberProfile{ExternalID: i}, t0)
			require.NoError(t, err)
			_, _, err = tx.EnsureDelivery(ctx, e.ID, s.ID, t0)
			require.NoError(t, err)
		}
		return nil
	})

	mustTx(t, db, func(tx *Tx) error { return tx.PurgeEvent(ctx, eventID) })
	st, err := db.Reader().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Events)
	assert.Zero(t, st.Deliveries)
	assert.Equal(t, int64(3), st.Subscribers)

	err = db.InTx(ctx, func(tx *Tx) error { return tx.PurgeEvent(ctx, eventID) })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInTxRollsBack(t *testing.T) {
	db := openTestDB(t, "")
	ctx := context.Background()
	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *Tx) error {
		if _, _, err := tx.InsertEvent(ctx, newEvent("x", nil, nil)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = db.InTx(ctx, func(tx *Tx) error {
			_, _, _ = tx.InsertEvent(ctx, newEvent("y", nil, nil))
			panic("kaboom")
		})
	})

	_, err = db.Reader().EventByIdentity(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.Reader().EventByIdentity(ctx, "y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnsentAnnouncements(t *testing.T) {
	db := openTestDB(t, "")
	ctx := context.Background()
	mustTx(t, db, func(tx *Tx) error {
		e, _, err := tx.InsertEvent(ctx, newEvent("x", nil, nil))
		require.NoError(t, err)
		s1, err := tx.UpsertSubscriber(ctx, model.SubscriberProfile{ExternalID: 1}, t0)
		require.NoError(t, err)
		s2, err := tx.UpsertSubscriber(ctx, model.SubscriberProfile{ExternalID: 2}, t0)
		require.NoError(t, err)

		// Same unit of work as the event: an announcement.
		_, _, err = tx.EnsureDelivery(ctx, e.ID, s1.ID, t0)
		require.NoError(t, err)
		// Ensured later (e.g. by /start): not an announcement.
		_, _, err = tx.EnsureDelivery(ctx, e.ID, s2.ID, t0.Add(time.Hour))
		require.NoError(t, err)

		got, err := tx.UnsentAnnouncements(ctx, t0.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, s1.ID, got[0].SubscriberID)

		ds, err := tx.Dispatches(ctx, got, false)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.Equal(t, int64(1), ds[0].Subscriber.ExternalID)
		assert.Equal(t, "x", ds[0].Event.SourceIdentity)
		return nil
	})
}

func TestRejectedDeliveriesAreNotReplanned(t *testing.T) {
	db := openTestDB(t, "")
	ctx := context.Background()
	end := t0.Add(24 * time.Hour)
	mustTx(t, db, func(tx *Tx) error {
		e, _, err := tx.InsertEvent(ctx, newEvent("x", nil, &end))
		require.NoError(t, err)
		s1, err := tx.UpsertSubscriber(ctx, model.SubscriberProfile{ExternalID: 1}, t0)
		require.NoError(t, err)
		s2, err := tx.UpsertSubscriber(ctx, model.SubscriberProfile{ExternalID: 2}, t0)
		require.NoError(t, err)
		d1, _, err := tx.EnsureDelivery(ctx, e.ID, s1.ID, t0)
		require.NoError(t, err)
		_, _, err = tx.EnsureDelivery(ctx, e.ID, s2.ID, t0)
		require.NoError(t, err)

		n, err := tx.MarkRejected(ctx, []int64{d1.ID}, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		// A second rejection keeps the first timestamp.
		_, err = tx.MarkRejected(ctx, []int64{d1.ID}, t0.Add(time.Hour))
		require.NoError(t, err)
		d, err := tx.DeliveryByID(ctx, d1.ID)
		require.NoError(t, err)
		require.NotNil(t, d.RejectedAt)
		assert.True(t, d.RejectedAt.Equal(t0.Add(time.Minute)))

		unsent, err := tx.UnsentAnnouncements(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, unsent, 1)
		assert.Equal(t, s2.ID, unsent[0].SubscriberID)
		pending, err := tx.PendingReminders(ctx, t0, t0.Add(48*time.Hour), nil)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, s2.ID, pending[0].SubscriberID)

		st, err := tx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Rejected)

		n, err = tx.ClearRejections(ctx, s1.ID, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		unsent, err = tx.UnsentAnnouncements(ctx, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, unsent, 2)

		// A successful send also lifts a rejection.
		_, err = tx.MarkRejected(ctx, []int64{d1.ID}, t0.Add(3*time.Hour))
		require.NoError(t, err)
		d, err = tx.MarkSent(ctx, d1.ID, t0.Add(4*time.Hour), false)
		require.NoError(t, err)
		assert.Nil(t, d.RejectedAt)
		return nil
	})
}

func TestNormalizeLegacyTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	// A pre-marker database: schema present, no migration history, times
	// stored as Shanghai wall clock.
	wall := time.Date(2024, 1, 5, 23, 59, 0, 0, time.UTC)
	raw, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	ddl, err := migrationFS.ReadFile("migrations/0001_init.up.sql")
	require.NoError(t, err)
	_, err = raw.Exec(string(ddl))
	require.NoError(t, err)
	ms := t0.UnixMilli()
	_, err = raw.Exec(fmt.Sprintf(`INSERT INTO events(source_id, title, start_at, end_at, first_seen_at, last_seen_at, created_at, updated_at)
		VALUES('legacy', 't', NULL, %d, %d, %d, %d, %d)`, wall.UnixMilli(), ms, ms, ms, ms))
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db := openTestDB(t, path)
	assert.False(t, db.Migration().Fresh)
	ok, err := db.TimestampsNormalized(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := db.NormalizeLegacyTimestamps(context.Background(), shanghai)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err := db.Reader().EventByIdentity(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Nil(t, e.StartAt)
	require.NotNil(t, e.EndAt)
	assert.Equal(t, time.Date(2024, 1, 5, 15, 59, 0, 0, time.UTC), *e.EndAt)

	_, err = db.NormalizeLegacyTimestamps(context.Background(), shanghai)
	assert.ErrorIs(t, err, ErrAlreadyNormalized)
}

func TestNormalizeRefusedOnFreshDatabase(t *testing.T) {
	db := openTestDB(t, "")
	_, err := db.NormalizeLegacyTimestamps(context.Background(), time.UTC)
	assert.ErrorIs(t, err, ErrAlreadyNormalized)
}
