package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"eventbot/internal/model"

	"github.com/jmoiron/sqlx"
)

const eventColumns = `id, source_id, title, time_text, detail_url, image_url, start_at, end_at,
	is_active, first_seen_at, last_seen_at, removed_at, created_at, updated_at`

type eventRow struct {
	ID          int64         `db:"id"`
	SourceID    string        `db:"source_id"`
	Title       string        `db:"title"`
	TimeText    string        `db:"time_text"`
	DetailURL   string        `db:"detail_url"`
	ImageURL    string        `db:"image_url"`
	StartAt     sql.NullInt64 `db:"start_at"`
	EndAt       sql.NullInt64 `db:"end_at"`
	IsActive    bool          `db:"is_active"`
	FirstSeenAt int64         `db:"first_seen_at"`
	LastSeenAt  int64         `db:"last_seen_at"`
	RemovedAt   sql.NullInt64 `db:"removed_at"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
}

func (r eventRow) model() model.Event {
	return model.Event{
		ID:             r.ID,
		SourceIdentity: r.SourceID,
		Title:          r.Title,
		TimeText:       r.TimeText,
		DetailURL:      r.DetailURL,
		ImageURL:       r.ImageURL,
		StartAt:        fromMillis(r.StartAt),
		EndAt:          fromMillis(r.EndAt),
		IsActive:       r.IsActive,
		FirstSeenAt:    msTime(r.FirstSeenAt),
		LastSeenAt:     msTime(r.LastSeenAt),
		RemovedAt:      fromMillis(r.RemovedAt),
		CreatedAt:      msTime(r.CreatedAt),
		UpdatedAt:      msTime(r.UpdatedAt),
	}
}

func eventsOf(rows []eventRow) []model.Event {
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

// EventByIdentity returns ErrNotFound when no row has the identity.
func (t *Tx) EventByIdentity(ctx context.Context, identity string) (model.Event, error) {
	var r eventRow
	err := sqlx.GetContext(ctx, t.x, &r, `SELECT `+eventColumns+` FROM events WHERE source_id = ?`, identity)
	if noRows(err) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %s: %w", identity, err)
	}
	return r.model(), nil
}

func (t *Tx) EventByID(ctx context.Context, id int64) (model.Event, error) {
	var r eventRow
	err := sqlx.GetContext(ctx, t.x, &r, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if noRows(err) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %d: %w", id, err)
	}
	return r.model(), nil
}

// EventsByIdentity loads every row whose identity is in ids, keyed by identity.
func (t *Tx) EventsByIdentity(ctx context.Context, ids []string) (map[string]model.Event, error) {
	out := make(map[string]model.Event, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q, args, err := sqlx.In(`SELECT `+eventColumns+` FROM events WHERE source_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []eventRow
	if err := sqlx.SelectContext(ctx, t.x, &rows, t.x.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("load events by identity: %w", err)
	}
	for _, r := range rows {
		out[r.SourceID] = r.model()
	}
	return out, nil
}

// InsertEvent inserts e unless its identity already exists. It always returns
// the stored row; created is false when another writer got there first.
func (t *Tx) InsertEvent(ctx context.Context, e model.Event) (model.Event, bool, error) {
	res, err := t.x.ExecContext(ctx,
		`INSERT INTO events(source_id, title, time_text, detail_url, image_url, start_at, end_at,
			is_active, first_seen_at, last_seen_at, removed_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,1,?,?,NULL,?,?)
		 ON CONFLICT(source_id) DO NOTHING`,
		e.SourceIdentity, e.Title, e.TimeText, e.DetailURL, e.ImageURL,
		toMillis(e.StartAt), toMillis(e.EndAt),
		e.FirstSeenAt.UnixMilli(), e.LastSeenAt.UnixMilli(), e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("insert event %s: %w", e.SourceIdentity, err)
	}
	n, _ := res.RowsAffected()
	stored, err := t.EventByIdentity(ctx, e.SourceIdentity)
	if err != nil {
		return model.Event{}, false, err
	}
	return stored, n > 0, nil
}

// UpdateEvent writes every mutable column of e.
func (t *Tx) UpdateEvent(ctx context.Context, e model.Event) error {
	_, err := t.x.ExecContext(ctx,
		`UPDATE events SET title = ?, time_text = ?, detail_url = ?, image_url = ?,
			start_at = ?, end_at = ?, is_active = ?, last_seen_at = ?, removed_at = ?, updated_at = ?
		 WHERE id = ?`,
		e.Title, e.TimeText, e.DetailURL, e.ImageURL,
		toMillis(e.StartAt), toMillis(e.EndAt), e.IsActive, e.LastSeenAt.UnixMilli(),
		toMillis(e.RemovedAt), e.UpdatedAt.UnixMilli(), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update event %d: %w", e.ID, err)
	}
	return nil
}

// DeactivateMissing flips every active event whose identity is not in seen
// to inactive in one statement. An empty seen list is a no-op.
func (t *Tx) DeactivateMissing(ctx context.Context, seen []string, now time.Time) (int64, error) {
	if len(seen) == 0 {
		return 0, nil
	}
	ms := now.UnixMilli()
	q, args, err := sqlx.In(
		`UPDATE events SET is_active = 0, removed_at = ?, updated_at = ?
		 WHERE is_active = 1 AND source_id NOT IN (?)`, ms, ms, seen)
	if err != nil {
		return 0, err
	}
	res, err := t.x.ExecContext(ctx, t.x.Rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate missing events: %w", err)
	}
	return res.RowsAffected()
}

// CurrentEvents lists active events that have not ended yet. Known start
// times come first (ascending), then unknown ones, newest first.
func (t *Tx) CurrentEvents(ctx context.Context, now time.Time) ([]model.Event, error) {
	var rows []eventRow
	err := sqlx.SelectContext(ctx, t.x, &rows,
		`SELECT `+eventColumns+` FROM events
		 WHERE is_active = 1 AND (end_at IS NULL OR end_at >= ?)
		 ORDER BY start_at IS NULL, start_at ASC, created_at DESC, id DESC`,
		now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list current events: %w", err)
	}
	return eventsOf(rows), nil
}

// PurgeEvent hard-deletes an event. Its deliveries go with it through the
// foreign key cascade.
func (t *Tx) PurgeEvent(ctx context.Context, id int64) error {
	res, err := t.x.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge event %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
