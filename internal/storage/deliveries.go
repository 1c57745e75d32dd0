package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"eventbot/internal/model"

	"github.com/jmoiron/sqlx"
)

type deliveryRow struct {
	ID             int64         `db:"id"`
	EventID        int64         `db:"event_id"`
	SubscriberID   int64         `db:"subscriber_id"`
	FirstSentAt    sql.NullInt64 `db:"first_sent_at"`
	LastSentAt     sql.NullInt64 `db:"last_sent_at"`
	ReminderSentAt sql.NullInt64 `db:"reminder_sent_at"`
	ConfirmedAt    sql.NullInt64 `db:"confirmed_at"`
	RejectedAt     sql.NullInt64 `db:"rejected_at"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

func (r deliveryRow) model() model.Delivery {
	return model.Delivery{
		ID:             r.ID,
		EventID:        r.EventID,
		SubscriberID:   r.SubscriberID,
		FirstSentAt:    fromMillis(r.FirstSentAt),
		LastSentAt:     fromMillis(r.LastSentAt),
		ReminderSentAt: fromMillis(r.ReminderSentAt),
		ConfirmedAt:    fromMillis(r.ConfirmedAt),
		RejectedAt:     fromMillis(r.RejectedAt),
	}
}

func deliveriesOf(rows []deliveryRow) []model.Delivery {
	out := make([]model.Delivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

const deliveryColumns = `d.id, d.event_id, d.subscriber_id, d.first_sent_at, d.last_sent_at,
	d.reminder_sent_at, d.confirmed_at, d.rejected_at, d.created_at, d.updated_at`

func (t *Tx) DeliveryByID(ctx context.Context, id int64) (model.Delivery, error) {
	var r deliveryRow
	err := sqlx.GetContext(ctx, t.x, &r, `SELECT `+deliveryColumns+` FROM deliveries d WHERE d.id = ?`, id)
	if noRows(err) {
		return model.Delivery{}, ErrNotFound
	}
	if err != nil {
		return model.Delivery{}, fmt.Errorf("get delivery %d: %w", id, err)
	}
	return r.model(), nil
}

func (t *Tx) DeliveryFor(ctx context.Context, eventID, subscriberID int64) (model.Delivery, error) {
	var r deliveryRow
	err := sqlx.GetContext(ctx, t.x, &r,
		`SELECT `+deliveryColumns+` FROM deliveries d WHERE d.event_id = ? AND d.subscriber_id = ?`,
		eventID, subscriberID)
	if noRows(err) {
		return model.Delivery{}, ErrNotFound
	}
	if err != nil {
		return model.Delivery{}, fmt.Errorf("get delivery %d/%d: %w", eventID, subscriberID, err)
	}
	return r.model(), nil
}

// EnsureDelivery returns the ledger row for the pair, creating it when
// absent. A concurrent insert of the same pair resolves to the existing row.
func (t *Tx) EnsureDelivery(ctx context.Context, eventID, subscriberID int64, now time.Time) (model.Delivery, bool, error) {
	ms := now.UnixMilli()
	res, err := t.x.ExecContext(ctx,
		`INSERT INTO deliveries(event_id, subscriber_id, created_at, updated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(event_id, subscriber_id) DO NOTHING`,
		eventID, subscriberID, ms, ms)
	if err != nil {
		return model.Delivery{}, false, fmt.Errorf("ensure delivery %d/%d: %w", eventID, subscriberID, err)
	}
	n, _ := res.RowsAffected()
	d, err := t.DeliveryFor(ctx, eventID, subscriberID)
	if err != nil {
		return model.Delivery{}, false, err
	}
	return d, n > 0, nil
}

// MarkSent records a successful send. first_sent_at and reminder_sent_at
// are only written while NULL; a standing rejection is lifted.
func (t *Tx) MarkSent(ctx context.Context, id int64, when time.Time, reminder bool) (model.Delivery, error) {
	ms := when.UnixMilli()
	_, err := t.x.ExecContext(ctx,
		`UPDATE deliveries SET
			first_sent_at = COALESCE(first_sent_at, ?),
			last_sent_at = ?,
			reminder_sent_at = CASE WHEN ? THEN COALESCE(reminder_sent_at, ?) ELSE reminder_sent_at END,
			rejected_at = NULL,
			updated_at = ?
		 WHERE id = ?`,
		ms, ms, reminder, ms, ms, id)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("mark delivery %d sent: %w", id, err)
	}
	return t.DeliveryByID(ctx, id)
}

// MarkConfirmed sets confirmed_at once. changed is false for repeats.
func (t *Tx) MarkConfirmed(ctx context.Context, id int64, when time.Time) (model.Delivery, bool, error) {
	ms := when.UnixMilli()
	res, err := t.x.ExecContext(ctx,
		`UPDATE deliveries SET confirmed_at = ?, updated_at = ?
		 WHERE id = ? AND confirmed_at IS NULL`, ms, ms, id)
	if err != nil {
		return model.Delivery{}, false, fmt.Errorf("confirm delivery %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	d, err := t.DeliveryByID(ctx, id)
	if err != nil {
		return model.Delivery{}, false, err
	}
	return d, n > 0, nil
}

// MarkRejected flags deliveries whose chat refused a send permanently. The
// first rejection time is kept.
func (t *Tx) MarkRejected(ctx context.Context, ids []int64, when time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ms := when.UnixMilli()
	q, args, err := sqlx.In(
		`UPDATE deliveries SET rejected_at = COALESCE(rejected_at, ?), updated_at = ?
		 WHERE id IN (?)`, ms, ms, ids)
	if err != nil {
		return 0, err
	}
	res, err := t.x.ExecContext(ctx, t.x.Rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("mark %d deliveries rejected: %w", len(ids), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearRejections lifts every rejection recorded for the subscriber.
func (t *Tx) ClearRejections(ctx context.Context, subscriberID int64, now time.Time) (int64, error) {
	res, err := t.x.ExecContext(ctx,
		`UPDATE deliveries SET rejected_at = NULL, updated_at = ?
		 WHERE subscriber_id = ? AND rejected_at IS NOT NULL`, now.UnixMilli(), subscriberID)
	if err != nil {
		return 0, fmt.Errorf("clear rejections of subscriber %d: %w", subscriberID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnsentAnnouncements lists never-sent, unconfirmed deliveries that were
// created together with their event (same created_at), for active events
// that have not ended. Rejected rows are skipped. Those are the "new event" notifications a scan owes;
// rows ensured later by /start or /list are not included.
func (t *Tx) UnsentAnnouncements(ctx context.Context, now time.Time) ([]model.Delivery, error) {
	var rows []deliveryRow
	err := sqlx.SelectContext(ctx, t.x, &rows,
		`SELECT `+deliveryColumns+` FROM deliveries d
		 JOIN events e ON e.id = d.event_id
		 WHERE e.is_active = 1 AND (e.end_at IS NULL OR e.end_at >= ?)
		   AND d.created_at = e.created_at
		   AND d.first_sent_at IS NULL AND d.confirmed_at IS NULL
		   AND d.rejected_at IS NULL
		 ORDER BY d.event_id, d.id`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list unsent announcements: %w", err)
	}
	return deliveriesOf(rows), nil
}

// PendingReminders selects unconfirmed, not yet reminded, not rejected
// deliveries whose active event ends inside [from, until], skipping excluded
// identities.
func (t *Tx) PendingReminders(ctx context.Context, from, until time.Time, exclude []string) ([]model.Delivery, error) {
	base := `SELECT ` + deliveryColumns + ` FROM deliveries d
		JOIN events e ON e.id = d.event_id
		WHERE e.is_active = 1
		  AND e.end_at IS NOT NULL AND e.end_at >= ? AND e.end_at <= ?
		  AND d.confirmed_at IS NULL AND d.reminder_sent_at IS NULL
		  AND d.rejected_at IS NULL`
	args := []any{from.UnixMilli(), until.UnixMilli()}
	q := base
	if len(exclude) > 0 {
		var err error
		q, args, err = sqlx.In(base+` AND e.source_id NOT IN (?)`, append(args, exclude)...)
		if err != nil {
			return nil, err
		}
		q = t.x.Rebind(q)
	}
	q += ` ORDER BY e.end_at ASC, d.id ASC`

	var rows []deliveryRow
	if err := sqlx.SelectContext(ctx, t.x, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list pending reminders: %w", err)
	}
	return deliveriesOf(rows), nil
}

// Dispatches joins deliveries with their event and subscriber rows,
// preserving the input order. Deliveries whose parents vanished are dropped.
func (t *Tx) Dispatches(ctx context.Context, ds []model.Delivery, reminder bool) ([]model.Dispatch, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	eventIDs := make([]int64, 0, len(ds))
	subIDs := make([]int64, 0, len(ds))
	for _, d := range ds {
		eventIDs = append(eventIDs, d.EventID)
		subIDs = append(subIDs, d.SubscriberID)
	}
	events, err := t.eventsByID(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	subs, err := t.subscribersByID(ctx, subIDs)
	if err != nil {
		return nil, err
	}
	out := make([]model.Dispatch, 0, len(ds))
	for _, d := range ds {
		e, ok := events[d.EventID]
		if !ok {
			continue
		}
		s, ok := subs[d.SubscriberID]
		if !ok {
			continue
		}
		out = append(out, model.Dispatch{Delivery: d, Event: e, Subscriber: s, Reminder: reminder})
	}
	return out, nil
}

func (t *Tx) eventsByID(ctx context.Context, ids []int64) (map[int64]model.Event, error) {
	out := make(map[int64]model.Event, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q, args, err := sqlx.In(`SELECT `+eventColumns+` FROM events WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []eventRow
	if err := sqlx.SelectContext(ctx, t.x, &rows, t.x.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.model()
	}
	return out, nil
}
