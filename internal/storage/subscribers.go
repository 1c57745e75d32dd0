package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"eventbot/internal/model"

	"github.com/jmoiron/sqlx"
)

type subscriberRow struct {
	ID         int64  `db:"id"`
	ExternalID int64  `db:"external_id"`
	Username   string `db:"username"`
	FirstName  string `db:"first_name"`
	LastName   string `db:"last_name"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r subscriberRow) model() model.Subscriber {
	return model.Subscriber{
		ID:         r.ID,
		ExternalID: r.ExternalID,
		Username:   r.Username,
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		CreatedAt:  msTime(r.CreatedAt),
	}
}

const subscriberColumns = `id, external_id, username, first_name, last_name, created_at, updated_at`

// UpsertSubscriber registers p or refreshes its display fields in place.
func (t *Tx) UpsertSubscriber(ctx context.Context, p model.SubscriberProfile, now time.Time) (model.Subscriber, error) {
	ms := now.UnixMilli()
	_, err := t.x.ExecContext(ctx,
		`INSERT INTO subscribers(external_id, username, first_name, last_name, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(external_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			updated_at = excluded.updated_at`,
		p.ExternalID, strings.TrimSpace(p.Username), strings.TrimSpace(p.FirstName), strings.TrimSpace(p.LastName), ms, ms,
	)
	if err != nil {
		return model.Subscriber{}, fmt.Errorf("upsert subscriber %d: %w", p.ExternalID, err)
	}
	return t.SubscriberByExternalID(ctx, p.ExternalID)
}

func (t *Tx) SubscriberByExternalID(ctx context.Context, externalID int64) (model.Subscriber, error) {
	var r subscriberRow
	err := sqlx.GetContext(ctx, t.x, &r, `SELECT `+subscriberColumns+` FROM subscribers WHERE external_id = ?`, externalID)
	if noRows(err) {
		return model.Subscriber{}, ErrNotFound
	}
	if err != nil {
		return model.Subscriber{}, fmt.Errorf("get subscriber %d: %w", externalID, err)
	}
	return r.model(), nil
}

func (t *Tx) ListSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	var rows []subscriberRow
	if err := sqlx.SelectContext(ctx, t.x, &rows, `SELECT `+subscriberColumns+` FROM subscribers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	out := make([]model.Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (t *Tx) subscribersByID(ctx context.Context, ids []int64) (map[int64]model.Subscriber, error) {
	out := make(map[int64]model.Subscriber, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q, args, err := sqlx.In(`SELECT `+subscriberColumns+` FROM subscribers WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []subscriberRow
	if err := sqlx.SelectContext(ctx, t.x, &rows, t.x.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.model()
	}
	return out, nil
}
