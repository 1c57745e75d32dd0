package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
)

// SyncResult is what one snapshot did to the store.
type SyncResult struct {
	Created     []model.Event
	Updated     []model.Event
	Deactivated int64
}

// Synchronize reconciles snapshot against the events table inside tx.
//
// Items with an empty title are skipped. Items sharing an identity collapse
// to the first one. Known identities get their mutable fields overwritten,
// are reactivated and have last_seen_at refreshed; updated_at only moves when
// something besides last_seen_at changed. Unknown identities are inserted.
// Finally every active event missing from the snapshot is deactivated in one
// statement, unless the snapshot held no usable item at all.
func Synchronize(ctx context.Context, tx *storage.Tx, snapshot []model.ScrapedEvent, now time.Time) (SyncResult, error) {
	now = now.UTC()

	type item struct {
		id string
		s  model.ScrapedEvent
	}
	items := make([]item, 0, len(snapshot))
	ids := make([]string, 0, len(snapshot))
	seen := make(map[string]struct{}, len(snapshot))
	for _, s := range snapshot {
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			continue
		}
		id := IdentityOf(s.Title, s.TimeText, s.DetailURL)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, item{id: id, s: s})
		ids = append(ids, id)
	}

	var res SyncResult
	existing, err := tx.EventsByIdentity(ctx, ids)
	if err != nil {
		return res, err
	}

	for _, it := range items {
		if cur, ok := existing[it.id]; ok {
			e, err := refresh(ctx, tx, cur, it.s, now)
			if err != nil {
				return res, err
			}
			res.Updated = append(res.Updated, e)
			continue
		}

		e, created, err := tx.InsertEvent(ctx, newEvent(it.id, it.s, now))
		if err != nil {
			return res, err
		}
		if created {
			res.Created = append(res.Created, e)
			continue
		}
		// Lost an insert race: the row exists now, treat it as a sighting.
		e, err = refresh(ctx, tx, e, it.s, now)
		if err != nil {
			return res, err
		}
		res.Updated = append(res.Updated, e)
	}

	n, err := tx.DeactivateMissing(ctx, ids, now)
	if err != nil {
		return res, fmt.Errorf("synchronize: %w", err)
	}
	res.Deactivated = n
	return res, nil
}

func newEvent(id string, s model.ScrapedEvent, now time.Time) model.Event {
	return model.Event{
		SourceIdentity: id,
		Title:          s.Title,
		TimeText:       s.TimeText,
		DetailURL:      s.DetailURL,
		ImageURL:       s.ImageURL,
		StartAt:        utcPtr(s.StartAt),
		EndAt:          utcPtr(s.EndAt),
		IsActive:       true,
		FirstSeenAt:    now,
		LastSeenAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func refresh(ctx context.Context, tx *storage.Tx, cur model.Event, s model.ScrapedEvent, now time.Time) (model.Event, error) {
	next := cur
	next.Title = s.Title
	next.TimeText = s.TimeText
	next.DetailURL = s.DetailURL
	next.ImageURL = s.ImageURL
	next.StartAt = utcPtr(s.StartAt)
	next.EndAt = utcPtr(s.EndAt)
	next.IsActive = true
	next.RemovedAt = nil
	next.LastSeenAt = now
	if changed(cur, next) {
		next.UpdatedAt = now
	}
	if err := tx.UpdateEvent(ctx, next); err != nil {
		return model.Event{}, err
	}
	return next, nil
}

// changed compares everything Synchronize may write except last_seen_at.
func changed(a, b model.Event) bool {
	return a.Title != b.Title ||
		a.TimeText != b.TimeText ||
		a.DetailURL != b.DetailURL ||
		a.ImageURL != b.ImageURL ||
		!sameTime(a.StartAt, b.StartAt) ||
		!sameTime(a.EndAt, b.EndAt) ||
		a.IsActive != b.IsActive ||
		!sameTime(a.RemovedAt, b.RemovedAt)
}

// sameTime compares at the store's millisecond precision.
func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UnixMilli() == b.UnixMilli()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return model.UTC(*t)
}
