package tracker

import (
	"context"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
)

// CurrentEvents lists active events that have not ended at now: known start
// times first (ascending), then unknown ones, newest first.
func CurrentEvents(ctx context.Context, tx *storage.Tx, now time.Time) ([]model.Event, error) {
	return tx.CurrentEvents(ctx, now.UTC())
}

// EnsureDeliveries returns one ledger row per subscriber for event, creating
// the missing ones. Calling it again for the same pairs returns the same rows.
func EnsureDeliveries(ctx context.Context, tx *storage.Tx, event model.Event, subs []model.Subscriber, now time.Time) ([]model.Delivery, error) {
	out := make([]model.Delivery, 0, len(subs))
	for _, s := range subs {
		d, _, err := tx.EnsureDelivery(ctx, event.ID, s.ID, now.UTC())
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// PendingReminders selects unconfirmed, never-reminded deliveries whose
// active event ends within [now, now+window], minus the excluded identities.
func PendingReminders(ctx context.Context, tx *storage.Tx, now time.Time, window time.Duration, exclude []string) ([]model.Delivery, error) {
	now = now.UTC()
	return tx.PendingReminders(ctx, now, now.Add(window), exclude)
}

// ReminderExclusions returns the identities of freshly created events whose
// whole scheduled duration fits in the reminder window. Their announcement
// already covers the deadline, so the sweep in the same cycle skips them.
//
// Only the duration at creation counts; an end time edited later does not
// retroactively suppress anything.
func ReminderExclusions(created []model.Event, window time.Duration) []string {
	var out []string
	for _, e := range created {
		if d, ok := e.Duration(); ok && d <= window {
			out = append(out, e.SourceIdentity)
		}
	}
	return out
}
