package tracker

import (
	"context"
	"errors"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
)

var errNoDeliveryID = errors.New("tracker: delivery has no id")

// MarkSent records a successful send: first_sent_at and reminder_sent_at are
// written once, last_sent_at every time.
func MarkSent(ctx context.Context, tx *storage.Tx, d model.Delivery, when time.Time, reminder bool) (model.Delivery, error) {
	if d.ID == 0 {
		return d, errNoDeliveryID
	}
	return tx.MarkSent(ctx, d.ID, when.UTC(), reminder)
}

// MarkConfirmed sets confirmed_at once. changed is false when the delivery
// was already confirmed.
func MarkConfirmed(ctx context.Context, tx *storage.Tx, d model.Delivery, when time.Time) (model.Delivery, bool, error) {
	if d.ID == 0 {
		return d, false, errNoDeliveryID
	}
	if d.IsConfirmed() {
		return d, false, nil
	}
	return tx.MarkConfirmed(ctx, d.ID, when.UTC())
}
