package model

import "time"

// DeliveryState is the lifecycle position of a Delivery.
type DeliveryState string

const (
	StateCreated   DeliveryState = "created"
	StateNotified  DeliveryState = "notified"
	StateReminded  DeliveryState = "reminded"
	StateConfirmed DeliveryState = "confirmed"
)

// Delivery is the ledger row for one (event, subscriber) pair.
//
// FirstSentAt, ReminderSentAt and ConfirmedAt are write-once. LastSentAt moves
// on every successful send. RejectedAt is set when the chat refused a send
// for good (blocked bot, deleted chat) and cleared when the subscriber
// comes back or a later send succeeds.
type Delivery struct {
	ID             int64
	EventID        int64
	SubscriberID   int64
	FirstSentAt    *time.Time
	LastSentAt     *time.Time
	ReminderSentAt *time.Time
	ConfirmedAt    *time.Time
	RejectedAt     *time.Time
}

func (d Delivery) IsConfirmed() bool { return d.ConfirmedAt != nil }

// State derives the lifecycle state. Confirmed wins over every other field.
func (d Delivery) State() DeliveryState {
	switch {
	case d.ConfirmedAt != nil:
		return StateConfirmed
	case d.ReminderSentAt != nil:
		return StateReminded
	case d.FirstSentAt != nil:
		return StateNotified
	default:
		return StateCreated
	}
}

// MarkSent records a successful send.
func (d *Delivery) MarkSent(when time.Time, reminder bool) {
	w := when.UTC()
	if d.FirstSentAt == nil {
		first := w
		d.FirstSentAt = &first
	}
	last := w
	d.LastSentAt = &last
	if reminder && d.ReminderSentAt == nil {
		rem := w
		d.ReminderSentAt = &rem
	}
	d.RejectedAt = nil
}

// MarkConfirmed records the subscriber's confirmation. It reports whether the
// call changed anything; repeated confirmations are no-ops.
func (d *Delivery) MarkConfirmed(when time.Time) bool {
	if d.ConfirmedAt != nil {
		return false
	}
	w := when.UTC()
	d.ConfirmedAt = &w
	return true
}

// WantsAffordance reports whether an outgoing message for this delivery should
// carry the confirmation button.
func (d Delivery) WantsAffordance() bool { return d.ConfirmedAt == nil }
