// Package model holds the entities shared by the tracker, the store and the
// delivery side of the bot.
//
// All timestamps are UTC. Optional timestamps are pointers; nil means "never".
package model

import "time"

// Event is one time-bounded activity published by the source.
type Event struct {
	ID             int64
	SourceIdentity string
	Title          string
	TimeText       string
	DetailURL      string
	ImageURL       string
	StartAt        *time.Time
	EndAt          *time.Time
	IsActive       bool
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	RemovedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasSchedule reports whether at least one bound of the time range was parsed.
func (e Event) HasSchedule() bool { return e.StartAt != nil || e.EndAt != nil }

// Duration returns EndAt-StartAt when both bounds are known.
func (e Event) Duration() (time.Duration, bool) {
	if e.StartAt == nil || e.EndAt == nil {
		return 0, false
	}
	return e.EndAt.Sub(*e.StartAt), true
}

// ScrapedEvent is a raw candidate produced by the source, not yet reconciled.
type ScrapedEvent struct {
	Title     string
	TimeText  string
	DetailURL string
	ImageURL  string
	StartAt   *time.Time
	EndAt     *time.Time
}

// Subscriber is a notification destination keyed by the chat platform id.
type Subscriber struct {
	ID         int64
	ExternalID int64
	Username   string
	FirstName  string
	LastName   string
	CreatedAt  time.Time
}

// SubscriberProfile is the upsert input collected from an interaction.
type SubscriberProfile struct {
	ExternalID int64
	Username   string
	FirstName  string
	LastName   string
}

// Dispatch is one planned send: a delivery plus the rows needed to render it.
type Dispatch struct {
	Delivery   Delivery
	Event      Event
	Subscriber Subscriber
	Reminder   bool
}

// UTC returns a pointer to t normalized to UTC, or nil for the zero time.
func UTC(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
