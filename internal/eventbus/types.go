package eventbus

import "time"

// Event types published by the tracker.
const (
	TypeScanCompleted      = "scan.completed"
	TypeCountdownCompleted = "countdown.completed"
	TypeDeliveryConfirmed  = "delivery.confirmed"
)

// RunSummary is the Data of scan.completed and countdown.completed.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Kind        string        `json:"kind"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Scraped     int           `json:"scraped"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Deactivated int64         `json:"deactivated"`
	Sent        int           `json:"sent"`
	Failed      int           `json:"failed"`
	Reminded    int           `json:"reminded"`
	Error       string        `json:"error,omitempty"`
}

// Confirmation is the Data of delivery.confirmed.
type Confirmation struct {
	EventID    int64     `json:"event_id"`
	ExternalID int64     `json:"external_id"`
	At         time.Time `json:"at"`
}
