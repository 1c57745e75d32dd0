package notifier

import (
	"context"
	"time"

	"eventbot/internal/model"
)

// Config controls pacing and retries.
type Config struct {
	RatePerSec    int
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// SentFunc is called after a successful send with the send time.
type SentFunc func(ctx context.Context, d model.Dispatch, at time.Time) error

// Report summarizes one Dispatch call.
type Report struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	// LedgerErrors counts sends that went out but could not be recorded.
	LedgerErrors int      `json:"ledger_errors,omitempty"`
	FailedKeys   []string `json:"failed_keys,omitempty"`
	// Rejected lists the delivery ids whose chat refused the send for good.
	Rejected []int64 `json:"rejected,omitempty"`
}

// Add folds o into r.
func (r *Report) Add(o Report) {
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.LedgerErrors += o.LedgerErrors
	r.FailedKeys = append(r.FailedKeys, o.FailedKeys...)
	r.Rejected = append(r.Rejected, o.Rejected...)
}
