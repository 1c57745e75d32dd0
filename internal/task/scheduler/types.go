package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "eventbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler service.
type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ, e.g. "Asia/Shanghai"; empty means Local
	DefaultTimeout time.Duration
}

// Job is one scheduled unit of work. ctx carries the run timeout.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	lastMu  sync.Mutex
	lastErr string
	lastDur time.Duration
	lastEnd time.Time
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// base is the parent context of every run; cancelled by Stop.
	base   context.Context
	cancel context.CancelFunc
}

type ScheduleInfo struct {
	Name         string
	Spec         string
	Timeout      time.Duration
	Next         time.Time
	Prev         time.Time
	Running      bool
	Runs         uint64
	Skipped      uint64
	Failures     uint64
	LastError    string
	LastDuration time.Duration
	LastFinished time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
