package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // source and scheduler zones must resolve on minimal images
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "15s", "1m").
// Fields omitted from the file keep the values from Default().
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Source    SourceConfig    `json:"source"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Reminder  ReminderConfig  `json:"reminder"`
	Notifier  NotifierConfig  `json:"notifier"`
	Ops       OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// AdminUserIDs may trigger /scan manually.
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	// OperatorChat receives forwarded warnings/errors when logging.operator is enabled.
	OperatorChat   int64 `json:"operator_chat,omitempty"`
	OperatorThread int   `json:"operator_thread,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the SQLite store.
//
// Example:
//
//	"storage": { "path": "./data/eventbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SourceConfig points the scraper at the news list API.
type SourceConfig struct {
	// PageURL is the public page; relative links are resolved against it.
	PageURL      string `json:"page_url"`
	APIURL       string `json:"api_url"`
	GameCode     string `json:"game_code"`
	CategoryCode int    `json:"category_code"`
	PageSize     int    `json:"page_size"`
	Timeout      string `json:"timeout"`
	// Timezone the source writes its wall-clock times in.
	Timezone  string `json:"timezone"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SchedulerConfig controls the periodic triggers. Schedules accept cron
// expressions (5 or 6 fields), descriptors (@every 1h), Go durations or HH:MM.
// An empty schedule disables that job.
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Timezone   string `json:"timezone,omitempty"`
	Scan       string `json:"scan"`
	Countdown  string `json:"countdown"`
	JobTimeout string `json:"job_timeout,omitempty"`
}

type ReminderConfig struct {
	WithinDays int `json:"within_days"`
	// SweepOnScan runs a reminder sweep right after each scan, skipping
	// events that were just announced.
	SweepOnScan bool `json:"sweep_on_scan"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec"`
	SendTimeout string `json:"send_timeout"`
	// RetryMax is the number of extra attempts after a transient send failure.
	RetryMax int `json:"retry_max"`
}

// OpsConfig controls the operator HTTP surface.
//
// Prefer binding to localhost (e.g. "127.0.0.1:8090").
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token protects every endpoint (Bearer header or ?token=). Required
	// when Addr is not a loopback address unless AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
	// CalendarName is the X-WR-CALNAME of /calendar.ics.
	CalendarName string `json:"calendar_name,omitempty"`
}

const (
	DefaultPageURL = "https://actff1.web.sdo.com/Project/20181018ffactive/index.html"
	DefaultAPIURL  = "https://cqnews.web.sdo.com/api/news/newsList"
)

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{PollTimeout: "10s"},
		Logging: LoggingConfig{
			Level:    "info",
			Console:  true,
			File:     LoggingFile{Path: "./eventbot.log"},
			Operator: LoggingOperator{MinLevel: "warn", RatePerSec: 1},
		},
		Storage: StorageConfig{Path: "data/bot.db", BusyTimeout: "5s"},
		Source: SourceConfig{
			PageURL:      DefaultPageURL,
			APIURL:       DefaultAPIURL,
			GameCode:     "ff",
			CategoryCode: 7141,
			PageSize:     20,
			Timeout:      "15s",
			Timezone:     "Asia/Shanghai",
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Timezone:   "Asia/Shanghai",
			Scan:       "*/30 * * * *",
			Countdown:  "0 10 * * *",
			JobTimeout: "5m",
		},
		Reminder: ReminderConfig{WithinDays: 3, SweepOnScan: true},
		Notifier: NotifierConfig{RatePerSec: 20, SendTimeout: "15s", RetryMax: 2},
		Ops:      OpsConfig{Addr: "127.0.0.1:8090", CalendarName: "FF14 活动"},
	}
}

// Validate checks cross-field constraints. requireToken is false for
// subcommands that never talk to Telegram (migrate).
func (c *Config) Validate(requireToken bool) error {
	var errs []error
	if requireToken && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or TELEGRAM_BOT_TOKEN)"))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Reminder.WithinDays < 0 {
		errs = append(errs, fmt.Errorf("reminder.within_days must be >= 0, got %d", c.Reminder.WithinDays))
	}
	if c.Notifier.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("notifier.retry_max must be >= 0, got %d", c.Notifier.RetryMax))
	}
	if c.Source.PageSize <= 0 || c.Source.PageSize > 100 {
		errs = append(errs, fmt.Errorf("source.page_size must be in 1..100, got %d", c.Source.PageSize))
	}
	if _, err := time.LoadLocation(strings.TrimSpace(c.Source.Timezone)); err != nil {
		errs = append(errs, fmt.Errorf("source.timezone: %w", err))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for path, raw := range map[string]string{
		"telegram.poll_timeout": c.Telegram.PollTimeout,
		"storage.busy_timeout":  c.Storage.BusyTimeout,
		"source.timeout":        c.Source.Timeout,
		"scheduler.job_timeout": c.Scheduler.JobTimeout,
		"notifier.send_timeout": c.Notifier.SendTimeout,
	} {
		if _, err := Duration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SourceLocation returns the timezone the source writes its times in.
func (c *Config) SourceLocation() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.Source.Timezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// ReminderWindow is reminder.within_days as a duration.
func (c *Config) ReminderWindow() time.Duration {
	return time.Duration(c.Reminder.WithinDays) * 24 * time.Hour
}
