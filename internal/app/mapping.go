package app

import (
	"strings"
	"time"

	"eventbot/internal/config"
	"eventbot/internal/notifier"
	"eventbot/internal/ops"
	"eventbot/internal/source"
	"eventbot/internal/storage"
	"eventbot/internal/task/scheduler"
	"eventbot/internal/tracker"
	telegram "eventbot/internal/transport/telegram/adapter"
	logx "eventbot/pkg/logx"
)

// Duration fields were checked by Config.Validate before a config is
// committed, so the mappers below only fall back to defaults on empty input.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			ThreadID:   cfg.Telegram.OperatorThread,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	timeout, err := config.DurationOr("source.timeout", cfg.Source.Timeout, 15*time.Second)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		PageURL:      cfg.Source.PageURL,
		APIURL:       cfg.Source.APIURL,
		GameCode:     cfg.Source.GameCode,
		CategoryCode: cfg.Source.CategoryCode,
		PageSize:     cfg.Source.PageSize,
		Timeout:      timeout,
		Location:     cfg.SourceLocation(),
		UserAgent:    cfg.Source.UserAgent,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	send, err := config.DurationOr("notifier.send_timeout", cfg.Notifier.SendTimeout, 15*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		SendTimeout: send,
		RetryMax:    cfg.Notifier.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.DurationOr("scheduler.job_timeout", cfg.Scheduler.JobTimeout, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Timezone:       cfg.Scheduler.Timezone,
		DefaultTimeout: timeout,
	}, nil
}

// mapTrackerOptions gives the shared scan run the scheduler's job timeout.
// The value was validated with the rest of the config.
func mapTrackerOptions(cfg *config.Config) tracker.Options {
	timeout, _ := config.DurationOr("scheduler.job_timeout", cfg.Scheduler.JobTimeout, 5*time.Minute)
	return tracker.Options{
		ReminderWindow: cfg.ReminderWindow(),
		SweepOnScan:    cfg.Reminder.SweepOnScan,
		ScanTimeout:    timeout,
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		CalendarName:  cfg.Ops.CalendarName,
	}
}
