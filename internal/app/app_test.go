package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"eventbot/internal/config"
	"eventbot/internal/task/scheduler"
	logx "eventbot/pkg/logx"

	"github.com/stretchr/testify/require"
)

func TestMappers(t *testing.T) {
	cfg := config.Default()
	cfg.Telegram.Token = " tok "
	cfg.Telegram.OperatorThread = 7
	cfg.Logging.Operator.Enabled = true
	cfg.Notifier.SendTimeout = "3s"
	cfg.Reminder.WithinDays = 2

	ad, err := mapAdapterConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "tok", ad.Token)
	require.Equal(t, 10*time.Second, ad.PollTimeout)

	lc := mapLogConfig(cfg)
	require.True(t, lc.Operator.Enabled)
	require.Equal(t, 7, lc.Operator.ThreadID)

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, nc.SendTimeout)
	require.Equal(t, 2, nc.RetryMax)

	sc, err := mapSourceConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "Asia/Shanghai", sc.Location.String())
	require.Equal(t, 15*time.Second, sc.Timeout)

	st, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, st.BusyTimeout)

	require.Equal(t, 48*time.Hour, mapTrackerOptions(cfg).ReminderWindow)
	require.Equal(t, 5*time.Minute, mapTrackerOptions(cfg).ScanTimeout)
	require.Equal(t, "FF14 活动", mapOpsConfig(cfg).CalendarName)

	cfg.Scheduler.JobTimeout = ""
	schc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, schc.DefaultTimeout)
}

func TestValidateSchedules(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, validateSchedules(cfg))

	cfg.Scheduler.Countdown = ""
	require.NoError(t, validateSchedules(cfg))

	cfg.Scheduler.Scan = "every tuesday"
	err := validateSchedules(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "scheduler.scan")
}

func scheduleNames(s *scheduler.Service) []string {
	var out []string
	for _, it := range s.Snapshot().Schedules {
		out = append(out, it.Name)
	}
	return out
}

func TestRegisterJobs(t *testing.T) {
	a := &App{
		log:   logx.Nop(),
		sched: scheduler.New(scheduler.Config{Enabled: true}, logx.Nop()),
		specs: map[string]string{},
	}
	cfg := config.Default()
	require.NoError(t, a.registerJobs(cfg))
	require.ElementsMatch(t, []string{"scan", "countdown"}, scheduleNames(a.sched))

	cfg.Scheduler.Countdown = ""
	require.NoError(t, a.registerJobs(cfg))
	require.Equal(t, []string{"scan"}, scheduleNames(a.sched))
	require.Equal(t, "", a.specs["countdown"])

	cfg.Scheduler.Scan = "not a schedule"
	require.Error(t, a.registerJobs(cfg))
}

func TestLatestCoalesces(t *testing.T) {
	sub := make(chan *config.Config, 3)
	a, b, c := config.Default(), config.Default(), config.Default()
	sub <- b
	sub <- c
	require.Same(t, c, latest(sub, a))
	require.Same(t, a, latest(sub, a))
}

func TestMigrateWithoutToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")
	opts := Options{Overlay: func(c *config.Config) { c.Storage.Path = path }}

	require.NoError(t, Migrate(context.Background(), opts, MigrateOptions{}))
	require.FileExists(t, path)
	// A second run on the same file is a no-op, with or without the
	// timestamp rewrite.
	require.NoError(t, Migrate(context.Background(), opts, MigrateOptions{LegacyTimezone: true}))
	require.NoError(t, Migrate(context.Background(), opts, MigrateOptions{LegacyTimezone: true}))
}

func TestNewRequiresToken(t *testing.T) {
	opts := Options{Overlay: func(c *config.Config) {
		c.Storage.Path = filepath.Join(t.TempDir(), "bot.db")
	}}
	_, err := New(context.Background(), opts)
	require.Error(t, err)
	require.Contains(t, err.Error(), "telegram.token")
}
