// Package app wires configuration, storage, Telegram, the tracker and its
// schedulers into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventbot/internal/bot"
	"eventbot/internal/config"
	"eventbot/internal/eventbus"
	"eventbot/internal/metrics"
	"eventbot/internal/notifier"
	"eventbot/internal/ops"
	"eventbot/internal/runtime/supervisor"
	"eventbot/internal/source"
	"eventbot/internal/storage"
	"eventbot/internal/task/scheduler"
	"eventbot/internal/tracker"
	kit "eventbot/internal/transport"
	telegram "eventbot/internal/transport/telegram/adapter"
	logx "eventbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
)

// Options are the command-line inputs of the process.
type Options struct {
	ConfigPath string
	// Overlay applies flag/env overrides on top of every parsed config,
	// including hot reloads.
	Overlay func(cfg *config.Config)
}

type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	adapter *telegram.Adapter
	disp    *notifier.Dispatcher
	engine  *tracker.Engine
	sched   *scheduler.Service
	bot     *bot.Bot
	ops     *ops.Service // nil when ops.enabled is false

	// specs holds the schedule string registered per job name.
	specs   map[string]string
	updates chan kit.Update
}

func loadConfig(ctx context.Context, opts Options, requireToken bool) (*config.ConfigManager, *config.Config, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetOverlay(opts.Overlay)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(requireToken); err != nil {
			return err
		}
		return validateSchedules(cfg)
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfgm, cfg, nil
}

func validateSchedules(cfg *config.Config) error {
	var errs []error
	for path, raw := range map[string]string{
		"scheduler.scan":      cfg.Scheduler.Scan,
		"scheduler.countdown": cfg.Scheduler.Countdown,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// New loads the config and builds every component. Nothing runs until Run
// (or one of the one-shot helpers) is called.
func New(ctx context.Context, opts Options) (*App, error) {
	cfgm, cfg, err := loadConfig(ctx, opts, true)
	if err != nil {
		return nil, err
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately, so the operator sink is enabled only
	// after its chat is known.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Operator.Enabled = false
	logs, root := logx.New(bootCfg, ad)
	logs.SetOperatorChat(cfg.Telegram.OperatorChat, cfg.Telegram.OperatorThread)
	logs.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a, err := build(ctx, cfgm, cfg, ad, logs, root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	log.Info("initialized",
		logx.String("config", cfgm.Path()),
		logx.String("db", a.db.Path()),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("ops", a.ops != nil),
	)
	return a, nil
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, ad *telegram.Adapter, logs *logx.Service, root logx.Logger) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, sc, root)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	disp := notifier.New(ncfg, ad, root, m)

	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	engine := tracker.New(tracker.Deps{
		DB:         db,
		Source:     source.New(srcCfg, root),
		Dispatcher: disp,
		Bus:        bus,
		Metrics:    m,
		Log:        root,
	}, mapTrackerOptions(cfg))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, root)

	b := bot.New(bot.Config{Admins: cfg.Telegram.AdminUserIDs}, ad, engine, root)

	a := &App{
		cfgm:    cfgm,
		log:     root.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     bus,
		db:      db,
		adapter: ad,
		disp:    disp,
		engine:  engine,
		sched:   sched,
		bot:     b,
		specs:   map[string]string{},
		updates: make(chan kit.Update, 256),
	}
	if err := a.registerJobs(cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.Ops.Enabled {
		a.ops = ops.New(mapOpsConfig(cfg), ops.Deps{
			Tracker:   engine,
			DB:        db,
			Bus:       bus,
			Gatherer:  reg,
			Scheduler: sched,
		}, root)
	}
	return a, nil
}

// registerJobs adds or replaces the periodic jobs whose schedule changed.
// An empty schedule removes the job.
func (a *App) registerJobs(cfg *config.Config) error {
	jobs := []struct {
		name string
		spec string
		run  scheduler.Job
	}{
		{tracker.KindScan, cfg.Scheduler.Scan, func(ctx context.Context) error {
			_, err := a.engine.Scan(ctx)
			return err
		}},
		{tracker.KindCountdown, cfg.Scheduler.Countdown, func(ctx context.Context) error {
			_, err := a.engine.Countdown(ctx, -1)
			return err
		}},
	}
	for _, j := range jobs {
		spec := strings.TrimSpace(j.spec)
		if prev, ok := a.specs[j.name]; ok && prev == spec {
			continue
		}
		a.specs[j.name] = spec
		if spec == "" {
			if a.sched.Remove(j.name) {
				a.log.Info("schedule removed", logx.String("name", j.name))
			}
			continue
		}
		if err := a.sched.Add(j.name, spec, 0, j.run); err != nil {
			return err
		}
	}
	return nil
}

// Run starts polling, the command router, the schedulers and the ops
// server, and blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := sup.Context()

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		sup.Cancel()
		return err
	}
	sup.Go("bot", func(c context.Context) error { return a.bot.Run(c, a.updates) })
	sup.Go0("bot.menu", func(c context.Context) {
		if err := a.bot.UpdateMenu(c); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})
	a.sched.Start(runCtx)
	if a.ops != nil {
		sup.Go("ops", a.ops.Run)
	}
	sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)
	sup.Go0("config.reload", a.reloadLoop)
	sup.Go0("eventbus.log", a.logRuns)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("running")

	<-runCtx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.Bool("fatal", sup.Err() != nil))

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.sched.Stop(stopCtx)
	_ = a.adapter.Stop(stopCtx)
	if err := sup.Stop(stopCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("shutdown timed out")
			return nil
		}
		return err
	}
	return nil
}

// logRuns mirrors run summaries at debug level.
func (a *App) logRuns(ctx context.Context) {
	events, unsub := a.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Scan runs one scrape-and-announce cycle.
func (a *App) Scan(ctx context.Context) (eventbus.RunSummary, error) {
	return a.engine.Scan(ctx)
}

// Countdown runs one reminder sweep. A negative withinDays uses the
// configured window.
func (a *App) Countdown(ctx context.Context, withinDays int) (eventbus.RunSummary, error) {
	return a.engine.Countdown(ctx, withinDays)
}

func (a *App) Logger() logx.Logger { return a.log }

// Close releases the store and flushes logs. Call it after Run returns.
func (a *App) Close() error {
	err := a.db.Close()
	_ = a.logs.Close()
	return err
}
