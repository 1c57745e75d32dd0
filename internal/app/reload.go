package app

import (
	"context"
	"strings"
	"time"

	"eventbot/internal/config"
	logx "eventbot/pkg/logx"
)

// reloadLoop fans validated config changes out to the live components.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			cfg = latest(sub, cfg)
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// latest drains queued configs so a burst of writes is applied once.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config changed", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("some changes take effect after restart", logx.String("sections", strings.Join(restart, ",")))
	}

	// Set the target before Apply so enabling the operator sink doesn't warn.
	a.logs.SetOperatorChat(cfg.Telegram.OperatorChat, cfg.Telegram.OperatorThread)
	a.logs.Apply(mapLogConfig(cfg))

	a.bot.SetAdmins(cfg.Telegram.AdminUserIDs)
	a.engine.Apply(mapTrackerOptions(cfg))

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(ncfg)
	}

	a.applyScheduler(ctx, cfg)
}

func (a *App) applyScheduler(ctx context.Context, cfg *config.Config) {
	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(scfg)
	if err := a.registerJobs(cfg); err != nil {
		a.log.Warn("schedule update failed", logx.Err(err))
	}

	switch {
	case wasEnabled && !scfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && scfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}
