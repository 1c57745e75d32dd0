package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"eventbot/internal/app"
	"eventbot/internal/config"
	"eventbot/internal/eventbus"
	logx "eventbot/pkg/logx"

	"github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Config string `short:"c" long:"config" env:"EVENTBOT_CONFIG" description:"path to config (JSON or YAML); empty uses built-in defaults"`
	Token  string `long:"token" env:"TELEGRAM_BOT_TOKEN" description:"Telegram bot token (overrides telegram.token)"`
	DB     string `long:"db" env:"DATABASE_PATH" description:"SQLite database path (overrides storage.path)"`
}

func (g *globalOptions) appOptions() app.Options {
	return app.Options{
		ConfigPath: g.Config,
		Overlay: func(cfg *config.Config) {
			if v := strings.TrimSpace(g.Token); v != "" {
				cfg.Telegram.Token = v
			}
			if v := strings.TrimSpace(g.DB); v != "" {
				cfg.Storage.Path = v
			}
		},
	}
}

var (
	global globalOptions
	ctx    context.Context
)

type botCommand struct{}

func (botCommand) Execute([]string) error {
	a, err := app.New(ctx, global.appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

type scanCommand struct{}

func (scanCommand) Execute([]string) error {
	a, err := app.New(ctx, global.appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	sum, err := a.Scan(ctx)
	report(a.Logger(), sum)
	return err
}

type countdownCommand struct {
	WithinDays int `long:"within-days" default:"3" description:"remind about events ending within this many days"`
}

func (c *countdownCommand) Execute([]string) error {
	if c.WithinDays < 0 {
		return fmt.Errorf("--within-days must be >= 0, got %d", c.WithinDays)
	}
	a, err := app.New(ctx, global.appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	sum, err := a.Countdown(ctx, c.WithinDays)
	report(a.Logger(), sum)
	return err
}

type migrateCommand struct {
	LegacyTimezone bool `long:"legacy-timezone" description:"convert timestamps stored as source-local wall clock to UTC (runs once)"`
}

func (c *migrateCommand) Execute([]string) error {
	return app.Migrate(ctx, global.appOptions(), app.MigrateOptions{LegacyTimezone: c.LegacyTimezone})
}

func report(log logx.Logger, sum eventbus.RunSummary) {
	log.Info("run finished",
		logx.String("kind", sum.Kind),
		logx.String("run_id", sum.RunID),
		logx.Int("scraped", sum.Scraped),
		logx.Int("created", sum.Created),
		logx.Int("sent", sum.Sent),
		logx.Int("reminded", sum.Reminded),
		logx.Int("failed", sum.Failed),
		logx.Duration("took", sum.Duration),
	)
}

func main() {
	var cancel context.CancelFunc
	ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	parser := flags.NewParser(&global, flags.Default)
	mustAdd(parser, "bot", "Run the bot", "Poll Telegram, serve commands and run the periodic scan and countdown jobs.", &botCommand{})
	mustAdd(parser, "scan", "Scrape once and announce new events", "Fetch the source, synchronize events and announce to subscribers, then exit.", &scanCommand{})
	mustAdd(parser, "countdown", "Send reminders once", "Remind subscribers about unconfirmed events ending soon, then exit.", &countdownCommand{})
	mustAdd(parser, "migrate", "Apply database migrations", "Open the database, apply pending migrations and optionally normalize legacy timestamps.", &migrateCommand{})

	// flags.Default prints the error, including ones returned by Execute.
	if _, err := parser.Parse(); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			return
		}
		cancel()
		os.Exit(1)
	}
}

func mustAdd(p *flags.Parser, name, short, long string, data any) {
	if _, err := p.AddCommand(name, short, long, data); err != nil {
		panic(err)
	}
}
