package app

import (
	"context"
	"errors"

	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

// MigrateOptions controls the migrate subcommand.
type MigrateOptions struct {
	// LegacyTimezone rewrites timestamps written before UTC normalization.
	LegacyTimezone bool
}

// Migrate opens the store (which applies pending schema migrations) and
// optionally normalizes legacy timestamps. It never talks to Telegram.
func Migrate(ctx context.Context, opts Options, mo MigrateOptions) error {
	_, cfg, err := loadConfig(ctx, opts, false)
	if err != nil {
		return err
	}
	logCfg := mapLogConfig(cfg)
	logCfg.Operator.Enabled = false
	logs, root := logx.New(logCfg, nil)
	defer logs.Close()
	log := root.With(logx.String("comp", "migrate"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	db, err := storage.Open(ctx, sc, root)
	if err != nil {
		return err
	}
	defer db.Close()

	info := db.Migration()
	log.Info("schema ready",
		logx.String("db", db.Path()),
		logx.Uint64("version", uint64(info.Version)),
		logx.Bool("fresh", info.Fresh),
	)
	if !mo.LegacyTimezone {
		return nil
	}
	n, err := db.NormalizeLegacyTimestamps(ctx, cfg.SourceLocation())
	if errors.Is(err, storage.ErrAlreadyNormalized) {
		log.Info("timestamps already normalized; nothing to do")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("legacy timestamps normalized", logx.Int64("rows", n), logx.String("tz", cfg.SourceLocation().String()))
	return nil
}
