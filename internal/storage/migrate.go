package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationInfo describes the schema after Open.
type MigrationInfo struct {
	Version uint
	Dirty   bool
	// Fresh is true when the database had no schema before this open.
	Fresh bool
}

func (d *DB) migrate(ctx context.Context) (MigrationInfo, error) {
	driver, err := sqlite.WithInstance(d.x.DB, &sqlite.Config{})
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("failed to create iofs source: %w", err)
	}

	// The driver is not closed here: closing it would close the shared pool.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	// Fresh means no migration history and no events table: a database that
	// already holds events without history predates the UTC marker.
	fresh := false
	if _, _, verr := m.Version(); errors.Is(verr, migrate.ErrNilVersion) {
		var n int
		if err := d.x.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'events'`); err != nil {
			return MigrationInfo{}, fmt.Errorf("inspect schema: %w", err)
		}
		fresh = n == 0
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationInfo{}, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("failed to get migration version: %w", err)
	}

	if fresh {
		// New databases only ever see UTC writes.
		if err := d.setMeta(ctx, metaTimestampsUTC, "1"); err != nil {
			return MigrationInfo{}, err
		}
	}
	return MigrationInfo{Version: version, Dirty: dirty, Fresh: fresh}, nil
}

func (d *DB) setMeta(ctx context.Context, key, value string) error {
	_, err := d.x.ExecContext(ctx,
		`INSERT INTO schema_meta(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set schema_meta %s: %w", key, err)
	}
	return nil
}

func (t *Tx) meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := t.x.QueryRowxContext(ctx, `SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&v)
	if noRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
