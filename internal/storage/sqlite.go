package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "eventbot/pkg/logx"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// DB is the opened store. Construct it with Open and release it with Close.
type DB struct {
	x    *sqlx.DB
	log  logx.Logger
	path string

	migrated MigrationInfo
}

// Open opens (creating if needed) the SQLite file, applies pending
// migrations and returns the handle.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare database dir: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	// Pragmas go into the DSN so every connection the pool opens gets them.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	dsn := "file:" + path + "?" + q.Encode()

	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// sqlx only uses the driver name to pick the bind style.
	d := &DB{x: sqlx.NewDb(raw, "sqlite3"), log: log.With(logx.String("comp", "storage")), path: path}

	info, err := d.migrate(ctx)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	d.migrated = info
	d.log.Info("storage ready",
		logx.String("path", path),
		logx.Uint64("schema_version", uint64(info.Version)),
		logx.Bool("fresh", info.Fresh),
	)
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.x == nil {
		return nil
	}
	return d.x.Close()
}

func (d *DB) Path() string { return d.path }

// Migration reports what Open did to the schema.
func (d *DB) Migration() MigrationInfo { return d.migrated }

func (d *DB) Ping(ctx context.Context) error { return d.x.PingContext(ctx) }

// InTx runs fn as one unit of work. The transaction commits when fn returns
// nil and rolls back on error or panic.
func (d *DB) InTx(ctx context.Context, fn func(*Tx) error) (err error) {
	tx, err := d.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{x: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Reader returns query methods bound to the pool. Each statement runs on
// its own; use InTx when several writes must land together.
func (d *DB) Reader() *Tx { return &Tx{x: d.x} }

// Tx carries the query methods for one unit of work.
type Tx struct {
	x sqlx.ExtContext
}

func (t *Tx) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := sqlx.GetContext(ctx, t.x, &s, `SELECT
		(SELECT COUNT(*) FROM events WHERE is_active = 1) AS active_events,
		(SELECT COUNT(*) FROM events) AS events,
		(SELECT COUNT(*) FROM subscribers) AS subscribers,
		(SELECT COUNT(*) FROM deliveries) AS deliveries,
		(SELECT COUNT(*) FROM deliveries WHERE confirmed_at IS NOT NULL) AS confirmed,
		(SELECT COUNT(*) FROM deliveries WHERE rejected_at IS NOT NULL) AS rejected`)
	return s, err
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func msTime(v int64) time.Time { return time.UnixMilli(v).UTC() }

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
