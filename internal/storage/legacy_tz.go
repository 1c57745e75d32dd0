package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	logx "eventbot/pkg/logx"

	"github.com/jmoiron/sqlx"
)

const metaTimestampsUTC = "timestamps_utc"

// ErrAlreadyNormalized is returned when the UTC marker is already present.
var ErrAlreadyNormalized = errors.New("storage: timestamps already normalized to UTC")

// NormalizeLegacyTimestamps rewrites event start/end values that older
// builds stored as source-local wall clock (read back as if UTC) into real
// UTC instants, then sets the timestamps_utc marker. It runs at most once.
func (d *DB) NormalizeLegacyTimestamps(ctx context.Context, loc *time.Location) (int64, error) {
	if loc == nil {
		return 0, errors.New("legacy timezone is required")
	}
	var converted int64
	err := d.InTx(ctx, func(tx *Tx) error {
		if _, ok, err := tx.meta(ctx, metaTimestampsUTC); err != nil {
			return err
		} else if ok {
			return ErrAlreadyNormalized
		}

		type row struct {
			ID      int64         `db:"id"`
			StartAt sql.NullInt64 `db:"start_at"`
			EndAt   sql.NullInt64 `db:"end_at"`
		}
		var rows []row
		if err := sqlx.SelectContext(ctx, tx.x, &rows,
			`SELECT id, start_at, end_at FROM events WHERE start_at IS NOT NULL OR end_at IS NOT NULL`); err != nil {
			return fmt.Errorf("load legacy timestamps: %w", err)
		}
		for _, r := range rows {
			if _, err := tx.x.ExecContext(ctx, `UPDATE events SET start_at = ?, end_at = ? WHERE id = ?`,
				shiftWallClock(r.StartAt, loc), shiftWallClock(r.EndAt, loc), r.ID); err != nil {
				return fmt.Errorf("rewrite event %d: %w", r.ID, err)
			}
			converted++
		}
		_, err := tx.x.ExecContext(ctx,
			`INSERT INTO schema_meta(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			metaTimestampsUTC, loc.String())
		return err
	})
	if err != nil {
		return 0, err
	}
	d.log.Info("legacy timestamps normalized", logx.Int64("events", converted), logx.String("tz", loc.String()))
	return converted, nil
}

// TimestampsNormalized reports whether the UTC marker is present.
func (d *DB) TimestampsNormalized(ctx context.Context) (bool, error) {
	_, ok, err := d.Reader().meta(ctx, metaTimestampsUTC)
	return ok, err
}

// shiftWallClock reinterprets the stored instant's UTC fields as wall clock
// time in loc. DST gaps resolve the way time.Date does.
func shiftWallClock(v sql.NullInt64, loc *time.Location) sql.NullInt64 {
	if !v.Valid {
		return v
	}
	t := time.UnixMilli(v.Int64).UTC()
	local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	return sql.NullInt64{Int64: local.UnixMilli(), Valid: true}
}
