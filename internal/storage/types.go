package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Stats is a cheap snapshot used by the health endpoint.
type Stats struct {
	ActiveEvents int64 `db:"active_events" json:"active_events"`
	Events       int64 `db:"events" json:"events"`
	Subscribers  int64 `db:"subscribers" json:"subscribers"`
	Deliveries   int64 `db:"deliveries" json:"deliveries"`
	Confirmed    int64 `db:"confirmed" json:"confirmed"`
	Rejected     int64 `db:"rejected" json:"rejected"`
}
