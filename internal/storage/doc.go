// Package storage is the persistence layer behind the event tracker.
//
// It stores three entities in one SQLite file:
//   - events: the catalog of scraped events, soft-deleted via is_active
//   - subscribers: notification destinations keyed by the chat id
//   - deliveries: one ledger row per (event, subscriber) pair
//
// Timestamps are INTEGER unix milliseconds. Schema changes ship as embedded
// golang-migrate files and must stay additive.
package storage
