// Package scheduler triggers periodic jobs (the scan and countdown cycles)
// from cron expressions or fixed intervals.
//
// Every schedule runs at most one instance at a time: a trigger that fires
// while the previous run is still in flight is skipped and counted.
package scheduler
