// Package notifier turns planned deliveries into chat messages.
//
// A Dispatcher renders each model.Dispatch (title, time line, detail link,
// optional image and confirmation button), paces the sends with a token
// bucket and reports per-item outcomes. One failing recipient never aborts
// the batch.
//
// # Ledger hook
//
// Dispatch takes a SentFunc that is invoked right after each successful
// send. The tracker uses it to persist first/last/reminder timestamps, so a
// crash mid-batch leaves every already-sent delivery recorded.
package notifier
