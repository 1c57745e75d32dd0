// Package tracker reconciles scraped events against the store and plans
// who gets told about what.
//
// The pieces, leaf first:
//
//   - IdentityOf derives the content hash that recognizes an event across
//     scrapes.
//   - Synchronize applies one snapshot: create, refresh, bulk-deactivate.
//   - The planner functions (CurrentEvents, EnsureDeliveries,
//     PendingReminders, ReminderExclusions) choose deliveries.
//   - MarkSent and MarkConfirmed apply the write-once ledger rules.
//   - Engine strings them together into the scan, countdown, subscribe,
//     list and confirm operations the triggers call.
//
// Every operation runs its store work in one storage.DB.InTx unit. Network
// sends happen after the unit commits, and each successful send is recorded
// in its own short transaction.
package tracker
