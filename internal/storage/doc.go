// Package storage is the durable Item Queue and account store.
//
// One Repository interface fronts every driver:
//   - sqlite: primary store (modernc.org/sqlite, WAL, single writer)
//   - postgres: primary store for shared deployments (lib/pq)
//   - memory: tests and dry runs
//   - file: the legacy JSON document store, kept only so Reconcile can import it
//
// Bookings are never persisted on their own; they are the scheduled_at of
// non-cancelled items. Every driver rejects a second non-cancelled item on the
// same (account_id, scheduled_at).
package storage
