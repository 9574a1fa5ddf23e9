// Package store is the SQLite storage adapter.
//
// One table is materialised per registered model schema, plus the system
// tables that back the mutation queue and sync metadata:
//   - mutation_events: outgoing local changes in creation order
//   - mutation_sync_metadata: last known remote version per record
//   - model_sync_metadata: sync cursor per model
//   - model_layouts: stored column layout per model, used by SetUp to
//     detect schema changes
//
// Writes go through a single-connection writer pool, so one write
// transaction runs at a time. Reads outside a transaction use a separate
// read-only pool and see the last committed snapshot (WAL mode).
//
// Predicates, sorting and pagination are compiled to SQL by querysql and
// evaluated inside SQLite. Cascading deletes are resolved in Go from the
// registry so every deleted record can be reported to the caller.
package store
