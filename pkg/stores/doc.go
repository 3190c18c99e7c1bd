// Package stores keeps the history of convergence runs in SQLite.
//
// A SQLiteStore records three things per run: the run header with its
// summary counts, every attempted execution in order, and the aggregated
// result of each declared resource. It also implements engine.EventPublisher,
// so passing it to engine.WithEventPublisher streams the run timeline into the
// events table while the run is in progress.
//
// The schema is managed with golang-migrate from migrations embedded in the
// binary. File databases use WAL mode; ":memory:" is supported for tests.
package stores
