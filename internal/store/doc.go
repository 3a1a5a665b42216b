// Package store provides SQL-backed durable storage for conductor.
//
// The store persists:
//   - Execution plans: the plan record, with steps in their own rows so a
//     single step can be saved without rewriting the plan
//   - Actions: canonical JSON input and output payloads per action
//   - Executor allocations: which world executes a plan, for event routing
//   - Envelopes: queued dispatcher messages for the polling connector
//   - Semaphores: persisted ticket counts
//   - Coordinator records: locks and world registrations
//
// # Database Configuration
//
// SQLite (driver "sqlite3") is the default and runs with WAL mode,
// synchronous=NORMAL, busy_timeout=5000 and foreign_keys=ON on a single
// connection. Postgres (driver "pgx") uses a connection pool. Queries are
// written with ? placeholders and rebound for Postgres.
//
// Every save is atomic per entity. Loads of missing entities return an
// error matching ErrNotFound.
package store
