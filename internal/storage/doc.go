// Package storage persists contacts and the job ledger.
//
// Drivers:
//   - "memory": in-process maps (tests, demos)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via lib/pq
//
// All ledger mutations are compare-and-set on the job row so that a runner,
// an API call and the inbound observer can race without corrupting counters.
package storage
