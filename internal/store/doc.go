// Package store persists the gateway's decision audit trail in SQLite.
//
// Every non-allow decision returned by an agent, and every response
// substituted by the failure policy, is handed to an AuditLog by the agent
// pool. The log never blocks the dataplane: entries go into a bounded buffer
// and a single writer goroutine inserts them in batches. When the buffer is
// full, entries are dropped and counted.
//
// SQLiteStore uses modernc.org/sqlite, so no cgo is required. The database
// runs in WAL mode and its schema is created on open.
//
// Decisions can be listed newest first, filtered by agent, age and whether
// they were fallbacks. An optional retention period deletes old rows hourly.
package store
