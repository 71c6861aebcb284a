// Package store provides SQLite-backed durable storage for the reliability
// core.
//
// One database holds four independent record sets:
//   - wal_entries: operation intents (wal.Store)
//   - idempotency_records: client idempotency keys (idempotency.Store)
//   - versioned_entities: optimistic-concurrency records (version.Store)
//   - saga_executions: saga records with embedded step lists (saga.Store)
//
// # Critical Patterns
//
// Single-Statement Transitions
//   - Every state change is one conditional UPDATE or INSERT ... ON CONFLICT
//     DO NOTHING on one row
//   - RowsAffected decides the race; no read-modify-write transactions
//
// Deterministic Query Results
//   - Listings order by created_at then id COLLATE BINARY
//
// Time Representation
//   - Timestamps are INTEGER unix nanoseconds in UTC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// SQLITE_BUSY and SQLITE_LOCKED surface as fault.KindTransient errors.
package store
