// Package wal implements the write-ahead log of operation intents.
//
// A caller appends an intent before doing any side-effecting work, claims it
// to begin execution, and marks it terminal when done:
//
//	pending → in_progress → completed
//	                      → failed → compensated
//
// Every transition is a single conditional update in the Store, so any number
// of workers may share one log without application-level locks. Claim reports
// a lost race immediately instead of waiting.
//
// # Crash recovery
//
// An entry left pending by a crash between Append and Claim is returned by
// ListReplayable. An entry left in_progress holds a lease; once the lease
// expires, Reclaim hands it to a new worker and counts the attempt in
// retry_count. Entries whose retry_count reached max_retries are never
// replayed again.
package wal
