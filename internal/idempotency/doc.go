// Package idempotency deduplicates client-retried operations by key.
//
// A handler wrapping a client-facing operation checks the key, reserves it
// with Begin, executes, and reports the terminal result:
//
//	Check → NotFound → Begin → (execute) → Complete | Fail
//
// Once a record is completed its cached result is immutable and returned
// verbatim for every repeat request bearing the same key. A failed record
// does not block a later retry under the same key. A request hash that
// differs from the stored one yields a Conflict, protecting against key reuse
// with a different body.
package idempotency
