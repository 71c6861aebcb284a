// Package saga coordinates ordered multi-step operations with compensation.
//
// A saga moves pending → in_progress → completed when every step succeeds.
// When a step fails the saga moves to compensating, and each completed step
// is undone in reverse completion order. The saga then ends compensated, or
// partially_compensated when any undo failed. Compensation errors are kept
// on the record and never dropped.
//
// The Coordinator is only a ledger: it records outcomes and enforces the
// ordering rules. The Runner executes Step implementations and reports into
// it.
package saga
