// Package fault defines the error taxonomy shared by every reliability component.
//
// Four categories cross component boundaries:
//   - Transient: retryable infrastructure faults (busy or locked database)
//   - Conflict: version mismatch, duplicate key, lost claim race
//   - Permanent: an operation exhausted its own retries
//   - CompensationFailure: a rollback action failed
//
// Conflicts are surfaced synchronously and never resolved automatically.
// The remaining kinds (NotFound, InvalidTransition, AlreadyTerminal, Invalid)
// describe state-machine violations so callers never parse messages.
package fault
