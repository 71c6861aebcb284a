package fault

import (
	"errors"
	"fmt"
)

// Error is the error type returned across every component boundary.
//
// Callers branch on Kind (and Reason for conflicts) instead of matching
// message text. Error wraps an optional cause so store-level errors remain
// reachable through errors.Is / errors.As.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Reason narrows a Conflict down to what collided.
	Reason Reason

	// Op names the operation that failed (e.g. "wal.claim").
	Op string

	// Message is a human-readable description.
	Message string

	// Details carries structured context such as record IDs or versions.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Kind categorizes errors.
type Kind string

const (
	// KindTransient is a retryable infrastructure fault. Callers retry with
	// their own backoff policy.
	KindTransient Kind = "TRANSIENT"

	// KindConflict is a lost race: version mismatch, duplicate key, lost claim.
	// It is never resolved automatically.
	KindConflict Kind = "CONFLICT"

	// KindNotFound means the addressed record does not exist.
	KindNotFound Kind = "NOT_FOUND"

	// KindInvalidTransition means the record is not in a state that allows
	// the requested transition.
	KindInvalidTransition Kind = "INVALID_TRANSITION"

	// KindAlreadyTerminal means the record already reached a terminal state.
	// Terminal records are never overwritten.
	KindAlreadyTerminal Kind = "ALREADY_TERMINAL"

	// KindPermanent is a business operation that exhausted its own retries.
	KindPermanent Kind = "PERMANENT"

	// KindCompensationFailure means a rollback action itself failed.
	KindCompensationFailure Kind = "COMPENSATION_FAILURE"

	// KindInvalid rejects malformed input before touching the store.
	KindInvalid Kind = "INVALID"
)

// Reason identifies the specific collision behind a Conflict.
type Reason string

const (
	ReasonVersionMismatch Reason = "version_mismatch"
	ReasonKeyConflict     Reason = "key_conflict"
	ReasonClaimLost       Reason = "claim_lost"
	ReasonRequestMismatch Reason = "request_mismatch"
	ReasonStaleRevision   Reason = "stale_revision"
	ReasonAlreadyExists   Reason = "already_exists"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, and by Reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// Conflict creates a Conflict error with a reason.
func Conflict(reason Reason, op, message string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Op: op, Message: message}
}

// NotFound creates a NotFound error for the given record.
func NotFound(op, what, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Op:      op,
		Message: fmt.Sprintf("%s %q not found", what, id),
		Details: map[string]string{"id": id},
	}
}

// With returns a copy of e with an extra detail attached.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// ReasonOf returns the conflict Reason of err, or "".
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// IsConflict reports whether err is a Conflict of any reason.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransient reports whether err is retryable by the caller.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsAlreadyTerminal reports whether err signals a repeated terminal transition.
func IsAlreadyTerminal(err error) bool { return KindOf(err) == KindAlreadyTerminal }

// IsInvalidTransition reports whether err rejects a transition from the current state.
func IsInvalidTransition(err error) bool { return KindOf(err) == KindInvalidTransition }
