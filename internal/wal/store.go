package wal

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists WAL entries. Every method touches a single record atomically.
//
// Implementations must apply a Transition as one conditional write: the
// update happens only when every condition holds at write time, and the
// boolean result reports whether it happened.
type Store interface {
	// InsertEntry persists a new entry.
	InsertEntry(ctx context.Context, e Entry) error

	// GetEntry returns the entry or a fault.NotFound error.
	GetEntry(ctx context.Context, id string) (Entry, error)

	// TransitionEntry applies t if its conditions hold.
	TransitionEntry(ctx context.Context, t Transition) (bool, error)

	// ListReplayable returns pending or in_progress entries created after
	// createdAfter with retry_count < max_retries, oldest first.
	ListReplayable(ctx context.Context, createdAfter time.Time, limit int) ([]Entry, error)

	// ListByCorrelation returns entries sharing a correlation ID, oldest first.
	ListByCorrelation(ctx context.Context, correlationID string) ([]Entry, error)

	// DeleteEntries removes entries in any of statuses created before cutoff.
	DeleteEntries(ctx context.Context, statuses []Status, createdBefore time.Time) (int64, error)

	// FailExhausted moves every in_progress entry whose lease expired at now
	// and whose retries are used up to failed with errMsg.
	FailExhausted(ctx context.Context, now time.Time, errMsg string) (int64, error)
}

// Transition is a compare-and-set on one entry's status.
type Transition struct {
	ID   string
	From Status
	To   Status
	Now  time.Time

	// LeaseUntil sets lease_expires_at; nil clears it.
	LeaseUntil *time.Time

	// RequireLeaseExpired adds lease_expires_at <= Now to the condition.
	RequireLeaseExpired bool

	// RequireLeaseLive adds lease_expires_at > Now to the condition.
	RequireLeaseLive bool

	// IncrementRetry adds retry_count < max_retries to the condition and
	// increments retry_count on success.
	IncrementRetry bool

	// CountAttempt increments retry_count without bounding it.
	CountAttempt bool

	// Complete stamps completed_at with Now.
	Complete bool

	Result json.RawMessage
	Error  string
}
