package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	// DefaultTTL is how long a completed record lives when the caller sets
	// no expiry.
	DefaultTTL = 24 * time.Hour

	// DefaultLockTTL bounds how long an in_progress reservation holds its
	// key. A holder that crashed releases the key once it passes.
	DefaultLockTTL = 5 * time.Minute

	// DefaultFailedTTL is how long a failed record is kept.
	DefaultFailedTTL = 5 * time.Minute
)

// Record is one reserved or finished idempotency key.
type Record struct {
	Key         string
	Operation   string
	Status      Status
	Result      json.RawMessage
	Error       string
	RequestHash string
	CreatedAt   time.Time
	ExpiresAt   *time.Time

	// Retention is how long the record lives once completed. Zero keeps it
	// forever.
	Retention time.Duration
}

// Finish is a terminal transition of an in_progress record.
type Finish struct {
	Status Status
	Result json.RawMessage
	Error  string

	// At is the transition time. A completed record expires Retention after At.
	At time.Time

	// ExpiresAt is the expiry of a failed record; nil keeps it forever.
	ExpiresAt *time.Time
}

// Expired reports whether the record's expiry passed at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Store persists idempotency records. Every method touches one record atomically.
type Store interface {
	// GetRecord returns the record or a fault.NotFound error.
	GetRecord(ctx context.Context, key string) (Record, error)

	// InsertRecord stores rec if no record holds its key. It returns false
	// when the key is taken.
	InsertRecord(ctx context.Context, rec Record) (bool, error)

	// ReplaceRecord overwrites the record holding rec.Key only when that
	// record is failed or expired at now. It returns false otherwise.
	ReplaceRecord(ctx context.Context, rec Record, now time.Time) (bool, error)

	// FinishRecord moves an in_progress record to f.Status, storing the
	// result or error and re-stamping expires_at. It returns false when the
	// record is not in_progress.
	FinishRecord(ctx context.Context, key string, f Finish) (bool, error)

	// DeleteExpiredRecords removes records with expires_at <= now.
	DeleteExpiredRecords(ctx context.Context, now time.Time) (int64, error)
}
