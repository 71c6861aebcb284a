package wal

import (
	"encoding/json"
	"time"

	"github.com/roach88/durable/internal/payload"
)

// Status is the lifecycle state of a WAL entry.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

// Terminal reports whether no worker may act on the entry anymore.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

// DefaultMaxRetries bounds how many times an entry may be re-attempted.
const DefaultMaxRetries = 3

// DefaultLease is how long a claim stays exclusive without a heartbeat.
const DefaultLease = 5 * time.Minute

// Entry is one operation intent.
type Entry struct {
	ID             string          `json:"id"`
	OperationType  string          `json:"operation_type"`
	Payload        payload.Payload `json:"payload"`
	Status         Status          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// Replayable reports whether the entry is eligible for replay at all,
// ignoring age.
func (e Entry) Replayable() bool {
	return (e.Status == StatusPending || e.Status == StatusInProgress) && e.RetryCount < e.MaxRetries
}

// LeaseExpired reports whether an in_progress entry's lease lapsed at now.
func (e Entry) LeaseExpired(now time.Time) bool {
	return e.LeaseExpiresAt == nil || !e.LeaseExpiresAt.After(now)
}
