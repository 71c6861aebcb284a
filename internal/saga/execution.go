package saga

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a saga.
type Status string

const (
	StatusPending              Status = "pending"
	StatusInProgress           Status = "in_progress"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCompensating         Status = "compensating"
	StatusCompensated          Status = "compensated"
	StatusPartiallyCompensated Status = "partially_compensated"
)

// Terminal reports whether the saga reached its final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusPartiallyCompensated:
		return true
	}
	return false
}

// StepStatus is the state of one step.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepInProgress         StepStatus = "in_progress"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// StepRecord is one step as embedded in the saga record.
type StepRecord struct {
	Name              string          `json:"name"`
	Status            StepStatus      `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CompensationError string          `json:"compensation_error,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`

	// CompletionSeq orders completed steps; compensation runs in descending order.
	CompletionSeq int `json:"completion_seq,omitempty"`
}

// Execution is the persisted saga record. The step list is embedded so a
// saga and its steps change together in one atomic write.
type Execution struct {
	ID                 string
	Name               string
	CorrelationID      string
	Status             Status
	Steps              []StepRecord
	Context            map[string]json.RawMessage
	CompensationPlan   []string
	CompensationErrors []string
	Error              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time

	// Revision is the compare-and-swap token, incremented on every write.
	Revision int64
}

// Store persists saga executions.
type Store interface {
	// InsertSaga stores a new execution at revision 1.
	InsertSaga(ctx context.Context, e Execution) error

	// GetSaga returns the execution or a fault.NotFound error.
	GetSaga(ctx context.Context, id string) (Execution, error)

	// SwapSaga replaces the stored execution with e only if the stored
	// revision equals expected; e.Revision must be expected+1.
	SwapSaga(ctx context.Context, e Execution, expected int64) (bool, error)

	// ListSagas returns executions in any of statuses, oldest first.
	ListSagas(ctx context.Context, statuses []Status, limit int) ([]Execution, error)
}

// clone deep-copies an execution so callers never share mutable state with
// the coordinator.
func (e Execution) clone() Execution {
	cp := e
	cp.Steps = make([]StepRecord, len(e.Steps))
	for i, s := range e.Steps {
		cp.Steps[i] = s
		cp.Steps[i].Result = cloneRaw(s.Result)
		cp.Steps[i].StartedAt = cloneTime(s.StartedAt)
		cp.Steps[i].CompletedAt = cloneTime(s.CompletedAt)
	}
	cp.Context = make(map[string]json.RawMessage, len(e.Context))
	for k, v := range e.Context {
		cp.Context[k] = cloneRaw(v)
	}
	cp.CompensationPlan = append([]string(nil), e.CompensationPlan...)
	cp.CompensationErrors = append([]string(nil), e.CompensationErrors...)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (e *Execution) stepIndex(name string) int {
	for i, s := range e.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}
