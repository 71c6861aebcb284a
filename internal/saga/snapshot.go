package saga

import (
	"encoding/json"
	"time"
)

// Snapshot is an immutable view of a saga at one read. All mutation goes
// through the Coordinator; a Snapshot owns copies of every slice and map.
type Snapshot struct {
	exec Execution
}

func newSnapshot(e Execution) Snapshot {
	return Snapshot{exec: e.clone()}
}

func (s Snapshot) ID() string              { return s.exec.ID }
func (s Snapshot) Name() string            { return s.exec.Name }
func (s Snapshot) CorrelationID() string   { return s.exec.CorrelationID }
func (s Snapshot) Status() Status          { return s.exec.Status }
func (s Snapshot) Error() string           { return s.exec.Error }
func (s Snapshot) CreatedAt() time.Time    { return s.exec.CreatedAt }
func (s Snapshot) UpdatedAt() time.Time    { return s.exec.UpdatedAt }
func (s Snapshot) Revision() int64         { return s.exec.Revision }
func (s Snapshot) CompletedAt() *time.Time { return cloneTime(s.exec.CompletedAt) }

// Steps returns a copy of the ordered step list.
func (s Snapshot) Steps() []StepRecord {
	return s.exec.clone().Steps
}

// Context returns a copy of the shared key/value context.
func (s Snapshot) Context() map[string]json.RawMessage {
	return s.exec.clone().Context
}

// CompensationErrors returns a copy of the recorded rollback failures.
func (s Snapshot) CompensationErrors() []string {
	return append([]string(nil), s.exec.CompensationErrors...)
}

// PendingCompensations lists the steps still awaiting a compensation
// outcome, in the order they must be compensated.
func (s Snapshot) PendingCompensations() []string {
	return append([]string(nil), s.exec.CompensationPlan...)
}

// NextStep returns the first pending or in_progress step while the saga is
// running forward.
func (s Snapshot) NextStep() (string, bool) {
	if s.exec.Status != StatusPending && s.exec.Status != StatusInProgress {
		return "", false
	}
	for _, st := range s.exec.Steps {
		if st.Status == StepPending || st.Status == StepInProgress {
			return st.Name, true
		}
	}
	return "", false
}

// Summary is the aggregate view returned by Coordinator.Summary.
type Summary struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
	HasErrors bool          `json:"has_errors"`
}

// summarize counts steps that completed forward (including ones later
// compensated) and steps that failed.
func summarize(e Execution, now time.Time) Summary {
	sum := Summary{ID: e.ID, Name: e.Name, Status: e.Status, Total: len(e.Steps)}
	for _, st := range e.Steps {
		switch st.Status {
		case StepCompleted, StepCompensating, StepCompensated, StepCompensationFailed:
			sum.Completed++
		case StepFailed:
			sum.Failed++
		}
	}
	end := now
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	sum.Elapsed = end.Sub(e.CreatedAt)
	sum.HasErrors = sum.Failed > 0 || len(e.CompensationErrors) > 0 || e.Error != ""
	return sum
}

type snapshotJSON struct {
	ID                   string                     `json:"id"`
	Name                 string                     `json:"name"`
	CorrelationID        string                     `json:"correlation_id,omitempty"`
	Status               Status                     `json:"status"`
	Steps                []StepRecord               `json:"steps"`
	Context              map[string]json.RawMessage `json:"context"`
	PendingCompensations []string                   `json:"pending_compensations,omitempty"`
	CompensationErrors   []string                   `json:"compensation_errors,omitempty"`
	Error                string                     `json:"error,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
	CompletedAt          *time.Time                 `json:"completed_at,omitempty"`
	Revision             int64                      `json:"revision"`
}

// MarshalJSON renders the snapshot for APIs and the CLI.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	sctx := s.Context()
	if sctx == nil {
		sctx = map[string]json.RawMessage{}
	}
	return json.Marshal(snapshotJSON{
		ID:                   s.exec.ID,
		Name:                 s.exec.Name,
		CorrelationID:        s.exec.CorrelationID,
		Status:               s.exec.Status,
		Steps:                s.Steps(),
		Context:              sctx,
		PendingCompensations: s.PendingCompensations(),
		CompensationErrors:   s.CompensationErrors(),
		Error:                s.exec.Error,
		CreatedAt:            s.exec.CreatedAt,
		UpdatedAt:            s.exec.UpdatedAt,
		CompletedAt:          s.CompletedAt(),
		Revision:             s.exec.Revision,
	})
}
