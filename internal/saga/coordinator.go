package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/ids"
	"github.com/roach88/durable/internal/payload"
)

// Coordinator is the saga ledger. It never runs business logic; callers
// report each step outcome and each compensation outcome into it.
//
// Every write is a compare-and-swap on the saga's revision. A lost swap
// returns a Conflict with reason stale_revision and is never retried.
type Coordinator struct {
	store  Store
	clock  clock.Clock
	ids     ids.Generator
	logger  *slog.Logger
	metrics sagaMetrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithIDGenerator overrides saga ID generation.
func WithIDGenerator(g ids.Generator) Option {
	return func(co *Coordinator) { co.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = logger }
}

// New creates a Coordinator over store.
func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		clock:   clock.System{},
		ids:     ids.UUIDv7Generator{},
		logger:  slog.Default(),
		metrics: newSagaMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartOption configures a single Start.
type StartOption func(*Execution)

// WithCorrelationID links the saga to other records for debugging.
func WithCorrelationID(id string) StartOption {
	return func(e *Execution) { e.CorrelationID = id }
}

// Start persists a new saga with every step pending.
func (c *Coordinator) Start(ctx context.Context, name string, steps []string, initial map[string]json.RawMessage, opts ...StartOption) (string, error) {
	const op = "saga.start"

	if strings.TrimSpace(name) == "" {
		return "", fault.New(fault.KindInvalid, op, "saga name is required")
	}
	if len(steps) == 0 {
		return "", fault.New(fault.KindInvalid, op, "saga needs at least one step")
	}

	seen := make(map[string]bool, len(steps))
	records := make([]StepRecord, 0, len(steps))
	for _, s := range steps {
		if strings.TrimSpace(s) == "" {
			return "", fault.New(fault.KindInvalid, op, "step names must be non-empty")
		}
		if seen[s] {
			return "", fault.New(fault.KindInvalid, op, fmt.Sprintf("duplicate step name %q", s))
		}
		seen[s] = true
		records = append(records, StepRecord{Name: s, Status: StepPending})
	}

	sctx := make(map[string]json.RawMessage, len(initial))
	for k, v := range initial {
		canon, err := canonicalValue(v)
		if err != nil {
			return "", fault.Wrap(fault.KindInvalid, op, fmt.Sprintf("context key %q", k), err)
		}
		sctx[k] = canon
	}

	now := c.clock.Now()
	e := Execution{
		ID:        c.ids.Generate(),
		Name:      name,
		Status:    StatusPending,
		Steps:     records,
		Context:   sctx,
		CreatedAt: now,
		UpdatedAt: now,
		Revision:  1,
	}
	for _, opt := range opts {
		opt(&e)
	}

	if err := c.store.InsertSaga(ctx, e); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	c.metrics.started.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", name)))
	c.logger.InfoContext(ctx, "saga started",
		"saga_id", e.ID, "saga", name, "steps", len(steps), "correlation_id", e.CorrelationID)
	return e.ID, nil
}

// Outcome is one step outcome reported to Advance.
type Outcome struct {
	// Status is StepInProgress, StepCompleted or StepFailed.
	Status StepStatus

	// Result is merged into the saga context under the step name on completion.
	Result json.RawMessage

	// Error describes a failure.
	Error string
}

// Advance records one step outcome. Steps advance strictly in declaration
// order. A failure moves the saga to compensating with a plan covering the
// completed steps in reverse completion order.
func (c *Coordinator) Advance(ctx context.Context, id, step string, out Outcome) (Snapshot, error) {
	const op = "saga.advance"

	return c.update(ctx, op, id, func(e *Execution) error {
		if err := requireForward(op, e); err != nil {
			return err
		}
		idx := e.stepIndex(step)
		if idx < 0 {
			return fault.NotFound(op, "saga step", step).With("saga_id", e.ID)
		}
		if next := nextForward(e); next != idx {
			return fault.New(fault.KindInvalidTransition, op,
				fmt.Sprintf("step %q is out of order; next step is %q", step, e.Steps[next].Name))
		}

		now := c.clock.Now()
		st := &e.Steps[idx]
		switch out.Status {
		case StepInProgress:
			if st.Status != StepPending {
				return fault.New(fault.KindInvalidTransition, op,
					fmt.Sprintf("step %q is already %s", step, st.Status))
			}
			st.Status = StepInProgress
			st.StartedAt = &now
			e.Status = StatusInProgress

		case StepCompleted:
			result, err := canonicalValue(out.Result)
			if err != nil {
				return fault.Wrap(fault.KindInvalid, op, fmt.Sprintf("step %q result", step), err)
			}
			if st.StartedAt == nil {
				st.StartedAt = &now
			}
			st.Status = StepCompleted
			st.Result = result
			st.CompletedAt = &now
			st.CompletionSeq = completedCount(e) + 1
			e.Context[step] = result
			e.Status = StatusInProgress
			if nextForward(e) < 0 {
				e.Status = StatusCompleted
				e.CompletedAt = &now
			}

		case StepFailed:
			msg := out.Error
			if msg == "" {
				msg = "unspecified failure"
			}
			if st.StartedAt == nil {
				st.StartedAt = &now
			}
			st.Status = StepFailed
			st.Error = msg
			st.CompletedAt = &now
			e.Error = fmt.Sprintf("step %s failed: %s", step, msg)
			e.CompensationPlan = compensationPlan(e)
			for _, name := range e.CompensationPlan {
				e.Steps[e.stepIndex(name)].Status = StepCompensating
			}
			e.Status = StatusCompensating
			if len(e.CompensationPlan) == 0 {
				e.Status = StatusCompensated
				e.CompletedAt = &now
			}

		default:
			return fault.New(fault.KindInvalid, op, fmt.Sprintf("unsupported step outcome %q", out.Status))
		}
		return nil
	})
}

// CompensationOutcome records the result of undoing one step. Outcomes must
// arrive in plan order. When the plan is exhausted the saga resolves to
// compensated, or partially_compensated if any compensation failed.
func (c *Coordinator) CompensationOutcome(ctx context.Context, id, step string, success bool, errMsg string) (Snapshot, error) {
	const op = "saga.compensation_outcome"

	return c.update(ctx, op, id, func(e *Execution) error {
		if e.Status.Terminal() {
			return alreadyTerminal(op, e)
		}
		if e.Status != StatusCompensating {
			return fault.New(fault.KindInvalidTransition, op,
				fmt.Sprintf("saga %s is %s, not compensating", e.ID, e.Status))
		}
		if len(e.CompensationPlan) == 0 || e.CompensationPlan[0] != step {
			expected := ""
			if len(e.CompensationPlan) > 0 {
				expected = e.CompensationPlan[0]
			}
			return fault.New(fault.KindInvalidTransition, op,
				fmt.Sprintf("step %q is not next to compensate; expected %q", step, expected))
		}

		now := c.clock.Now()
		st := &e.Steps[e.stepIndex(step)]
		if success {
			st.Status = StepCompensated
		} else {
			if errMsg == "" {
				errMsg = "unspecified failure"
			}
			st.Status = StepCompensationFailed
			st.CompensationError = errMsg
			e.CompensationErrors = append(e.CompensationErrors,
				fmt.Sprintf("compensation failed for %s: %s", step, errMsg))
		}
		e.CompensationPlan = e.CompensationPlan[1:]

		if len(e.CompensationPlan) == 0 {
			e.Status = StatusCompensated
			if len(e.CompensationErrors) > 0 {
				e.Status = StatusPartiallyCompensated
			}
			e.CompletedAt = &now
		}
		return nil
	})
}

// Get returns an immutable snapshot of the saga.
func (c *Coordinator) Get(ctx context.Context, id string) (Snapshot, error) {
	e, err := c.store.GetSaga(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("saga.get: %w", err)
	}
	return newSnapshot(e), nil
}

// Summary aggregates step counts and elapsed time.
func (c *Coordinator) Summary(ctx context.Context, id string) (Summary, error) {
	e, err := c.store.GetSaga(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("saga.summary: %w", err)
	}
	return summarize(e, c.clock.Now()), nil
}

// ListUnfinished returns sagas that have not reached a terminal status,
// oldest first.
func (c *Coordinator) ListUnfinished(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		return []Snapshot{}, nil
	}
	execs, err := c.store.ListSagas(ctx, []Status{StatusPending, StatusInProgress, StatusCompensating}, limit)
	if err != nil {
		return nil, fmt.Errorf("saga.list_unfinished: %w", err)
	}
	out := make([]Snapshot, len(execs))
	for i, e := range execs {
		out[i] = newSnapshot(e)
	}
	return out, nil
}

// update applies fn to a fresh copy of the saga and swaps it in at the next
// revision.
func (c *Coordinator) update(ctx context.Context, op, id string, fn func(*Execution) error) (Snapshot, error) {
	cur, err := c.store.GetSaga(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}

	next := cur.clone()
	if err := fn(&next); err != nil {
		return Snapshot{}, err
	}
	next.Revision = cur.Revision + 1
	next.UpdatedAt = c.clock.Now()

	ok, err := c.store.SwapSaga(ctx, next, cur.Revision)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return Snapshot{}, fault.Conflict(fault.ReasonStaleRevision, op,
			fmt.Sprintf("saga %s changed since revision %d", id, cur.Revision)).With("saga_id", id)
	}
	c.metrics.committed(ctx, cur, next)

	if next.Status != cur.Status {
		c.logger.InfoContext(ctx, "saga status changed",
			"saga_id", id, "from", cur.Status, "to", next.Status)
	}
	return newSnapshot(next), nil
}

func requireForward(op string, e *Execution) error {
	switch {
	case e.Status.Terminal():
		return alreadyTerminal(op, e)
	case e.Status == StatusCompensating:
		return fault.New(fault.KindInvalidTransition, op,
			fmt.Sprintf("saga %s is compensating", e.ID))
	}
	return nil
}

func alreadyTerminal(op string, e *Execution) error {
	return &fault.Error{
		Kind:    fault.KindAlreadyTerminal,
		Op:      op,
		Message: fmt.Sprintf("saga %s is already %s", e.ID, e.Status),
		Details: map[string]string{"saga_id": e.ID, "status": string(e.Status)},
	}
}

// nextForward returns the index of the first step not yet completed, or -1.
func nextForward(e *Execution) int {
	for i, s := range e.Steps {
		if s.Status != StepCompleted {
			return i
		}
	}
	return -1
}

func completedCount(e *Execution) int {
	n := 0
	for _, s := range e.Steps {
		if s.CompletionSeq > 0 {
			n++
		}
	}
	return n
}

// compensationPlan lists completed steps, most recently completed first.
func compensationPlan(e *Execution) []string {
	done := make([]StepRecord, 0, len(e.Steps))
	for _, s := range e.Steps {
		if s.Status == StepCompleted {
			done = append(done, s)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].CompletionSeq > done[j].CompletionSeq })

	plan := make([]string, len(done))
	for i, s := range done {
		plan[i] = s.Name
	}
	return plan
}

func canonicalValue(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	canon, err := payload.Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	return canon, nil
}
