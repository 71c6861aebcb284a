package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/idempotency"
)

const tracerName = "github.com/roach88/durable/internal/saga"

// Step is one unit of business work with its undo action.
//
// Execute receives a copy of the saga context, which holds the initial
// values plus the result of every completed step under its name.
type Step interface {
	Name() string
	Execute(ctx context.Context, sagaCtx map[string]json.RawMessage) (json.RawMessage, error)
	Compensate(ctx context.Context, sagaCtx map[string]json.RawMessage) error
}

// StepFuncs adapts a pair of functions to Step. A nil Undo compensates
// trivially.
type StepFuncs struct {
	StepName string
	Do       func(ctx context.Context, sagaCtx map[string]json.RawMessage) (json.RawMessage, error)
	Undo     func(ctx context.Context, sagaCtx map[string]json.RawMessage) error
}

func (s StepFuncs) Name() string { return s.StepName }

func (s StepFuncs) Execute(ctx context.Context, sagaCtx map[string]json.RawMessage) (json.RawMessage, error) {
	return s.Do(ctx, sagaCtx)
}

func (s StepFuncs) Compensate(ctx context.Context, sagaCtx map[string]json.RawMessage) error {
	if s.Undo == nil {
		return nil
	}
	return s.Undo(ctx, sagaCtx)
}

// Runner executes steps sequentially and reports every outcome to the
// Coordinator. When a step fails it walks the compensation plan.
type Runner struct {
	coord    *Coordinator
	registry *idempotency.Registry
	logger   *slog.Logger
	deferred metric.Int64Counter
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithIdempotency runs each step and compensation at most once per saga
// under the keys "saga/<id>/<step>" and "saga/<id>/<step>/compensate".
func WithIdempotency(reg *idempotency.Registry) RunnerOption {
	return func(r *Runner) { r.registry = reg }
}

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a Runner reporting into coord.
func NewRunner(coord *Coordinator, opts ...RunnerOption) *Runner {
	r := &Runner{
		coord:  coord,
		logger: coord.logger,
		deferred: int64Counter(otel.Meter(meterName), "durable.saga.deferred",
			"Steps and compensations left for a later Resume because their key was held", "{step}"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts a saga over steps and drives it to a terminal status.
//
// The returned error is nil only when the saga completed. A business
// failure that was fully compensated returns a KindPermanent fault; one with
// failed compensations returns KindCompensationFailure listing every error.
func (r *Runner) Run(ctx context.Context, name string, steps []Step, initial map[string]json.RawMessage, opts ...StartOption) (Snapshot, error) {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name()
	}
	id, err := r.coord.Start(ctx, name, names, initial, opts...)
	if err != nil {
		return Snapshot{}, err
	}
	return r.Resume(ctx, id, steps)
}

// Resume drives an existing saga from wherever it stopped. Steps must be
// the same set the saga was started with.
func (r *Runner) Resume(ctx context.Context, id string, steps []Step) (Snapshot, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.run")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", id))

	byName := make(map[string]Step, len(steps))
	for _, s := range steps {
		byName[s.Name()] = s
	}

	for {
		snap, err := r.coord.Get(ctx, id)
		if err != nil {
			span.RecordError(err)
			return Snapshot{}, err
		}
		if snap.Status().Terminal() {
			span.SetAttributes(attribute.String("saga.status", string(snap.Status())))
			err := outcomeErr(snap)
			if err != nil {
				span.SetStatus(codes.Error, string(snap.Status()))
			}
			return snap, err
		}

		if snap.Status() == StatusCompensating {
			if err := r.compensateNext(ctx, snap, byName); err != nil {
				span.RecordError(err)
				return snap, err
			}
			continue
		}

		name, ok := snap.NextStep()
		if !ok {
			return snap, fault.New(fault.KindInvalidTransition, "saga.run",
				fmt.Sprintf("saga %s has no runnable step in status %s", id, snap.Status()))
		}
		step, ok := byName[name]
		if !ok {
			return snap, fault.NotFound("saga.run", "step implementation", name)
		}
		if err := r.runStep(ctx, snap, step); err != nil {
			span.RecordError(err)
			return snap, err
		}
	}
}

// runStep executes one forward step. Only coordinator errors are returned;
// a step's own failure is recorded as its outcome.
func (r *Runner) runStep(ctx context.Context, snap Snapshot, step Step) error {
	name := step.Name()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.step")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", snap.ID()), attribute.String("saga.step", name))

	if stepStatus(snap, name) == StepPending {
		if _, err := r.coord.Advance(ctx, snap.ID(), name, Outcome{Status: StepInProgress}); err != nil {
			return err
		}
	}

	result, ran, err := r.once(ctx, fmt.Sprintf("saga/%s/%s", snap.ID(), name), "saga.step."+name,
		func(ctx context.Context) (json.RawMessage, error) {
			return step.Execute(ctx, snap.Context())
		})
	if err != nil && !ran {
		// The key is still held or the registry is unreachable. The step may
		// have run elsewhere, so the saga stays in_progress for a later Resume.
		span.RecordError(err)
		r.deferred.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", snap.Name())))
		r.logger.WarnContext(ctx, "saga step deferred", "saga_id", snap.ID(), "step", name, "error", err)
		return err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		r.logger.WarnContext(ctx, "saga step failed", "saga_id", snap.ID(), "step", name, "error", err)
		_, aerr := r.coord.Advance(ctx, snap.ID(), name, Outcome{Status: StepFailed, Error: err.Error()})
		return aerr
	}

	r.logger.DebugContext(ctx, "saga step completed", "saga_id", snap.ID(), "step", name)
	_, err = r.coord.Advance(ctx, snap.ID(), name, Outcome{Status: StepCompleted, Result: result})
	return err
}

func (r *Runner) compensateNext(ctx context.Context, snap Snapshot, byName map[string]Step) error {
	plan := snap.PendingCompensations()
	if len(plan) == 0 {
		return fault.New(fault.KindInvalidTransition, "saga.compensate",
			fmt.Sprintf("saga %s is compensating with an empty plan", snap.ID()))
	}
	name := plan[0]

	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.compensate")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", snap.ID()), attribute.String("saga.step", name))

	var cerr error
	if step, ok := byName[name]; ok {
		var ran bool
		_, ran, cerr = r.once(ctx, fmt.Sprintf("saga/%s/%s/compensate", snap.ID(), name), "saga.compensate."+name,
			func(ctx context.Context) (json.RawMessage, error) {
				return nil, step.Compensate(ctx, snap.Context())
			})
		if cerr != nil && !ran {
			span.RecordError(cerr)
			r.deferred.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", snap.Name())))
			r.logger.WarnContext(ctx, "saga compensation deferred", "saga_id", snap.ID(), "step", name, "error", cerr)
			return cerr
		}
	} else {
		cerr = fmt.Errorf("no step implementation for %q", name)
	}

	if cerr != nil {
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "compensation failed")
		r.logger.ErrorContext(ctx, "saga compensation failed", "saga_id", snap.ID(), "step", name, "error", cerr)
		_, err := r.coord.CompensationOutcome(ctx, snap.ID(), name, false, cerr.Error())
		return err
	}
	_, err := r.coord.CompensationOutcome(ctx, snap.ID(), name, true, "")
	return err
}

// once runs fn directly, or through the idempotency registry when one is
// configured. ran is false when the registry refused or failed before fn
// was called, and also when a cached result was reused.
func (r *Runner) once(ctx context.Context, key, operation string, fn func(context.Context) (json.RawMessage, error)) (result json.RawMessage, ran bool, err error) {
	if r.registry == nil {
		result, err = fn(ctx)
		return result, true, err
	}
	result, replayed, err := r.registry.Execute(ctx, key, operation, "",
		func(ctx context.Context) (json.RawMessage, error) {
			ran = true
			return fn(ctx)
		})
	if replayed {
		r.logger.InfoContext(ctx, "saga action already executed, reusing result", "key", key)
	}
	return result, ran, err
}

func stepStatus(snap Snapshot, name string) StepStatus {
	for _, s := range snap.Steps() {
		if s.Name == name {
			return s.Status
		}
	}
	return ""
}

func outcomeErr(snap Snapshot) error {
	switch snap.Status() {
	case StatusCompleted:
		return nil
	case StatusPartiallyCompensated:
		return &fault.Error{
			Kind:    fault.KindCompensationFailure,
			Op:      "saga.run",
			Message: strings.Join(snap.CompensationErrors(), "; "),
			Details: map[string]string{"saga_id": snap.ID()},
			Err:     errors.New(snap.Error()),
		}
	default:
		return &fault.Error{
			Kind:    fault.KindPermanent,
			Op:      "saga.run",
			Message: snap.Error(),
			Details: map[string]string{"saga_id": snap.ID(), "status": string(snap.Status())},
		}
	}
}
