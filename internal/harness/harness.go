package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/idempotency"
	"github.com/roach88/durable/internal/ids"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/store"
)

// Epoch is the fixed start time of every scenario clock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// stepTick is how far the clock moves on each step call.
const stepTick = time.Second

// Run executes a scenario in a fresh in-memory store and evaluates its
// expect clause and assertions.
//
// A saga that ends compensated is a normal outcome, not an error. The
// returned error covers setup and storage failures only.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFixed(Epoch)

	coord := saga.New(st,
		saga.WithClock(clk),
		saga.WithIDGenerator(ids.NewSequence("saga")),
		saga.WithLogger(logger),
	)
	runnerOpts := []saga.RunnerOption{saga.WithRunnerLogger(logger)}
	if scenario.Idempotent {
		reg := idempotency.New(st, idempotency.WithClock(clk), idempotency.WithLogger(logger))
		runnerOpts = append(runnerOpts, saga.WithIdempotency(reg))
	}

	initial, err := encodeContext(scenario.Context)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	steps := make([]saga.Step, len(scenario.Steps))
	for i, spec := range scenario.Steps {
		steps[i] = scriptedStep(spec, clk, result)
	}

	var startOpts []saga.StartOption
	if scenario.CorrelationID != "" {
		startOpts = append(startOpts, saga.WithCorrelationID(scenario.CorrelationID))
	}

	snap, runErr := saga.NewRunner(coord, runnerOpts...).Run(ctx, scenario.Saga, steps, initial, startOpts...)
	if snap.ID() == "" || !snap.Status().Terminal() {
		if runErr == nil {
			runErr = errors.New("saga did not reach a terminal status")
		}
		return nil, fmt.Errorf("failed to run saga: %w", runErr)
	}
	if runErr != nil {
		result.ErrorKind = string(fault.KindOf(runErr))
	}

	if err := result.capture(snap); err != nil {
		return nil, err
	}

	if exp := scenario.Expect; exp != nil {
		if exp.Status != result.Status {
			result.AddError(fmt.Sprintf("expected status %s, got %s", exp.Status, result.Status))
		}
		if exp.ErrorKind != result.ErrorKind {
			result.AddError(fmt.Sprintf("expected error kind %q, got %q", exp.ErrorKind, result.ErrorKind))
		}
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// scriptedStep builds a saga step that follows its StepSpec and records every call.
func scriptedStep(spec StepSpec, clk *clock.Fixed, result *Result) saga.Step {
	return saga.StepFuncs{
		StepName: spec.Name,
		Do: func(ctx context.Context, sagaCtx map[string]json.RawMessage) (json.RawMessage, error) {
			clk.Advance(stepTick)
			if spec.Fail != "" {
				err := errors.New(spec.Fail)
				result.record(EventExecute, spec.Name, err)
				return nil, err
			}
			result.record(EventExecute, spec.Name, nil)
			if spec.Result == nil {
				return json.RawMessage(`{}`), nil
			}
			return json.Marshal(spec.Result)
		},
		Undo: func(ctx context.Context, sagaCtx map[string]json.RawMessage) error {
			clk.Advance(stepTick)
			var err error
			if spec.CompensateFail != "" {
				err = errors.New(spec.CompensateFail)
			}
			result.record(EventCompensate, spec.Name, err)
			return err
		},
	}
}

func encodeContext(values map[string]any) (map[string]json.RawMessage, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("context %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// capture copies the terminal saga into the result.
func (r *Result) capture(snap saga.Snapshot) error {
	r.SagaID = snap.ID()
	r.Status = string(snap.Status())
	r.CompensationErrors = snap.CompensationErrors()
	for _, st := range snap.Steps() {
		r.Steps = append(r.Steps, StepState{Name: st.Name, Status: string(st.Status)})
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode saga state: %w", err)
	}
	if err := json.Unmarshal(raw, &r.State); err != nil {
		return fmt.Errorf("failed to decode saga state: %w", err)
	}
	return nil
}
