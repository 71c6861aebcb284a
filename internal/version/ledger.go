// Package version tracks per-entity monotonic versions for optimistic
// concurrency.
//
// An entity is mutated only through UpdateIfVersion, a single conditional
// write that checks the caller's expected version and increments it by
// exactly one. The ledger never retries: on VersionMismatch the caller
// re-reads and decides.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/payload"
)

// Entity is a business record carrying an integer version.
type Entity struct {
	ID        string
	Kind      string
	State     json.RawMessage
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists versioned entities.
type Store interface {
	// InsertEntity stores e; false when the ID is taken.
	InsertEntity(ctx context.Context, e Entity) (bool, error)

	// GetEntity returns the entity or a fault.NotFound error.
	GetEntity(ctx context.Context, id string) (Entity, error)

	// CompareAndSwapEntity writes state and sets version = expected+1 only
	// if the stored version equals expected, in one statement.
	CompareAndSwapEntity(ctx context.Context, id string, expected int64, state json.RawMessage, now time.Time) (bool, error)

	// DeleteEntityIfVersion deletes the entity only at the expected version.
	DeleteEntityIfVersion(ctx context.Context, id string, expected int64) (bool, error)
}

// Mutation computes the new state from the current one.
type Mutation func(current json.RawMessage) (json.RawMessage, error)

// OutcomeKind classifies an UpdateIfVersion result.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeVersionMismatch OutcomeKind = "version_mismatch"
	OutcomeNotFound        OutcomeKind = "not_found"
)

// Outcome is the result of a conditional update.
type Outcome struct {
	Kind OutcomeKind

	// NewVersion is set on success.
	NewVersion int64

	// ActualVersion is the stored version on mismatch.
	ActualVersion int64
}

// Err converts a non-success outcome into a fault error, for callers that
// prefer error flow.
func (o Outcome) Err(id string, expected int64) error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeNotFound:
		return fault.NotFound("version.update", "entity", id)
	default:
		return fault.Conflict(fault.ReasonVersionMismatch, "version.update",
			fmt.Sprintf("entity %s: expected version %d, found %d", id, expected, o.ActualVersion)).
			With("actual_version", strconv.FormatInt(o.ActualVersion, 10))
	}
}

// Ledger is the optimistic-concurrency service.
type Ledger struct {
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics ledgerMetrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, clock: clock.System{}, logger: slog.Default(), metrics: newLedgerMetrics()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create stores a new entity at version 1.
func (l *Ledger) Create(ctx context.Context, kind, id string, state json.RawMessage) (Entity, error) {
	const op = "version.create"

	if strings.TrimSpace(id) == "" {
		return Entity{}, fault.New(fault.KindInvalid, op, "entity id is required")
	}
	clean, err := normalizeState(state)
	if err != nil {
		return Entity{}, fault.Wrap(fault.KindInvalid, op, "state must be a JSON object", err)
	}

	now := l.clock.Now()
	e := Entity{ID: id, Kind: kind, State: clean, Version: 1, CreatedAt: now, UpdatedAt: now}
	ok, err := l.store.InsertEntity(ctx, e)
	if err != nil {
		return Entity{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return Entity{}, fault.Conflict(fault.ReasonAlreadyExists, op, fmt.Sprintf("entity %s already exists", id))
	}
	return e, nil
}

// Read returns the entity's state and version.
func (l *Ledger) Read(ctx context.Context, id string) (Entity, error) {
	e, err := l.store.GetEntity(ctx, id)
	if err != nil {
		return Entity{}, fmt.Errorf("version.read: %w", err)
	}
	return e, nil
}

// UpdateIfVersion applies mutate to the entity's state and writes it only if
// the stored version still equals expected. On success the version is
// expected+1 regardless of how many fields changed. A "version" field in the
// mutated state is dropped so it can never double-count.
//
// The returned error is reserved for infrastructure faults and invalid
// mutations; races are reported through Outcome.
func (l *Ledger) UpdateIfVersion(ctx context.Context, id string, expected int64, mutate Mutation) (Outcome, error) {
	out, lostRace, err := l.updateIfVersion(ctx, id, expected, mutate)
	if err == nil {
		l.metrics.outcome(ctx, "update", out, lostRace)
	}
	return out, err
}

func (l *Ledger) updateIfVersion(ctx context.Context, id string, expected int64, mutate Mutation) (Outcome, bool, error) {
	const op = "version.update"

	current, err := l.store.GetEntity(ctx, id)
	if err != nil {
		if fault.IsNotFound(err) {
			return Outcome{Kind: OutcomeNotFound}, false, nil
		}
		return Outcome{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if current.Version != expected {
		return Outcome{Kind: OutcomeVersionMismatch, ActualVersion: current.Version}, false, nil
	}

	next, err := mutate(current.State)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("%s: mutation: %w", op, err)
	}
	clean, err := normalizeState(next)
	if err != nil {
		return Outcome{}, false, fault.Wrap(fault.KindInvalid, op, "mutated state must be a JSON object", err)
	}

	ok, err := l.store.CompareAndSwapEntity(ctx, id, expected, clean, l.clock.Now())
	if err != nil {
		return Outcome{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if ok {
		l.logger.DebugContext(ctx, "versioned update applied", "entity_id", id, "new_version", expected+1)
		return Outcome{Kind: OutcomeSuccess, NewVersion: expected + 1}, false, nil
	}

	// Lost the race between our read and the conditional write.
	latest, err := l.store.GetEntity(ctx, id)
	if err != nil {
		if fault.IsNotFound(err) {
			return Outcome{Kind: OutcomeNotFound}, false, nil
		}
		return Outcome{}, false, fmt.Errorf("%s: %w", op, err)
	}
	l.logger.DebugContext(ctx, "versioned update conflict",
		"entity_id", id, "expected_version", expected, "actual_version", latest.Version)
	return Outcome{Kind: OutcomeVersionMismatch, ActualVersion: latest.Version}, true, nil
}

// DeleteIfVersion removes the entity only at the expected version.
func (l *Ledger) DeleteIfVersion(ctx context.Context, id string, expected int64) (Outcome, error) {
	out, err := l.deleteIfVersion(ctx, id, expected)
	if err == nil {
		l.metrics.outcome(ctx, "delete", out, false)
	}
	return out, err
}

func (l *Ledger) deleteIfVersion(ctx context.Context, id string, expected int64) (Outcome, error) {
	const op = "version.delete"

	ok, err := l.store.DeleteEntityIfVersion(ctx, id, expected)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if ok {
		return Outcome{Kind: OutcomeSuccess}, nil
	}
	latest, err := l.store.GetEntity(ctx, id)
	if err != nil {
		if fault.IsNotFound(err) {
			return Outcome{Kind: OutcomeNotFound}, nil
		}
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	return Outcome{Kind: OutcomeVersionMismatch, ActualVersion: latest.Version}, nil
}

// normalizeState requires a JSON object, removes any "version" key and
// returns canonical bytes.
func normalizeState(state json.RawMessage) (json.RawMessage, error) {
	if len(state) == 0 {
		return json.RawMessage("{}"), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(state, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("state is null")
	}
	delete(fields, "version")

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return payload.Canonicalize(raw)
}
