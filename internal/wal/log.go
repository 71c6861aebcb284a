package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/ids"
	"github.com/roach88/durable/internal/payload"
)

// Log is the write-ahead log service.
//
// Thread-safety: Log holds no mutable state of its own; all coordination
// happens through conditional writes in the Store.
type Log struct {
	store      Store
	clock      clock.Clock
	ids        ids.Generator
	logger     *slog.Logger
	maxRetries int
	lease      time.Duration
	metrics    logMetrics
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithIDGenerator overrides entry ID generation.
func WithIDGenerator(g ids.Generator) Option {
	return func(l *Log) { l.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithDefaultMaxRetries sets max_retries for entries appended without an
// explicit WithMaxRetries.
func WithDefaultMaxRetries(n int) Option {
	return func(l *Log) { l.maxRetries = n }
}

// WithLease sets how long a claim stays exclusive.
func WithLease(d time.Duration) Option {
	return func(l *Log) { l.lease = d }
}

// New creates a Log over store.
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:      store,
		clock:      clock.System{},
		ids:        ids.UUIDv7Generator{},
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		lease:      DefaultLease,
		metrics:    newLogMetrics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendOption configures a single Append.
type AppendOption func(*Entry)

// WithIdempotencyKey records the client idempotency key on the entry.
func WithIdempotencyKey(key string) AppendOption {
	return func(e *Entry) { e.IdempotencyKey = key }
}

// WithCorrelationID links the entry to related records in other stores.
func WithCorrelationID(id string) AppendOption {
	return func(e *Entry) { e.CorrelationID = id }
}

// WithMaxRetries overrides the retry bound for this entry.
func WithMaxRetries(n int) AppendOption {
	return func(e *Entry) { e.MaxRetries = n }
}

// Append durably records a pending intent and returns its ID.
// The entry is persisted before Append returns; callers must not start
// side-effecting work until it does.
func (l *Log) Append(ctx context.Context, p payload.Payload, opts ...AppendOption) (string, error) {
	const op = "wal.append"

	if strings.TrimSpace(p.Kind) == "" {
		return "", fault.New(fault.KindInvalid, op, "operation type is required")
	}

	now := l.clock.Now()
	e := Entry{
		ID:            l.ids.Generate(),
		OperationType: p.Kind,
		Payload:       p,
		Status:        StatusPending,
		MaxRetries:    l.maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.MaxRetries < 0 {
		return "", fault.New(fault.KindInvalid, op, "max_retries must not be negative")
	}
	if len(e.Payload.Data) == 0 {
		e.Payload.Data = json.RawMessage("{}")
	}

	if err := l.store.InsertEntry(ctx, e); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	l.metrics.appended.Add(ctx, 1, metric.WithAttributes(attribute.String("operation_type", e.OperationType)))

	l.logger.InfoContext(ctx, "wal entry appended",
		"wal_id", e.ID,
		"operation_type", e.OperationType,
		"idempotency_key", e.IdempotencyKey,
		"correlation_id", e.CorrelationID,
	)
	return e.ID, nil
}

// Claim atomically moves a pending entry to in_progress and starts its lease.
// It returns false when the entry is no longer pending, which means another
// worker won the race (or the entry already finished).
func (l *Log) Claim(ctx context.Context, id string) (bool, error) {
	now := l.clock.Now()
	lease := now.Add(l.lease)

	ok, err := l.store.TransitionEntry(ctx, Transition{
		ID:         id,
		From:       StatusPending,
		To:         StatusInProgress,
		Now:        now,
		LeaseUntil: &lease,
	})
	if err != nil {
		return false, fmt.Errorf("wal.claim: %w", err)
	}
	if !ok {
		if _, err := l.store.GetEntry(ctx, id); err != nil {
			return false, fmt.Errorf("wal.claim: %w", err)
		}
		l.logger.DebugContext(ctx, "wal claim lost", "wal_id", id)
		return false, nil
	}
	l.metrics.transition(ctx, StatusInProgress)

	l.logger.DebugContext(ctx, "wal entry claimed", "wal_id", id, "lease_until", lease)
	return true, nil
}

// Reclaim takes over an in_progress entry whose lease has expired, counting
// the takeover as a retry. It returns false while the lease is live or once
// retry_count reached max_retries.
func (l *Log) Reclaim(ctx context.Context, id string) (bool, error) {
	now := l.clock.Now()
	lease := now.Add(l.lease)

	ok, err := l.store.TransitionEntry(ctx, Transition{
		ID:                  id,
		From:                StatusInProgress,
		To:                  StatusInProgress,
		Now:                 now,
		LeaseUntil:          &lease,
		RequireLeaseExpired: true,
		IncrementRetry:      true,
	})
	if err != nil {
		return false, fmt.Errorf("wal.reclaim: %w", err)
	}
	if ok {
		l.metrics.transition(ctx, StatusInProgress)
		l.logger.WarnContext(ctx, "wal entry reclaimed after lease expiry", "wal_id", id)
	}
	return ok, nil
}

// Heartbeat extends the lease of an in_progress entry whose lease is still live.
func (l *Log) Heartbeat(ctx context.Context, id string) error {
	const op = "wal.heartbeat"

	now := l.clock.Now()
	lease := now.Add(l.lease)

	ok, err := l.store.TransitionEntry(ctx, Transition{
		ID:               id,
		From:             StatusInProgress,
		To:               StatusInProgress,
		Now:              now,
		LeaseUntil:       &lease,
		RequireLeaseLive: true,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return l.explainRejected(ctx, op, id, StatusInProgress)
	}
	return nil
}

// Complete records a successful outcome. Repeating it on a terminal entry
// returns a fault.KindAlreadyTerminal error and leaves the entry unchanged.
func (l *Log) Complete(ctx context.Context, id string, result json.RawMessage) error {
	const op = "wal.complete"

	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	ok, err := l.store.TransitionEntry(ctx, Transition{
		ID:       id,
		From:     StatusInProgress,
		To:       StatusCompleted,
		Now:      l.clock.Now(),
		Complete: true,
		Result:   result,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return l.explainRejected(ctx, op, id, StatusInProgress)
	}

	l.metrics.transition(ctx, StatusCompleted)
	l.logger.InfoContext(ctx, "wal entry completed", "wal_id", id)
	return nil
}

// Fail records a permanent failure and counts the attempt in retry_count.
// Repeating it on a terminal entry returns a fault.KindAlreadyTerminal error
// and leaves the entry unchanged.
func (l *Log) Fail(ctx context.Context, id string, errMsg string) error {
	const op = "wal.fail"

	if errMsg == "" {
		errMsg = "unspecified failure"
	}
	ok, err := l.store.TransitionEntry(ctx, Transition{
		ID:           id,
		From:         StatusInProgress,
		To:           StatusFailed,
		Now:          l.clock.Now(),
		Complete:     true,
		Error:        errMsg,
		CountAttempt: true,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return l.explainRejected(ctx, op, id, StatusInProgress)
	}

	l.metrics.transition(ctx, StatusFailed)
	l.logger.WarnContext(ctx, "wal entry failed", "wal_id", id, "error", errMsg)
	return nil
}

// Compensate records that a rollback action was applied to a failed entry.
func (l *Log) Compensate(ctx context.Context, id string) error {
	const op = "wal.compensate"

	ok, err := l.store.TransitionEntry(ctx, Transition{
		ID:   id,
		From: StatusFailed,
		To:   StatusCompensated,
		Now:  l.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return l.explainRejected(ctx, op, id, StatusFailed)
	}

	l.metrics.transition(ctx, StatusCompensated)
	l.logger.InfoContext(ctx, "wal entry compensated", "wal_id", id)
	return nil
}

// Get returns a single entry.
func (l *Log) Get(ctx context.Context, id string) (Entry, error) {
	e, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("wal.get: %w", err)
	}
	return e, nil
}

// ListReplayable returns pending or in_progress entries younger than maxAge
// that still have retries left, oldest first. The ordering bounds backlog
// growth; it is not a correctness guarantee.
func (l *Log) ListReplayable(ctx context.Context, maxAge time.Duration, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	cutoff := l.clock.Now().Add(-maxAge)
	entries, err := l.store.ListReplayable(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("wal.list_replayable: %w", err)
	}
	return entries, nil
}

// ListByCorrelation returns every entry carrying correlationID.
func (l *Log) ListByCorrelation(ctx context.Context, correlationID string) ([]Entry, error) {
	entries, err := l.store.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("wal.list_by_correlation: %w", err)
	}
	return entries, nil
}

// Sweep deletes completed and compensated entries older than retention.
// Failed entries are kept so an operator can still compensate them.
func (l *Log) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.clock.Now().Add(-retention)
	n, err := l.store.DeleteEntries(ctx, []Status{StatusCompleted, StatusCompensated}, cutoff)
	if err != nil {
		return 0, fmt.Errorf("wal.sweep: %w", err)
	}
	if n > 0 {
		l.logger.InfoContext(ctx, "wal entries swept", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// ExhaustedError is recorded on entries failed by FailExhausted.
const ExhaustedError = "retries exhausted while in progress"

// FailExhausted fails in_progress entries whose lease expired after their
// last allowed retry. Such entries are no longer replayable; failing them
// hands them to an operator for compensation.
func (l *Log) FailExhausted(ctx context.Context) (int64, error) {
	n, err := l.store.FailExhausted(ctx, l.clock.Now(), ExhaustedError)
	if err != nil {
		return 0, fmt.Errorf("wal.fail_exhausted: %w", err)
	}
	if n > 0 {
		l.metrics.exhausted.Add(ctx, n)
		l.logger.WarnContext(ctx, "wal entries failed after exhausting retries", "count", n)
	}
	return n, nil
}

// explainRejected turns a failed conditional write into a specific error by
// reading the entry's current state.
func (l *Log) explainRejected(ctx context.Context, op, id string, want Status) error {
	e, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	fe := &fault.Error{
		Op:      op,
		Details: map[string]string{"id": id, "status": string(e.Status)},
	}
	switch {
	case e.Status.Terminal() && want != StatusFailed:
		fe.Kind = fault.KindAlreadyTerminal
		fe.Message = fmt.Sprintf("entry %s is already %s", id, e.Status)
	case e.Status == StatusCompensated:
		fe.Kind = fault.KindAlreadyTerminal
		fe.Message = fmt.Sprintf("entry %s is already compensated", id)
	case e.Status == StatusInProgress && want == StatusInProgress:
		fe.Kind = fault.KindConflict
		fe.Reason = fault.ReasonClaimLost
		fe.Message = fmt.Sprintf("lease on entry %s has expired", id)
	default:
		fe.Kind = fault.KindInvalidTransition
		fe.Message = fmt.Sprintf("entry %s is %s, expected %s", id, e.Status, want)
	}
	return fe
}
