package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/fault"
)

// State is the outcome of Check.
type State string

const (
	StateNotFound   State = "not_found"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateConflict   State = "conflict"
)

// CheckResult describes what a repeat request should do.
type CheckResult struct {
	State State

	// Result is the cached result for StateCompleted, returned verbatim.
	Result json.RawMessage

	// Error is the recorded failure for StateFailed.
	Error string

	// Retryable is true for StateFailed: a failed key never blocks a retry.
	Retryable bool
}

// Decision is the contract exposed to request-handling collaborators.
type Decision string

const (
	DecisionProceed               Decision = "proceed"
	DecisionReturnCached          Decision = "return_cached_result"
	DecisionRejectDuplicate       Decision = "reject_duplicate"
	DecisionRejectConflictingBody Decision = "reject_conflicting_body"
)

// Cache is an optional read-through cache for completed records.
// It is never authoritative: Begin and the terminal transitions always go
// through the Store.
type Cache interface {
	GetCompleted(ctx context.Context, key string) (Record, bool, error)
	PutCompleted(ctx context.Context, rec Record, ttl time.Duration) error
}

// Registry is the idempotency-key registry.
type Registry struct {
	store  Store
	cache  Cache
	clock  clock.Clock
	logger *slog.Logger

	ttl       time.Duration
	lockTTL   time.Duration
	failedTTL time.Duration

	metrics registryMetrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithCache puts a read-through cache in front of the store.
func WithCache(c Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithDefaultTTL sets how long a completed record lives when Begin is
// given no TTL. Zero disables expiry.
func WithDefaultTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithLockTTL sets how long an in_progress reservation holds its key.
// Zero holds it until the record is finished.
func WithLockTTL(d time.Duration) Option {
	return func(r *Registry) { r.lockTTL = d }
}

// WithFailedTTL sets how long a failed record is kept. Zero keeps it.
func WithFailedTTL(d time.Duration) Option {
	return func(r *Registry) { r.failedTTL = d }
}

// New creates a Registry over store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		clock:  clock.System{},
		logger: slog.Default(),

		ttl:       DefaultTTL,
		lockTTL:   DefaultLockTTL,
		failedTTL: DefaultFailedTTL,

		metrics: newRegistryMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Check reports the state of key for a request with requestHash.
// An empty requestHash skips body verification.
func (r *Registry) Check(ctx context.Context, key, requestHash string) (CheckResult, error) {
	const op = "idempotency.check"

	if r.cache != nil {
		rec, ok, err := r.cache.GetCompleted(ctx, key)
		if err != nil {
			r.logger.WarnContext(ctx, "idempotency cache lookup failed", "key", key, "error", err)
		} else if ok && !rec.Expired(r.clock.Now()) {
			res := classify(rec, requestHash)
			if res.State == StateCompleted {
				r.metrics.hit(ctx, "cache")
			}
			return res, nil
		}
	}

	rec, err := r.store.GetRecord(ctx, key)
	if err != nil {
		if fault.IsNotFound(err) {
			r.metrics.misses.Add(ctx, 1)
			return CheckResult{State: StateNotFound}, nil
		}
		return CheckResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if rec.Expired(r.clock.Now()) {
		r.metrics.misses.Add(ctx, 1)
		return CheckResult{State: StateNotFound}, nil
	}

	res := classify(rec, requestHash)
	if res.State == StateCompleted {
		r.metrics.hit(ctx, "store")
		r.fillCache(ctx, rec)
	}
	return res, nil
}

func classify(rec Record, requestHash string) CheckResult {
	if hashMismatch(rec.RequestHash, requestHash) {
		return CheckResult{State: StateConflict}
	}
	switch rec.Status {
	case StatusCompleted:
		return CheckResult{State: StateCompleted, Result: rec.Result}
	case StatusFailed:
		return CheckResult{State: StateFailed, Error: rec.Error, Retryable: true}
	default:
		return CheckResult{State: StateInProgress}
	}
}

func hashMismatch(stored, given string) bool {
	return stored != "" && given != "" && stored != given
}

// BeginOption configures a single Begin.
type BeginOption func(*beginOptions)

type beginOptions struct {
	ttl    time.Duration
	ttlSet bool
}

// WithTTL sets how long this record lives once completed; zero means it
// never expires.
func WithTTL(d time.Duration) BeginOption {
	return func(o *beginOptions) {
		o.ttl = d
		o.ttlSet = true
	}
}

// Begin reserves key as in_progress for the lock TTL. It fails with a
// Conflict when a live record that is not failed already holds the key.
// Failed and expired records, including reservations whose lock lapsed,
// are replaced atomically.
func (r *Registry) Begin(ctx context.Context, key, operation, requestHash string, opts ...BeginOption) error {
	const op = "idempotency.begin"

	if strings.TrimSpace(key) == "" {
		return fault.New(fault.KindInvalid, op, "idempotency key is required")
	}

	o := beginOptions{ttl: r.ttl}
	for _, opt := range opts {
		opt(&o)
	}

	now := r.clock.Now()
	rec := Record{
		Key:         key,
		Operation:   operation,
		Status:      StatusInProgress,
		RequestHash: requestHash,
		CreatedAt:   now,
		Retention:   o.ttl,
	}
	if r.lockTTL > 0 {
		exp := now.Add(r.lockTTL)
		rec.ExpiresAt = &exp
	}

	inserted, err := r.store.InsertRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if inserted {
		r.metrics.inProgress.Add(ctx, 1)
		r.logger.DebugContext(ctx, "idempotency key reserved", "key", key, "operation", operation)
		return nil
	}

	replaced, err := r.store.ReplaceRecord(ctx, rec, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if replaced {
		r.metrics.inProgress.Add(ctx, 1)
		r.logger.InfoContext(ctx, "idempotency key re-reserved after failure or expiry",
			"key", key, "operation", operation)
		return nil
	}

	existing, err := r.store.GetRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if hashMismatch(existing.RequestHash, requestHash) {
		r.metrics.duplicate(ctx, string(fault.ReasonRequestMismatch))
		return fault.Conflict(fault.ReasonRequestMismatch, op,
			fmt.Sprintf("key %q was used with a different request body", key))
	}
	r.metrics.duplicate(ctx, string(fault.ReasonKeyConflict))
	return fault.Conflict(fault.ReasonKeyConflict, op,
		fmt.Sprintf("key %q is held by a %s record", key, existing.Status)).With("status", string(existing.Status))
}

// Complete stores the terminal result for key and starts its retention.
// The result is immutable from then on; a second Complete or Fail returns
// fault.KindAlreadyTerminal.
func (r *Registry) Complete(ctx context.Context, key string, result json.RawMessage) error {
	const op = "idempotency.complete"

	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	ok, err := r.store.FinishRecord(ctx, key, Finish{
		Status: StatusCompleted,
		Result: result,
		At:     r.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return r.explainFinished(ctx, op, key)
	}
	r.metrics.inProgress.Add(ctx, -1)

	if rec, err := r.store.GetRecord(ctx, key); err == nil {
		r.fillCache(ctx, rec)
	}
	r.logger.DebugContext(ctx, "idempotency key completed", "key", key)
	return nil
}

// Fail records a failed attempt; the key may be reserved again by Begin.
func (r *Registry) Fail(ctx context.Context, key string, errMsg string) error {
	const op = "idempotency.fail"

	f := Finish{Status: StatusFailed, Error: errMsg, At: r.clock.Now()}
	if r.failedTTL > 0 {
		exp := f.At.Add(r.failedTTL)
		f.ExpiresAt = &exp
	}
	ok, err := r.store.FinishRecord(ctx, key, f)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return r.explainFinished(ctx, op, key)
	}
	r.metrics.inProgress.Add(ctx, -1)
	r.logger.DebugContext(ctx, "idempotency key failed", "key", key, "error", errMsg)
	return nil
}

func (r *Registry) explainFinished(ctx context.Context, op, key string) error {
	rec, err := r.store.GetRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &fault.Error{
		Kind:    fault.KindAlreadyTerminal,
		Op:      op,
		Message: fmt.Sprintf("key %q is already %s", key, rec.Status),
		Details: map[string]string{"key": key, "status": string(rec.Status)},
	}
}

// Sweep deletes records whose expiry passed at now.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.store.DeleteExpiredRecords(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("idempotency.sweep: %w", err)
	}
	if n > 0 {
		r.metrics.swept.Add(ctx, n)
		r.logger.InfoContext(ctx, "idempotency records swept", "count", n)
	}
	return n, nil
}

// Decide maps Check onto the four request-handling outcomes.
func (r *Registry) Decide(ctx context.Context, key, requestHash string) (Decision, CheckResult, error) {
	res, err := r.Check(ctx, key, requestHash)
	if err != nil {
		return "", CheckResult{}, err
	}
	switch res.State {
	case StateCompleted:
		return DecisionReturnCached, res, nil
	case StateInProgress:
		return DecisionRejectDuplicate, res, nil
	case StateConflict:
		return DecisionRejectConflictingBody, res, nil
	default:
		return DecisionProceed, res, nil
	}
}

// Execute runs fn at most once per key. A completed key returns its cached
// result with replayed=true and fn is not called. An in-flight duplicate or
// a mismatched body returns a Conflict immediately.
func (r *Registry) Execute(
	ctx context.Context,
	key, operation, requestHash string,
	fn func(ctx context.Context) (json.RawMessage, error),
	opts ...BeginOption,
) (result json.RawMessage, replayed bool, err error) {
	const op = "idempotency.execute"

	decision, res, err := r.Decide(ctx, key, requestHash)
	if err != nil {
		return nil, false, err
	}
	switch decision {
	case DecisionReturnCached:
		r.logger.InfoContext(ctx, "returning cached idempotent result", "key", key, "operation", operation)
		return res.Result, true, nil
	case DecisionRejectDuplicate:
		r.metrics.duplicate(ctx, string(fault.ReasonKeyConflict))
		return nil, false, fault.Conflict(fault.ReasonKeyConflict, op,
			fmt.Sprintf("operation already in progress for key %q", key))
	case DecisionRejectConflictingBody:
		r.metrics.duplicate(ctx, string(fault.ReasonRequestMismatch))
		return nil, false, fault.Conflict(fault.ReasonRequestMismatch, op,
			fmt.Sprintf("request body does not match original request for key %q", key))
	}

	if err := r.Begin(ctx, key, operation, requestHash, opts...); err != nil {
		return nil, false, err
	}

	result, runErr := fn(ctx)
	if runErr != nil {
		if err := r.Fail(ctx, key, runErr.Error()); err != nil {
			r.logger.ErrorContext(ctx, "failed to record idempotency failure", "key", key, "error", err)
		}
		return nil, false, runErr
	}
	if err := r.Complete(ctx, key, result); err != nil {
		return nil, false, err
	}
	return result, false, nil
}

func (r *Registry) fillCache(ctx context.Context, rec Record) {
	if r.cache == nil || rec.Status != StatusCompleted {
		return
	}
	ttl := r.ttl
	if rec.ExpiresAt != nil {
		ttl = rec.ExpiresAt.Sub(r.clock.Now())
		if ttl <= 0 {
			return
		}
	}
	if err := r.cache.PutCompleted(ctx, rec, ttl); err != nil {
		r.logger.WarnContext(ctx, "idempotency cache store failed", "key", rec.Key, "error", err)
	}
}
