package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/payload"
)

const tracerName = "github.com/roach88/durable/internal/wal"

// Handler executes the operation recorded in an entry and returns its result.
//
// Returning a fault.KindTransient error leaves the entry in_progress; it
// becomes reclaimable once its lease expires. Any other error fails the entry.
type Handler func(ctx context.Context, e Entry) (json.RawMessage, error)

// ReplayStats summarizes one replay pass.
type ReplayStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
}

// Replayer re-executes replayable entries through registered handlers.
//
// Several Replayers may run against the same store; Claim and Reclaim make
// sure each entry is executed by at most one of them at a time.
type Replayer struct {
	log    *Log
	maxAge time.Duration
	limit  int

	metrics replayMetrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// DefaultReplayMaxAge and DefaultReplayLimit bound a replay pass.
const (
	DefaultReplayMaxAge = 24 * time.Hour
	DefaultReplayLimit  = 100
)

// NewReplayer creates a Replayer over log.
func NewReplayer(log *Log, maxAge time.Duration, limit int) *Replayer {
	if maxAge <= 0 {
		maxAge = DefaultReplayMaxAge
	}
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	return &Replayer{
		log:      log,
		maxAge:   maxAge,
		limit:    limit,
		metrics:  newReplayMetrics(),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to an operation type.
func (r *Replayer) Register(operationType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[operationType] = h
}

func (r *Replayer) handler(operationType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[operationType]
	return h, ok
}

// Replay runs one pass over the replayable backlog.
func (r *Replayer) Replay(ctx context.Context) (ReplayStats, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "wal.replay")
	defer span.End()

	var stats ReplayStats

	entries, err := r.log.ListReplayable(ctx, r.maxAge, r.limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list replayable")
		return stats, err
	}
	stats.Total = len(entries)
	r.log.logger.InfoContext(ctx, "wal replay started", "entries", len(entries))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		h, ok := r.handler(e.OperationType)
		if !ok {
			r.log.logger.WarnContext(ctx, "no handler for operation type",
				"wal_id", e.ID, "operation_type", e.OperationType)
			stats.Skipped++
			continue
		}

		acquired, err := r.acquire(ctx, e)
		if err != nil {
			return stats, err
		}
		if !acquired {
			stats.Skipped++
			continue
		}

		switch r.run(ctx, e, h) {
		case outcomeSucceeded:
			stats.Succeeded++
		case outcomeDeferred:
			stats.Deferred++
		default:
			stats.Failed++
		}
	}

	r.metrics.record(ctx, stats)
	span.SetAttributes(
		attribute.Int("wal.replay.total", stats.Total),
		attribute.Int("wal.replay.succeeded", stats.Succeeded),
		attribute.Int("wal.replay.failed", stats.Failed),
	)
	r.log.logger.InfoContext(ctx, "wal replay completed",
		"total", stats.Total,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"deferred", stats.Deferred,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

func (r *Replayer) acquire(ctx context.Context, e Entry) (bool, error) {
	if e.Status == StatusPending {
		return r.log.Claim(ctx, e.ID)
	}
	return r.log.Reclaim(ctx, e.ID)
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeDeferred
)

func (r *Replayer) run(ctx context.Context, e Entry, h Handler) outcome {
	result, err := h(ctx, e)
	if err != nil {
		if fault.IsTransient(err) {
			r.log.logger.WarnContext(ctx, "wal replay deferred",
				"wal_id", e.ID, "operation_type", e.OperationType, "error", err)
			return outcomeDeferred
		}
		if ferr := r.log.Fail(ctx, e.ID, err.Error()); ferr != nil {
			r.log.logger.ErrorContext(ctx, "failed to record wal failure", "wal_id", e.ID, "error", ferr)
		}
		return outcomeFailed
	}
	if cerr := r.log.Complete(ctx, e.ID, result); cerr != nil {
		r.log.logger.ErrorContext(ctx, "failed to record wal completion", "wal_id", e.ID, "error", cerr)
		return outcomeFailed
	}
	return outcomeSucceeded
}

// Execute appends an intent, claims it, runs h on the claimed entry and
// records the outcome. h's error is returned unchanged after the entry is
// marked failed.
func (l *Log) Execute(ctx context.Context, p payload.Payload, h Handler, opts ...AppendOption) (string, json.RawMessage, error) {
	start := time.Now()
	id, err := l.Append(ctx, p, opts...)
	if err != nil {
		return "", nil, err
	}

	ok, err := l.Claim(ctx, id)
	if err != nil {
		return id, nil, err
	}
	if !ok {
		return id, nil, fault.Conflict(fault.ReasonClaimLost, "wal.execute",
			fmt.Sprintf("entry %s was claimed by another worker", id))
	}

	e, err := l.Get(ctx, id)
	if err != nil {
		return id, nil, err
	}

	result, runErr := h(ctx, e)
	if runErr != nil {
		l.metrics.executed(ctx, p.Kind, "failed", start)
		if err := l.Fail(ctx, id, runErr.Error()); err != nil {
			return id, nil, fmt.Errorf("wal.execute: %v (recording failure: %w)", runErr, err)
		}
		return id, nil, runErr
	}

	if err := l.Complete(ctx, id, result); err != nil {
		return id, result, err
	}
	l.metrics.executed(ctx, p.Kind, "succeeded", start)
	return id, result, nil
}
