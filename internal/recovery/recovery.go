// Package recovery brings a node back to a consistent state after a restart
// and keeps it there with periodic maintenance passes.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/idempotency"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/wal"
)

const tracerName = "github.com/roach88/durable/internal/recovery"

// Task names used as keys in Report.Errors.
const (
	TaskReplay       = "wal_replay"
	TaskWALSweep     = "wal_sweep"
	TaskWALExhausted = "wal_exhausted"
	TaskKeySweep     = "idempotency_sweep"
	TaskSagaScan     = "saga_scan"
	defaultSagaLimit = 100
)

// Report is the outcome of one recovery pass. A failing task is recorded in
// Errors and does not stop the others.
type Report struct {
	StartedAt       time.Time         `json:"started_at"`
	Duration        time.Duration     `json:"duration"`
	Replay          wal.ReplayStats   `json:"replay"`
	WALSwept        int64             `json:"wal_swept"`
	WALExhausted    int64             `json:"wal_exhausted"`
	KeysSwept       int64             `json:"keys_swept"`
	UnfinishedSagas []saga.Summary    `json:"unfinished_sagas"`
	Errors          map[string]string `json:"errors,omitempty"`
}

// OK reports whether every task succeeded.
func (r Report) OK() bool {
	return len(r.Errors) == 0
}

// Recoverer runs replay and retention sweeps. Any dependency left nil skips
// the tasks that need it.
type Recoverer struct {
	replayer  *wal.Replayer
	log       *wal.Log
	registry  *idempotency.Registry
	sagas     *saga.Coordinator
	clock     clock.Clock
	logger    *slog.Logger
	retention time.Duration
	sagaLimit int
}

// Option configures a Recoverer.
type Option func(*Recoverer)

// WithReplayer enables WAL replay.
func WithReplayer(r *wal.Replayer) Option {
	return func(rc *Recoverer) { rc.replayer = r }
}

// WithWALSweep enables deletion of finished entries older than retention,
// and failing in_progress entries that ran out of retries. A zero retention
// disables the deletion only.
func WithWALSweep(log *wal.Log, retention time.Duration) Option {
	return func(rc *Recoverer) {
		rc.log = log
		rc.retention = retention
	}
}

// WithRegistry enables the expired idempotency key sweep.
func WithRegistry(r *idempotency.Registry) Option {
	return func(rc *Recoverer) { rc.registry = r }
}

// WithSagas enables the unfinished saga report, listing at most limit sagas.
func WithSagas(c *saga.Coordinator, limit int) Option {
	return func(rc *Recoverer) {
		rc.sagas = c
		if limit > 0 {
			rc.sagaLimit = limit
		}
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(rc *Recoverer) { rc.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rc *Recoverer) { rc.logger = logger }
}

// New creates a Recoverer.
func New(opts ...Option) *Recoverer {
	rc := &Recoverer{
		clock:     clock.System{},
		logger:    slog.Default(),
		sagaLimit: defaultSagaLimit,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// RunOnce performs one recovery pass. Replay and both sweeps run
// concurrently; the saga scan runs after them so it sees replay's effects.
// The returned error is non-nil only when ctx is cancelled.
func (rc *Recoverer) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "recovery.run")
	defer span.End()

	start := rc.clock.Now()
	report := Report{StartedAt: start, UnfinishedSagas: []saga.Summary{}}

	var mu sync.Mutex
	record := func(task string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if report.Errors == nil {
			report.Errors = make(map[string]string)
		}
		report.Errors[task] = err.Error()
		rc.logger.ErrorContext(ctx, "recovery task failed", "task", task, "error", err)
	}

	var g errgroup.Group
	if rc.replayer != nil {
		g.Go(func() error {
			stats, err := rc.replayer.Replay(ctx)
			if err != nil {
				record(TaskReplay, err)
			}
			mu.Lock()
			report.Replay = stats
			mu.Unlock()
			return nil
		})
	}
	if rc.log != nil {
		g.Go(func() error {
			n, err := rc.log.FailExhausted(ctx)
			if err != nil {
				record(TaskWALExhausted, err)
				return nil
			}
			mu.Lock()
			report.WALExhausted = n
			mu.Unlock()
			return nil
		})
	}
	if rc.log != nil && rc.retention > 0 {
		g.Go(func() error {
			n, err := rc.log.Sweep(ctx, rc.retention)
			if err != nil {
				record(TaskWALSweep, err)
				return nil
			}
			mu.Lock()
			report.WALSwept = n
			mu.Unlock()
			return nil
		})
	}
	if rc.registry != nil {
		g.Go(func() error {
			n, err := rc.registry.Sweep(ctx, rc.clock.Now())
			if err != nil {
				record(TaskKeySweep, err)
				return nil
			}
			mu.Lock()
			report.KeysSwept = n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	if rc.sagas != nil {
		summaries, err := rc.unfinishedSagas(ctx)
		if err != nil {
			record(TaskSagaScan, err)
		} else {
			report.UnfinishedSagas = summaries
		}
	}

	report.Duration = rc.clock.Now().Sub(start)
	span.SetAttributes(
		attribute.Int("recovery.replay.total", report.Replay.Total),
		attribute.Int64("recovery.wal_swept", report.WALSwept),
		attribute.Int64("recovery.wal_exhausted", report.WALExhausted),
		attribute.Int64("recovery.keys_swept", report.KeysSwept),
		attribute.Int("recovery.unfinished_sagas", len(report.UnfinishedSagas)),
		attribute.Bool("recovery.ok", report.OK()),
	)
	rc.logger.InfoContext(ctx, "recovery completed",
		"replayed", report.Replay.Succeeded,
		"replay_failed", report.Replay.Failed,
		"wal_swept", report.WALSwept,
		"wal_exhausted", report.WALExhausted,
		"keys_swept", report.KeysSwept,
		"unfinished_sagas", len(report.UnfinishedSagas),
		"errors", len(report.Errors),
	)
	return report, nil
}

func (rc *Recoverer) unfinishedSagas(ctx context.Context) ([]saga.Summary, error) {
	snaps, err := rc.sagas.ListUnfinished(ctx, rc.sagaLimit)
	if err != nil {
		return nil, err
	}
	out := make([]saga.Summary, 0, len(snaps))
	for _, s := range snaps {
		sum, err := rc.sagas.Summary(ctx, s.ID())
		if err != nil {
			return nil, err
		}
		if s.Status() == saga.StatusCompensating {
			rc.logger.WarnContext(ctx, "saga awaiting compensation",
				"saga_id", s.ID(), "pending", s.PendingCompensations())
		}
		out = append(out, sum)
	}
	return out, nil
}

// Loop runs a pass immediately and then every interval until ctx is done.
func (rc *Recoverer) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := rc.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
