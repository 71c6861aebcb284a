package recovery_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/idempotency"
	"github.com/roach88/durable/internal/ids"
	"github.com/roach88/durable/internal/payload"
	"github.com/roach88/durable/internal/recovery"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/wal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clk      *clock.Fixed
	log      *wal.Log
	replayer *wal.Replayer
	registry *idempotency.Registry
	sagas    *saga.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := clock.NewFixed(t0)
	log := wal.New(s, wal.WithClock(clk), wal.WithIDGenerator(ids.NewSequence("wal")))
	return &fixture{
		clk:      clk,
		log:      log,
		replayer: wal.NewReplayer(log, 24*time.Hour, 10),
		registry: idempotency.New(s, idempotency.WithClock(clk), idempotency.WithDefaultTTL(time.Hour)),
		sagas:    saga.New(s, saga.WithClock(clk), saga.WithIDGenerator(ids.NewSequence("saga"))),
	}
}

func (f *fixture) recoverer(opts ...recovery.Option) *recovery.Recoverer {
	base := []recovery.Option{
		recovery.WithReplayer(f.replayer),
		recovery.WithWALSweep(f.log, 7*24*time.Hour),
		recovery.WithRegistry(f.registry),
		recovery.WithSagas(f.sagas, 10),
		recovery.WithClock(f.clk),
	}
	return recovery.New(append(base, opts...)...)
}

func mustPayload(t *testing.T, kind string) payload.Payload {
	t.Helper()
	p, err := payload.Encode(kind, map[string]string{"doc": "d-1"})
	require.NoError(t, err)
	return p
}

func TestRunOnce_AllTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Finished long ago: swept.
	_, _, err := f.log.Execute(ctx, mustPayload(t, "index_document"),
		func(ctx context.Context, e wal.Entry) (json.RawMessage, error) { return json.RawMessage(`{}`), nil })
	require.NoError(t, err)

	require.NoError(t, f.registry.Begin(ctx, "old-key", "op", ""))
	sagaID, err := f.sagas.Start(ctx, "ingest", []string{"extract", "index"}, nil)
	require.NoError(t, err)

	f.clk.Advance(8 * 24 * time.Hour)

	// Recent and pending: replayed.
	pending, err := f.log.Append(ctx, mustPayload(t, "index_document"))
	require.NoError(t, err)

	var replayed []string
	f.replayer.Register("index_document", func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		replayed = append(replayed, e.ID)
		return json.RawMessage(`{"replayed":true}`), nil
	})

	report, err := f.recoverer().RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "errors: %v", report.Errors)

	assert.Equal(t, []string{pending}, replayed)
	assert.Equal(t, wal.ReplayStats{Total: 1, Succeeded: 1}, report.Replay)
	assert.Equal(t, int64(1), report.WALSwept)
	assert.Equal(t, int64(1), report.KeysSwept)

	require.Len(t, report.UnfinishedSagas, 1)
	assert.Equal(t, sagaID, report.UnfinishedSagas[0].ID)
	assert.Equal(t, saga.StatusPending, report.UnfinishedSagas[0].Status)

	e, err := f.log.Get(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusCompleted, e.Status)
}

func TestRunOnce_FailsEntriesOutOfRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.log.Append(ctx, mustPayload(t, "index_document"), wal.WithMaxRetries(0))
	require.NoError(t, err)
	ok, err := f.log.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	f.clk.Advance(time.Hour)

	report, err := f.recoverer().RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "errors: %v", report.Errors)
	assert.Equal(t, int64(1), report.WALExhausted)

	e, err := f.log.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusFailed, e.Status)
	assert.Equal(t, wal.ExhaustedError, e.Error)
}

func TestRunOnce_SkipsUnconfiguredTasks(t *testing.T) {
	f := newFixture(t)
	report, err := recovery.New(recovery.WithClock(f.clk)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Replay.Total)
	assert.Empty(t, report.UnfinishedSagas)
}

func TestRunOnce_TaskFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.log.Append(ctx, mustPayload(t, "index_document"))
	require.NoError(t, err)
	f.replayer.Register("index_document", func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		return nil, errors.New("downstream rejected")
	})
	require.NoError(t, f.registry.Begin(ctx, "k", "op", ""))
	f.clk.Advance(2 * time.Hour)

	report, err := f.recoverer().RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "a failing handler is a replay result, not a task error")
	assert.Equal(t, 1, report.Replay.Failed)
	assert.Equal(t, int64(1), report.KeysSwept)
}

func TestRunOnce_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.recoverer().RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoop_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.recoverer().Loop(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
