package wal_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/wal"
)

func TestReplay_RunsHandlersAndRecordsOutcomes(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	ok1, err := l.Append(ctx, mustPayload(t, "vector.sync", map[string]string{"doc": "a"}))
	require.NoError(t, err)
	bad, err := l.Append(ctx, mustPayload(t, "vector.sync", map[string]string{"doc": "bad"}))
	require.NoError(t, err)
	unknown, err := l.Append(ctx, mustPayload(t, "mystery.op", nil))
	require.NoError(t, err)
	flaky, err := l.Append(ctx, mustPayload(t, "ocr.run", nil))
	require.NoError(t, err)

	r := wal.NewReplayer(l, time.Hour, 10)
	r.Register("vector.sync", func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		var body struct{ Doc string }
		if err := json.Unmarshal(e.Payload.Data, &body); err != nil {
			return nil, err
		}
		if body.Doc == "bad" {
			return nil, errors.New("document rejected")
		}
		return json.RawMessage(`{"synced":"` + body.Doc + `"}`), nil
	})
	r.Register("ocr.run", func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		return nil, fault.New(fault.KindTransient, "ocr", "backend unavailable")
	})

	stats, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, wal.ReplayStats{Total: 4, Succeeded: 1, Failed: 1, Deferred: 1, Skipped: 1}, stats)

	e, err := l.Get(ctx, ok1)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusCompleted, e.Status)
	assert.JSONEq(t, `{"synced":"a"}`, string(e.Result))

	e, err = l.Get(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusFailed, e.Status)
	assert.Equal(t, "document rejected", e.Error)

	e, err = l.Get(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusPending, e.Status, "entries without a handler are left alone")

	e, err = l.Get(ctx, flaky)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusInProgress, e.Status, "transient errors defer until the lease expires")
}

func TestReplay_ReclaimsExpiredLeases(t *testing.T) {
	l, clk := createTestLog(t, wal.WithLease(time.Minute))
	ctx := context.Background()

	id, err := l.Append(ctx, mustPayload(t, "op", nil))
	require.NoError(t, err)
	ok, err := l.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	calls := 0
	r := wal.NewReplayer(l, 0, 0)
	r.Register("op", func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		calls++
		return nil, nil
	})

	stats, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped, "worker still holds the lease")
	assert.Zero(t, calls)

	clk.Advance(2 * time.Minute)
	stats, err = r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, calls)

	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusCompleted, e.Status)
	assert.Equal(t, 1, e.RetryCount)
}

func TestExecute_RecordsOutcome(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	var seen wal.Entry
	id, result, err := l.Execute(ctx, mustPayload(t, "op", nil), func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		seen = e
		return json.RawMessage(`{"n":1}`), nil
	}, wal.WithCorrelationID("c1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(result))

	assert.Equal(t, id, seen.ID, "handler receives the claimed entry")
	assert.Equal(t, wal.StatusInProgress, seen.Status)
	assert.Equal(t, "c1", seen.CorrelationID)
	assert.Equal(t, "op", seen.OperationType)

	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusCompleted, e.Status)
	assert.Equal(t, "c1", e.CorrelationID)

	boom := errors.New("boom")
	id, _, err = l.Execute(ctx, mustPayload(t, "op", nil), func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	e, err = l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusFailed, e.Status)
	assert.Equal(t, "boom", e.Error)
	assert.Equal(t, 1, e.RetryCount, "a failed attempt is counted")
}
