package wal_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/ids"
	"github.com/roach88/durable/internal/payload"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/wal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createTestLog(t *testing.T, opts ...wal.Option) (*wal.Log, *clock.Fixed) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := clock.NewFixed(t0)
	base := []wal.Option{wal.WithClock(clk), wal.WithIDGenerator(ids.NewSequence("wal"))}
	return wal.New(s, append(base, opts...)...), clk
}

func mustPayload(t *testing.T, kind string, v any) payload.Payload {
	t.Helper()
	p, err := payload.Encode(kind, v)
	require.NoError(t, err)
	return p
}

func TestAppend_PersistsPending(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	id, err := l.Append(ctx, mustPayload(t, "document.index", map[string]any{"doc": "d1"}),
		wal.WithIdempotencyKey("idem-1"), wal.WithCorrelationID("corr-1"))
	require.NoError(t, err)
	assert.Equal(t, "wal-1", id)

	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusPending, e.Status)
	assert.Equal(t, "document.index", e.OperationType)
	assert.Equal(t, wal.DefaultMaxRetries, e.MaxRetries)
	assert.Equal(t, 0, e.RetryCount)
	assert.Equal(t, "idem-1", e.IdempotencyKey)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.JSONEq(t, `{"doc":"d1"}`, string(e.Payload.Data))
	assert.True(t, e.CreatedAt.Equal(t0))
}

func TestAppend_Validation(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, payload.Payload{Data: []byte(`{}`)})
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	_, err = l.Append(ctx, mustPayload(t, "op", nil), wal.WithMaxRetries(-1))
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))
}

func TestAppend_DefaultMaxRetriesOption(t *testing.T) {
	l, _ := createTestLog(t, wal.WithDefaultMaxRetries(7))
	ctx := context.Background()

	id, err := l.Append(ctx, payload.Payload{Kind: "op"})
	require.NoError(t, err)
	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, e.MaxRetries)
	assert.JSONEq(t, `{}`, string(e.Payload.Data))
}

func TestClaim_ConcurrentExactlyOneWins(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id, err := l.Append(ctx, mustPayload(t, "op", map[string]int{"i": i}))
		require.NoError(t, err)

		var wins atomic.Int32
		var g errgroup.Group
		for w := 0; w < 2; w++ {
			g.Go(func() error {
				ok, err := l.Claim(ctx, id)
				if ok {
					wins.Add(1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), wins.Load(), "entry %s", id)
	}
}

func TestClaim_MissingEntry(t *testing.T) {
	l, _ := createTestLog(t)
	_, err := l.Claim(context.Background(), "nope")
	assert.True(t, fault.IsNotFound(err))
}

func TestRoundTrip_CompletedLeavesReplayable(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	id, err := l.Append(ctx, mustPayload(t, "op", map[string]string{"k": "v"}))
	require.NoError(t, err)

	pending, err := l.ListReplayable(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := l.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Complete(ctx, id, json.RawMessage(`{"done":true}`)))

	after, err := l.ListReplayable(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, after)

	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusCompleted, e.Status)
	assert.JSONEq(t, `{"done":true}`, string(e.Result))
	assert.NotNil(t, e.CompletedAt)
}

func TestComplete_TerminalAndInvalidTransitions(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	id, err := l.Append(ctx, mustPayload(t, "op", nil))
	require.NoError(t, err)

	err = l.Complete(ctx, id, nil)
	assert.True(t, fault.IsInvalidTransition(err), "pending entry cannot complete: %v", err)

	ok, err := l.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Complete(ctx, id, nil))

	err = l.Complete(ctx, id, json.RawMessage(`{"again":1}`))
	assert.True(t, fault.IsAlreadyTerminal(err))
	err = l.Fail(ctx, id, "late")
	assert.True(t, fault.IsAlreadyTerminal(err))

	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(e.Result), "terminal result must not be overwritten")

	err = l.Complete(ctx, "missing", nil)
	assert.True(t, fault.IsNotFound(err))
}

func TestFail_ThenCompensate(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	id, err := l.Append(ctx, mustPayload(t, "op", nil))
	require.NoError(t, err)

	err = l.Compensate(ctx, id)
	assert.True(t, fault.IsInvalidTransition(err))

	_, err = l.Claim(ctx, id)
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, id, ""))

	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusFailed, e.Status)
	assert.Equal(t, "unspecified failure", e.Error)
	assert.Equal(t, 1, e.RetryCount)

	require.NoError(t, l.Compensate(ctx, id))
	err = l.Compensate(ctx, id)
	assert.True(t, fault.IsAlreadyTerminal(err))
}

func TestListReplayable_RetryBoundary(t *testing.T) {
	l, clk := createTestLog(t, wal.WithLease(time.Minute))
	ctx := context.Background()

	id, err := l.Append(ctx, mustPayload(t, "op", nil), wal.WithMaxRetries(1))
	require.NoError(t, err)
	ok, err := l.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(2 * time.Minute)
	ok, err = l.Reclaim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, e.MaxRetries, e.RetryCount)
	assert.Equal(t, wal.StatusInProgress, e.Status)

	got, err := l.ListReplayable(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "retry_count == max_retries must be excluded")

	zero, err := l.Append(ctx, mustPayload(t, "op", nil), wal.WithMaxRetries(0))
	require.NoError(t, err)
	got, err = l.ListReplayable(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "entry %s with max_retries 0 is never replayable", zero)
}

func TestFailExhausted(t *testing.T) {
	l, clk := createTestLog(t, wal.WithLease(time.Minute))
	ctx := context.Background()

	stuck, err := l.Append(ctx, mustPayload(t, "op", nil), wal.WithMaxRetries(1))
	require.NoError(t, err)
	_, err = l.Claim(ctx, stuck)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	ok, err := l.Reclaim(ctx, stuck)
	require.NoError(t, err)
	require.True(t, ok)

	retrying, err := l.Append(ctx, mustPayload(t, "op", nil), wal.WithMaxRetries(3))
	require.NoError(t, err)
	_, err = l.Claim(ctx, retrying)
	require.NoError(t, err)

	n, err := l.FailExhausted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a live lease is left alone")

	clk.Advance(2 * time.Minute)
	n, err = l.FailExhausted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err := l.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusFailed, e.Status)
	assert.Equal(t, wal.ExhaustedError, e.Error)
	assert.Nil(t, e.LeaseExpiresAt)
	require.NoError(t, l.Compensate(ctx, stuck))

	e, err = l.Get(ctx, retrying)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusInProgress, e.Status, "entries with retries left stay reclaimable")
}

func TestListReplayable_MaxAgeAndLimit(t *testing.T) {
	l, clk := createTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, mustPayload(t, "op", nil))
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	recent, err := l.Append(ctx, mustPayload(t, "op", nil))
	require.NoError(t, err)

	got, err := l.ListReplayable(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent, got[0].ID)

	got, err = l.ListReplayable(ctx, 24*time.Hour, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReclaim_RespectsLease(t *testing.T) {
	l, clk := createTestLog(t, wal.WithLease(time.Minute))
	ctx := context.Background()

	id, err := l.Append(ctx, mustPayload(t, "op", nil))
	require.NoError(t, err)
	_, err = l.Claim(ctx, id)
	require.NoError(t, err)

	ok, err := l.Reclaim(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must not be reclaimed")

	clk.Advance(30 * time.Second)
	require.NoError(t, l.Heartbeat(ctx, id))

	clk.Advance(45 * time.Second)
	ok, err = l.Reclaim(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat extended the lease")

	clk.Advance(time.Minute)
	err = l.Heartbeat(ctx, id)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindConflict, Reason: fault.ReasonClaimLost}))

	ok, err = l.Reclaim(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
}

func TestSweep_KeepsFailedAndRecent(t *testing.T) {
	l, clk := createTestLog(t)
	ctx := context.Background()

	finish := func(fail bool) string {
		id, err := l.Append(ctx, mustPayload(t, "op", nil))
		require.NoError(t, err)
		_, err = l.Claim(ctx, id)
		require.NoError(t, err)
		if fail {
			require.NoError(t, l.Fail(ctx, id, "boom"))
		} else {
			require.NoError(t, l.Complete(ctx, id, nil))
		}
		return id
	}

	oldDone := finish(false)
	oldFailed := finish(true)
	clk.Advance(8 * 24 * time.Hour)
	recentDone := finish(false)

	n, err := l.Sweep(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = l.Get(ctx, oldDone)
	assert.True(t, fault.IsNotFound(err))
	_, err = l.Get(ctx, oldFailed)
	assert.NoError(t, err)
	_, err = l.Get(ctx, recentDone)
	assert.NoError(t, err)
}

func TestListByCorrelation(t *testing.T) {
	l, _ := createTestLog(t)
	ctx := context.Background()

	a, err := l.Append(ctx, mustPayload(t, "op", nil), wal.WithCorrelationID("order-1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, mustPayload(t, "op", nil), wal.WithCorrelationID("order-2"))
	require.NoError(t, err)

	got, err := l.ListByCorrelation(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a, got[0].ID)
}
