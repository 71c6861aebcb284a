package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/version"
)

func newExecution(id string, createdAt time.Time) saga.Execution {
	return saga.Execution{
		ID:     id,
		Name:   "checkout",
		Status: saga.StatusPending,
		Steps: []saga.StepRecord{
			{Name: "reserve_inventory", Status: saga.StepPending},
			{Name: "charge_payment", Status: saga.StepPending},
		},
		Context:   map[string]json.RawMessage{"order_id": json.RawMessage(`"o-1"`)},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Revision:  1,
	}
}

func TestSaga_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSaga(ctx, newExecution("s1", t0)))

	got, err := s.GetSaga(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "checkout", got.Name)
	assert.Equal(t, saga.StatusPending, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "reserve_inventory", got.Steps[0].Name)
	assert.Equal(t, saga.StepPending, got.Steps[1].Status)
	assert.JSONEq(t, `"o-1"`, string(got.Context["order_id"]))
	assert.Empty(t, got.CompensationPlan)
	assert.Empty(t, got.CompensationErrors)
	assert.Equal(t, int64(1), got.Revision)
}

func TestSaga_SwapRequiresRevision(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertSaga(ctx, newExecution("s1", t0)))

	next := newExecution("s1", t0)
	started := t0.Add(time.Second)
	next.Status = saga.StatusInProgress
	next.Steps[0].Status = saga.StepInProgress
	next.Steps[0].StartedAt = &started
	next.Revision = 2
	next.UpdatedAt = started

	ok, err := s.SwapSaga(ctx, next, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SwapSaga(ctx, next, 1)
	require.NoError(t, err)
	assert.False(t, ok, "stale revision must lose")

	got, err := s.GetSaga(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, saga.StatusInProgress, got.Status)
	require.NotNil(t, got.Steps[0].StartedAt)
	assert.True(t, got.Steps[0].StartedAt.Equal(started))
}

func TestSaga_ListByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSaga(ctx, newExecution("s2", t0.Add(time.Second))))
	require.NoError(t, s.InsertSaga(ctx, newExecution("s1", t0)))
	done := newExecution("s3", t0)
	done.Status = saga.StatusCompleted
	require.NoError(t, s.InsertSaga(ctx, done))

	got, err := s.ListSagas(ctx, []saga.Status{saga.StatusPending, saga.StatusInProgress}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, "s2", got[1].ID)

	all, err := s.ListSagas(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSaga_ListByCorrelation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"s2", "s1", "s3"} {
		e := newExecution(id, t0.Add(time.Duration(i)*time.Second))
		if id != "s3" {
			e.CorrelationID = "order-1"
		}
		require.NoError(t, s.InsertSaga(ctx, e))
	}

	got, err := s.ListSagasByCorrelation(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ID)
	assert.Equal(t, "s1", got[1].ID)

	got, err = s.ListSagasByCorrelation(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaga_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetSaga(context.Background(), "missing")
	assert.True(t, fault.IsNotFound(err))
}

func TestEntity_CompareAndSwap(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ok, err := s.InsertEntity(ctx, version.Entity{
		ID: "doc-1", Kind: "document", State: json.RawMessage(`{"title":"a"}`),
		Version: 1, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.InsertEntity(ctx, version.Entity{ID: "doc-1", Kind: "document", State: json.RawMessage(`{}`), Version: 1})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwapEntity(ctx, "doc-1", 1, json.RawMessage(`{"title":"b"}`), t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwapEntity(ctx, "doc-1", 1, json.RawMessage(`{"title":"c"}`), t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := s.GetEntity(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)
	assert.JSONEq(t, `{"title":"b"}`, string(e.State))

	ok, err = s.DeleteEntityIfVersion(ctx, "doc-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.DeleteEntityIfVersion(ctx, "doc-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetEntity(ctx, "doc-1")
	assert.True(t, fault.IsNotFound(err))
}
