package version_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/telemetry/telemetrytest"
	"github.com/roach88/durable/internal/version"
)

// racingStore lets another writer land between the ledger's read and its
// conditional write.
type racingStore struct {
	version.Store
}

func (s racingStore) CompareAndSwapEntity(ctx context.Context, id string, expected int64, state json.RawMessage, now time.Time) (bool, error) {
	if _, err := s.Store.CompareAndSwapEntity(ctx, id, expected, json.RawMessage(`{"by":"other"}`), now); err != nil {
		return false, err
	}
	return s.Store.CompareAndSwapEntity(ctx, id, expected, state, now)
}

func TestMetrics_AttemptsAndConflicts(t *testing.T) {
	rd := telemetrytest.Meter(t)
	l := createTestLedger(t)
	ctx := context.Background()

	_, err := l.Create(ctx, "document", "doc-1", nil)
	require.NoError(t, err)

	out, err := l.UpdateIfVersion(ctx, "doc-1", 1, setField("title", "a"))
	require.NoError(t, err)
	require.Equal(t, version.OutcomeSuccess, out.Kind)
	out, err = l.UpdateIfVersion(ctx, "doc-1", 1, setField("title", "b"))
	require.NoError(t, err)
	require.Equal(t, version.OutcomeVersionMismatch, out.Kind)
	out, err = l.UpdateIfVersion(ctx, "nope", 1, setField("title", "c"))
	require.NoError(t, err)
	require.Equal(t, version.OutcomeNotFound, out.Kind)
	out, err = l.DeleteIfVersion(ctx, "doc-1", 2)
	require.NoError(t, err)
	require.Equal(t, version.OutcomeSuccess, out.Kind)

	update := attribute.String("op", "update")
	assert.Equal(t, int64(3), rd.Int64("durable.version.update.attempts", update))
	assert.Equal(t, int64(1), rd.Int64("durable.version.update.attempts", update, attribute.String("outcome", "success")))
	assert.Equal(t, int64(1), rd.Int64("durable.version.update.attempts", update, attribute.String("outcome", "not_found")))
	assert.Equal(t, int64(1), rd.Int64("durable.version.update.attempts",
		attribute.String("op", "delete"), attribute.String("outcome", "success")))

	assert.Equal(t, int64(1), rd.Int64("durable.version.update.conflicts", attribute.Bool("lost_race", false)))
	assert.Equal(t, int64(0), rd.Int64("durable.version.update.conflicts", attribute.Bool("lost_race", true)))
}

func TestMetrics_LostRaceCounted(t *testing.T) {
	rd := telemetrytest.Meter(t)
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := version.New(racingStore{Store: s})
	ctx := context.Background()

	_, err = l.Create(ctx, "document", "doc-1", nil)
	require.NoError(t, err)

	out, err := l.UpdateIfVersion(ctx, "doc-1", 1, setField("title", "mine"))
	require.NoError(t, err)
	assert.Equal(t, version.OutcomeVersionMismatch, out.Kind)
	assert.Equal(t, int64(2), out.ActualVersion)
	assert.Equal(t, int64(1), rd.Int64("durable.version.update.conflicts", attribute.Bool("lost_race", true)))
}
