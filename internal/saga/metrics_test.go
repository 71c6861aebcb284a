package saga_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/telemetry/telemetrytest"
)

func TestMetrics_CompletedAndCompensatedSagas(t *testing.T) {
	rd := telemetrytest.Meter(t)
	c, clk := createTestCoordinator(t)
	ctx := context.Background()
	rec := &recorder{}

	id, err := c.Start(ctx, "checkout", []string{"reserve", "charge"}, nil)
	require.NoError(t, err)
	clk.Advance(3 * time.Second)
	_, err = saga.NewRunner(c).Resume(ctx, id, []saga.Step{rec.step("reserve", nil, nil), rec.step("charge", nil, nil)})
	require.NoError(t, err)

	_, err = saga.NewRunner(c).Run(ctx, "checkout", []saga.Step{
		rec.step("reserve", nil, nil),
		rec.step("ship", nil, errors.New("carrier down")),
		rec.step("charge", errors.New("card declined"), nil),
	}, nil)
	require.Error(t, err)

	checkout := attribute.String("saga", "checkout")
	assert.Equal(t, int64(2), rd.Int64("durable.saga.started", checkout))
	assert.Equal(t, int64(1), rd.Int64("durable.saga.finished", attribute.String("status", "completed")))
	assert.Equal(t, int64(1), rd.Int64("durable.saga.finished", attribute.String("status", "partially_compensated")))

	assert.Equal(t, int64(4), rd.Int64("durable.saga.steps", attribute.String("status", "completed")))
	assert.Equal(t, int64(1), rd.Int64("durable.saga.steps", attribute.String("status", "failed")))
	assert.Equal(t, int64(1), rd.Int64("durable.saga.compensations", attribute.String("outcome", "success")))
	assert.Equal(t, int64(1), rd.Int64("durable.saga.compensations", attribute.String("outcome", "failure")))

	assert.Equal(t, uint64(2), rd.HistogramCount("durable.saga.duration", checkout))
}

func TestMetrics_RejectedWriteIsNotCounted(t *testing.T) {
	rd := telemetrytest.Meter(t)
	c, _ := createTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Start(ctx, "s", []string{"a"}, nil)
	require.NoError(t, err)
	advance(t, c, id, "a", saga.Outcome{Status: saga.StepCompleted})

	_, err = c.Advance(ctx, id, "a", saga.Outcome{Status: saga.StepCompleted})
	require.Error(t, err)

	assert.Equal(t, int64(1), rd.Int64("durable.saga.steps"))
	assert.Equal(t, int64(1), rd.Int64("durable.saga.finished"))
}
