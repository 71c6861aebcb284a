package idempotency

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/roach88/durable/internal/idempotency"

type registryMetrics struct {
	hits       metric.Int64Counter
	misses     metric.Int64Counter
	duplicates metric.Int64Counter
	inProgress metric.Int64UpDownCounter
	swept      metric.Int64Counter
}

func newRegistryMetrics() registryMetrics {
	m := otel.Meter(meterName)

	inProgress, err := m.Int64UpDownCounter("durable.idempotency.in_progress",
		metric.WithDescription("Keys reserved by this process and not yet finished"),
		metric.WithUnit("{key}"))
	if err != nil {
		otel.Handle(err)
		inProgress = noop.Int64UpDownCounter{}
	}

	return registryMetrics{
		hits: int64Counter(m, "durable.idempotency.hits",
			"Checks answered with a completed result"),
		misses: int64Counter(m, "durable.idempotency.misses",
			"Checks that found no live record"),
		duplicates: int64Counter(m, "durable.idempotency.duplicates_prevented",
			"Requests refused because their key is held or was used with another body"),
		inProgress: inProgress,
		swept: int64Counter(m, "durable.idempotency.swept",
			"Expired records deleted by Sweep"),
	}
}

func (m registryMetrics) hit(ctx context.Context, source string) {
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m registryMetrics) duplicate(ctx context.Context, reason string) {
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func int64Counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{key}"))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}
