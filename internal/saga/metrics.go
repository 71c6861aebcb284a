package saga

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/roach88/durable/internal/saga"

// sagaMetrics are derived from the difference between the saga before and
// after each committed write, so they count only swaps that won.
type sagaMetrics struct {
	started       metric.Int64Counter
	finished      metric.Int64Counter
	steps         metric.Int64Counter
	compensations metric.Int64Counter
	duration      metric.Float64Histogram
}

func newSagaMetrics() sagaMetrics {
	m := otel.Meter(meterName)

	duration, err := m.Float64Histogram("durable.saga.duration",
		metric.WithDescription("Time from saga start to terminal status"),
		metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
		duration = noop.Float64Histogram{}
	}

	return sagaMetrics{
		started: int64Counter(m, "durable.saga.started",
			"Sagas started", "{saga}"),
		finished: int64Counter(m, "durable.saga.finished",
			"Sagas that reached a terminal status", "{saga}"),
		steps: int64Counter(m, "durable.saga.steps",
			"Step outcomes recorded by status", "{step}"),
		compensations: int64Counter(m, "durable.saga.compensations",
			"Compensation outcomes recorded", "{step}"),
		duration: duration,
	}
}

func (m sagaMetrics) committed(ctx context.Context, cur, next Execution) {
	name := attribute.String("saga", next.Name)

	for i := range next.Steps {
		if i >= len(cur.Steps) {
			break
		}
		before, after := cur.Steps[i].Status, next.Steps[i].Status
		if before == after {
			continue
		}
		switch after {
		case StepCompleted, StepFailed:
			m.steps.Add(ctx, 1, metric.WithAttributes(name, attribute.String("status", string(after))))
		case StepCompensated:
			m.compensations.Add(ctx, 1, metric.WithAttributes(name, attribute.String("outcome", "success")))
		case StepCompensationFailed:
			m.compensations.Add(ctx, 1, metric.WithAttributes(name, attribute.String("outcome", "failure")))
		}
	}

	if next.Status.Terminal() && !cur.Status.Terminal() {
		status := attribute.String("status", string(next.Status))
		m.finished.Add(ctx, 1, metric.WithAttributes(name, status))
		if next.CompletedAt != nil {
			m.duration.Record(ctx, next.CompletedAt.Sub(next.CreatedAt).Seconds(),
				metric.WithAttributes(name, status))
		}
	}
}

func int64Counter(m metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}
