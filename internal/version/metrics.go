package version

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/roach88/durable/internal/version"

type ledgerMetrics struct {
	attempts  metric.Int64Counter
	conflicts metric.Int64Counter
}

func newLedgerMetrics() ledgerMetrics {
	m := otel.Meter(meterName)
	return ledgerMetrics{
		attempts: int64Counter(m, "durable.version.update.attempts",
			"Conditional updates and deletes by outcome"),
		conflicts: int64Counter(m, "durable.version.update.conflicts",
			"Conditional writes rejected because the version moved; lost_race marks a change between read and write"),
	}
}

func (m ledgerMetrics) outcome(ctx context.Context, op string, o Outcome, lostRace bool) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", string(o.Kind)),
	))
	if o.Kind == OutcomeVersionMismatch {
		m.conflicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("lost_race", lostRace),
		))
	}
}

func int64Counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{update}"))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}
