package wal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/roach88/durable/internal/wal"

// logMetrics are the instruments a Log records into. They are created from
// the global MeterProvider when the Log is built.
type logMetrics struct {
	appended    metric.Int64Counter
	transitions metric.Int64Counter
	exhausted   metric.Int64Counter
	duration    metric.Float64Histogram
}

func newLogMetrics() logMetrics {
	m := otel.Meter(meterName)
	return logMetrics{
		appended: int64Counter(m, "durable.wal.entries.appended",
			"WAL entries appended", "{entry}"),
		transitions: int64Counter(m, "durable.wal.transitions",
			"WAL status transitions by target status", "{transition}"),
		exhausted: int64Counter(m, "durable.wal.entries.exhausted",
			"In-progress WAL entries failed after running out of retries", "{entry}"),
		duration: float64Histogram(m, "durable.wal.execute.duration",
			"Duration of Execute from append to recorded outcome", "s"),
	}
}

func (m logMetrics) transition(ctx context.Context, to Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
}

func (m logMetrics) executed(ctx context.Context, operationType, outcome string, start time.Time) {
	m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation_type", operationType),
		attribute.String("outcome", outcome),
	))
}

type replayMetrics struct {
	entries metric.Int64Counter
	pending metric.Int64Gauge
}

func newReplayMetrics() replayMetrics {
	m := otel.Meter(meterName)
	pending, err := m.Int64Gauge("durable.wal.replay.pending",
		metric.WithDescription("Replayable entries found by the last replay pass"),
		metric.WithUnit("{entry}"))
	if err != nil {
		otel.Handle(err)
		pending = noop.Int64Gauge{}
	}
	return replayMetrics{
		entries: int64Counter(m, "durable.wal.replay.entries",
			"Entries handled by replay passes by outcome", "{entry}"),
		pending: pending,
	}
}

func (m replayMetrics) record(ctx context.Context, s ReplayStats) {
	m.pending.Record(ctx, int64(s.Total))
	for outcome, n := range map[string]int{
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
		"deferred":  s.Deferred,
		"skipped":   s.Skipped,
	} {
		if n > 0 {
			m.entries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
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

func float64Histogram(m metric.Meter, name, desc, unit string) metric.Float64Histogram {
	h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		otel.Handle(err)
		return noop.Float64Histogram{}
	}
	return h
}
