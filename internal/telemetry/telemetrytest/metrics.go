// Package telemetrytest collects metrics in tests.
package telemetrytest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Meter installs a global MeterProvider backed by a manual reader for the
// duration of the test. Components must be built after the call so their
// instruments come from the installed provider.
func Meter(t *testing.T) *Reader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})
	return &Reader{t: t, reader: reader}
}

// Reader reads collected data points by instrument name.
type Reader struct {
	t      *testing.T
	reader *sdkmetric.ManualReader
}

func (r *Reader) find(name string) (metricdata.Metrics, bool) {
	r.t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(r.t, r.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// Int64 sums every int64 data point of name whose attributes include attrs.
// Counters, up-down counters and gauges are all read this way; a missing
// instrument reads as zero.
func (r *Reader) Int64(name string, attrs ...attribute.KeyValue) int64 {
	r.t.Helper()
	m, ok := r.find(name)
	if !ok {
		return 0
	}

	var points []metricdata.DataPoint[int64]
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		points = data.DataPoints
	case metricdata.Gauge[int64]:
		points = data.DataPoints
	default:
		r.t.Fatalf("%s is %T, not an int64 sum or gauge", name, m.Data)
	}

	var total int64
	for _, dp := range points {
		if hasAll(dp.Attributes, attrs) {
			total += dp.Value
		}
	}
	return total
}

// HistogramCount returns how many values were recorded into the float64
// histogram name under attrs.
func (r *Reader) HistogramCount(name string, attrs ...attribute.KeyValue) uint64 {
	r.t.Helper()
	m, ok := r.find(name)
	if !ok {
		return 0
	}
	data, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		r.t.Fatalf("%s is %T, not a float64 histogram", name, m.Data)
	}

	var n uint64
	for _, dp := range data.DataPoints {
		if hasAll(dp.Attributes, attrs) {
			n += dp.Count
		}
	}
	return n
}

func hasAll(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}
