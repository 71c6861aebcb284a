package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/durable/internal/clock"
	"github.com/roach88/durable/internal/httpapi"
	"github.com/roach88/durable/internal/idempotency"
	"github.com/roach88/durable/internal/ids"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/wal"
)

type fixture struct {
	srv      *httptest.Server
	registry *idempotency.Registry
	sagas    *saga.Coordinator
	calls    atomic.Int32
}

func newFixture(t *testing.T, opts ...httpapi.Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		registry: idempotency.New(s, idempotency.WithClock(clk)),
		sagas:    saga.New(s, saga.WithClock(clk), saga.WithIDGenerator(ids.NewSequence("saga"))),
	}
	log := wal.New(s, wal.WithClock(clk), wal.WithIDGenerator(ids.NewSequence("wal")))

	echo := func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		f.calls.Add(1)
		return e.Payload.Data, nil
	}
	base := []httpapi.Option{httpapi.WithOperation("echo", echo), httpapi.WithPinger(s)}
	api := httpapi.New(log, f.registry, f.sagas, append(base, opts...)...)

	f.srv = httptest.NewServer(api.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/operations", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(httpapi.HeaderIdempotencyKey, key)
	}
	return do(t, req)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestSubmit_WithoutHandlerStaysPending(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "", `{"operation_type":"index_document","payload":{"doc":"d-1"},"correlation_id":"c-1"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	id := body["entry_id"].(string)

	resp, entry := f.get(t, "/v1/operations/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", entry["status"])
	assert.Equal(t, "index_document", entry["operation_type"])
	assert.Equal(t, "c-1", entry["correlation_id"])

	resp, list := f.get(t, "/v1/operations?correlation_id=c-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["entries"], 1)
}

func TestSubmit_WithHandlerCompletes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "", `{"operation_type":"echo","payload":{"n":1}}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, map[string]any{"n": float64(1)}, body["result"])
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "", `{"operation_type":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])

	resp, body = f.post(t, "", `{"operation_type":"echo","surprise":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_json", body["error"])

	resp, body = f.post(t, "k", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_json", body["error"])
}

func TestIdempotency_ReplaysCompletedResponse(t *testing.T) {
	f := newFixture(t)

	first, firstBody := f.post(t, "req-1", `{"operation_type":"echo","payload":{"a":1,"b":2}}`)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	// Same body with different key order and spacing hashes the same.
	second, secondBody := f.post(t, "req-1", `{ "payload": {"b":2, "a":1}, "operation_type": "echo" }`)
	assert.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get(httpapi.HeaderReplayed))
	assert.Equal(t, firstBody["entry_id"], secondBody["entry_id"])
	assert.Equal(t, int32(1), f.calls.Load(), "handler runs once per key")
}

func TestIdempotency_ConflictingBody(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "req-1", `{"operation_type":"echo","payload":{"a":1}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.post(t, "req-1", `{"operation_type":"echo","payload":{"a":2}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "request_mismatch", body["error"])
}

func TestIdempotency_InFlightDuplicate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Begin(context.Background(), "req-1", "POST /v1/operations", ""))

	resp, body := f.post(t, "req-1", `{"operation_type":"echo"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "key_conflict", body["error"])
	assert.Zero(t, f.calls.Load())
}

func TestIdempotency_ServerErrorReleasesKey(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := newFixture(t, httpapi.WithOperation("flaky", func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
		if fail.Load() {
			return nil, errors.New("upstream down")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))

	resp, body := f.post(t, "req-1", `{"operation_type":"flaky"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])

	res, err := f.registry.Check(context.Background(), "req-1", "")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateFailed, res.State)

	fail.Store(false)
	resp, body = f.post(t, "req-1", `{"operation_type":"flaky"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(httpapi.HeaderReplayed))
	assert.Equal(t, "completed", body["status"])
}

func TestGetOperation_NotFound(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/v1/operations/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestGetSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.sagas.Start(ctx, "checkout", []string{"reserve_inventory", "charge_payment"}, nil)
	require.NoError(t, err)
	_, err = f.sagas.Advance(ctx, id, "reserve_inventory", saga.Outcome{Status: saga.StepInProgress})
	require.NoError(t, err)

	resp, body := f.get(t, "/v1/sagas/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	summary := body["summary"].(map[string]any)
	assert.Equal(t, "in_progress", summary["status"])
	assert.Equal(t, float64(2), summary["total"])

	sg := body["saga"].(map[string]any)
	assert.Equal(t, "checkout", sg["name"])
	assert.Len(t, sg["steps"], 2)

	resp, list := f.get(t, "/v1/sagas")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["sagas"], 1)

	resp, _ = f.get(t, "/v1/sagas/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestTracingSpanPerRequest(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	f.get(t, "/healthz")

	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "http GET /healthz")
}
