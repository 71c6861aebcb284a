package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/idempotency"
	"github.com/roach88/durable/internal/payload"
)

// Header names.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

const maxBodyBytes = 1 << 20

type idempotencyKeyCtx struct{}

// IdempotencyKeyFrom returns the key the Idempotency middleware reserved
// for this request, if any.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// storedResponse is what a completed key replays.
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Idempotency deduplicates requests by their Idempotency-Key header.
// Requests without the header pass through untouched.
//
// A response below 500 completes the key and is replayed verbatim for later
// requests with the same key and body. A 5xx response fails the key so the
// client may retry.
func Idempotency(registry *idempotency.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var hash string
			if len(bytes.TrimSpace(body)) > 0 {
				if hash, err = payload.RequestHash(body); err != nil {
					writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
					return
				}
			}

			decision, res, err := registry.Decide(ctx, key, hash)
			if err != nil {
				writeFault(w, err)
				return
			}
			switch decision {
			case idempotency.DecisionReturnCached:
				replay(w, res.Result)
				return
			case idempotency.DecisionRejectDuplicate:
				writeError(w, http.StatusConflict, string(fault.ReasonKeyConflict),
					"a request with this idempotency key is still in progress")
				return
			case idempotency.DecisionRejectConflictingBody:
				writeError(w, http.StatusUnprocessableEntity, string(fault.ReasonRequestMismatch),
					"idempotency key was used with a different request body")
				return
			}

			if err := registry.Begin(ctx, key, r.Method+" "+r.URL.Path, hash); err != nil {
				writeFault(w, err)
				return
			}

			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r.WithContext(context.WithValue(ctx, idempotencyKeyCtx{}, key)))

			// The response is already sent; record the outcome even if the
			// client went away.
			finishCtx := context.WithoutCancel(ctx)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				if err := registry.Fail(finishCtx, key, http.StatusText(status)+": "+buf.String()); err != nil {
					logger.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
				}
				return
			}

			respBody := json.RawMessage(bytes.TrimSpace(buf.Bytes()))
			if !json.Valid(respBody) {
				respBody = json.RawMessage("null")
			}
			stored, err := json.Marshal(storedResponse{Status: status, Body: respBody})
			if err == nil {
				err = registry.Complete(finishCtx, key, stored)
			}
			if err != nil {
				logger.ErrorContext(ctx, "failed to complete idempotency key", "key", key, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, raw json.RawMessage) {
	var sr storedResponse
	if err := json.Unmarshal(raw, &sr); err != nil || sr.Status == 0 {
		writeError(w, http.StatusInternalServerError, "corrupt_idempotency_record", "stored response is unreadable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(sr.Status)
	_, _ = w.Write(sr.Body)
}

// tracing starts a server span per request, continuing any W3C trace
// context the caller sent.
func tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(tracerName).Start(ctx, "http "+r.Method)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		span.SetName("http " + r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", ww.Status()),
		)
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
