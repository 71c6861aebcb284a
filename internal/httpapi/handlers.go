package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/durable/internal/fault"
	"github.com/roach88/durable/internal/payload"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/wal"
)

// SubmitRequest is the body of POST /v1/operations.
type SubmitRequest struct {
	OperationType string          `json:"operation_type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// SubmitResponse reports where a submitted operation ended up.
type SubmitResponse struct {
	EntryID string          `json:"entry_id"`
	Status  wal.Status      `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SagaResponse is the body of GET /v1/sagas/{id}.
type SagaResponse struct {
	Summary saga.Summary  `json:"summary"`
	Saga    saga.Snapshot `json:"saga"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitOperation records the intent first, then runs it if a handler is
// registered. Without a handler the entry stays pending for replay.
func (s *Server) submitOperation(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(req.OperationType) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "operation_type is required")
		return
	}

	p, err := payload.FromRaw(req.OperationType, bytes.TrimSpace(req.Payload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	var opts []wal.AppendOption
	if req.CorrelationID != "" {
		opts = append(opts, wal.WithCorrelationID(req.CorrelationID))
	}
	if key := IdempotencyKeyFrom(r.Context()); key != "" {
		opts = append(opts, wal.WithIdempotencyKey(key))
	}

	// Execution outlives the request so a disconnecting client cannot leave
	// the entry half-recorded.
	ctx := context.WithoutCancel(r.Context())

	id, err := s.log.Append(ctx, p, opts...)
	if err != nil {
		writeFault(w, err)
		return
	}

	h, ok := s.handlers[req.OperationType]
	if !ok {
		writeJSON(w, http.StatusAccepted, SubmitResponse{EntryID: id, Status: wal.StatusPending})
		return
	}

	resp, status := s.execute(ctx, id, h)
	writeJSON(w, status, resp)
}

func (s *Server) execute(ctx context.Context, id string, h wal.Handler) (SubmitResponse, int) {
	resp := SubmitResponse{EntryID: id}

	claimed, err := s.log.Claim(ctx, id)
	if err != nil || !claimed {
		// Someone else owns it now; report what is recorded.
		resp.Status = wal.StatusPending
		return resp, http.StatusAccepted
	}

	e, err := s.log.Get(ctx, id)
	if err != nil {
		resp.Status = wal.StatusInProgress
		return resp, http.StatusAccepted
	}

	result, runErr := h(ctx, e)
	switch {
	case runErr == nil:
		if err := s.log.Complete(ctx, id, result); err != nil {
			s.logger.ErrorContext(ctx, "failed to record completion", "wal_id", id, "error", err)
			resp.Status = wal.StatusInProgress
			return resp, http.StatusAccepted
		}
		resp.Status = wal.StatusCompleted
		resp.Result = result
		return resp, http.StatusCreated
	case fault.IsTransient(runErr):
		// Left in_progress; replay reclaims it once the lease lapses.
		resp.Status = wal.StatusInProgress
		resp.Error = runErr.Error()
		return resp, http.StatusAccepted
	default:
		if err := s.log.Fail(ctx, id, runErr.Error()); err != nil {
			s.logger.ErrorContext(ctx, "failed to record failure", "wal_id", id, "error", err)
		}
		resp.Status = wal.StatusFailed
		resp.Error = runErr.Error()
		return resp, http.StatusBadGateway
	}
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	e, err := s.log.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	corr := r.URL.Query().Get("correlation_id")
	if corr == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "correlation_id query parameter is required")
		return
	}
	entries, err := s.log.ListByCorrelation(r.Context(), corr)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) getSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.sagas.Get(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	sum, err := s.sagas.Summary(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SagaResponse{Summary: sum, Saga: snap})
}

func (s *Server) listSagas(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	snaps, err := s.sagas.ListUnfinished(r.Context(), limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sagas": snaps})
}
