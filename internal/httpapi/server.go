// Package httpapi exposes operation submission and status lookup over HTTP.
//
// Requests carrying an Idempotency-Key header are deduplicated by the
// idempotency registry: a completed key replays the stored response, an
// in-flight duplicate gets 409 and a reused key with a different body
// gets 422.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/durable/internal/idempotency"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/wal"
)

const tracerName = "github.com/roach88/durable/internal/httpapi"

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	log      *wal.Log
	registry *idempotency.Registry
	sagas    *saga.Coordinator
	pinger   Pinger
	logger   *slog.Logger

	handlers map[string]wal.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithOperation executes submissions of operationType synchronously with h.
// Submissions without a registered handler are only recorded and left
// pending for replay.
func WithOperation(operationType string, h wal.Handler) Option {
	return func(s *Server) { s.handlers[operationType] = h }
}

// WithPinger enables the store check in /healthz.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a Server.
func New(log *wal.Log, registry *idempotency.Registry, sagas *saga.Coordinator, opts ...Option) *Server {
	s := &Server{
		log:      log,
		registry: registry,
		sagas:    sagas,
		logger:   slog.Default(),
		handlers: make(map[string]wal.Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(tracing)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.With(Idempotency(s.registry, s.logger)).Post("/operations", s.submitOperation)
		r.Get("/operations", s.listOperations)
		r.Get("/operations/{id}", s.getOperation)
		r.Get("/sagas", s.listSagas)
		r.Get("/sagas/{id}", s.getSaga)
	})
	return r
}
