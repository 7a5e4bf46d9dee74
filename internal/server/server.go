// Package server exposes the alarm engine to clients: a websocket endpoint
// speaking the alarm status protocol, and a small REST API for dashboards.
//
// # Overview
//
// Everything hangs off one chi router:
//
//	GET /healthz                – liveness probe (no authentication)
//	GET /metrics                – Prometheus text exposition (no authentication)
//	GET /ws                     – websocket endpoint for alarm subscribers
//	GET /api/v1/alarms          – current alarm status snapshot (optional JWT)
//	GET /api/v1/alarms/history  – persisted event range query (optional JWT)
//
// The websocket endpoint carries its own handshake (the first client frame
// must match [ProtocolVersion]) and is never behind bearer auth; the REST
// routes require an HS256 bearer token when the server is configured with a
// signing secret, and are open otherwise.
//
// # Design notes
//
//   - Sessions own their connection. Each accepted websocket runs one read
//     goroutine and one select loop; the loop is the only writer on the
//     connection, so pushed events and command replies never interleave
//     mid-frame.
//   - The server package depends on narrow interfaces, not on the concrete
//     broadcaster or store, so handler tests run against in-memory fakes.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opsgrid/alarmd/internal/alarm"
	"github.com/opsgrid/alarmd/internal/history"
	"github.com/opsgrid/alarmd/internal/metrics"
	"github.com/opsgrid/alarmd/internal/status"
)

// Subscriptions is the broadcaster surface sessions and the REST API consume.
type Subscriptions interface {
	// Subscribe adds c to the subscription set for name and reports whether
	// it was newly added.
	Subscribe(name string, c *status.Client) bool
	// Drop removes c from every subscription set and closes it.
	Drop(c *status.Client)
	// Snapshot returns the projected event for each subscribed name that has
	// one, preserving input order.
	Snapshot(names []string) []alarm.Event
	// All returns every projected event sorted by alarm name.
	All() []alarm.Event
}

// AckRouter delivers operator acknowledgements to the evaluator pipeline.
type AckRouter interface {
	// Ack routes an acknowledgement for name, reporting false when the name
	// was never configured.
	Ack(ctx context.Context, name string) bool
}

// History is the store surface behind the history endpoint.
type History interface {
	Events(ctx context.Context, name string, from, to time.Time, limit int) ([]history.StoredEvent, error)
}

var (
	_ Subscriptions = (*status.Broadcaster)(nil)
	_ AckRouter     = (*alarm.Routes)(nil)
	_ History       = history.Store(nil)
)

// Server holds the dependencies shared by the websocket sessions and the
// REST handlers.
type Server struct {
	subs    Subscriptions
	acks    AckRouter
	history History
	logger  *slog.Logger
	meter   *metrics.Metrics
	secret  string
}

// Option configures a Server beyond its required dependencies.
type Option func(*Server)

// WithMetrics wires the process counter set. Without it the server counts
// into a private set that nothing exports.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.meter = m }
}

// WithAuthSecret enables bearer-token authentication on the /api/v1 routes.
// An empty secret leaves them open.
func WithAuthSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// New builds a Server over the given broadcaster, ack route table and
// history store.
func New(subs Subscriptions, acks AckRouter, hist History, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		subs:    subs,
		acks:    acks,
		history: hist,
		logger:  logger,
		meter:   metrics.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns the configured chi router for the whole HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated surface. The websocket endpoint is gated by its own
	// protocol handshake instead of bearer auth.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.meter.Handler())
	r.Get("/ws", s.handleWS)

	r.Route("/api/v1", func(r chi.Router) {
		if s.secret != "" {
			r.Use(RequireAuth(s.secret, s.logger))
		}

		r.Get("/alarms", s.handleGetAlarms)
		r.Get("/alarms/history", s.handleGetHistory)
	})

	return r
}
