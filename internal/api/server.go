// Package api serves the HTTP surface: health, roster and call snapshots,
// call history, Prometheus metrics, and bridge session control including
// the websocket audio endpoint.
package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/talkwire/talkwire/internal/bridge"
	"github.com/talkwire/talkwire/internal/broker"
	"github.com/talkwire/talkwire/internal/cdr"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	broker   *broker.Broker
	sessions *bridge.Manager
	history  *cdr.Repository
	registry *prometheus.Registry
	log      *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. history and
// registry may be nil; the corresponding endpoints then report unavailable.
func NewServer(brk *broker.Broker, sessions *bridge.Manager, history *cdr.Repository, registry *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		broker:   brk,
		sessions: sessions,
		history:  history,
		registry: registry,
		log:      logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures the middleware stack and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(structuredLogger)
	r.Use(rateLimit(newRequestLimiter(rate.Limit(20), 40)))

	r.Get("/healthz", s.handleHealth)

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/calls", s.handleListCalls)
		r.Get("/history", s.handleListHistory)

		r.Route("/bridge", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{device}", func(r chi.Router) {
				r.Post("/start", s.handleBridgeStart)
				r.Post("/stop", s.handleBridgeStop)
				r.Get("/ws", s.handleBridgeWS)
			})
		})
	})

	s.log.Info("api routes mounted")
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListDevices returns the registered device roster with busy flags.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Devices())
}

// handleListCalls returns a snapshot of live calls.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Calls())
}

// handleListHistory returns recorded calls, newest first.
// Query params: limit (default 100, max 1000).
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history not enabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	recs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.log.Error("listing call history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []cdr.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
