// Package dashboard implements the Dashboard HTTP surface of spec.md
// §6: read-only JSON endpoints over telemetry/price/plan/accounting
// history plus mode control and an SSE event stream. Routing,
// middleware stack, and graceful Shutdown are grounded on
// aristath-sentinel/trader-go's internal/server/server.go, generalized
// from its single /api/system/status route to the full §6 surface.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/ryansname/powermaster/internal/config"
	"github.com/ryansname/powermaster/internal/control"
	"github.com/ryansname/powermaster/internal/events"
	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/resilience"
	"github.com/ryansname/powermaster/internal/storage"
)

// Intent is a dashboard-originated command, carried over a bounded
// channel and consumed by the tick task at the next tick boundary
// (spec.md §5: "writes go through a single command intent channel").
type Intent struct {
	Override control.Override
	Clear    bool
}

// Deps is everything the dashboard reads or writes. main.go wires
// these to the running tick loop, plan cache, and storage layer.
type Deps struct {
	Repos      storage.Repositories
	Bus        *events.Bus
	Resilience *resilience.Tracker
	Sources    []string
	PlanCache  *plan.Cache
	Config     func() *config.Snapshot
	Override   func() *control.Override
	Intents    chan<- Intent

	// LatestSnapshot returns the most recent tick snapshot published to
	// Bus, used for the mode/rationale fields of GET /api/mode. main.go
	// wires this to a one-slot cache fed by its own Bus subscription.
	LatestSnapshot func() (events.Snapshot, bool)
}

// Server wraps a chi.Mux and the stdlib http.Server serving it.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   Deps
}

// New builds a Server listening on addr. devMode disables response
// compression so SSE frames flush immediately.
func New(addr string, deps Deps, log zerolog.Logger, devMode bool) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    log.With().Str("component", "dashboard").Logger(),
		deps:   deps,
	}

	s.setupMiddleware(devMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream holds the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/telemetry/history", s.handleTelemetryHistory)
		r.Get("/prices/history", s.handlePricesHistory)
		r.Get("/plan/active", s.handlePlanActive)
		r.Get("/mode", s.handleGetMode)
		r.Post("/mode", s.handlePostMode)
		r.Get("/accounting/summary", s.handleAccountingSummary)
		r.Get("/providers/status", s.handleProvidersStatus)
		r.Get("/config", s.handleConfig)
		r.Get("/events", s.handleEvents)
	})
}

// Start runs the server until it is shut down; it always returns a
// non-nil error (http.ErrServerClosed on a clean Shutdown).
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting dashboard server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, draining in-flight requests
// (including open SSE streams) until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down dashboard server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}
