package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/lazypower/radguard/internal/engine"
	"github.com/lazypower/radguard/internal/metrics"
)

// Server is the radguard HTTP API server.
type Server struct {
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
	logger  *slog.Logger

	// telemetry bounds how fast external error reports reach the controller.
	telemetry *rate.Limiter
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetryLimit sets the token bucket for POST /api/telemetry.
func WithTelemetryLimit(perSecond float64, burst int) Option {
	return func(s *Server) { s.telemetry = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server in front of eng.
func New(eng *engine.Engine, version string, opts ...Option) *Server {
	s := &Server{
		engine:    eng,
		version:   version,
		started:   time.Now(),
		logger:    slog.Default(),
		telemetry: rate.NewLimiter(20, 40),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/protection", s.handleProtection)
		r.Put("/protection", s.handleSetLevel)
		r.Post("/protection/boost", s.handleBoost)
		r.With(s.limitTelemetry).Post("/telemetry", s.handleTelemetry)

		r.Get("/regions", s.handleRegions)
		r.Get("/regions/{name}", s.handleRegion)
		r.Post("/regions/{name}/repair", s.handleRepair)
		r.Get("/regions/{name}/checkpoints", s.handleCheckpoints)

		r.Get("/history/levels", s.handleLevelHistory)
		r.Get("/history/assessments", s.handleAssessmentHistory)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := false
	dbPath := ""
	if db := s.engine.DB; db != nil {
		dbOK = db.Ping() == nil
		dbPath = db.Path
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"run_id":  s.engine.RunID,
		"db":      dbOK,
		"db_path": dbPath,
	})
}

// limitTelemetry rejects requests beyond the telemetry token bucket.
func (s *Server) limitTelemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.telemetry.Allow() {
			metrics.RecordTelemetryRejected()
			writeError(w, http.StatusTooManyRequests, "telemetry rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
