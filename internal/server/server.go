// Package server exposes the read-only monitor API: registry and metric
// lookups, on-demand scores, active alerts, prometheus exposition and the
// live alert stream. It never mutates state; writes go through the CLI
// and the schedulers.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/persistence"
	"github.com/vaultline/riskwatch/internal/sched"
	"github.com/vaultline/riskwatch/internal/scoring"
	"github.com/vaultline/riskwatch/internal/telemetry"
)

// requestTimeout bounds one API request end to end.
const requestTimeout = 10 * time.Second

type ctxKey int

const requestIDKey ctxKey = iota

// Scorer evaluates one registered asset on demand.
type Scorer interface {
	Score(ctx context.Context, asset *persistence.Asset, cutoff time.Time) (*scoring.Result, error)
}

// EntryLister reports scheduler entries for the health readout.
type EntryLister interface {
	Entries() []sched.Entry
}

// Deps collects everything the handlers read from. Nil fields disable
// the corresponding health sections or endpoints.
type Deps struct {
	Registry  persistence.RegistryRepo
	Metrics   persistence.MetricsRepo
	Alerts    persistence.AlertsRepo
	Scorer    Scorer
	Health    persistence.RepositoryHealth
	Scheduler EntryLister
	Breakers  func() []httpx.BreakerStatus
	Hub       *Hub
	Telemetry *telemetry.Metrics
}

// Server is the monitor HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	cfg      config.ServerConfig
}

// New builds the server and verifies the port is free up front so serve
// fails fast instead of during the first request.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	addr := cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{
		router:   mux.NewRouter(),
		handlers: NewHandlers(deps),
		cfg:      cfg,
	}
	s.routes(deps)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSecs) * time.Second,
	}
	return s, nil
}

func (s *Server) routes(deps Deps) {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)
	s.router.Use(timeoutMiddleware)
	s.router.Use(corsMiddleware)

	// Exposition and the stream bypass the JSON envelope middleware.
	if deps.Telemetry != nil {
		s.router.Handle("/metrics", deps.Telemetry.Handler()).Methods("GET")
	}
	if deps.Hub != nil {
		s.router.HandleFunc("/ws/alerts", deps.Hub.Upgrade).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")
	api.HandleFunc("/assets", s.handlers.Assets).Methods("GET")
	api.HandleFunc("/assets/{symbol}", s.handlers.Asset).Methods("GET")
	api.HandleFunc("/assets/{symbol}/score", s.handlers.AssetScore).Methods("GET")
	api.HandleFunc("/assets/{symbol}/metrics", s.handlers.AssetMetrics).Methods("GET")
	api.HandleFunc("/alerts/active", s.handlers.ActiveAlerts).Methods("GET")

	s.router.NotFoundHandler = jsonContentTypeMiddleware(http.HandlerFunc(s.handlers.NotFound))
}

// Handler returns the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr() }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr()).Msg("monitor server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("monitor server shutting down")
	return s.server.Shutdown(ctx)
}

// requestID extracts the request ID set by the middleware.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// requestIDMiddleware tags every request, honoring an inbound header so
// callers can correlate across services.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request served")
	})
}

func timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The stream outlives any request deadline.
		if r.URL.Path == "/ws/alerts" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows browser dashboards served from localhost.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures the status code for request logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
