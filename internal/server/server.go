// Package server hosts the oracle's HTTP and WebSocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server/handler"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server/middleware"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables authentication when set.
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Metrics and
// Hub may be nil.
type Handlers struct {
	Health  *handler.HealthHandler
	Oracle  *handler.OracleHandler
	Metrics http.Handler
	Hub     *ws.Hub
}

// Server is the oracle's HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, logging,
// rate limiting and authentication, outermost first.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	mux.HandleFunc("GET /api/cycles/current", h.Oracle.CurrentCycle)
	mux.HandleFunc("GET /api/cycles", h.Oracle.ListCycles)
	mux.HandleFunc("GET /api/cycles/{id}", h.Oracle.GetCycle)

	mux.HandleFunc("POST /api/wagers", h.Oracle.PlaceWager)

	mux.HandleFunc("GET /api/participants/{participant}/balance", h.Oracle.GetBalance)
	mux.HandleFunc("GET /api/participants/{participant}/wagers", h.Oracle.ListWagers)
	mux.HandleFunc("POST /api/participants/{participant}/reconcile", h.Oracle.Reconcile)
	mux.HandleFunc("GET /api/leaderboard", h.Oracle.Leaderboard)

	mux.HandleFunc("POST /api/signals", h.Oracle.IngestSignal)
	mux.HandleFunc("GET /api/audit", h.Oracle.ListAudit)

	public := []string{"/api/health", "/metrics"}

	var root http.Handler = mux
	root = middleware.Auth(cfg.APIKey, public...)(root)
	root = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger, public...)(root)
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests up to the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
