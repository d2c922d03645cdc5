// Package server provides the HTTP servers of the edge node.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/handler"
	"github.com/devrev/edgesync/internal/metrics"
	"github.com/devrev/edgesync/internal/middleware"
)

// Probes serves the liveness and readiness endpoints
type Probes interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// Config holds the operator HTTP server settings
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	RateLimitEnabled  bool
	RequestsPerSecond float64
	BurstSize         int
	AllowedOrigins    []string
}

// Server represents the operator HTTP server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	handlers   *handler.Handlers
	probes     Probes
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        *Config
}

// NewServer creates the operator HTTP server and configures its routes.
func NewServer(cfg *Config, handlers *handler.Handlers, probes Probes, m *metrics.Metrics, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		handlers: handlers,
		probes:   probes,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
	}

	if s.cfg.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RequestsPerSecond,
			s.cfg.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	s.router.Use(middleware.Chain(middlewareChain...))

	// CORS wraps the router so preflights are answered before route and
	// method matching reject them
	s.handler = middleware.CORS(origins)(s.router)
	s.httpServer.Handler = s.handler

	s.router.HandleFunc("/health/live", s.probes.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.probes.ReadinessHandler).Methods(http.MethodGet)

	s.handlers.RegisterRoutes(s.router.PathPrefix("/v1").Subrouter())

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(handler.ErrorResponse{
		Status:    "error",
		ErrorCode: handler.ErrorCodeInvalidRequest,
		Message:   message,
	})
}

// Name implements lifecycle.Service
func (s *Server) Name() string {
	return "operator-api"
}

// Initialize binds the listener and serves in the background
func (s *Server) Initialize(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("Starting operator HTTP server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Operator HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down operator HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// HealthCheck implements lifecycle.Service
func (s *Server) HealthCheck(ctx context.Context) error {
	return nil
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}
