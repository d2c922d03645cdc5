package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/devrev/edgesync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector refreshes gauge metrics that are read from the local store
type Collector func(ctx context.Context)

// MetricsServer serves Prometheus metrics via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	collect    Collector
	interval   time.Duration
	logger     *zap.Logger
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port            int
	Path            string
	CollectInterval time.Duration
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, collect Collector, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Second
	}

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		collect:  collect,
		interval: cfg.CollectInterval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	mux.Handle(cfg.Path, promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.healthHandler)

	return ms
}

// Name implements lifecycle.Service
func (s *MetricsServer) Name() string {
	return "metrics-server"
}

// Initialize starts the metrics server
func (s *MetricsServer) Initialize(ctx context.Context) error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	if s.collect != nil {
		go s.collectLoop()
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// HealthCheck implements lifecycle.Service
func (s *MetricsServer) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s","goroutines":%d}`,
		time.Now().Format(time.RFC3339), runtime.NumGoroutine())
}

// collectLoop periodically refreshes store-backed gauges
func (s *MetricsServer) collectLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.collect(ctx)
			cancel()
		case <-s.stopChan:
			return
		}
	}
}
