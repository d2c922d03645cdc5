package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/handler"
	"github.com/devrev/edgesync/internal/metrics"
	"github.com/devrev/edgesync/internal/middleware"
	"github.com/devrev/edgesync/internal/model"
)

type fakeProbes struct{ ready bool }

func (p *fakeProbes) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (p *fakeProbes) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !p.ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type fakeReporter struct{}

func (fakeReporter) Report() []model.ServiceStatus {
	return []model.ServiceStatus{{Name: "local-store", Initialized: true, Healthy: true}}
}

func newTestServer(cfg *Config) *Server {
	h := handler.NewHandlers(handler.Config{Services: fakeReporter{}}, zap.NewNop())
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	return NewServer(cfg, h, &fakeProbes{ready: true}, m, zap.NewNop())
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(&Config{Port: 8080, AllowedOrigins: []string{"https://ops.clinic.local"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/cache/patient:1", nil)
	req.Header.Set("Origin", "https://ops.clinic.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.clinic.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), middleware.HeaderEstablishmentID)
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(&Config{Port: 8080})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/services", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "local-store")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/services", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	s := newTestServer(&Config{Port: 8080, RateLimitEnabled: true, RequestsPerSecond: 0.001, BurstSize: 1})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/services", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/services", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health probes are never throttled")
}

func TestServer_Lifecycle(t *testing.T) {
	s := newTestServer(&Config{Host: "127.0.0.1", Port: 0})
	assert.Equal(t, "operator-api", s.Name())

	require.NoError(t, s.Initialize(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

func TestMetricsServer_ServesRegistry(t *testing.T) {
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	m.RecordCacheHit()

	var collected atomic.Int32
	ms := NewMetricsServer(&MetricsServerConfig{Port: 0}, m, func(ctx context.Context) {
		collected.Add(1)
	}, zap.NewNop())
	assert.Equal(t, "metrics-server", ms.Name())

	rec := httptest.NewRecorder()
	ms.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "edgesync_cache_hits_total"))

	rec = httptest.NewRecorder()
	ms.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}
