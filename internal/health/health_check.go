// Package health aggregates service and host checks into liveness,
// readiness and gRPC health status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devrev/edgesync/internal/model"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// ServiceChecker reports per-service health, keyed by service name
type ServiceChecker interface {
	HealthCheckAll(ctx context.Context) map[string]bool
}

// HealthChecker aggregates service and host checks for the edge node and
// publishes them over gRPC health and HTTP probes.
type HealthChecker struct {
	nodeID   string
	dataDir  string
	grpcPort int
	interval time.Duration
	critical map[string]bool
	services ServiceChecker
	logger   *zap.Logger

	grpcServer *grpc.Server
	grpcHealth *grpchealth.Server

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	readinessOK bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID        string
	DataDir       string
	GRPCPort      int
	CheckInterval time.Duration
	// CriticalServices make the node not ready when they fail. Other
	// failing services only degrade it.
	CriticalServices []string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, services ServiceChecker, logger *zap.Logger) *HealthChecker {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	critical := make(map[string]bool, len(cfg.CriticalServices))
	for _, name := range cfg.CriticalServices {
		critical[name] = true
	}

	return &HealthChecker{
		nodeID:     cfg.NodeID,
		dataDir:    cfg.DataDir,
		grpcPort:   cfg.GRPCPort,
		interval:   interval,
		critical:   critical,
		services:   services,
		logger:     logger,
		grpcHealth: grpchealth.NewServer(),
		status:     model.NodeStatusHealthy,
		checks:     make(map[string]CheckResult),
		stopCh:     make(chan struct{}),
	}
}

// Name implements lifecycle.Service
func (h *HealthChecker) Name() string {
	return "health"
}

// Initialize starts the gRPC health server and the check loop. The first
// check runs in the background so it never waits on service startup.
func (h *HealthChecker) Initialize(ctx context.Context) error {
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if h.grpcPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.grpcPort))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC health on port %d: %w", h.grpcPort, err)
		}
		h.grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(h.grpcServer, h.grpcHealth)

		h.logger.Info("Starting gRPC health server", zap.String("addr", lis.Addr().String()))
		go func() {
			if err := h.grpcServer.Serve(lis); err != nil {
				h.logger.Error("gRPC health server error", zap.Error(err))
			}
		}()
	}

	h.wg.Add(1)
	go h.checkLoop()
	return nil
}

// Shutdown stops the check loop and the gRPC health server
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	h.SetReadiness(false)
	h.grpcHealth.Shutdown()

	if h.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			h.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			h.grpcServer.Stop()
		}
	}
	return ctx.Err()
}

// HealthCheck implements lifecycle.Service
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	return nil
}

// GRPCHealth exposes the health service for registration on other servers
func (h *HealthChecker) GRPCHealth() grpc_health_v1.HealthServer {
	return h.grpcHealth
}

func (h *HealthChecker) checkLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(context.Background())

	for {
		select {
		case <-ticker.C:
			h.RunChecks(context.Background())
		case <-h.stopCh:
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check concurrently and updates the node status and
// the per-service gRPC serving statuses.
func (h *HealthChecker) RunChecks(ctx context.Context) model.NodeStatus {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	var (
		services map[string]bool
		disk     CheckResult
		dataDir  CheckResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if h.services != nil {
			services = h.services.HealthCheckAll(gctx)
		}
		return nil
	})
	g.Go(func() error {
		disk = h.checkDiskSpace()
		return nil
	})
	g.Go(func() error {
		dataDir = h.checkDataDirAccessible()
		return nil
	})
	_ = g.Wait()

	now := time.Now()
	checks := map[string]CheckResult{
		disk.Name:    disk,
		dataDir.Name: dataDir,
	}

	allHealthy := disk.Status == StatusHealthy && dataDir.Status == StatusHealthy
	allReady := disk.Status != StatusCritical && dataDir.Status != StatusCritical

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result := CheckResult{Name: "service:" + name, Status: StatusHealthy, Timestamp: now}
		serving := grpc_health_v1.HealthCheckResponse_SERVING
		if !services[name] {
			serving = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			allHealthy = false
			result.Status = StatusWarning
			if h.critical[name] {
				result.Status = StatusCritical
				allReady = false
			}
		}
		checks[result.Name] = result
		h.grpcHealth.SetServingStatus(name, serving)
	}

	status := model.NodeStatusHealthy
	switch {
	case !allReady:
		status = model.NodeStatusUnhealthy
	case !allHealthy:
		status = model.NodeStatusDegraded
	}

	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if !allReady {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.grpcHealth.SetServingStatus("", overall)

	h.mu.Lock()
	h.lastCheck = now
	h.checks = checks
	h.status = status
	h.readinessOK = allReady
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", allReady))
	return status
}

// checkDiskSpace checks free space on the filesystem holding the store
func (h *HealthChecker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &stat); err != nil {
		return CheckResult{
			Name:      "disk_space",
			Status:    StatusCritical,
			Message:   fmt.Sprintf("Failed to stat filesystem: %v", err),
			Timestamp: time.Now(),
		}
	}

	available := stat.Bavail * uint64(stat.Bsize)
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return CheckResult{Name: "disk_space", Status: StatusHealthy, Message: "Filesystem reports no blocks", Timestamp: time.Now()}
	}
	used := total - (stat.Bfree * uint64(stat.Bsize))
	usagePercent := float64(used) / float64(total) * 100

	switch {
	case usagePercent > 95:
		return CheckResult{
			Name:      "disk_space",
			Status:    StatusCritical,
			Message:   fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	case usagePercent > 90:
		return CheckResult{
			Name:      "disk_space",
			Status:    StatusWarning,
			Message:   fmt.Sprintf("Disk usage high: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "disk_space",
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usagePercent, float64(available)/1024/1024/1024),
		Timestamp: time.Now(),
	}
}

// checkDataDirAccessible checks that the store directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    StatusCritical,
			Message:   fmt.Sprintf("Data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    StatusCritical,
			Message:   "Data path is not a directory",
			Timestamp: time.Now(),
		}
	}

	f, err := os.CreateTemp(h.dataDir, ".health_check_*")
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    StatusCritical,
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(filepath.Clean(f.Name()))

	return CheckResult{
		Name:      "data_dir_accessible",
		Status:    StatusHealthy,
		Message:   "Data directory is accessible and writable",
		Timestamp: time.Now(),
	}
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// Status returns the current node status
func (h *HealthChecker) Status() model.NodeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": true,
		"node_id": h.nodeID,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.status
	lastCheck := h.lastCheck
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":      ready,
		"status":     status,
		"last_check": lastCheck,
		"checks":     h.GetChecks(),
	})
}
