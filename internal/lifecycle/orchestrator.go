// Package lifecycle starts, stops and health-checks the node's services in
// dependency order.
package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/model"
)

// Service is a component with a managed lifecycle
type Service interface {
	Name() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

type serviceNode struct {
	service       Service
	dependencies  []string
	initialized   bool
	startedAt     time.Time
	healthError   string
	shutdownError string
}

// Orchestrator owns the registered services and their start order
type Orchestrator struct {
	mu         sync.Mutex
	nodes      map[string]*serviceNode
	registered []string
	started    []string
	logger     *zap.Logger
}

// NewOrchestrator creates an empty orchestrator
func NewOrchestrator(logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		nodes:  make(map[string]*serviceNode),
		logger: logger,
	}
}

// Register adds a service with the names of the services it depends on.
// Dependencies may be registered later; they are resolved by InitializeAll.
func (o *Orchestrator) Register(svc Service, dependencies ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := svc.Name()
	if name == "" {
		return errors.InvalidArgument("service name cannot be empty", nil)
	}
	if _, exists := o.nodes[name]; exists {
		return errors.AlreadyExists("service", name)
	}

	o.nodes[name] = &serviceNode{
		service:      svc,
		dependencies: append([]string(nil), dependencies...),
	}
	o.registered = append(o.registered, name)

	o.logger.Debug("Registered service",
		zap.String("service", name),
		zap.Strings("dependencies", dependencies))
	return nil
}

// StartOrder returns the dependency-respecting initialization order, or an
// error for a cycle or an unregistered dependency.
func (o *Orchestrator) StartOrder() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolveOrder()
}

const (
	unvisited = iota
	visiting
	visited
)

// resolveOrder runs a depth-first topological sort in registration order
func (o *Orchestrator) resolveOrder() ([]string, error) {
	marks := make(map[string]int, len(o.nodes))
	order := make([]string, 0, len(o.nodes))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visited:
			return nil
		case visiting:
			cycle := append([]string(nil), path...)
			for i, n := range cycle {
				if n == name {
					cycle = cycle[i:]
					break
				}
			}
			return errors.CircularDependency(append(cycle, name))
		}

		marks[name] = visiting
		path = append(path, name)

		for _, dep := range o.nodes[name].dependencies {
			if _, ok := o.nodes[dep]; !ok {
				return errors.MissingDependency(name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		marks[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range o.registered {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// InitializeAll starts every service in dependency order. Ordering errors
// abort before any service starts; the first start failure aborts the
// rest, leaving already-started services running for ShutdownAll.
func (o *Orchestrator) InitializeAll(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, err := o.resolveOrder()
	if err != nil {
		o.logger.Error("Service dependency graph is invalid", zap.Error(err))
		return err
	}

	o.logger.Info("Initializing services", zap.Strings("order", order))

	for _, name := range order {
		node := o.nodes[name]
		if node.initialized {
			continue
		}

		start := time.Now()
		if err := node.service.Initialize(ctx); err != nil {
			o.logger.Error("Service failed to initialize",
				zap.String("service", name),
				zap.Error(err))
			return errors.ServiceInitFailed(name, err)
		}

		node.initialized = true
		node.startedAt = time.Now()
		node.shutdownError = ""
		o.started = append(o.started, name)

		o.logger.Info("Service initialized",
			zap.String("service", name),
			zap.Duration("duration", time.Since(start)))
	}
	return nil
}

// ShutdownAll stops started services in reverse start order. Every service
// gets its turn; failures are logged, recorded and returned joined. A
// service whose shutdown failed stays initialized, so health checks keep
// reporting it and a later ShutdownAll tries it again.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		errs      []error
		remaining []string
	)
	for i := len(o.started) - 1; i >= 0; i-- {
		name := o.started[i]
		node := o.nodes[name]

		if err := node.service.Shutdown(ctx); err != nil {
			o.logger.Error("Service failed to shut down",
				zap.String("service", name),
				zap.Error(err))
			node.shutdownError = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			remaining = append([]string{name}, remaining...)
			continue
		}

		o.logger.Info("Service stopped", zap.String("service", name))
		node.initialized = false
		node.shutdownError = ""
	}
	o.started = remaining

	return stderrors.Join(errs...)
}

// HealthCheckAll checks every registered service. Services that are not
// initialized report unhealthy without their check being invoked.
func (o *Orchestrator) HealthCheckAll(ctx context.Context) map[string]bool {
	o.mu.Lock()
	nodes := make(map[string]*serviceNode, len(o.nodes))
	for name, node := range o.nodes {
		nodes[name] = node
	}
	initialized := make(map[string]bool, len(o.nodes))
	for name, node := range o.nodes {
		initialized[name] = node.initialized
	}
	o.mu.Unlock()

	results := make(map[string]bool, len(nodes))
	healthErrs := make(map[string]string, len(nodes))
	for name, node := range nodes {
		if !initialized[name] {
			results[name] = false
			healthErrs[name] = "not initialized"
			continue
		}
		if err := node.service.HealthCheck(ctx); err != nil {
			results[name] = false
			healthErrs[name] = err.Error()
			o.logger.Warn("Service health check failed",
				zap.String("service", name),
				zap.Error(err))
			continue
		}
		results[name] = true
		healthErrs[name] = ""
	}

	o.mu.Lock()
	for name, msg := range healthErrs {
		o.nodes[name].healthError = msg
	}
	o.mu.Unlock()

	return results
}

// Report lists every registered service in registration order
func (o *Orchestrator) Report() []model.ServiceStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]model.ServiceStatus, 0, len(o.registered))
	for _, name := range o.registered {
		node := o.nodes[name]
		st := model.ServiceStatus{
			Name:          name,
			Dependencies:  append([]string{}, node.dependencies...),
			Initialized:   node.initialized,
			Healthy:       node.initialized && node.healthError == "",
			HealthError:   node.healthError,
			ShutdownError: node.shutdownError,
		}
		if !node.startedAt.IsZero() {
			t := node.startedAt
			st.StartedAt = &t
		}
		out = append(out, st)
	}
	return out
}

// Services returns the registered services in registration order
func (o *Orchestrator) Services() []Service {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Service, 0, len(o.registered))
	for _, name := range o.registered {
		out = append(out, o.nodes[name].service)
	}
	return out
}
