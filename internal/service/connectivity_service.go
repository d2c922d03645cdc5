package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/edgesync/internal/metrics"
	"go.uber.org/zap"
)

// ConnectivityState is the last-known reachability of the central system
type ConnectivityState int32

const (
	ConnectivityUnknown ConnectivityState = iota
	ConnectivityOnline
	ConnectivityOffline
)

func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityOnline:
		return "online"
	case ConnectivityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// HealthProber probes the central system
type HealthProber interface {
	Health(ctx context.Context) error
}

// OnlineListener is notified when the central system becomes reachable.
// from is the state before the transition.
type OnlineListener func(ctx context.Context, from ConnectivityState)

// ConnectivityStatus is the operator view of the connectivity monitor
type ConnectivityStatus struct {
	State       string     `json:"state"`
	Offline     bool       `json:"offline"`
	LastProbeAt *time.Time `json:"last_probe_at,omitempty"`
	LastChange  *time.Time `json:"last_change_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// ConnectivityService periodically probes the central system and tracks
// whether the node is offline.
type ConnectivityService struct {
	prober   HealthProber
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	state     int32
	probeMu   sync.Mutex
	mu        sync.RWMutex
	listeners []OnlineListener
	lastProbe time.Time
	lastFlip  time.Time
	lastErr   string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectivityService creates a connectivity monitor. The state starts
// unknown, which callers treat as online.
func NewConnectivityService(prober HealthProber, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *ConnectivityService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ConnectivityService{
		prober:   prober,
		interval: interval,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Name implements lifecycle.Service
func (s *ConnectivityService) Name() string {
	return "connectivity"
}

// Initialize starts the probe loop. The first probe runs immediately.
func (s *ConnectivityService) Initialize(ctx context.Context) error {
	s.logger.Info("Starting connectivity monitor", zap.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.probeLoop()
	return nil
}

// Shutdown stops the probe loop and waits for an in-flight probe
func (s *ConnectivityService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Connectivity monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck reports healthy while the monitor runs. Being offline is an
// expected operating mode, not a fault.
func (s *ConnectivityService) HealthCheck(ctx context.Context) error {
	return nil
}

// OnOnline registers a listener for transitions to online
func (s *ConnectivityService) OnOnline(l OnlineListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// State returns the last-known state
func (s *ConnectivityService) State() ConnectivityState {
	return ConnectivityState(atomic.LoadInt32(&s.state))
}

// IsOffline returns the last-known state without probing
func (s *ConnectivityService) IsOffline() bool {
	return s.State() == ConnectivityOffline
}

// Status returns a snapshot for operators
func (s *ConnectivityService) Status() ConnectivityStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.State()
	out := ConnectivityStatus{
		State:     st.String(),
		Offline:   st == ConnectivityOffline,
		LastError: s.lastErr,
	}
	if !s.lastProbe.IsZero() {
		t := s.lastProbe
		out.LastProbeAt = &t
	}
	if !s.lastFlip.IsZero() {
		t := s.lastFlip
		out.LastChange = &t
	}
	return out
}

// CheckConnectivity probes the central system once and applies the
// resulting transition. Listeners run before it returns.
func (s *ConnectivityService) CheckConnectivity(ctx context.Context) bool {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()

	start := time.Now()
	err := s.prober.Health(ctx)
	online := err == nil
	s.metrics.RecordProbe(online, time.Since(start).Seconds())

	next := ConnectivityOffline
	if online {
		next = ConnectivityOnline
	}
	prev := ConnectivityState(atomic.SwapInt32(&s.state, int32(next)))

	s.mu.Lock()
	s.lastProbe = start
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	if prev != next {
		s.lastFlip = start
	}
	listeners := append([]OnlineListener(nil), s.listeners...)
	s.mu.Unlock()

	switch {
	case prev == next:
	case next == ConnectivityOffline:
		s.logger.Warn("Central system unreachable, entering offline mode", zap.Error(err))
	case prev == ConnectivityOffline:
		s.logger.Info("Central system reachable again, leaving offline mode")
		s.metrics.RecordReconnect()
	default:
		s.logger.Info("Central system reachable")
	}

	if next == ConnectivityOnline && prev != ConnectivityOnline {
		for _, l := range listeners {
			l(ctx, prev)
		}
	}
	return online
}

func (s *ConnectivityService) probeLoop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.CheckConnectivity(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.CheckConnectivity(ctx)
		}
	}
}
