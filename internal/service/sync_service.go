package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/metrics"
	"github.com/devrev/edgesync/internal/model"
	"github.com/devrev/edgesync/internal/store"
	"github.com/devrev/edgesync/internal/validation"
)

// Packager wraps a batch of events into a secure package
type Packager interface {
	CreateSecureSyncPackage(events []*model.SyncEvent, establishmentID string) (*model.SecureSyncPackage, error)
}

// EventSender transmits secure packages to the central system
type EventSender interface {
	SendEvents(ctx context.Context, pkg *model.SecureSyncPackage) (*model.SyncResponse, error)
}

// SyncServiceConfig holds replication engine settings
type SyncServiceConfig struct {
	EstablishmentID string
	Interval        time.Duration
	BatchSize       int
	RetryDelay      time.Duration
	RetentionDays   int
	CleanupInterval time.Duration
}

// SyncService replicates recorded change events to the central system.
// At most one cycle runs at a time; a trigger that arrives while a cycle
// is in flight is absorbed.
type SyncService struct {
	events       store.SyncEventStore
	packager     Packager
	sender       EventSender
	connectivity OfflineState
	validator    *validation.Validator
	metrics      *metrics.Metrics
	logger       *zap.Logger
	config       SyncServiceConfig
	now          func() time.Time

	running int32

	mu         sync.RWMutex
	state      model.SyncState
	lastSyncAt time.Time
	lastError  string

	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewSyncService creates the replication engine
func NewSyncService(
	events store.SyncEventStore,
	packager Packager,
	sender EventSender,
	connectivity OfflineState,
	cfg SyncServiceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SyncService {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}

	return &SyncService{
		events:       events,
		packager:     packager,
		sender:       sender,
		connectivity: connectivity,
		validator:    validation.NewValidator(),
		metrics:      m,
		logger:       logger,
		config:       cfg,
		now:          time.Now,
		state:        model.SyncStateIdle,
		triggerCh:    make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Name implements lifecycle.Service
func (s *SyncService) Name() string {
	return "sync-engine"
}

// Initialize starts the replication loop. The first cycle runs immediately.
func (s *SyncService) Initialize(ctx context.Context) error {
	s.logger.Info("Starting sync engine",
		zap.String("establishment_id", s.config.EstablishmentID),
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Duration("retry_delay", s.config.RetryDelay))

	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Shutdown stops the timers and waits for the in-flight cycle to finish
func (s *SyncService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Sync engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync engine shutdown: %w", ctx.Err())
	}
}

// HealthCheck verifies the event store answers
func (s *SyncService) HealthCheck(ctx context.Context) error {
	_, err := s.events.CountSyncEvents(ctx)
	return err
}

// HandleOnline requests a cycle when the node comes back from offline mode
func (s *SyncService) HandleOnline(ctx context.Context, from ConnectivityState) {
	if from == ConnectivityOffline {
		s.Notify()
	}
}

// Notify asks the replication loop for a cycle without waiting for it
func (s *SyncService) Notify() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// TriggerSync runs one cycle now. It returns ErrSyncInFlight when a cycle
// is already running.
func (s *SyncService) TriggerSync(ctx context.Context) (*model.SyncCycleResult, error) {
	result := s.RunCycle(ctx)
	if result.Skipped {
		return result, errors.ErrSyncInFlight
	}
	return result, nil
}

// State returns the current replication phase
func (s *SyncService) State() model.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *SyncService) setState(state model.SyncState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// RunCycle performs Draining, Transmitting and Reconciling for one batch of
// the oldest pending events.
func (s *SyncService) RunCycle(ctx context.Context) *model.SyncCycleResult {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		s.logger.Debug("Sync cycle already in flight, skipping trigger")
		s.metrics.RecordSyncCycle("skipped", 0, 0)
		return &model.SyncCycleResult{Skipped: true}
	}
	defer atomic.StoreInt32(&s.running, 0)
	defer s.setState(model.SyncStateIdle)

	start := time.Now()
	result := &model.SyncCycleResult{}

	err := s.cycle(ctx, result)
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Error = err.Error()
		s.metrics.RecordSyncCycle("failed", result.Duration.Seconds(), 0)
		s.fail(ctx, err)
	case result.Drained == 0:
		s.metrics.RecordSyncCycle("empty", result.Duration.Seconds(), 0)
	default:
		s.metrics.RecordSyncCycle("success", result.Duration.Seconds(), result.Synced)
		s.logger.Info("Sync cycle completed",
			zap.Int("drained", result.Drained),
			zap.Int("synced", result.Synced),
			zap.Int("conflicts", result.Conflicts),
			zap.Duration("duration", result.Duration))
	}
	return result
}

func (s *SyncService) cycle(ctx context.Context, result *model.SyncCycleResult) error {
	s.setState(model.SyncStateDraining)
	events, err := s.events.GetPendingSyncEvents(ctx, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to drain pending events: %w", err)
	}
	result.Drained = len(events)
	if len(events) == 0 {
		s.markSynced()
		return nil
	}

	s.setState(model.SyncStateTransmitting)
	pkg, err := s.packager.CreateSecureSyncPackage(events, s.config.EstablishmentID)
	if err != nil {
		return fmt.Errorf("failed to build sync package: %w", err)
	}

	resp, err := s.sender.SendEvents(ctx, pkg)
	if err != nil {
		return err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "central system reported failure"
		}
		return errors.TransportFailed(msg, nil)
	}

	s.setState(model.SyncStateReconciling)
	inBatch := make(map[string]bool, len(events))
	for _, e := range events {
		inBatch[e.ID] = true
	}
	acked := make([]string, 0, len(resp.SyncedEvents))
	for _, id := range resp.SyncedEvents {
		if inBatch[id] {
			acked = append(acked, id)
		} else {
			s.logger.Warn("Central acknowledged an event outside the batch", zap.String("event_id", id))
		}
	}

	marked, err := s.events.MarkEventsSynced(ctx, acked)
	if err != nil {
		return fmt.Errorf("failed to reconcile acknowledged events: %w", err)
	}
	result.Synced = int(marked)

	for _, c := range resp.Conflicts {
		s.metrics.RecordConflict(c.ConflictType)
		s.logger.Warn("Central reported sync conflict",
			zap.String("event_id", c.EventID),
			zap.String("conflict_type", c.ConflictType),
			zap.String("resolution", c.Resolution))
	}
	result.Conflicts = len(resp.Conflicts)

	if unacked := len(events) - len(acked); unacked > 0 {
		s.logger.Info("Events left pending for the next cycle", zap.Int("count", unacked))
	}

	s.markSynced()
	return nil
}

func (s *SyncService) markSynced() {
	s.mu.Lock()
	s.lastSyncAt = s.now()
	s.lastError = ""
	s.mu.Unlock()
}

// fail records the attempt on every pending event and holds the cycle for
// the retry delay, which Shutdown cuts short.
func (s *SyncService) fail(ctx context.Context, cause error) {
	s.mu.Lock()
	s.lastError = cause.Error()
	s.mu.Unlock()

	n, err := s.events.IncrementPendingRetries(ctx, cause.Error())
	if err != nil {
		s.logger.Error("Failed to record sync retry", zap.Error(err))
	}

	s.logger.Warn("Sync cycle failed",
		zap.Error(cause),
		zap.Int64("pending", n),
		zap.Duration("retry_delay", s.config.RetryDelay))

	if s.config.RetryDelay <= 0 {
		return
	}
	timer := time.NewTimer(s.config.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopCh:
	case <-ctx.Done():
	}
}

// RecordEvent persists one change for replication. An empty
// establishmentID falls back to the node's establishment.
func (s *SyncService) RecordEvent(
	ctx context.Context,
	tableName string,
	op model.Operation,
	recordID string,
	data interface{},
	establishmentID string,
) (*model.SyncEvent, error) {
	if establishmentID == "" {
		establishmentID = s.config.EstablishmentID
	}
	if err := s.validator.ValidateEvent(tableName, op, recordID, establishmentID); err != nil {
		return nil, err
	}

	if raw, ok := data.(json.RawMessage); ok && len(raw) == 0 {
		data = nil
	}
	payload, err := model.NewChangePayload(tableName, op, data)
	if err != nil {
		return nil, errors.InvalidArgument(err.Error(), err)
	}

	event := &model.SyncEvent{
		ID:              uuid.New().String(),
		TableName:       tableName,
		Operation:       op,
		RecordID:        recordID,
		EstablishmentID: establishmentID,
		Payload:         payload,
		Timestamp:       s.now(),
	}
	if err := s.events.CreateSyncEvent(ctx, event); err != nil {
		return nil, err
	}

	s.metrics.RecordEvent(tableName, string(op))
	s.logger.Debug("Recorded sync event",
		zap.String("event_id", event.ID),
		zap.String("table", tableName),
		zap.String("operation", string(op)),
		zap.String("record_id", recordID))
	return event, nil
}

// CleanupSyncedEvents deletes events synced more than daysToKeep days ago.
// A non-positive daysToKeep uses the configured retention.
func (s *SyncService) CleanupSyncedEvents(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = s.config.RetentionDays
	}
	cutoff := s.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)

	n, err := s.events.DeleteSyncedEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Cleaned up synced events",
			zap.Int64("deleted", n),
			zap.Int("days_to_keep", daysToKeep))
	}
	return n, nil
}

// GetSyncStats returns event counts and the engine's last outcome
func (s *SyncService) GetSyncStats(ctx context.Context) (*model.SyncStats, error) {
	counts, err := s.events.CountSyncEvents(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.UpdatePendingEvents(counts.Pending)

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &model.SyncStats{
		Pending:   counts.Pending,
		Synced:    counts.Synced,
		Failed:    counts.Failed,
		LastError: s.lastError,
		State:     s.state,
		Online:    s.connectivity == nil || !s.connectivity.IsOffline(),
	}
	if !s.lastSyncAt.IsZero() {
		t := s.lastSyncAt
		stats.LastSyncAt = &t
	}
	return stats, nil
}

// ListEvents lists events for operators
func (s *SyncService) ListEvents(ctx context.Context, filter model.SyncEventFilter) ([]*model.SyncEvent, error) {
	return s.events.ListSyncEvents(ctx, filter)
}

func (s *SyncService) runLoop() {
	defer s.wg.Done()

	ctx := context.Background()
	s.RunCycle(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	retention := time.NewTicker(s.config.CleanupInterval)
	defer retention.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		case <-s.triggerCh:
			s.RunCycle(ctx)
		case <-retention.C:
			if _, err := s.CleanupSyncedEvents(ctx, 0); err != nil {
				s.logger.Error("Synced event retention failed", zap.Error(err))
			}
		}
	}
}
