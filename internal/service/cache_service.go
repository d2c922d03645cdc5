package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
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
	"github.com/devrev/edgesync/internal/util/workerpool"
	"github.com/devrev/edgesync/internal/validation"
)

// ErrCacheMiss is returned by Lookup when the key is absent while online
var ErrCacheMiss = errors.ErrNotFound

// OperationReplayer replays captured offline operations against the central system
type OperationReplayer interface {
	ReplayOperation(ctx context.Context, op *model.OfflineOperation) ([]byte, error)
}

// OfflineState reports the last-known connectivity
type OfflineState interface {
	IsOffline() bool
}

// SetOptions tunes a cache write. Zero values take the configured defaults.
type SetOptions struct {
	TTL      time.Duration
	Tags     []string
	Priority model.Priority
}

// CacheServiceConfig holds offline cache settings
type CacheServiceConfig struct {
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	MaxRetries      int
	ReplayWorkers   int
	ReplayBatchSize int
}

// OfflineCacheService is a persistent, bounded read cache plus the queue of
// operations captured while the central system is unreachable.
type OfflineCacheService struct {
	cache        store.CacheStore
	operations   store.OperationStore
	connectivity OfflineState
	replayer     OperationReplayer
	validator    *validation.Validator
	metrics      *metrics.Metrics
	logger       *zap.Logger
	config       CacheServiceConfig

	pool     *workerpool.WorkerPool
	flushMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// NewOfflineCacheService creates the offline cache engine
func NewOfflineCacheService(
	cache store.CacheStore,
	operations store.OperationStore,
	connectivity OfflineState,
	replayer OperationReplayer,
	cfg CacheServiceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *OfflineCacheService {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = 100
	}

	return &OfflineCacheService{
		cache:        cache,
		operations:   operations,
		connectivity: connectivity,
		replayer:     replayer,
		validator:    validation.NewValidator(),
		metrics:      m,
		logger:       logger,
		config:       cfg,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "offline-replay",
			MaxWorkers: cfg.ReplayWorkers,
			QueueSize:  cfg.ReplayBatchSize,
			Logger:     logger,
		}),
		stopCh: make(chan struct{}),
	}
}

// Name implements lifecycle.Service
func (s *OfflineCacheService) Name() string {
	return "offline-cache"
}

// Initialize starts the expiry sweep
func (s *OfflineCacheService) Initialize(ctx context.Context) error {
	s.logger.Info("Starting offline cache",
		zap.Int("max_size", s.config.MaxSize),
		zap.Duration("default_ttl", s.config.DefaultTTL),
		zap.Duration("cleanup_interval", s.config.CleanupInterval))

	s.wg.Add(1)
	go s.cleanupLoop()
	return nil
}

// Shutdown stops the sweep and the replay workers
func (s *OfflineCacheService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return s.pool.Stop(timeout)
}

// HealthCheck verifies the backing store answers
func (s *OfflineCacheService) HealthCheck(ctx context.Context) error {
	_, err := s.cache.CountCache(ctx)
	return err
}

// IsOffline returns the last-known connectivity. Before the first probe
// the node is assumed online.
func (s *OfflineCacheService) IsOffline() bool {
	if s.connectivity == nil {
		return false
	}
	return s.connectivity.IsOffline()
}

// Get returns the cached value. Misses, expiry and store faults all read as a miss.
func (s *OfflineCacheService) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, false
	}
	return entry.Data, true
}

// Lookup returns the cached entry, ErrCacheMiss when it is absent, or
// ErrOfflineUncached when it is absent and the node is offline.
func (s *OfflineCacheService) Lookup(ctx context.Context, key string) (*model.CacheEntry, error) {
	entry, found, err := s.cache.GetCache(ctx, key)
	if err != nil {
		s.logger.Warn("Cache read failed, treating as miss",
			zap.String("key", key),
			zap.Error(err))
		found = false
	}

	if found {
		atomic.AddUint64(&s.hits, 1)
		s.metrics.RecordCacheHit()
		return entry, nil
	}

	atomic.AddUint64(&s.misses, 1)
	s.metrics.RecordCacheMiss()
	if s.IsOffline() {
		return nil, errors.OfflineUncached(key)
	}
	return nil, errors.NotFound("cache entry", key)
}

// Set stores value under key, evicting about a tenth of the cache first
// when it is full.
func (s *OfflineCacheService) Set(ctx context.Context, key string, value []byte, opts *SetOptions) error {
	if opts == nil {
		opts = &SetOptions{}
	}
	if err := s.validator.ValidateCacheWrite(key, value, opts.Tags); err != nil {
		return err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	priority := opts.Priority
	if priority == 0 {
		priority = model.PriorityMedium
	}
	if !priority.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("invalid priority %d", int(priority)), nil)
	}

	if err := s.ensureCapacity(ctx, key); err != nil {
		return err
	}

	return s.cache.SetCache(ctx, &store.CacheWrite{
		Key:      key,
		Data:     value,
		TTL:      ttl,
		Tags:     opts.Tags,
		Priority: priority,
	})
}

// ensureCapacity evicts when the cache is at or above its maximum size.
// Overwriting an existing key does not grow the cache and never evicts.
func (s *OfflineCacheService) ensureCapacity(ctx context.Context, key string) error {
	count, err := s.cache.CountCache(ctx)
	if err != nil {
		return err
	}
	if count < int64(s.config.MaxSize) {
		return nil
	}
	if _, exists, err := s.cache.PeekCache(ctx, key); err == nil && exists {
		return nil
	}

	// expired rows are free to reclaim before live ones are evicted
	expired, err := s.cache.CleanupExpiredCache(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		atomic.AddUint64(&s.expired, uint64(expired))
		s.metrics.RecordCacheExpired(expired)
		count -= expired
		if count < int64(s.config.MaxSize) {
			return nil
		}
	}

	n := evictionBatch(s.config.MaxSize)
	evicted, err := s.cache.EvictCache(ctx, n)
	if err != nil {
		return err
	}
	atomic.AddUint64(&s.evictions, uint64(evicted))
	s.metrics.RecordCacheEvictions(evicted)

	s.logger.Info("Evicted cache entries",
		zap.Int64("evicted", evicted),
		zap.Int64("size", count),
		zap.Int("max_size", s.config.MaxSize))
	return nil
}

// evictionBatch is ceil(10% of maxSize), at least one entry
func evictionBatch(maxSize int) int {
	n := (maxSize + 9) / 10
	if n < 1 {
		n = 1
	}
	return n
}

// Delete removes one entry
func (s *OfflineCacheService) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.validator.ValidateKey(key); err != nil {
		return false, err
	}
	return s.cache.DeleteCache(ctx, key)
}

// InvalidateTags removes every entry carrying any of tags
func (s *OfflineCacheService) InvalidateTags(ctx context.Context, tags []string) (int64, error) {
	if len(tags) == 0 {
		return 0, errors.InvalidArgument("at least one tag is required", nil)
	}
	if err := validation.ValidateTags(tags); err != nil {
		return 0, err
	}
	n, err := s.cache.DeleteCacheByTags(ctx, tags)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Invalidated cache tags", zap.Strings("tags", tags), zap.Int64("removed", n))
	return n, nil
}

// List returns up to limit entries whose key starts with prefix
func (s *OfflineCacheService) List(ctx context.Context, prefix string, limit int) ([]*model.CacheEntry, error) {
	return s.cache.ListCache(ctx, prefix, limit)
}

// CleanupExpired removes expired entries and returns how many were removed
func (s *OfflineCacheService) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.cache.CleanupExpiredCache(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		atomic.AddUint64(&s.expired, uint64(n))
		s.metrics.RecordCacheExpired(n)
		s.logger.Debug("Removed expired cache entries", zap.Int64("count", n))
	}
	return n, nil
}

// Stats returns cache occupancy and effectiveness counters
func (s *OfflineCacheService) Stats(ctx context.Context) (*model.CacheStats, error) {
	entries, err := s.cache.CountCache(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.UpdateCacheEntries(entries)

	hits := atomic.LoadUint64(&s.hits)
	misses := atomic.LoadUint64(&s.misses)
	stats := &model.CacheStats{
		Entries:   entries,
		MaxSize:   s.config.MaxSize,
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadUint64(&s.evictions),
		Expired:   atomic.LoadUint64(&s.expired),
		Offline:   s.IsOffline(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

// EnqueueOperation captures a client operation for replay once the central
// system is reachable again.
func (s *OfflineCacheService) EnqueueOperation(
	ctx context.Context,
	opType model.OperationType,
	resource, operation string,
	data json.RawMessage,
) (*model.OfflineOperation, error) {
	op := &model.OfflineOperation{
		ID:         uuid.New().String(),
		Type:       opType,
		Resource:   resource,
		Operation:  operation,
		Data:       data,
		MaxRetries: s.config.MaxRetries,
		Status:     model.OperationStatusPending,
	}
	if err := validation.ValidateOperation(op); err != nil {
		return nil, err
	}
	if err := s.operations.CreateOfflineOperation(ctx, op); err != nil {
		return nil, err
	}

	s.logger.Info("Queued offline operation",
		zap.String("operation_id", op.ID),
		zap.String("type", string(op.Type)),
		zap.String("resource", op.Resource),
		zap.String("operation", op.Operation))
	return op, nil
}

// HandleOnline flushes the backlog whenever connectivity is restored
func (s *OfflineCacheService) HandleOnline(ctx context.Context, from ConnectivityState) {
	result, err := s.FlushBacklog(ctx)
	if err != nil {
		s.logger.Error("Offline backlog flush failed", zap.Error(err))
		return
	}
	if result.Attempted > 0 {
		s.logger.Info("Offline backlog flushed",
			zap.String("from", from.String()),
			zap.Int("attempted", result.Attempted),
			zap.Int("completed", result.Completed),
			zap.Int("retrying", result.Retrying),
			zap.Int("failed", result.Failed))
	}
}

// FlushBacklog replays pending offline operations on the worker pool, one
// batch per pass, until nothing replayable remains. Failed attempts stay
// pending until they reach their retry limit.
func (s *OfflineCacheService) FlushBacklog(ctx context.Context) (*model.ReplayResult, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	result := &model.ReplayResult{}
	seen := make(map[string]bool)

	for {
		// retried operations stay pending, so skip past the ones already tried in this flush
		ops, err := s.operations.GetPendingOperations(ctx, s.config.ReplayBatchSize+len(seen))
		if err != nil {
			return result, err
		}

		batch := ops[:0]
		for _, op := range ops {
			if !seen[op.ID] {
				batch = append(batch, op)
			}
		}
		if len(batch) == 0 {
			return result, nil
		}

		tasks := make([]workerpool.Task, len(batch))
		for i, op := range batch {
			seen[op.ID] = true
			op := op
			tasks[i] = workerpool.Task{
				ID: op.ID,
				Fn: func(ctx context.Context) error {
					return s.replay(ctx, op)
				},
			}
		}

		errs := s.pool.RunAll(ctx, tasks)
		for i, err := range errs {
			result.Attempted++
			switch {
			case err == nil:
				result.Completed++
			case stderrors.Is(err, errRetryLater):
				result.Retrying++
			default:
				result.Failed++
				s.logger.Debug("Offline operation exhausted its retries",
					zap.String("operation_id", batch[i].ID),
					zap.Error(err))
			}
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}
}

var errRetryLater = stderrors.New("replay failed, will retry")

func (s *OfflineCacheService) replay(ctx context.Context, op *model.OfflineOperation) error {
	resp, err := s.replayer.ReplayOperation(ctx, op)
	if err == nil {
		s.metrics.RecordReplay("completed")
		return s.operations.UpdateOperationStatus(ctx, op.ID, model.OperationStatusCompleted, resp, "")
	}

	status, label := model.OperationStatusPending, "retrying"
	outcome := errRetryLater
	if op.RetryCount+1 >= op.MaxRetries {
		status, label = model.OperationStatusFailed, "failed"
		outcome = fmt.Errorf("replay failed after %d attempts: %w", op.RetryCount+1, err)
	}
	s.metrics.RecordReplay(label)

	s.logger.Warn("Offline operation replay failed",
		zap.String("operation_id", op.ID),
		zap.String("resource", op.Resource),
		zap.Int("attempt", op.RetryCount+1),
		zap.Int("max_retries", op.MaxRetries),
		zap.Error(err))

	if uerr := s.operations.UpdateOperationStatus(ctx, op.ID, status, nil, err.Error()); uerr != nil {
		return uerr
	}
	return outcome
}

func (s *OfflineCacheService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := s.CleanupExpired(ctx); err != nil {
				s.logger.Error("Cache expiry sweep failed", zap.Error(err))
			}
			cancel()

			if !s.IsOffline() {
				s.HandleOnline(context.Background(), ConnectivityOnline)
			}
		}
	}
}
