package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/metrics"
	"github.com/devrev/edgesync/internal/model"
)

func newCacheService(t *testing.T, cfg CacheServiceConfig, state *staticState, central *MockCentral) (*OfflineCacheService, *testClock) {
	t.Helper()
	st, clock := newTestStore(t)
	if central == nil {
		central = new(MockCentral)
	}
	svc := NewOfflineCacheService(st, st, state, central, cfg, metrics.NewMetrics("test", prometheus.NewRegistry()), zap.NewNop())
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc, clock
}

func TestCache_GetMissThenHit(t *testing.T) {
	svc, _ := newCacheService(t, CacheServiceConfig{}, &staticState{}, nil)
	ctx := context.Background()

	_, ok := svc.Get(ctx, "patient:1")
	assert.False(t, ok)

	require.NoError(t, svc.Set(ctx, "patient:1", []byte(`{"name":"Ana"}`), nil))

	data, ok := svc.Get(ctx, "patient:1")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Ana"}`, string(data))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.CacheHitsTotal))
}

func TestCache_DefaultTTLAndPriority(t *testing.T) {
	svc, clock := newCacheService(t, CacheServiceConfig{}, &staticState{}, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "exam:9", []byte("x"), nil))

	entry, err := svc.Lookup(ctx, "exam:9")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, entry.ExpiresAt.Sub(entry.CreatedAt))
	assert.Equal(t, model.PriorityMedium, entry.Priority)

	clock.Advance(24 * time.Hour)
	_, ok := svc.Get(ctx, "exam:9")
	assert.False(t, ok, "expired entries are never returned")
}

func TestCache_LookupDistinguishesOfflineUncached(t *testing.T) {
	state := &staticState{}
	svc, _ := newCacheService(t, CacheServiceConfig{}, state, nil)
	ctx := context.Background()

	_, err := svc.Lookup(ctx, "missing")
	assert.True(t, stderrors.Is(err, ErrCacheMiss))
	assert.False(t, stderrors.Is(err, errors.ErrOfflineUncached))

	state.offline = true
	assert.True(t, svc.IsOffline())
	_, err = svc.Lookup(ctx, "missing")
	assert.True(t, stderrors.Is(err, errors.ErrOfflineUncached))

	// cached data is still served while offline
	require.NoError(t, svc.Set(ctx, "present", []byte("v"), nil))
	data, ok := svc.Get(ctx, "present")
	assert.True(t, ok)
	assert.Equal(t, "v", string(data))
}

func TestCache_EvictsLowPriorityWhenFull(t *testing.T) {
	svc, clock := newCacheService(t, CacheServiceConfig{MaxSize: 10}, &staticState{}, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "low", []byte("v"), &SetOptions{Priority: model.PriorityLow}))
	for i := 0; i < 9; i++ {
		clock.Advance(time.Second)
		require.NoError(t, svc.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), &SetOptions{Priority: model.PriorityHigh}))
	}

	// overwriting at capacity never evicts
	require.NoError(t, svc.Set(ctx, "k0", []byte("v2"), &SetOptions{Priority: model.PriorityHigh}))
	_, ok := svc.Get(ctx, "low")
	require.True(t, ok)

	require.NoError(t, svc.Set(ctx, "new", []byte("v"), nil))

	_, ok = svc.Get(ctx, "low")
	assert.False(t, ok)
	_, ok = svc.Get(ctx, "new")
	assert.True(t, ok)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Entries)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestCache_ExpiredEntriesReclaimedBeforeEviction(t *testing.T) {
	svc, clock := newCacheService(t, CacheServiceConfig{MaxSize: 2}, &staticState{}, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "short", []byte("v"), &SetOptions{TTL: time.Minute}))
	require.NoError(t, svc.Set(ctx, "keep", []byte("v"), &SetOptions{Priority: model.PriorityLow}))
	clock.Advance(2 * time.Minute)

	require.NoError(t, svc.Set(ctx, "third", []byte("v"), nil))

	_, ok := svc.Get(ctx, "keep")
	assert.True(t, ok)
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Evictions)
	assert.Equal(t, uint64(1), stats.Expired)
}

func TestEvictionBatch(t *testing.T) {
	assert.Equal(t, 1000, evictionBatch(10000))
	assert.Equal(t, 2, evictionBatch(15))
	assert.Equal(t, 1, evictionBatch(1))
}

func TestCache_SetValidation(t *testing.T) {
	svc, _ := newCacheService(t, CacheServiceConfig{}, &staticState{}, nil)
	ctx := context.Background()

	assert.Error(t, svc.Set(ctx, "", []byte("v"), nil))
	assert.Error(t, svc.Set(ctx, "k", []byte("v"), &SetOptions{Priority: model.Priority(9)}))
	assert.Error(t, svc.Set(ctx, "k", []byte("v"), &SetOptions{Tags: []string{" "}}))
}

func TestCache_InvalidateTagsAndCleanup(t *testing.T) {
	svc, clock := newCacheService(t, CacheServiceConfig{}, &staticState{}, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "patient:1", []byte("a"), &SetOptions{Tags: []string{"patients"}}))
	require.NoError(t, svc.Set(ctx, "patient:2", []byte("b"), &SetOptions{Tags: []string{"patients", "ward-3"}}))
	require.NoError(t, svc.Set(ctx, "exam:1", []byte("c"), &SetOptions{TTL: time.Minute}))

	n, err := svc.InvalidateTags(ctx, []string{"patients"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = svc.InvalidateTags(ctx, nil)
	assert.Error(t, err)

	clock.Advance(time.Hour)
	n, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCache_FlushBacklog(t *testing.T) {
	central := new(MockCentral)
	svc, _ := newCacheService(t, CacheServiceConfig{MaxRetries: 2, ReplayWorkers: 2}, &staticState{}, central)
	ctx := context.Background()

	okOp, err := svc.EnqueueOperation(ctx, model.OperationTypeWrite, "patients", "create", []byte(`{"name":"Ana"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, okOp.MaxRetries)
	_, err = svc.EnqueueOperation(ctx, model.OperationTypeWrite, "exams/4", "update", []byte(`{"result":"ok"}`))
	require.NoError(t, err)

	central.On("ReplayOperation", mock.Anything, mock.MatchedBy(func(op *model.OfflineOperation) bool {
		return op.Resource == "patients"
	})).Return([]byte(`{"id":"p1"}`), nil)
	central.On("ReplayOperation", mock.Anything, mock.MatchedBy(func(op *model.OfflineOperation) bool {
		return op.Resource == "exams/4"
	})).Return(nil, fmt.Errorf("503 from central"))

	result, err := svc.FlushBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, &model.ReplayResult{Attempted: 2, Completed: 1, Retrying: 1}, result)

	result, err = svc.FlushBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, &model.ReplayResult{Attempted: 1, Failed: 1}, result)

	result, err = svc.FlushBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)

	st := svc.operations
	completed, err := st.ListOperations(ctx, model.OperationStatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.JSONEq(t, `{"id":"p1"}`, string(completed[0].Response))

	failed, err := st.ListOperations(ctx, model.OperationStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].RetryCount)
	require.NotNil(t, failed[0].LastError)
	assert.Contains(t, *failed[0].LastError, "503")
}

func TestCache_EnqueueValidation(t *testing.T) {
	svc, _ := newCacheService(t, CacheServiceConfig{}, &staticState{}, nil)

	_, err := svc.EnqueueOperation(context.Background(), model.OperationType("SCAN"), "patients", "create", nil)
	assert.Error(t, err)
	_, err = svc.EnqueueOperation(context.Background(), model.OperationTypeWrite, "/abs", "create", nil)
	assert.Error(t, err)
}

func TestCache_HandleOnlineFlushes(t *testing.T) {
	central := new(MockCentral)
	svc, _ := newCacheService(t, CacheServiceConfig{}, &staticState{}, central)
	ctx := context.Background()

	_, err := svc.EnqueueOperation(ctx, model.OperationTypeRead, "patients", "list", nil)
	require.NoError(t, err)
	central.On("ReplayOperation", mock.Anything, mock.Anything).Return([]byte(`[]`), nil).Once()

	svc.HandleOnline(ctx, ConnectivityOffline)

	central.AssertExpectations(t)
	pending, err := svc.operations.GetPendingOperations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCache_OfflineWritesReplayedOnReconnect(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	central := new(MockCentral)
	m := metrics.NewMetrics("test", prometheus.NewRegistry())

	connectivity := NewConnectivityService(central, time.Hour, m, zap.NewNop())
	svc := NewOfflineCacheService(st, st, connectivity, central, CacheServiceConfig{MaxRetries: 3}, m, zap.NewNop())
	t.Cleanup(func() { svc.Shutdown(ctx) })
	connectivity.OnOnline(svc.HandleOnline)

	central.On("Health", mock.Anything).Return(fmt.Errorf("dial tcp: connection refused")).Twice()
	assert.False(t, connectivity.CheckConnectivity(ctx))
	assert.False(t, connectivity.CheckConnectivity(ctx))
	require.True(t, svc.IsOffline())

	for i, op := range []string{"create", "update", "delete"} {
		_, err := svc.EnqueueOperation(ctx, model.OperationTypeWrite, fmt.Sprintf("patients/p-%d", i), op,
			[]byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
	pending, err := st.GetPendingOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	central.AssertNotCalled(t, "ReplayOperation", mock.Anything, mock.Anything)

	central.On("Health", mock.Anything).Return(nil).Once()
	central.On("ReplayOperation", mock.Anything, mock.Anything).Return([]byte(`{"ok":true}`), nil).Times(3)

	require.True(t, connectivity.CheckConnectivity(ctx))
	assert.False(t, svc.IsOffline())

	central.AssertExpectations(t)
	pending, err = st.GetPendingOperations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	completed, err := st.ListOperations(ctx, model.OperationStatusCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, completed, 3)
	for _, op := range completed {
		assert.Equal(t, 0, op.RetryCount)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OfflineReplayTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectsTotal))
}
