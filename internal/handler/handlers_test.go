package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/middleware"
	"github.com/devrev/edgesync/internal/model"
	"github.com/devrev/edgesync/internal/service"
)

// MockSync is a mock implementation of SyncAPI
type MockSync struct {
	mock.Mock
}

func (m *MockSync) GetSyncStats(ctx context.Context) (*model.SyncStats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*model.SyncStats)
	return stats, args.Error(1)
}

func (m *MockSync) ListEvents(ctx context.Context, filter model.SyncEventFilter) ([]*model.SyncEvent, error) {
	args := m.Called(ctx, filter)
	events, _ := args.Get(0).([]*model.SyncEvent)
	return events, args.Error(1)
}

func (m *MockSync) TriggerSync(ctx context.Context) (*model.SyncCycleResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*model.SyncCycleResult)
	return result, args.Error(1)
}

func (m *MockSync) CleanupSyncedEvents(ctx context.Context, daysToKeep int) (int64, error) {
	args := m.Called(ctx, daysToKeep)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSync) RecordEvent(ctx context.Context, tableName string, op model.Operation, recordID string, data interface{}, establishmentID string) (*model.SyncEvent, error) {
	args := m.Called(ctx, tableName, op, recordID, data, establishmentID)
	event, _ := args.Get(0).(*model.SyncEvent)
	return event, args.Error(1)
}

// MockCache is a mock implementation of CacheAPI
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Lookup(ctx context.Context, key string) (*model.CacheEntry, error) {
	args := m.Called(ctx, key)
	entry, _ := args.Get(0).(*model.CacheEntry)
	return entry, args.Error(1)
}

func (m *MockCache) Set(ctx context.Context, key string, value []byte, opts *service.SetOptions) error {
	return m.Called(ctx, key, value, opts).Error(0)
}

func (m *MockCache) Delete(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) InvalidateTags(ctx context.Context, tags []string) (int64, error) {
	args := m.Called(ctx, tags)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) List(ctx context.Context, prefix string, limit int) ([]*model.CacheEntry, error) {
	args := m.Called(ctx, prefix, limit)
	entries, _ := args.Get(0).([]*model.CacheEntry)
	return entries, args.Error(1)
}

func (m *MockCache) CleanupExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) Stats(ctx context.Context) (*model.CacheStats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*model.CacheStats)
	return stats, args.Error(1)
}

func (m *MockCache) EnqueueOperation(ctx context.Context, opType model.OperationType, resource, operation string, data json.RawMessage) (*model.OfflineOperation, error) {
	args := m.Called(ctx, opType, resource, operation, data)
	op, _ := args.Get(0).(*model.OfflineOperation)
	return op, args.Error(1)
}

func (m *MockCache) FlushBacklog(ctx context.Context) (*model.ReplayResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*model.ReplayResult)
	return result, args.Error(1)
}

type fakeConnectivity struct {
	status service.ConnectivityStatus
	probes int
}

func (f *fakeConnectivity) Status() service.ConnectivityStatus { return f.status }

func (f *fakeConnectivity) CheckConnectivity(ctx context.Context) bool {
	f.probes++
	f.status = service.ConnectivityStatus{State: "online"}
	return true
}

type fakeReporter []model.ServiceStatus

func (f fakeReporter) Report() []model.ServiceStatus { return f }

type apiFixture struct {
	router       http.Handler
	sync         *MockSync
	cache        *MockCache
	connectivity *fakeConnectivity
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		sync:         new(MockSync),
		cache:        new(MockCache),
		connectivity: &fakeConnectivity{status: service.ConnectivityStatus{State: "offline", Offline: true}},
	}
	h := NewHandlers(Config{
		Sync:         f.sync,
		Cache:        f.cache,
		Connectivity: f.connectivity,
		Services:     fakeReporter{{Name: "local-store", Initialized: true, Healthy: true}},
	}, zap.NewNop())

	r := mux.NewRouter()
	h.RegisterRoutes(r.PathPrefix("/v1").Subrouter())
	f.router = middleware.RequestID(r)

	t.Cleanup(func() {
		f.sync.AssertExpectations(t)
		f.cache.AssertExpectations(t)
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestGetSyncStats(t *testing.T) {
	f := newAPIFixture(t)
	f.sync.On("GetSyncStats", mock.Anything).Return(&model.SyncStats{Pending: 4, State: model.SyncStateIdle}, nil)

	rec := f.do(t, http.MethodGet, "/v1/sync/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats model.SyncStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(4), stats.Pending)
}

func TestListSyncEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.sync.On("ListEvents", mock.Anything, model.SyncEventFilter{Status: model.SyncEventFailed, Limit: 20, Offset: 40}).
		Return([]*model.SyncEvent{{ID: "ev-1"}}, nil)

	rec := f.do(t, http.MethodGet, "/v1/sync/events?status=FAILED&limit=20&offset=40", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestListSyncEvents_Validation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []string{
		"/v1/sync/events?status=lost",
		"/v1/sync/events?limit=0",
		"/v1/sync/events?limit=5000",
		"/v1/sync/events?offset=-1",
	}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, path, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, ErrorCodeInvalidRequest, resp.ErrorCode)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestTriggerSync(t *testing.T) {
	f := newAPIFixture(t)
	f.sync.On("TriggerSync", mock.Anything).Return(&model.SyncCycleResult{Drained: 2, Synced: 2}, nil).Once()
	f.sync.On("TriggerSync", mock.Anything).Return(nil, errors.ErrSyncInFlight).Once()

	rec := f.do(t, http.MethodPost, "/v1/sync/trigger", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"synced":2`)

	rec = f.do(t, http.MethodPost, "/v1/sync/trigger", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrorCodeSyncInFlight, decodeError(t, rec).ErrorCode)
}

func TestCleanupSyncedEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.sync.On("CleanupSyncedEvents", mock.Anything, 0).Return(int64(3), nil).Once()
	f.sync.On("CleanupSyncedEvents", mock.Anything, 7).Return(int64(1), nil).Once()

	rec := f.do(t, http.MethodPost, "/v1/sync/cleanup", "")
	assert.JSONEq(t, `{"deleted":3}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/sync/cleanup?days=7", "")
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/sync/cleanup?days=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordEvent(t *testing.T) {
	f := newAPIFixture(t)
	f.sync.On("RecordEvent", mock.Anything, "vital_signs", model.OperationCreate, "vs-1",
		json.RawMessage(`{"pulse":72}`), "").
		Return(&model.SyncEvent{ID: "ev-1", TableName: "vital_signs"}, nil)
	f.sync.On("RecordEvent", mock.Anything, "patients", model.OperationDelete, "p-1", nil, "").
		Return(&model.SyncEvent{ID: "ev-2", TableName: "patients"}, nil)

	rec := f.do(t, http.MethodPost, "/v1/events",
		`{"table":"vital_signs","operation":"create","record_id":"vs-1","data":{"pulse":72}}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"ev-1"`)

	rec = f.do(t, http.MethodPost, "/v1/events", `{"table":"patients","operation":"DELETE","record_id":"p-1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/events", `{"table":"patients","operation":"UPSERT","record_id":"p-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/events", `{"table":"patients","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordEvent_ServiceValidationError(t *testing.T) {
	f := newAPIFixture(t)
	f.sync.On("RecordEvent", mock.Anything, "Bad;", model.OperationUpdate, "p-1", mock.Anything, "").
		Return(nil, errors.InvalidArgument("invalid table name", nil))

	rec := f.do(t, http.MethodPost, "/v1/events", `{"table":"Bad;","operation":"UPDATE","record_id":"p-1","data":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid table name", decodeError(t, rec).Message)
}

func TestEnqueueOperation(t *testing.T) {
	f := newAPIFixture(t)
	f.cache.On("EnqueueOperation", mock.Anything, model.OperationTypeWrite, "patients", "create",
		json.RawMessage(`{"name":"Ana"}`)).
		Return(&model.OfflineOperation{ID: "op-1", Status: model.OperationStatusPending}, nil)

	rec := f.do(t, http.MethodPost, "/v1/operations",
		`{"type":"write","resource":"patients","operation":"create","data":{"name":"Ana"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)
}

func TestFlushOperations(t *testing.T) {
	f := newAPIFixture(t)
	f.cache.On("FlushBacklog", mock.Anything).Return(&model.ReplayResult{Attempted: 2, Completed: 2}, nil)

	rec := f.do(t, http.MethodPost, "/v1/operations/flush", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"completed":2`)
}

func TestGetCacheEntry(t *testing.T) {
	f := newAPIFixture(t)
	f.cache.On("Lookup", mock.Anything, "patient:42/profile").
		Return(&model.CacheEntry{Key: "patient:42/profile", Data: []byte(`{"name":"Ana"}`), Priority: model.PriorityHigh}, nil)
	f.cache.On("Lookup", mock.Anything, "missing").Return(nil, errors.NotFound("cache entry", "missing"))
	f.cache.On("Lookup", mock.Anything, "remote").Return(nil, errors.OfflineUncached("remote"))

	rec := f.do(t, http.MethodGet, "/v1/cache/patient:42/profile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, map[string]interface{}{"name": "Ana"}, entry["value"])
	assert.Equal(t, "high", entry["priority"])

	rec = f.do(t, http.MethodGet, "/v1/cache/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrorCodeNotFound, decodeError(t, rec).ErrorCode)

	rec = f.do(t, http.MethodGet, "/v1/cache/remote", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ErrorCodeOfflineUncached, decodeError(t, rec).ErrorCode)
}

func TestPutCacheEntry(t *testing.T) {
	f := newAPIFixture(t)
	f.cache.On("Set", mock.Anything, "patient:42", []byte(`{"name":"Ana"}`), &service.SetOptions{
		TTL:      30 * time.Minute,
		Tags:     []string{"patients"},
		Priority: model.PriorityHigh,
	}).Return(nil)

	rec := f.do(t, http.MethodPut, "/v1/cache/patient:42",
		`{"value":{"name":"Ana"},"ttl":"30m","tags":["patients"],"priority":"high"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/cache/patient:42", `{"value":1,"ttl":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/cache/patient:42", `{"ttl":"1h"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteCacheEntry(t *testing.T) {
	f := newAPIFixture(t)
	f.cache.On("Delete", mock.Anything, "patient:42").Return(true, nil).Once()
	f.cache.On("Delete", mock.Anything, "patient:42").Return(false, nil).Once()

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/cache/patient:42", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/cache/patient:42", "").Code)
}

func TestCacheMaintenanceRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.cache.On("Stats", mock.Anything).Return(&model.CacheStats{Entries: 3, MaxSize: 10}, nil)
	f.cache.On("List", mock.Anything, "patient:", 100).
		Return([]*model.CacheEntry{{Key: "patient:1", Data: []byte("x")}}, nil)
	f.cache.On("InvalidateTags", mock.Anything, []string{"patients"}).Return(int64(2), nil)
	f.cache.On("CleanupExpired", mock.Anything).Return(int64(5), nil)

	rec := f.do(t, http.MethodGet, "/v1/cache/stats", "")
	assert.Contains(t, rec.Body.String(), `"entries":3`)

	rec = f.do(t, http.MethodGet, "/v1/cache?prefix=patient:", "")
	assert.Contains(t, rec.Body.String(), `"key":"patient:1"`)
	assert.NotContains(t, rec.Body.String(), `"raw"`, "listings omit values")

	rec = f.do(t, http.MethodPost, "/v1/cache/invalidate", `{"tags":["patients"]}`)
	assert.JSONEq(t, `{"invalidated":2}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/cache/invalidate", `{"tags":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/cache/cleanup", "")
	assert.JSONEq(t, `{"expired":5}`, rec.Body.String())
}

func TestConnectivityAndServices(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/connectivity", "")
	assert.Contains(t, rec.Body.String(), `"offline":true`)

	rec = f.do(t, http.MethodPost, "/v1/connectivity/probe", "")
	assert.Contains(t, rec.Body.String(), `"state":"online"`)
	assert.Equal(t, 1, f.connectivity.probes)

	rec = f.do(t, http.MethodGet, "/v1/services", "")
	assert.Contains(t, rec.Body.String(), `"name":"local-store"`)

	rec = f.do(t, http.MethodGet, "/v1/peers", "")
	assert.JSONEq(t, `{"peers":[],"count":0}`, rec.Body.String())
}

func TestInternalErrorsUseStandardFormat(t *testing.T) {
	f := newAPIFixture(t)
	f.sync.On("GetSyncStats", mock.Anything).Return(nil, errors.StorageFailed("disk I/O error", nil))

	rec := f.do(t, http.MethodGet, "/v1/sync/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, ErrorCodeInternalError, resp.ErrorCode)
	assert.Contains(t, resp.Message, "disk I/O error")
}
