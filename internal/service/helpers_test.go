package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devrev/edgesync/internal/model"
	"github.com/devrev/edgesync/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*store.Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	s, err := store.Open(filepath.Join(t.TempDir(), "edge.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// MockCentral is a mock implementation of the central transport
type MockCentral struct {
	mock.Mock
}

func (m *MockCentral) SendEvents(ctx context.Context, pkg *model.SecureSyncPackage) (*model.SyncResponse, error) {
	args := m.Called(ctx, pkg)
	resp, _ := args.Get(0).(*model.SyncResponse)
	return resp, args.Error(1)
}

func (m *MockCentral) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCentral) ReplayOperation(ctx context.Context, op *model.OfflineOperation) ([]byte, error) {
	args := m.Called(ctx, op)
	resp, _ := args.Get(0).([]byte)
	return resp, args.Error(1)
}

// stubPackager records the batches it was asked to wrap
type stubPackager struct {
	mu      sync.Mutex
	batches [][]*model.SyncEvent
	err     error
}

func (p *stubPackager) CreateSecureSyncPackage(events []*model.SyncEvent, establishmentID string) (*model.SecureSyncPackage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.batches = append(p.batches, events)
	return &model.SecureSyncPackage{Token: "t", Data: "d", Hash: "h", Timestamp: time.Now()}, nil
}

// staticState is a fixed connectivity answer
type staticState struct {
	offline bool
}

func (s *staticState) IsOffline() bool { return s.offline }

func eventIDs(events []*model.SyncEvent) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}
