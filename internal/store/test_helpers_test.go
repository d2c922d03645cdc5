package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devrev/edgesync/internal/model"
)

// fakeClock is a manually advanced clock for TTL and ordering tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// createTestStore opens a store in a temporary directory.
func createTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func createTestEvent(id string, ts time.Time) *model.SyncEvent {
	payload, _ := model.NewChangePayload("patients", model.OperationUpdate, map[string]string{"id": id})
	return &model.SyncEvent{
		ID:              id,
		TableName:       "patients",
		Operation:       model.OperationUpdate,
		RecordID:        "rec-" + id,
		EstablishmentID: "clinic-01",
		Payload:         payload,
		Timestamp:       ts,
	}
}

func createTestOperation(id string, ts time.Time, maxRetries int) *model.OfflineOperation {
	return &model.OfflineOperation{
		ID:         id,
		Type:       model.OperationTypeWrite,
		Resource:   "patients",
		Operation:  "create",
		Data:       []byte(`{"name":"Ana"}`),
		Timestamp:  ts,
		MaxRetries: maxRetries,
	}
}
