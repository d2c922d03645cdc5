package store

import (
	"context"
	"time"

	"github.com/devrev/edgesync/internal/model"
)

// CacheStore persists offline cache entries
type CacheStore interface {
	SetCache(ctx context.Context, entry *CacheWrite) error
	GetCache(ctx context.Context, key string) (*model.CacheEntry, bool, error)
	PeekCache(ctx context.Context, key string) (*model.CacheEntry, bool, error)
	DeleteCache(ctx context.Context, key string) (bool, error)
	DeleteCacheByTags(ctx context.Context, tags []string) (int64, error)
	CleanupExpiredCache(ctx context.Context) (int64, error)
	CountCache(ctx context.Context) (int64, error)
	EvictCache(ctx context.Context, n int) (int64, error)
	ListCache(ctx context.Context, prefix string, limit int) ([]*model.CacheEntry, error)
}

// SyncEventStore persists change events awaiting replication
type SyncEventStore interface {
	CreateSyncEvent(ctx context.Context, event *model.SyncEvent) error
	GetPendingSyncEvents(ctx context.Context, limit int) ([]*model.SyncEvent, error)
	UpdateSyncEventStatus(ctx context.Context, id string, synced bool, errMsg string) error
	MarkEventsSynced(ctx context.Context, ids []string) (int64, error)
	IncrementPendingRetries(ctx context.Context, errMsg string) (int64, error)
	ListSyncEvents(ctx context.Context, filter model.SyncEventFilter) ([]*model.SyncEvent, error)
	CountSyncEvents(ctx context.Context) (*EventCounts, error)
	DeleteSyncedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OperationStore persists offline operations awaiting replay
type OperationStore interface {
	CreateOfflineOperation(ctx context.Context, op *model.OfflineOperation) error
	GetPendingOperations(ctx context.Context, limit int) ([]*model.OfflineOperation, error)
	UpdateOperationStatus(ctx context.Context, id string, status model.OperationStatus, response []byte, errMsg string) error
	ListOperations(ctx context.Context, status model.OperationStatus, limit int) ([]*model.OfflineOperation, error)
}

// CacheWrite is the input of SetCache
type CacheWrite struct {
	Key      string
	Data     []byte
	TTL      time.Duration
	Tags     []string
	Priority model.Priority
}

// EventCounts aggregates sync events by state
type EventCounts struct {
	Pending int64
	Synced  int64
	Failed  int64
}

var (
	_ CacheStore     = (*Store)(nil)
	_ SyncEventStore = (*Store)(nil)
	_ OperationStore = (*Store)(nil)
)
