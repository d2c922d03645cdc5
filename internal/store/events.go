package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/model"
)

const eventColumns = `id, table_name, operation, record_id, establishment_id, payload, timestamp,
	synced, synced_at, retry_count, last_error`

// CreateSyncEvent persists a new pending event
func (s *Store) CreateSyncEvent(ctx context.Context, event *model.SyncEvent) error {
	if event.ID == "" {
		return errors.InvalidArgument("sync event id is required", nil)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return errors.InvalidArgument("failed to marshal sync event payload", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, 0, NULL)
	`, event.ID, event.TableName, string(event.Operation), event.RecordID, event.EstablishmentID,
		payload, toNanos(event.Timestamp))
	if err != nil {
		return errors.StorageFailed("failed to insert sync event", err).WithDetail("event_id", event.ID)
	}
	return nil
}

// GetPendingSyncEvents returns up to limit unsynced events, oldest first
func (s *Store) GetPendingSyncEvents(ctx context.Context, limit int) ([]*model.SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM sync_events
		WHERE synced = 0
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.StorageFailed("failed to query pending sync events", err)
	}
	return collectEvents(rows)
}

// UpdateSyncEventStatus records the outcome of one delivery attempt.
// Every call counts as an attempt and increments the retry count.
func (s *Store) UpdateSyncEventStatus(ctx context.Context, id string, synced bool, errMsg string) error {
	var syncedAt interface{}
	if synced {
		syncedAt = toNanos(s.now())
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_events
		SET synced = ?,
			synced_at = COALESCE(?, synced_at),
			retry_count = retry_count + 1,
			last_error = ?
		WHERE id = ?
	`, boolToInt(synced), syncedAt, nullableString(errMsg), id)
	if err != nil {
		return errors.StorageFailed("failed to update sync event", err).WithDetail("event_id", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.StorageFailed("failed to read rows affected", err)
	}
	if n == 0 {
		return errors.NotFound("sync event", id)
	}
	return nil
}

// MarkEventsSynced flags the acknowledged events as synced and returns how
// many pending events changed state.
func (s *Store) MarkEventsSynced(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.StorageFailed("failed to begin reconciliation", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE sync_events
		SET synced = 1, synced_at = ?, last_error = NULL
		WHERE id = ? AND synced = 0
	`)
	if err != nil {
		return 0, errors.StorageFailed("failed to prepare reconciliation", err)
	}
	defer stmt.Close()

	now := toNanos(s.now())
	var total int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, now, id)
		if err != nil {
			return 0, errors.StorageFailed("failed to mark sync event synced", err).WithDetail("event_id", id)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.StorageFailed("failed to commit reconciliation", err)
	}
	return total, nil
}

// IncrementPendingRetries bumps the retry count of every pending event
func (s *Store) IncrementPendingRetries(ctx context.Context, errMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_events
		SET retry_count = retry_count + 1, last_error = ?
		WHERE synced = 0
	`, nullableString(errMsg))
	if err != nil {
		return 0, errors.StorageFailed("failed to increment pending retries", err)
	}
	return res.RowsAffected()
}

// ListSyncEvents lists events for operators
func (s *Store) ListSyncEvents(ctx context.Context, filter model.SyncEventFilter) ([]*model.SyncEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var where, order string
	switch filter.Status {
	case model.SyncEventPending:
		where, order = "WHERE synced = 0", "timestamp ASC, id ASC"
	case model.SyncEventSynced:
		where, order = "WHERE synced = 1", "synced_at DESC, id ASC"
	case model.SyncEventFailed:
		where, order = "WHERE synced = 0 AND last_error IS NOT NULL", "timestamp ASC, id ASC"
	case "":
		where, order = "", "timestamp DESC, id ASC"
	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown sync event status %q", filter.Status), nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM sync_events `+where+` ORDER BY `+order+` LIMIT ? OFFSET ?`,
		limit, filter.Offset)
	if err != nil {
		return nil, errors.StorageFailed("failed to list sync events", err)
	}
	return collectEvents(rows)
}

// CountSyncEvents aggregates events by state. Failed events are pending
// events whose last attempt recorded an error.
func (s *Store) CountSyncEvents(ctx context.Context) (*EventCounts, error) {
	var c EventCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND last_error IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM sync_events
	`).Scan(&c.Pending, &c.Synced, &c.Failed)
	if err != nil {
		return nil, errors.StorageFailed("failed to count sync events", err)
	}
	return &c, nil
}

// DeleteSyncedEventsBefore purges synced events acknowledged before cutoff
func (s *Store) DeleteSyncedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE synced = 1 AND synced_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, errors.StorageFailed("failed to purge synced events", err)
	}
	return res.RowsAffected()
}

func collectEvents(rows *sql.Rows) ([]*model.SyncEvent, error) {
	defer rows.Close()

	var events []*model.SyncEvent
	for rows.Next() {
		var (
			event     model.SyncEvent
			operation string
			payload   []byte
			timestamp int64
			synced    int
			syncedAt  sql.NullInt64
			lastError sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.TableName, &operation, &event.RecordID, &event.EstablishmentID,
			&payload, &timestamp, &synced, &syncedAt, &event.RetryCount, &lastError); err != nil {
			return nil, errors.StorageFailed("failed to scan sync event", err)
		}

		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, errors.NewSyncError(errors.ErrCodeStorage, "corrupted sync event payload", err).
				WithDetail("event_id", event.ID)
		}
		event.Operation = model.Operation(operation)
		event.Timestamp = fromNanos(timestamp)
		event.Synced = synced == 1
		if syncedAt.Valid {
			t := fromNanos(syncedAt.Int64)
			event.SyncedAt = &t
		}
		event.LastError = stringPtr(lastError)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageFailed("failed to iterate sync events", err)
	}
	return events, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
