package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/model"
)

const operationColumns = `id, type, resource, operation, data, timestamp, retry_count, max_retries,
	status, response, last_error, updated_at`

// CreateOfflineOperation queues an operation captured while offline
func (s *Store) CreateOfflineOperation(ctx context.Context, op *model.OfflineOperation) error {
	if op.ID == "" {
		return errors.InvalidArgument("offline operation id is required", nil)
	}
	now := s.now()
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}
	if op.Status == "" {
		op.Status = model.OperationStatusPending
	}
	op.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
	`, op.ID, string(op.Type), op.Resource, op.Operation, []byte(op.Data), toNanos(op.Timestamp),
		op.RetryCount, op.MaxRetries, string(op.Status), toNanos(now))
	if err != nil {
		return errors.StorageFailed("failed to insert offline operation", err).WithDetail("operation_id", op.ID)
	}
	return nil
}

// GetPendingOperations returns pending operations that still have retries
// left, oldest first.
func (s *Store) GetPendingOperations(ctx context.Context, limit int) ([]*model.OfflineOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+` FROM offline_operations
		WHERE status = 'pending' AND retry_count < max_retries
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.StorageFailed("failed to query pending operations", err)
	}
	return collectOperations(rows)
}

// UpdateOperationStatus records a replay outcome. A non-empty errMsg marks
// a failed attempt and increments the retry count.
func (s *Store) UpdateOperationStatus(ctx context.Context, id string, status model.OperationStatus, response []byte, errMsg string) error {
	attempt := 0
	if errMsg != "" {
		attempt = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_operations
		SET status = ?,
			response = COALESCE(?, response),
			last_error = ?,
			retry_count = retry_count + ?,
			updated_at = ?
		WHERE id = ?
	`, string(status), response, nullableString(errMsg), attempt, toNanos(s.now()), id)
	if err != nil {
		return errors.StorageFailed("failed to update offline operation", err).WithDetail("operation_id", id)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.StorageFailed("failed to read rows affected", err)
	}
	if n == 0 {
		return errors.NotFound("offline operation", id)
	}
	return nil
}

// ListOperations lists operations in status, newest first. An empty status
// lists all of them.
func (s *Store) ListOperations(ctx context.Context, status model.OperationStatus, limit int) ([]*model.OfflineOperation, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch status {
	case "":
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+operationColumns+` FROM offline_operations ORDER BY timestamp DESC, id ASC LIMIT ?`, limit)
	case model.OperationStatusPending, model.OperationStatusCompleted, model.OperationStatusFailed:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+operationColumns+` FROM offline_operations WHERE status = ? ORDER BY timestamp DESC, id ASC LIMIT ?`,
			string(status), limit)
	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown operation status %q", status), nil)
	}
	if err != nil {
		return nil, errors.StorageFailed("failed to list offline operations", err)
	}
	return collectOperations(rows)
}

func collectOperations(rows *sql.Rows) ([]*model.OfflineOperation, error) {
	defer rows.Close()

	var ops []*model.OfflineOperation
	for rows.Next() {
		var (
			op                   model.OfflineOperation
			opType, status       string
			data, response       []byte
			timestamp, updatedAt int64
			lastError            sql.NullString
		)
		if err := rows.Scan(&op.ID, &opType, &op.Resource, &op.Operation, &data, &timestamp,
			&op.RetryCount, &op.MaxRetries, &status, &response, &lastError, &updatedAt); err != nil {
			return nil, errors.StorageFailed("failed to scan offline operation", err)
		}
		op.Type = model.OperationType(opType)
		op.Status = model.OperationStatus(status)
		op.Data = data
		op.Response = response
		op.Timestamp = fromNanos(timestamp)
		op.UpdatedAt = fromNanos(updatedAt)
		op.LastError = stringPtr(lastError)
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageFailed("failed to iterate offline operations", err)
	}
	return ops, nil
}
