package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/model"
	"github.com/devrev/edgesync/internal/util"
)

const cacheColumns = `key, data, checksum, created_at, expires_at, priority, access_count, last_accessed_at`

// SetCache upserts a cache entry, recomputing its expiry from now. Existing
// access bookkeeping survives an overwrite; tags are replaced.
func (s *Store) SetCache(ctx context.Context, w *CacheWrite) error {
	if w.TTL <= 0 {
		return errors.InvalidArgument(fmt.Sprintf("cache ttl must be positive, got %s", w.TTL), nil)
	}
	priority := w.Priority
	if !priority.Valid() {
		priority = model.PriorityMedium
	}

	now := s.now()
	nowNanos := toNanos(now)
	expires := toNanos(now.Add(w.TTL))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageFailed("failed to begin cache write", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			checksum = excluded.checksum,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			priority = excluded.priority,
			last_accessed_at = excluded.last_accessed_at
	`, w.Key, w.Data, int64(util.ComputeChecksum(w.Data)), nowNanos, expires, int(priority), nowNanos)
	if err != nil {
		return errors.StorageFailed("failed to upsert cache entry", err).WithDetail("key", w.Key)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_tags WHERE key = ?`, w.Key); err != nil {
		return errors.StorageFailed("failed to clear cache tags", err).WithDetail("key", w.Key)
	}
	for _, tag := range w.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_tags (key, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`, w.Key, tag); err != nil {
			return errors.StorageFailed("failed to insert cache tag", err).WithDetail("key", w.Key)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageFailed("failed to commit cache write", err).WithDetail("key", w.Key)
	}
	return nil
}

// GetCache returns the unexpired entry for key and records the access.
// A checksum mismatch is returned as an error and leaves the access
// counters untouched.
func (s *Store) GetCache(ctx context.Context, key string) (*model.CacheEntry, bool, error) {
	now := s.now()
	nowNanos := toNanos(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.StorageFailed("failed to begin cache read", err)
	}
	defer tx.Rollback()

	entry, err := scanCacheEntry(tx.QueryRowContext(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries WHERE key = ? AND expires_at > ?`, key, nowNanos))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.StorageFailed("failed to read cache entry", err).WithDetail("key", key)
	}

	// a corrupt entry must not gain access credit that protects it from eviction
	if err := util.VerifyChecksum(entry.Data, entry.Checksum); err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE key = ?
	`, nowNanos, key); err != nil {
		return nil, false, errors.StorageFailed("failed to record cache access", err).WithDetail("key", key)
	}

	tags, err := queryTags(ctx, tx, key)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.StorageFailed("failed to commit cache read", err).WithDetail("key", key)
	}

	entry.Tags = tags
	entry.AccessCount++
	entry.LastAccessedAt = fromNanos(nowNanos)
	return entry, true, nil
}

// PeekCache returns the unexpired entry for key without recording an access
func (s *Store) PeekCache(ctx context.Context, key string) (*model.CacheEntry, bool, error) {
	entry, err := scanCacheEntry(s.db.QueryRowContext(ctx,
		`SELECT `+cacheColumns+` FROM cache_entries WHERE key = ? AND expires_at > ?`, key, toNanos(s.now())))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.StorageFailed("failed to read cache entry", err).WithDetail("key", key)
	}

	tags, err := queryTags(ctx, s.db, key)
	if err != nil {
		return nil, false, err
	}
	entry.Tags = tags
	return entry, true, nil
}

// DeleteCache removes one entry and reports whether it existed
func (s *Store) DeleteCache(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return false, errors.StorageFailed("failed to delete cache entry", err).WithDetail("key", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.StorageFailed("failed to read rows affected", err)
	}
	return n > 0, nil
}

// DeleteCacheByTags removes every entry carrying any of tags
func (s *Store) DeleteCacheByTags(ctx context.Context, tags []string) (int64, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	args := make([]interface{}, len(tags))
	for i, tag := range tags {
		args[i] = tag
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE key IN (SELECT DISTINCT key FROM cache_tags WHERE tag IN (`+placeholders+`))
	`, args...)
	if err != nil {
		return 0, errors.StorageFailed("failed to invalidate cache tags", err)
	}
	return res.RowsAffected()
}

// CleanupExpiredCache deletes every entry whose expiry has passed
func (s *Store) CleanupExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, toNanos(s.now()))
	if err != nil {
		return 0, errors.StorageFailed("failed to delete expired cache entries", err)
	}
	return res.RowsAffected()
}

// CountCache returns the number of stored entries, expired ones included
func (s *Store) CountCache(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, errors.StorageFailed("failed to count cache entries", err)
	}
	return n, nil
}

// EvictCache deletes up to n entries: lowest priority first, then least
// recently accessed, then least accessed.
func (s *Store) EvictCache(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE key IN (
			SELECT key FROM cache_entries
			ORDER BY priority ASC, last_accessed_at ASC, access_count ASC, key ASC
			LIMIT ?
		)
	`, n)
	if err != nil {
		return 0, errors.StorageFailed("failed to evict cache entries", err)
	}
	return res.RowsAffected()
}

// ListCache lists unexpired entries whose key starts with prefix
func (s *Store) ListCache(ctx context.Context, prefix string, limit int) ([]*model.CacheEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cacheColumns+` FROM cache_entries
		WHERE expires_at > ? AND substr(key, 1, ?) = ?
		ORDER BY key ASC
		LIMIT ?
	`, toNanos(s.now()), len(prefix), prefix, limit)
	if err != nil {
		return nil, errors.StorageFailed("failed to list cache entries", err)
	}
	defer rows.Close()

	var entries []*model.CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, errors.StorageFailed("failed to scan cache entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageFailed("failed to iterate cache entries", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func scanCacheEntry(row rowScanner) (*model.CacheEntry, error) {
	var (
		entry                          model.CacheEntry
		checksum                       int64
		createdAt, expiresAt, accessed int64
		priority                       int
	)
	if err := row.Scan(&entry.Key, &entry.Data, &checksum, &createdAt, &expiresAt,
		&priority, &entry.AccessCount, &accessed); err != nil {
		return nil, err
	}
	entry.Checksum = uint32(checksum)
	entry.CreatedAt = fromNanos(createdAt)
	entry.ExpiresAt = fromNanos(expiresAt)
	entry.Priority = model.Priority(priority)
	entry.LastAccessedAt = fromNanos(accessed)
	return &entry, nil
}

func queryTags(ctx context.Context, q queryer, key string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT tag FROM cache_tags WHERE key = ? ORDER BY tag`, key)
	if err != nil {
		return nil, errors.StorageFailed("failed to read cache tags", err).WithDetail("key", key)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.StorageFailed("failed to scan cache tag", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
