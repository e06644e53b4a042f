package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// CacheSnapshotStore persists the semantic cache and retrieval store as a
// flat key/value table, mirroring the {count, entry:{i}, embeddings}
// key layout the original implementation used against Redis.
type CacheSnapshotStore struct {
	db *DB
}

// NewCacheSnapshotStore creates the snapshot table if it does not exist
// and returns a store bound to it.
func NewCacheSnapshotStore(db *DB) (*CacheSnapshotStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_snapshot (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, key)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating cache_snapshot table: %w", err)
	}
	return &CacheSnapshotStore{db: db}, nil
}

// Put writes (or overwrites) a single key under namespace.
func (s *CacheSnapshotStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_snapshot (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = NOW()
	`, namespace, key, value)
	if err != nil {
		return fmt.Errorf("writing snapshot key %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get reads a single key under namespace. Returns sql.ErrNoRows if absent.
func (s *CacheSnapshotStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cache_snapshot WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&value)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes every key under namespace, used by Invalidate(all) and
// retrieval Clear() to discard a stale snapshot before writing a fresh one.
func (s *CacheSnapshotStore) Delete(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_snapshot WHERE namespace = $1`, namespace)
	if err != nil {
		return fmt.Errorf("clearing snapshot namespace %s: %w", namespace, err)
	}
	return nil
}

// ErrSnapshotMissing is returned by callers wrapping sql.ErrNoRows so that
// callers outside this package need not import database/sql to test for it.
var ErrSnapshotMissing = sql.ErrNoRows
