// Package postgres provides the optional persisted snapshot store: the
// semantic cache and retrieval store can flush their in-memory state to
// Postgres so a restart does not start from a cold cache, and blocked
// guardrail events are appended to an audit table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a sql.DB with the connection-pool defaults the teacher uses.
type DB struct {
	*sql.DB
}

// NewDB opens a connection pool against dsn and verifies it with a ping.
func NewDB(dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.DB.Close()
}
