package postgres

import (
	"context"
	"fmt"
	"time"
)

// AuditStore appends guardrail block/warning events, the persisted half
// of the ASVS-tagged compliance reporting the guardrail filter produces.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates the audit table if it does not exist.
func NewAuditStore(db *DB) (*AuditStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS guardrail_audit_log (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			stage TEXT NOT NULL, -- "input" or "output"
			blocked BOOLEAN NOT NULL,
			reason TEXT,
			asvs_tag TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("creating guardrail_audit_log table: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Entry is a single audit record.
type Entry struct {
	RequestID string
	Stage     string
	Blocked   bool
	Reason    string
	ASVSTag   string
	CreatedAt time.Time
}

// Append writes one audit entry. Failures are logged by the caller, not
// surfaced to the request path — audit logging must never block serving.
func (s *AuditStore) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardrail_audit_log (request_id, stage, blocked, reason, asvs_tag)
		VALUES ($1, $2, $3, $4, $5)
	`, e.RequestID, e.Stage, e.Blocked, e.Reason, e.ASVSTag)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}
