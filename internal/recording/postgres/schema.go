// Package postgres provides a PostgreSQL-backed [recording.Store].
//
// All operations share a single [pgxpool.Pool]. [Migrate] creates the schema
// on start-up and is safe to run repeatedly.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	reg := recording.NewRegistry(store)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSpeechRecordings = `
CREATE TABLE IF NOT EXISTS speech_recordings (
    id                 TEXT              PRIMARY KEY,
    session_id         TEXT              NOT NULL,
    student_id         TEXT              NOT NULL DEFAULT '',
    position           TEXT              NOT NULL DEFAULT '',
    artifact_path      TEXT              NOT NULL DEFAULT '',
    duration_seconds   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    upload_status      TEXT              NOT NULL DEFAULT 'pending',
    processing_status  TEXT              NOT NULL DEFAULT 'pending',
    upload_progress    DOUBLE PRECISION  NOT NULL DEFAULT 0,
    remote_id          TEXT              NOT NULL DEFAULT '',
    feedback           TEXT              NOT NULL DEFAULT '',
    failure_kind       TEXT              NOT NULL DEFAULT 'none',
    failure_reason     TEXT              NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_speech_recordings_session
    ON speech_recordings (session_id, created_at);
`

// Migrate creates the recording table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSpeechRecordings); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
