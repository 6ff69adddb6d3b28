package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/podium/internal/recording"
)

var _ recording.Store = (*Store)(nil)

// Store persists recordings in the speech_recordings table. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save implements [recording.Store].
func (s *Store) Save(ctx context.Context, rec recording.SpeechRecording) error {
	const q = `
		INSERT INTO speech_recordings
		    (id, session_id, student_id, position, artifact_path, duration_seconds,
		     upload_status, processing_status, upload_progress, remote_id, feedback,
		     failure_kind, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		    session_id        = EXCLUDED.session_id,
		    student_id        = EXCLUDED.student_id,
		    position          = EXCLUDED.position,
		    artifact_path     = EXCLUDED.artifact_path,
		    duration_seconds  = EXCLUDED.duration_seconds,
		    upload_status     = EXCLUDED.upload_status,
		    processing_status = EXCLUDED.processing_status,
		    upload_progress   = EXCLUDED.upload_progress,
		    remote_id         = EXCLUDED.remote_id,
		    feedback          = EXCLUDED.feedback,
		    failure_kind      = EXCLUDED.failure_kind,
		    failure_reason    = EXCLUDED.failure_reason,
		    updated_at        = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.SessionID,
		rec.Speaker.StudentID,
		rec.Speaker.Position,
		rec.ArtifactPath,
		rec.Duration,
		string(rec.UploadStatus),
		string(rec.ProcessingStatus),
		rec.UploadProgress,
		rec.RemoteID,
		rec.Feedback,
		string(rec.FailureKind),
		rec.FailureReason,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `
		SELECT id, session_id, student_id, position, artifact_path, duration_seconds,
		       upload_status, processing_status, upload_progress, remote_id, feedback,
		       failure_kind, failure_reason, created_at, updated_at
		FROM   speech_recordings`

// Get implements [recording.Store].
func (s *Store) Get(ctx context.Context, id string) (recording.SpeechRecording, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE id = $1`, id)
	if err != nil {
		return recording.SpeechRecording{}, fmt.Errorf("postgres store: get %s: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecording)
	if errors.Is(err, pgx.ErrNoRows) {
		return recording.SpeechRecording{}, recording.ErrNotFound
	}
	if err != nil {
		return recording.SpeechRecording{}, fmt.Errorf("postgres store: get %s: %w", id, err)
	}
	return rec, nil
}

// List implements [recording.Store].
func (s *Store) List(ctx context.Context, sessionID string) ([]recording.SpeechRecording, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list %s: %w", sessionID, err)
	}
	recs, err := pgx.CollectRows(rows, scanRecording)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list %s: %w", sessionID, err)
	}
	if recs == nil {
		recs = []recording.SpeechRecording{}
	}
	return recs, nil
}

// Delete implements [recording.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM speech_recordings WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres store: delete %s: %w", id, err)
	}
	return nil
}

// Ping implements [recording.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRecording(row pgx.CollectableRow) (recording.SpeechRecording, error) {
	var (
		rec                    recording.SpeechRecording
		upload, processing, fk string
	)
	err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Speaker.StudentID,
		&rec.Speaker.Position,
		&rec.ArtifactPath,
		&rec.Duration,
		&upload,
		&processing,
		&rec.UploadProgress,
		&rec.RemoteID,
		&rec.Feedback,
		&fk,
		&rec.FailureReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	rec.UploadStatus = recording.UploadStatus(upload)
	rec.ProcessingStatus = recording.ProcessingStatus(processing)
	rec.FailureKind = recording.FailureKind(fk)
	return rec, err
}
