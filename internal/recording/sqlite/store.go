// Package sqlite provides a single-file SQLite [recording.Store] for
// deployments without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/podium/internal/recording"
)

const schema = `
PRAGMA busy_timeout = 10000;
PRAGMA journal_mode = WAL;
PRAGMA synchronous  = FULL;
PRAGMA foreign_keys = ON;

create table if not exists speech_recordings (
	id                text primary key not null,
	session_id        text not null,
	student_id        text not null default '',
	position          text not null default '',
	artifact_path     text not null default '',
	duration_seconds  real not null default 0,
	upload_status     text not null default 'pending',
	processing_status text not null default 'pending',
	upload_progress   real not null default 0,
	remote_id         text not null default '',
	feedback          text not null default '',
	failure_kind      text not null default 'none',
	failure_reason    text not null default '',
	created_at_ns     integer not null,
	updated_at_ns     integer not null
);

create index if not exists idx_speech_recordings_session
	on speech_recordings (session_id, created_at_ns);
`

var _ recording.Store = (*Store)(nil)

// Store persists recordings in a SQLite database file. synchronous=FULL is
// used so a Save is on disk when it returns.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save implements [recording.Store].
func (s *Store) Save(ctx context.Context, rec recording.SpeechRecording) error {
	_, err := s.db.ExecContext(ctx, `
		insert into speech_recordings
		    (id, session_id, student_id, position, artifact_path, duration_seconds,
		     upload_status, processing_status, upload_progress, remote_id, feedback,
		     failure_kind, failure_reason, created_at_ns, updated_at_ns)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		on conflict (id) do update set
		    session_id        = excluded.session_id,
		    student_id        = excluded.student_id,
		    position          = excluded.position,
		    artifact_path     = excluded.artifact_path,
		    duration_seconds  = excluded.duration_seconds,
		    upload_status     = excluded.upload_status,
		    processing_status = excluded.processing_status,
		    upload_progress   = excluded.upload_progress,
		    remote_id         = excluded.remote_id,
		    feedback          = excluded.feedback,
		    failure_kind      = excluded.failure_kind,
		    failure_reason    = excluded.failure_reason,
		    updated_at_ns     = excluded.updated_at_ns`,
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
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `
	select id, session_id, student_id, position, artifact_path, duration_seconds,
	       upload_status, processing_status, upload_progress, remote_id, feedback,
	       failure_kind, failure_reason, created_at_ns, updated_at_ns
	from   speech_recordings`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (recording.SpeechRecording, error) {
	var (
		rec                    recording.SpeechRecording
		upload, processing, fk string
		created, updated       int64
	)
	if err := row.Scan(
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
		&created,
		&updated,
	); err != nil {
		return recording.SpeechRecording{}, err
	}
	rec.UploadStatus = recording.UploadStatus(upload)
	rec.ProcessingStatus = recording.ProcessingStatus(processing)
	rec.FailureKind = recording.FailureKind(fk)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

// Get implements [recording.Store].
func (s *Store) Get(ctx context.Context, id string) (recording.SpeechRecording, error) {
	rec, err := scanRecording(s.db.QueryRowContext(ctx, selectColumns+` where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return recording.SpeechRecording{}, recording.ErrNotFound
	}
	if err != nil {
		return recording.SpeechRecording{}, fmt.Errorf("sqlite store: get %s: %w", id, err)
	}
	return rec, nil
}

// List implements [recording.Store].
func (s *Store) List(ctx context.Context, sessionID string) ([]recording.SpeechRecording, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` where session_id = $1 order by created_at_ns, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := make([]recording.SpeechRecording, 0)
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: list %s: %w", sessionID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: list %s: %w", sessionID, err)
	}
	return out, nil
}

// Delete implements [recording.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `delete from speech_recordings where id = $1`, id); err != nil {
		return fmt.Errorf("sqlite store: delete %s: %w", id, err)
	}
	return nil
}

// Ping implements [recording.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
