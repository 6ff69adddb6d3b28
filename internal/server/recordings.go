package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/internal/session"
)

type recordingList struct {
	Recordings       []recording.SpeechRecording `json:"recordings"`
	IsDebateComplete bool                        `json:"is_debate_complete"`
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	s.withDriver(func(w http.ResponseWriter, _ *http.Request, d *session.Driver) {
		life := d.Lifecycle()
		writeJSON(w, http.StatusOK, recordingList{
			Recordings:       life.Recordings(),
			IsDebateComplete: life.IsDebateComplete(d.Session().Speakers()),
		})
	})(w, r)
}

// lookup resolves the {id} path value to a recording of the active session.
func lookup(r *http.Request, d *session.Driver) (recording.SpeechRecording, error) {
	id := r.PathValue("id")
	rec, ok := d.Lifecycle().Recording(id)
	if !ok || rec.SessionID != d.Session().ID() {
		return recording.SpeechRecording{}, fmt.Errorf("server: %w: %s", recording.ErrNotFound, id)
	}
	return rec, nil
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	s.withDriver(func(w http.ResponseWriter, r *http.Request, d *session.Driver) {
		rec, err := lookup(r, d)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})(w, r)
}

// recordingOp runs op on a recording of the active session and answers with
// its state afterwards.
func (s *Server) recordingOp(op func(ctx context.Context, d *session.Driver, id string) error) http.HandlerFunc {
	return s.withDriver(func(w http.ResponseWriter, r *http.Request, d *session.Driver) {
		rec, err := lookup(r, d)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := op(r.Context(), d, rec.ID); err != nil {
			writeError(w, r, err)
			return
		}
		if rec, ok := d.Lifecycle().Recording(rec.ID); ok {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleRetryRecording(w http.ResponseWriter, r *http.Request) {
	s.recordingOp(func(ctx context.Context, d *session.Driver, id string) error {
		return d.Lifecycle().RetryUpload(ctx, id)
	})(w, r)
}

func (s *Server) handleCancelRecording(w http.ResponseWriter, r *http.Request) {
	s.recordingOp(func(ctx context.Context, d *session.Driver, id string) error {
		return d.Lifecycle().CancelUpload(ctx, id)
	})(w, r)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	s.recordingOp(func(ctx context.Context, d *session.Driver, id string) error {
		return d.Lifecycle().Delete(ctx, id)
	})(w, r)
}
