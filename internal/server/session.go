package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/internal/session"
	"github.com/MrWong99/podium/pkg/debate"
)

type createSessionRequest struct {
	Motion       string              `json:"motion"`
	Format       string              `json:"format"`
	StudentLevel string              `json:"student_level"`
	Teams        map[string][]string `json:"teams"`
}

type setTargetRequest struct {
	// Seconds sets an explicit speech length.
	Seconds float64 `json:"seconds,omitempty"`

	// Reply switches to the format's reply speech length.
	Reply bool `json:"reply,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatusError(w, r, http.StatusBadRequest, fmt.Errorf("server: decode session: %w", err))
		return
	}
	format, err := debate.ParseFormat(req.Format)
	if err != nil {
		writeStatusError(w, r, http.StatusBadRequest, err)
		return
	}
	level, err := debate.ParseStudentLevel(req.StudentLevel)
	if err != nil {
		writeStatusError(w, r, http.StatusBadRequest, err)
		return
	}

	d, err := s.sessions.Start(r.Context(), req.Motion, format, level, req.Teams)
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			writeError(w, r, err)
			return
		}
		// Everything else is a rejected motion or team composition.
		writeStatusError(w, r, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, d.Snapshot())
}

// withDriver resolves the active session or writes 404.
func (s *Server) withDriver(fn func(http.ResponseWriter, *http.Request, *session.Driver)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.sessions.Current()
		if err != nil {
			writeError(w, r, err)
			return
		}
		fn(w, r.WithContext(observe.WithSessionID(r.Context(), d.Session().ID())), d)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.withDriver(func(w http.ResponseWriter, _ *http.Request, d *session.Driver) {
		writeJSON(w, http.StatusOK, d.Snapshot())
	})(w, r)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// control runs a driver operation and answers with the fresh snapshot.
func (s *Server) control(op func(*http.Request, *session.Driver) error) http.HandlerFunc {
	return s.withDriver(func(w http.ResponseWriter, r *http.Request, d *session.Driver) {
		if err := op(r, d); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d.Snapshot())
	})
}

func (s *Server) handleStartSpeech(w http.ResponseWriter, r *http.Request) {
	s.control(func(r *http.Request, d *session.Driver) error { return d.StartSpeech(r.Context()) })(w, r)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(func(_ *http.Request, d *session.Driver) error { return d.Pause() })(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(func(_ *http.Request, d *session.Driver) error { return d.Resume() })(w, r)
}

func (s *Server) handleBell(w http.ResponseWriter, r *http.Request) {
	s.control(func(_ *http.Request, d *session.Driver) error { return d.RingBell() })(w, r)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.control(func(_ *http.Request, d *session.Driver) error { return d.AdvanceSpeaker() })(w, r)
}

func (s *Server) handleStopSpeech(w http.ResponseWriter, r *http.Request) {
	s.withDriver(func(w http.ResponseWriter, r *http.Request, d *session.Driver) {
		rec, err := d.StopSpeech(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})(w, r)
}

func (s *Server) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	s.withDriver(func(w http.ResponseWriter, r *http.Request, d *session.Driver) {
		var req setTargetRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeStatusError(w, r, http.StatusBadRequest, fmt.Errorf("server: decode target: %w", err))
			return
		}
		var err error
		switch {
		case req.Reply:
			err = d.UseReplyTarget()
		case req.Seconds > 0:
			err = d.SetTarget(time.Duration(req.Seconds * float64(time.Second)))
		default:
			writeStatusError(w, r, http.StatusBadRequest, errors.New("server: seconds must be positive or reply must be set"))
			return
		}
		if err != nil {
			if statusFor(err) == http.StatusInternalServerError {
				writeStatusError(w, r, http.StatusBadRequest, err)
				return
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d.Snapshot())
	})(w, r)
}
