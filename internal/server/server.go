// Package server exposes the running debate session to a presentation layer:
// a JSON control API under /v1, a WebSocket event stream at /v1/events, the
// Prometheus scrape endpoint and the health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/podium/internal/clock"
	"github.com/MrWong99/podium/internal/events"
	"github.com/MrWong99/podium/internal/health"
	"github.com/MrWong99/podium/internal/lifecycle"
	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/internal/session"
	"github.com/MrWong99/podium/pkg/audio"
	"github.com/MrWong99/podium/pkg/backend"
	"github.com/MrWong99/podium/pkg/debate"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Sessions owns the single foreground session.
type Sessions interface {
	Start(ctx context.Context, motion string, format debate.Format, level debate.StudentLevel, teams map[string][]string) (*session.Driver, error)

	// Current returns the active driver or [session.ErrNoActiveSession].
	Current() (*session.Driver, error)

	// Stop cancels the active session.
	Stop(ctx context.Context) error
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the default promhttp handler served at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns sets the host patterns allowed to open the event stream
// from a browser on another origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithEventWriteTimeout bounds the write of a single event to a WebSocket
// client. Slow clients are disconnected.
func WithEventWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Server is the HTTP surface of podium.
type Server struct {
	sessions       Sessions
	bus            *events.Bus
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	originPatterns []string
	writeTimeout   time.Duration

	handler http.Handler
}

// New builds the routes. bus feeds the event stream.
func New(sessions Sessions, bus *events.Bus, opts ...Option) *Server {
	s := &Server{
		sessions:       sessions,
		bus:            bus,
		metricsHandler: promhttp.Handler(),
		writeTimeout:   5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", s.handleCreateSession)
	mux.HandleFunc("GET /v1/session", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/session", s.handleCancelSession)
	mux.HandleFunc("POST /v1/session/speech/start", s.handleStartSpeech)
	mux.HandleFunc("POST /v1/session/speech/pause", s.handlePause)
	mux.HandleFunc("POST /v1/session/speech/resume", s.handleResume)
	mux.HandleFunc("POST /v1/session/speech/stop", s.handleStopSpeech)
	mux.HandleFunc("POST /v1/session/speech/bell", s.handleBell)
	mux.HandleFunc("POST /v1/session/advance", s.handleAdvance)
	mux.HandleFunc("PUT /v1/session/target", s.handleSetTarget)

	mux.HandleFunc("GET /v1/recordings", s.handleListRecordings)
	mux.HandleFunc("GET /v1/recordings/{id}", s.handleGetRecording)
	mux.HandleFunc("POST /v1/recordings/{id}/retry", s.handleRetryRecording)
	mux.HandleFunc("POST /v1/recordings/{id}/cancel", s.handleCancelRecording)
	mux.HandleFunc("DELETE /v1/recordings/{id}", s.handleDeleteRecording)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", s.metricsHandler)
	if s.health != nil {
		s.health.Register(mux)
	}

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler with tracing and request metrics applied.
func (s *Server) Handler() http.Handler { return s.handler }

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var srvErr *backend.ServerError
	switch {
	case errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, recording.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrNoSpeakersLeft),
		errors.Is(err, clock.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrNotRetryable),
		errors.Is(err, lifecycle.ErrNotCancellable),
		errors.Is(err, audio.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrArtifactNotFound):
		return http.StatusGone
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrUnauthorized),
		errors.Is(err, backend.ErrConnectivity),
		errors.Is(err, backend.ErrTimeout),
		errors.As(err, &srvErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs and writes err. Client errors are logged at debug since
// an out-of-order button press is routine.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	writeStatusError(w, r, status, err)
}

func writeStatusError(w http.ResponseWriter, r *http.Request, status int, err error) {
	level := slog.LevelDebug
	if status >= 500 {
		level = slog.LevelError
	}
	observe.Logger(r.Context()).Log(r.Context(), level, "server: request failed",
		"method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
