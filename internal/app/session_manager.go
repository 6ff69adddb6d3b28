package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/podium/internal/events"
	"github.com/MrWong99/podium/internal/lifecycle"
	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/internal/session"
	"github.com/MrWong99/podium/pkg/debate"
)

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	SessionID string
	Motion    string
	Format    debate.Format
	StartedAt time.Time
}

// SessionManager owns the foreground debate session. Only one session can be
// active at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active *session.Driver
	info   SessionInfo

	registry     *recording.Registry
	uploader     lifecycle.Uploader
	poller       lifecycle.Poller
	registrar    session.Registrar
	recorder     session.Recorder
	pub          events.Publisher
	metrics      *observe.Metrics
	tickRate     int
	advanceDelay time.Duration
}

// SessionManagerConfig holds all dependencies for a [SessionManager]. The
// registry, uploader, poller and recorder are shared by consecutive sessions.
type SessionManagerConfig struct {
	Registry  *recording.Registry
	Uploader  lifecycle.Uploader
	Poller    lifecycle.Poller
	Registrar session.Registrar
	Recorder  session.Recorder
	Publisher events.Publisher
	Metrics   *observe.Metrics

	TickRate     int
	AdvanceDelay time.Duration
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	pub := cfg.Publisher
	if pub == nil {
		pub = events.Discard
	}
	return &SessionManager{
		registry:     cfg.Registry,
		uploader:     cfg.Uploader,
		poller:       cfg.Poller,
		registrar:    cfg.Registrar,
		recorder:     cfg.Recorder,
		pub:          pub,
		metrics:      cfg.Metrics,
		tickRate:     cfg.TickRate,
		advanceDelay: cfg.AdvanceDelay,
	}
}

// Start validates the round, builds its lifecycle and driver and makes it the
// active session. It fails with [session.ErrSessionActive] while another
// session runs.
func (sm *SessionManager) Start(ctx context.Context, motion string, format debate.Format, level debate.StudentLevel, teams map[string][]string) (*session.Driver, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return nil, fmt.Errorf("%w (id=%s)", session.ErrSessionActive, sm.info.SessionID)
	}

	sess, err := debate.NewSession(motion, format, level, teams)
	if err != nil {
		return nil, err
	}

	life := lifecycle.New(sess, sm.registry, sm.uploader, sm.poller, lifecycle.WithPublisher(sm.pub))

	opts := []session.Option{
		session.WithPublisher(sm.pub),
		session.WithAdvanceDelay(sm.advanceDelay),
	}
	if sm.registrar != nil {
		opts = append(opts, session.WithRegistrar(sm.registrar))
	}
	if sm.tickRate > 0 {
		opts = append(opts, session.WithTickRate(sm.tickRate))
	}
	if sm.metrics != nil {
		opts = append(opts, session.WithMetrics(sm.metrics))
	}
	d := session.New(sess, life, sm.recorder, opts...)

	sm.active = d
	sm.info = SessionInfo{
		SessionID: sess.ID(),
		Motion:    sess.Motion(),
		Format:    sess.Format(),
		StartedAt: sess.CreatedAt(),
	}

	observe.Logger(ctx).Info("session started",
		"session_id", sess.ID(),
		"format", format,
		"level", level,
		"speakers", sess.NumSpeakers(),
	)
	sm.pub.Publish(events.Event{Kind: events.KindSession, SessionID: sess.ID(), Payload: "started"})
	return d, nil
}

// Stop cancels the active session: the clock stops, a running capture is
// discarded and its uploads and polls are abandoned with their last-known
// status.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active == nil {
		return session.ErrNoActiveSession
	}
	id := sm.info.SessionID
	err := sm.active.Cancel(ctx)
	if errors.Is(err, session.ErrNoActiveSession) {
		// Already cancelled through the driver.
		err = nil
	}
	sm.active = nil
	sm.info = SessionInfo{}

	if err != nil {
		slog.Warn("session: stop error", "session_id", id, "err", err)
		return fmt.Errorf("app: stop session %s: %w", id, err)
	}
	slog.Info("session stopped", "session_id", id)
	return nil
}

// Current returns the active driver.
func (sm *SessionManager) Current() (*session.Driver, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return nil, session.ErrNoActiveSession
	}
	return sm.active, nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active session, or the zero value.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Close stops the active session, if any.
func (sm *SessionManager) Close() error {
	if err := sm.Stop(context.Background()); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		return err
	}
	return nil
}
