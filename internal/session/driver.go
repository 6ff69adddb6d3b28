// Package session runs one debate round: it times each speech, captures the
// audio, hands the finished artifact to the recording lifecycle and moves on
// to the next speaker.
//
// The [Driver] is the only writer of the clock and the current-speaker
// pointer. Uploads and feedback polling run in the lifecycle's background
// tasks; the driver never waits for them, so the next speaker can start while
// the previous speech is still being processed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/podium/internal/clock"
	"github.com/MrWong99/podium/internal/events"
	"github.com/MrWong99/podium/internal/lifecycle"
	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/pkg/audio"
	"github.com/MrWong99/podium/pkg/backend"
	"github.com/MrWong99/podium/pkg/debate"
)

// DefaultAdvanceDelay is the pause between stopping a speech and resetting
// the clock for the next speaker.
const DefaultAdvanceDelay = 500 * time.Millisecond

var (
	// ErrNoSpeakersLeft is returned when the last speaker has already spoken.
	ErrNoSpeakersLeft = errors.New("session: no speakers left")

	// ErrNoActiveSession is returned by every operation after Cancel or Close.
	ErrNoActiveSession = errors.New("session: no active session")

	// ErrSessionActive is returned when a session is started while another
	// one is still running.
	ErrSessionActive = errors.New("session: a session is already active")
)

// Recorder captures the audio of one speech at a time.
type Recorder interface {
	StartRecording(ctx context.Context, sessionID, speakerName, position string) (string, error)
	StopRecording(ctx context.Context) (string, float64, error)
	CancelRecording(ctx context.Context) error
}

var _ Recorder = (*audio.FFmpegRecorder)(nil)

// Registrar creates the debate on the backend.
type Registrar interface {
	CreateDebate(ctx context.Context, req backend.CreateDebateRequest) (string, error)
}

// Option configures a [Driver].
type Option func(*Driver)

// WithPublisher sets where clock and speaker events go.
func WithPublisher(p events.Publisher) Option {
	return func(d *Driver) { d.pub = p }
}

// WithRegistrar makes the driver register the debate with the backend before
// the first speech.
func WithRegistrar(r Registrar) Option {
	return func(d *Driver) { d.registrar = r }
}

// WithAdvanceDelay overrides [DefaultAdvanceDelay]. Zero advances
// immediately.
func WithAdvanceDelay(delay time.Duration) Option {
	return func(d *Driver) {
		if delay >= 0 {
			d.advanceDelay = delay
		}
	}
}

// WithTickRate sets the clock tick rate in Hz.
func WithTickRate(hz int) Option {
	return func(d *Driver) { d.tickRate = hz }
}

// WithClockOptions passes extra options to the speech clock.
func WithClockOptions(opts ...clock.Option) Option {
	return func(d *Driver) { d.clockOpts = append(d.clockOpts, opts...) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// SpeakerChange is the payload of [events.KindSpeaker].
type SpeakerChange struct {
	Index   int                `json:"index"`
	Speaker debate.SpeakerSlot `json:"speaker"`
	Target  time.Duration      `json:"target"`
}

// Snapshot is the observable state of a running session.
type Snapshot struct {
	SessionID      string               `json:"session_id"`
	BackendID      string               `json:"backend_id,omitempty"`
	Motion         string               `json:"motion"`
	Format         debate.Format        `json:"format"`
	Level          debate.StudentLevel  `json:"student_level"`
	Speakers       []debate.SpeakerSlot `json:"speakers"`
	CurrentIndex   int                  `json:"current_index"`
	Current        debate.SpeakerSlot   `json:"current_speaker"`
	Recording      bool                 `json:"recording"`
	Cancelled      bool                 `json:"cancelled"`
	DebateComplete bool                 `json:"is_debate_complete"`
	Clock          clock.Snapshot       `json:"clock"`
}

// Driver coordinates the clock, the recorder and the lifecycle for one
// session. All methods are safe for concurrent use.
type Driver struct {
	sess      *debate.Session
	life      *lifecycle.Manager
	recorder  Recorder
	registrar Registrar
	pub       events.Publisher
	metrics   *observe.Metrics

	advanceDelay time.Duration
	tickRate     int
	clockOpts    []clock.Option

	clock  *clock.SpeechClock
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	current   int
	capturing bool
	closed    bool
	gen       uint64
	advance   *time.Timer

	tickMu   sync.Mutex
	lastTick string
}

var _ clock.Observer = (*Driver)(nil)

// New creates a Driver for sess and starts its clock ticker. The caller must
// Close it.
func New(sess *debate.Session, life *lifecycle.Manager, rec Recorder, opts ...Option) *Driver {
	d := &Driver{
		sess:         sess,
		life:         life,
		recorder:     rec,
		pub:          events.Discard,
		advanceDelay: DefaultAdvanceDelay,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}

	d.clock = clock.New(sess.Format().SpeechDuration(), append(d.clockOpts, clock.WithObserver(d))...)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.metrics.ActiveSessions.Add(ctx, 1)
	ticker := clock.NewDriver(d.clock, d.tickRate)
	go func() {
		defer close(d.done)
		_ = ticker.Run(ctx)
	}()
	return d
}

// Session returns the debate session.
func (d *Driver) Session() *debate.Session { return d.sess }

// Lifecycle returns the recording lifecycle manager.
func (d *Driver) Lifecycle() *lifecycle.Manager { return d.life }

// Clock returns the speech clock.
func (d *Driver) Clock() *clock.SpeechClock { return d.clock }

// Register creates the debate on the backend unless it already has a backend
// identifier.
func (d *Driver) Register(ctx context.Context) error {
	if d.registrar == nil || d.sess.BackendID() != "" {
		return nil
	}
	req := backend.CreateDebateRequest{
		Motion:       d.sess.Motion(),
		Format:       string(d.sess.Format()),
		StudentLevel: string(d.sess.Level()),
	}
	for _, s := range d.sess.Speakers() {
		req.Speakers = append(req.Speakers, backend.DebateSpeaker{Name: s.StudentID, Position: s.Position})
	}
	id, err := d.registrar.CreateDebate(ctx, req)
	if err != nil {
		return fmt.Errorf("session: register debate: %w", err)
	}
	if err := d.sess.SetBackendID(id); err != nil && !errors.Is(err, debate.ErrBackendIDAlreadySet) {
		return fmt.Errorf("session: register debate: %w", err)
	}
	observe.Logger(ctx).Info("session: debate registered", "session_id", d.sess.ID(), "backend_id", id)
	return nil
}

// StartSpeech starts capturing and timing the current speaker.
func (d *Driver) StartSpeech(ctx context.Context) error {
	if err := d.active(); err != nil {
		return err
	}
	if err := d.Register(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNoActiveSession
	}
	slot, ok := d.sess.Speaker(d.current)
	if !ok {
		return ErrNoSpeakersLeft
	}
	st := d.clock.State()
	if st == clock.StateStopped && d.current+1 >= d.sess.NumSpeakers() {
		return ErrNoSpeakersLeft
	}
	if st != clock.StateIdle {
		return fmt.Errorf("%w: start while %s", clock.ErrInvalidTransition, st)
	}
	d.stopAdvanceLocked()

	if _, err := d.recorder.StartRecording(ctx, d.sess.ID(), slot.StudentID, slot.Position); err != nil {
		return fmt.Errorf("session: start recording: %w", err)
	}
	if err := d.clock.Start(); err != nil {
		_ = d.recorder.CancelRecording(ctx)
		return err
	}
	d.capturing = true
	observe.Logger(ctx).Info("session: speech started",
		"session_id", d.sess.ID(), "position", slot.Position, "target", d.clock.Target())
	return nil
}

// Pause pauses the clock. The capture keeps running.
func (d *Driver) Pause() error {
	if err := d.active(); err != nil {
		return err
	}
	return d.clock.Pause()
}

// Resume resumes the clock.
func (d *Driver) Resume() error {
	if err := d.active(); err != nil {
		return err
	}
	return d.clock.Resume()
}

// RingBell rings a manual single-ding bell.
func (d *Driver) RingBell() error {
	if err := d.active(); err != nil {
		return err
	}
	d.clock.RingManually()
	return nil
}

// StopSpeech stops the clock and the capture, finalizes the recording and,
// when speakers remain, schedules the advance to the next speaker. The
// returned recording is pending; upload and polling continue in the
// background.
func (d *Driver) StopSpeech(ctx context.Context) (recording.SpeechRecording, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return recording.SpeechRecording{}, ErrNoActiveSession
	}
	slot, _ := d.sess.Speaker(d.current)
	elapsed, err := d.clock.Stop()
	if err != nil {
		return recording.SpeechRecording{}, err
	}
	// Once the clock has stopped the speech must reach the registry even if
	// the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log := observe.Logger(ctx).With("session_id", d.sess.ID(), "position", slot.Position)

	d.capturing = false
	path, secs, err := d.recorder.StopRecording(ctx)
	if err != nil {
		log.Error("session: stop recording", "err", err)
		return recording.SpeechRecording{}, fmt.Errorf("session: stop recording: %w", err)
	}
	log.Info("session: speech stopped", "elapsed", elapsed, "captured_seconds", secs)

	rec, err := d.life.Finalize(ctx, path, secs, slot)
	if err != nil {
		log.Error("session: finalize speech", "err", err)
		return recording.SpeechRecording{}, err
	}
	// The speaker only moves on once their speech is recorded.
	if d.current+1 < d.sess.NumSpeakers() {
		d.scheduleAdvanceLocked()
	}
	return rec, nil
}

func (d *Driver) scheduleAdvanceLocked() {
	d.stopAdvanceLocked()
	gen := d.gen
	d.advance = time.AfterFunc(d.advanceDelay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed || d.gen != gen {
			return
		}
		if err := d.advanceLocked(); err != nil {
			observe.Logger(context.Background()).Debug("session: scheduled advance", "err", err)
		}
	})
}

func (d *Driver) stopAdvanceLocked() {
	if d.advance != nil {
		d.advance.Stop()
		d.advance = nil
	}
}

// AdvanceSpeaker moves to the next speaker and resets the clock. It fails with
// [ErrNoSpeakersLeft] after the last speaker.
func (d *Driver) AdvanceSpeaker() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNoActiveSession
	}
	if d.capturing {
		return fmt.Errorf("%w: advance while recording", clock.ErrInvalidTransition)
	}
	d.stopAdvanceLocked()
	return d.advanceLocked()
}

func (d *Driver) advanceLocked() error {
	if d.current+1 >= d.sess.NumSpeakers() {
		return ErrNoSpeakersLeft
	}
	d.gen++
	d.current++
	d.clock.Reset()
	target := d.sess.Format().SpeechDuration()
	if err := d.clock.SetTarget(target); err != nil {
		return err
	}
	slot, _ := d.sess.Speaker(d.current)
	d.pub.Publish(events.Event{
		Kind:      events.KindSpeaker,
		SessionID: d.sess.ID(),
		Payload:   SpeakerChange{Index: d.current, Speaker: slot, Target: target},
	})
	return nil
}

// SetTarget changes the length of the current speech. Only valid before the
// speech starts.
func (d *Driver) SetTarget(target time.Duration) error {
	if err := d.active(); err != nil {
		return err
	}
	if target <= 0 {
		return fmt.Errorf("session: target must be positive, got %s", target)
	}
	return d.clock.SetTarget(target)
}

// UseReplyTarget switches the current speech to the format's reply length.
func (d *Driver) UseReplyTarget() error {
	reply := d.sess.Format().ReplyDuration()
	if reply <= 0 {
		return fmt.Errorf("session: format %s has no reply speeches", d.sess.Format())
	}
	return d.SetTarget(reply)
}

func (d *Driver) active() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNoActiveSession
	}
	return nil
}

// Snapshot returns the observable session state.
func (d *Driver) Snapshot() Snapshot {
	d.mu.Lock()
	idx, capturing, closed := d.current, d.capturing, d.closed
	d.mu.Unlock()

	slot, _ := d.sess.Speaker(idx)
	speakers := d.sess.Speakers()
	return Snapshot{
		SessionID:      d.sess.ID(),
		BackendID:      d.sess.BackendID(),
		Motion:         d.sess.Motion(),
		Format:         d.sess.Format(),
		Level:          d.sess.Level(),
		Speakers:       speakers,
		CurrentIndex:   idx,
		Current:        slot,
		Recording:      capturing,
		Cancelled:      closed,
		DebateComplete: d.life.IsDebateComplete(speakers),
		Clock:          d.clock.Snapshot(),
	}
}

// Cancel abandons the session: the clock stops, a running capture is
// discarded, and every upload and poll is cancelled. Recordings keep their
// last-known status.
func (d *Driver) Cancel(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrNoActiveSession
	}
	d.closed = true
	d.gen++
	d.stopAdvanceLocked()
	capturing := d.capturing
	d.capturing = false
	d.mu.Unlock()

	var errs []error
	if st := d.clock.State(); st == clock.StateRunning || st == clock.StatePaused {
		_, _ = d.clock.Stop()
	}
	if capturing {
		if err := d.recorder.CancelRecording(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session: cancel recording: %w", err))
		}
	}
	if err := d.life.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close lifecycle: %w", err))
	}
	d.cancel()
	<-d.done
	d.metrics.ActiveSessions.Add(context.Background(), -1)

	d.pub.Publish(events.Event{Kind: events.KindSession, SessionID: d.sess.ID(), Payload: "cancelled"})
	observe.Logger(ctx).Info("session: cancelled", "session_id", d.sess.ID())
	return errors.Join(errs...)
}

// Close releases the driver. It is Cancel without the error for an already
// closed session.
func (d *Driver) Close() error {
	if err := d.Cancel(context.Background()); err != nil && !errors.Is(err, ErrNoActiveSession) {
		return err
	}
	return nil
}

// OnTick implements [clock.Observer]. Ticks are forwarded only while the
// clock runs and only when the displayed time changes.
func (d *Driver) OnTick(s clock.Snapshot) {
	if s.State != clock.StateRunning {
		return
	}
	d.tickMu.Lock()
	changed := s.FormattedTime != d.lastTick
	d.lastTick = s.FormattedTime
	d.tickMu.Unlock()
	if changed {
		d.pub.Publish(events.Event{Kind: events.KindClockTick, SessionID: d.sess.ID(), Payload: s})
	}
}

// OnBell implements [clock.Observer].
func (d *Driver) OnBell(b clock.BellEvent) {
	d.metrics.RecordBell(context.Background(), b.Dings, b.Manual)
	d.pub.Publish(events.Event{Kind: events.KindClockBell, SessionID: d.sess.ID(), Payload: b})
}

// OnWarning implements [clock.Observer].
func (d *Driver) OnWarning(w clock.WarningLevel) {
	d.pub.Publish(events.Event{Kind: events.KindClockWarning, SessionID: d.sess.ID(), Payload: w})
}

// OnStateChange implements [clock.Observer].
func (d *Driver) OnStateChange(s clock.State) {
	if s == clock.StateIdle {
		d.tickMu.Lock()
		d.lastTick = ""
		d.tickMu.Unlock()
	}
	d.pub.Publish(events.Event{Kind: events.KindClockState, SessionID: d.sess.ID(), Payload: s})
}
