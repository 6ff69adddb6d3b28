// Package clock implements the speech clock: a four-state timer that derives
// elapsed time from a captured origin, fires scheduled bells exactly once per
// run, and emits one-shot pre-expiry warnings.
//
// The clock never blocks. It is advanced by calling [SpeechClock.Tick] from an
// external ticking source such as [Driver]. Invalid transitions (for example
// Start while running) are deliberate no-ops that return
// [ErrInvalidTransition]; callers are free to ignore the error.
//
// All methods are safe for concurrent use. Observer callbacks are invoked
// after the clock's lock is released, in the order the events occurred.
package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition is returned when an operation is not valid in the
// clock's current state. The clock state is left unchanged.
var ErrInvalidTransition = errors.New("clock: invalid state transition")

// State is the lifecycle state of a [SpeechClock].
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateStopped; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("clock: unknown state %q", b)
}

// BellEvent is emitted whenever a bell rings.
type BellEvent struct {
	Bell

	// Manual is true for bells rung via [SpeechClock.RingManually].
	Manual bool `json:"manual"`

	// Elapsed is the elapsed time at which the bell was fired.
	Elapsed time.Duration `json:"elapsed"`
}

// Snapshot is a consistent view of the observable clock fields.
type Snapshot struct {
	State         State         `json:"state"`
	Elapsed       time.Duration `json:"elapsed"`
	Target        time.Duration `json:"target"`
	WarningLevel  WarningLevel  `json:"warning_level"`
	IsOvertime    bool          `json:"is_overtime"`
	FormattedTime string        `json:"formatted_time"`
}

// Observer receives clock notifications. Implementations must not call back
// into the clock synchronously in a way that waits on another goroutine that
// itself holds the clock.
type Observer interface {
	OnTick(Snapshot)
	OnBell(BellEvent)
	OnWarning(WarningLevel)
	OnStateChange(State)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnTick(Snapshot)        {}
func (NopObserver) OnBell(BellEvent)       {}
func (NopObserver) OnWarning(WarningLevel) {}
func (NopObserver) OnStateChange(State)    {}

// Option configures a [SpeechClock].
type Option func(*SpeechClock)

// WithNow replaces the wall-clock source. Tests use it to drive elapsed time
// deterministically.
func WithNow(now func() time.Time) Option {
	return func(c *SpeechClock) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver registers the observer notified of ticks, bells, warnings and
// state changes.
func WithObserver(o Observer) Option {
	return func(c *SpeechClock) {
		if o != nil {
			c.observer = o
		}
	}
}

// SpeechClock times a single speech. See the package documentation.
type SpeechClock struct {
	now      func() time.Time
	observer Observer

	mu       sync.Mutex
	state    State
	target   time.Duration
	schedule BellSchedule
	fired    []bool
	warned   [WarningCritical + 1]bool
	origin   time.Time
	frozen   time.Duration
}

// New creates an idle clock for a speech of length target.
func New(target time.Duration, opts ...Option) *SpeechClock {
	c := &SpeechClock{
		now:      time.Now,
		observer: NopObserver{},
	}
	for _, o := range opts {
		o(c)
	}
	c.setTargetLocked(target)
	return c
}

func (c *SpeechClock) setTargetLocked(target time.Duration) {
	c.target = target
	c.schedule = NewBellSchedule(target)
	c.fired = make([]bool, len(c.schedule))
}

// SetTarget changes the speech length and recomputes the bell schedule. Only
// valid while idle.
func (c *SpeechClock) SetTarget(target time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: set target while %s", ErrInvalidTransition, c.state)
	}
	c.setTargetLocked(target)
	return nil
}

// Start begins timing. Only valid from idle.
func (c *SpeechClock) Start() error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, st)
	}
	c.origin = c.now()
	c.frozen = 0
	clear(c.fired)
	c.warned = [WarningCritical + 1]bool{}
	c.state = StateRunning
	c.mu.Unlock()

	c.observer.OnStateChange(StateRunning)
	return nil
}

// Pause freezes elapsed time. Only valid while running.
func (c *SpeechClock) Pause() error {
	c.mu.Lock()
	if c.state != StateRunning {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: pause while %s", ErrInvalidTransition, st)
	}
	c.frozen = c.now().Sub(c.origin)
	c.state = StatePaused
	c.mu.Unlock()

	c.observer.OnStateChange(StatePaused)
	return nil
}

// Resume continues timing after a pause. The origin is moved forward so the
// paused interval is excluded from elapsed time.
func (c *SpeechClock) Resume() error {
	c.mu.Lock()
	if c.state != StatePaused {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: resume while %s", ErrInvalidTransition, st)
	}
	c.origin = c.now().Add(-c.frozen)
	c.state = StateRunning
	c.mu.Unlock()

	c.observer.OnStateChange(StateRunning)
	return nil
}

// Stop ends the speech and returns the final elapsed duration. Valid while
// running or paused; the clock cannot be restarted without [SpeechClock.Reset].
func (c *SpeechClock) Stop() (time.Duration, error) {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
		c.frozen = c.now().Sub(c.origin)
	case StatePaused:
	default:
		st := c.state
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: stop while %s", ErrInvalidTransition, st)
	}
	c.state = StateStopped
	final := c.frozen
	c.mu.Unlock()

	c.observer.OnStateChange(StateStopped)
	return final, nil
}

// Reset returns the clock to idle from any state, clearing elapsed time, the
// fired-bell markers and the one-shot warning flags.
func (c *SpeechClock) Reset() {
	c.mu.Lock()
	c.state = StateIdle
	c.origin = time.Time{}
	c.frozen = 0
	clear(c.fired)
	c.warned = [WarningCritical + 1]bool{}
	c.mu.Unlock()

	c.observer.OnStateChange(StateIdle)
}

// RingManually emits a single-ding bell immediately. It does not touch the
// schedule and may be repeated freely.
func (c *SpeechClock) RingManually() {
	c.mu.Lock()
	elapsed := c.elapsedLocked()
	c.mu.Unlock()

	c.observer.OnBell(BellEvent{Bell: Bell{Offset: elapsed, Dings: 1}, Manual: true, Elapsed: elapsed})
}

// Tick recomputes elapsed time from the origin and fires every bell whose
// offset has been reached but not yet fired, in ascending order, followed by
// any newly crossed warning thresholds. A single tick that straddles several
// offsets fires all of them. Ticks outside the running state only publish a
// snapshot.
func (c *SpeechClock) Tick() {
	c.mu.Lock()
	var (
		bells    []BellEvent
		warnings []WarningLevel
	)
	if c.state == StateRunning {
		elapsed := c.elapsedLocked()
		for i, b := range c.schedule {
			if b.Offset > elapsed {
				break
			}
			if c.fired[i] {
				continue
			}
			c.fired[i] = true
			bells = append(bells, BellEvent{Bell: b, Elapsed: elapsed})
		}
		level := DeriveWarning(elapsed, c.target)
		for l := WarningMild; l <= level; l++ {
			if !c.warned[l] {
				c.warned[l] = true
				warnings = append(warnings, l)
			}
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	for _, b := range bells {
		c.observer.OnBell(b)
	}
	for _, w := range warnings {
		c.observer.OnWarning(w)
	}
	c.observer.OnTick(snap)
}

func (c *SpeechClock) elapsedLocked() time.Duration {
	switch c.state {
	case StateRunning:
		return c.now().Sub(c.origin)
	case StatePaused, StateStopped:
		return c.frozen
	default:
		return 0
	}
}

func (c *SpeechClock) snapshotLocked() Snapshot {
	elapsed := c.elapsedLocked()
	return Snapshot{
		State:         c.state,
		Elapsed:       elapsed,
		Target:        c.target,
		WarningLevel:  DeriveWarning(elapsed, c.target),
		IsOvertime:    elapsed >= c.target,
		FormattedTime: formatElapsed(elapsed, c.target),
	}
}

// Snapshot returns the observable fields in one consistent read.
func (c *SpeechClock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Elapsed returns the elapsed speaking time.
func (c *SpeechClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedLocked()
}

// State returns the current state.
func (c *SpeechClock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the speech length.
func (c *SpeechClock) Target() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// WarningLevel returns the warning level for the current elapsed time.
func (c *SpeechClock) WarningLevel() WarningLevel { return c.Snapshot().WarningLevel }

// IsOvertime reports whether elapsed time has reached the target.
func (c *SpeechClock) IsOvertime() bool { return c.Snapshot().IsOvertime }

// FormattedTime returns elapsed time as MM:SS, or +MM:SS of overtime once the
// target has been reached.
func (c *SpeechClock) FormattedTime() string { return c.Snapshot().FormattedTime }

// Schedule returns a copy of the bell schedule.
func (c *SpeechClock) Schedule() BellSchedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(BellSchedule, len(c.schedule))
	copy(out, c.schedule)
	return out
}

func formatElapsed(elapsed, target time.Duration) string {
	prefix := ""
	d := elapsed
	if elapsed >= target && target > 0 {
		prefix = "+"
		d = elapsed - target
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%s%02d:%02d", prefix, secs/60, secs%60)
}
