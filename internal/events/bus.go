// Package events fans out state changes to presentation observers.
//
// Producers call [Bus.Publish], which never blocks: each subscriber owns a
// buffered channel and an event that does not fit is dropped for that
// subscriber only. Observers that need the full picture after a drop re-read
// the snapshot endpoints.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event type.
type Kind string

const (
	KindClockTick        Kind = "clock.tick"
	KindClockBell        Kind = "clock.bell"
	KindClockWarning     Kind = "clock.warning"
	KindClockState       Kind = "clock.state"
	KindSpeaker          Kind = "session.speaker"
	KindSession          Kind = "session.state"
	KindRecording        Kind = "recording.updated"
	KindRecordingRemoved Kind = "recording.removed"
	KindUploadProgress   Kind = "upload.progress"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Event is one notification. Payload is a value snapshot owned by the
// receiver.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

// Publisher is the producer side of a [Bus].
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus is a non-blocking fan-out of events. The zero value is not usable; use
// [NewBus].
type Bus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus whose subscribers buffer up to buffer events. A
// buffer ≤ 0 uses [DefaultBuffer].
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer, subs: make(map[uint64]*Subscription)}
}

// Subscription receives events from a [Bus] until closed.
type Subscription struct {
	bus     *Bus
	id      uint64
	kinds   map[Kind]bool
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the receive channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events did not fit into the buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Subscribe registers a subscriber for the given kinds, or for every kind
// when none are given. Subscribing to a closed bus returns a subscription
// whose channel is already closed.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	s := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeChan()
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish delivers e to every interested subscriber without blocking. A zero
// At is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.closeChan()
		delete(b.subs, id)
	}
}
