package debate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBackendIDAlreadySet is returned by [Session.SetBackendID] on every call
// after the first successful one.
var ErrBackendIDAlreadySet = errors.New("debate: backend id already set")

// SpeakerSlot pairs a student with the position label they speak in.
type SpeakerSlot struct {
	StudentID string `json:"student_id"`
	Position  string `json:"position"`
}

// SpeakerOrder derives the speaking order for format from a team-composition
// map keyed by bucket (e.g. "prop", "og"). The order is bucket-major in the
// format's bucket order, then by index within the bucket, so WSDC yields
// Prop 1, Prop 2, Prop 3, Opp 1, Opp 2, Opp 3.
func SpeakerOrder(format Format, teams map[string][]string) ([]SpeakerSlot, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("debate: unknown format %q", format)
	}
	buckets := format.Buckets()
	known := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		known[b.Key] = true
	}
	for key := range teams {
		if !known[key] {
			return nil, fmt.Errorf("debate: team %q is not part of format %s", key, format)
		}
	}

	want := format.SpeakersPerBucket()
	var slots []SpeakerSlot
	for _, b := range buckets {
		ids := teams[b.Key]
		if len(ids) == 0 {
			return nil, fmt.Errorf("debate: team %q has no speakers", b.Key)
		}
		if want > 0 && len(ids) != want {
			return nil, fmt.Errorf("debate: team %q has %d speakers, format %s needs %d", b.Key, len(ids), format, want)
		}
		for i, id := range ids {
			if strings.TrimSpace(id) == "" {
				return nil, fmt.Errorf("debate: team %q speaker %d has an empty student id", b.Key, i+1)
			}
			slots = append(slots, SpeakerSlot{
				StudentID: id,
				Position:  b.Prefix + " " + strconv.Itoa(i+1),
			})
		}
	}
	return slots, nil
}

// Session is one debate round. Everything except the backend identifier is
// fixed at construction; the backend identifier may be set exactly once.
// Session is safe for concurrent use.
type Session struct {
	id        string
	motion    string
	format    Format
	level     StudentLevel
	speakers  []SpeakerSlot
	createdAt time.Time

	mu        sync.Mutex
	backendID string
}

// NewSession validates the inputs and derives the speaker order.
func NewSession(motion string, format Format, level StudentLevel, teams map[string][]string) (*Session, error) {
	if strings.TrimSpace(motion) == "" {
		return nil, errors.New("debate: motion is required")
	}
	if !level.IsValid() {
		return nil, fmt.Errorf("debate: unknown student level %q", level)
	}
	speakers, err := SpeakerOrder(format, teams)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:        uuid.NewString(),
		motion:    motion,
		format:    format,
		level:     level,
		speakers:  speakers,
		createdAt: time.Now().UTC(),
	}, nil
}

// ID returns the locally generated session identifier.
func (s *Session) ID() string { return s.id }

// Motion returns the motion text.
func (s *Session) Motion() string { return s.motion }

// Format returns the debate format.
func (s *Session) Format() Format { return s.format }

// Level returns the student level.
func (s *Session) Level() StudentLevel { return s.level }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Speakers returns a copy of the ordered speaker slots.
func (s *Session) Speakers() []SpeakerSlot {
	out := make([]SpeakerSlot, len(s.speakers))
	copy(out, s.speakers)
	return out
}

// Speaker returns the slot at index i.
func (s *Session) Speaker(i int) (SpeakerSlot, bool) {
	if i < 0 || i >= len(s.speakers) {
		return SpeakerSlot{}, false
	}
	return s.speakers[i], true
}

// NumSpeakers returns the number of speaker slots.
func (s *Session) NumSpeakers() int { return len(s.speakers) }

// BackendID returns the backend identifier, or "" if not yet assigned.
func (s *Session) BackendID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendID
}

// SetBackendID assigns the backend identifier. It fails with
// [ErrBackendIDAlreadySet] if one was already assigned.
func (s *Session) SetBackendID(id string) error {
	if id == "" {
		return errors.New("debate: backend id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backendID != "" {
		return ErrBackendIDAlreadySet
	}
	s.backendID = id
	return nil
}
