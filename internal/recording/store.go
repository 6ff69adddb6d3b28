package recording

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is returned when a recording does not exist.
var ErrNotFound = errors.New("recording: not found")

// Store persists recordings. Save is an upsert keyed on the recording ID and
// must be durable when it returns.
type Store interface {
	Save(ctx context.Context, rec SpeechRecording) error
	Get(ctx context.Context, id string) (SpeechRecording, error)

	// List returns the recordings of a session ordered by creation time.
	List(ctx context.Context, sessionID string) ([]SpeechRecording, error)

	// Delete removes a recording. Deleting a missing recording is not an
	// error.
	Delete(ctx context.Context, id string) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// MemStore is an in-process [Store]. It is the default when no database is
// configured and is used throughout the tests.
type MemStore struct {
	mu   sync.RWMutex
	recs map[string]SpeechRecording
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]SpeechRecording)}
}

// Save implements [Store].
func (s *MemStore) Save(_ context.Context, rec SpeechRecording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (SpeechRecording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return SpeechRecording{}, ErrNotFound
	}
	return rec, nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, sessionID string) ([]SpeechRecording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SpeechRecording, 0)
	for _, rec := range s.recs {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b SpeechRecording) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

// Ping implements [Store].
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (s *MemStore) Close() error { return nil }
