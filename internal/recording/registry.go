package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExists is returned by [Registry.Add] for a duplicate recording ID.
var ErrExists = errors.New("recording: already exists")

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithNow replaces the time source used for UpdatedAt stamps.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is the authoritative, ordered set of recordings for the running
// process. Each recording has its own lock; [Registry.Update] holds it across
// the mutation and the store write, so persisted state never runs ahead of or
// behind the in-memory copy and concurrent writers of one recording are
// serialised.
type Registry struct {
	store Store
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

type entry struct {
	mu      sync.Mutex
	rec     SpeechRecording
	removed bool
}

// NewRegistry creates a registry persisting through store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   store,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Store returns the backing store.
func (r *Registry) Store() Store { return r.store }

// Add persists rec and inserts it.
func (r *Registry) Add(ctx context.Context, rec SpeechRecording) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("recording: save %s: %w", rec.ID, err)
	}
	r.entries[rec.ID] = &entry{rec: rec}
	r.order = append(r.order, rec.ID)
	return nil
}

// Load inserts the persisted recordings of sessionID that are not yet known.
// It returns how many were added.
func (r *Registry) Load(ctx context.Context, sessionID string) (int, error) {
	recs, err := r.store.List(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("recording: load session %s: %w", sessionID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if _, ok := r.entries[rec.ID]; ok {
			continue
		}
		r.entries[rec.ID] = &entry{rec: rec}
		r.order = append(r.order, rec.ID)
		n++
	}
	return n, nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Get returns a snapshot of the recording.
func (r *Registry) Get(id string) (SpeechRecording, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return SpeechRecording{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return SpeechRecording{}, false
	}
	return e.rec, true
}

// Update applies fn to a copy of the recording, persists the result and then
// commits it. If fn or the store write fails the recording is unchanged and
// the error is returned.
func (r *Registry) Update(ctx context.Context, id string, fn func(*SpeechRecording) error) (SpeechRecording, error) {
	return r.update(ctx, id, fn, true)
}

// UpdateVolatile is like Update but skips the store write. It is meant for
// high-frequency fields such as upload progress whose loss on crash is
// harmless; the next persisted update carries them along.
func (r *Registry) UpdateVolatile(id string, fn func(*SpeechRecording) error) (SpeechRecording, error) {
	return r.update(context.Background(), id, fn, false)
}

func (r *Registry) update(ctx context.Context, id string, fn func(*SpeechRecording) error, persist bool) (SpeechRecording, error) {
	e, ok := r.lookup(id)
	if !ok {
		return SpeechRecording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return SpeechRecording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := e.rec
	if err := fn(&next); err != nil {
		return e.rec, err
	}
	next.ID = e.rec.ID
	next.UpdatedAt = r.now()
	if persist {
		if err := r.store.Save(ctx, next); err != nil {
			return e.rec, fmt.Errorf("recording: save %s: %w", id, err)
		}
	}
	e.rec = next
	return next, nil
}

// Remove deletes the recording from the store and the registry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.store.Delete(ctx, id); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("recording: delete %s: %w", id, err)
	}
	e.removed = true
	e.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns snapshots of every recording in insertion order.
func (r *Registry) List() []SpeechRecording {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	out := make([]SpeechRecording, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// ListSession returns the recordings of one session in insertion order.
func (r *Registry) ListSession(sessionID string) []SpeechRecording {
	all := r.List()
	out := make([]SpeechRecording, 0, len(all))
	for _, rec := range all {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of recordings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
