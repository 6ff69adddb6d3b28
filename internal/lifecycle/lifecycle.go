// Package lifecycle drives a recorded speech from a finished artifact to
// delivered feedback.
//
// A [Manager] creates the recording, runs one background task per recording
// (upload first, then feedback polling) and applies every result through the
// recording registry. Each mutation is persisted before observers hear about
// it. Nothing is retried automatically beyond the upload orchestrator's own
// policy; a failed upload waits for [Manager.RetryUpload].
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/podium/internal/events"
	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/internal/poller"
	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/internal/upload"
	"github.com/MrWong99/podium/pkg/backend"
	"github.com/MrWong99/podium/pkg/debate"
)

var (
	// ErrInvalidArtifact is returned by Finalize when the artifact is missing,
	// a directory, or empty.
	ErrInvalidArtifact = errors.New("lifecycle: invalid artifact")

	// ErrArtifactNotFound is returned by RetryUpload when the artifact has
	// disappeared since the recording was made.
	ErrArtifactNotFound = errors.New("lifecycle: artifact not found")

	// ErrNotRetryable is returned by RetryUpload for a recording whose upload
	// has not failed or is still running.
	ErrNotRetryable = errors.New("lifecycle: recording is not retryable")

	// ErrNotCancellable is returned by CancelUpload once the upload has
	// finished or failed.
	ErrNotCancellable = errors.New("lifecycle: upload is not cancellable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("lifecycle: manager closed")

	// errSuperseded rejects a write from a task that no longer owns its
	// recording.
	errSuperseded = errors.New("lifecycle: task superseded")
)

// Uploader sends artifacts to the backend.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request, onProgress func(float64)) (string, error)
	CancelUpload(recordingID string) bool
}

// Poller watches remote processing.
type Poller interface {
	Poll(ctx context.Context, remoteID string) <-chan poller.StatusUpdate
}

var (
	_ Uploader = (*upload.Orchestrator)(nil)
	_ Poller   = (*poller.Poller)(nil)
)

// UploadResult is the outcome of one upload task.
type UploadResult struct {
	RemoteID string
	Err      error
}

// Progress is the payload of [events.KindUploadProgress].
type Progress struct {
	RecordingID string  `json:"recording_id"`
	Fraction    float64 `json:"fraction"`
}

// Option configures a [Manager].
type Option func(*Manager)

// WithPublisher sets where recording events go. Defaults to [events.Discard].
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithNow replaces the time source for new recordings.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the recordings of one debate session.
type Manager struct {
	session  *debate.Session
	registry *recording.Registry
	uploader Uploader
	poller   Poller
	pub      events.Publisher
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// task is the one background job allowed to write a recording. It owns the
// recording while it is the recording's entry in Manager.tasks.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager for session. Recordings live in registry.
func New(session *debate.Session, registry *recording.Registry, up Uploader, poll Poller, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		session:  session,
		registry: registry,
		uploader: up,
		poller:   poll,
		pub:      events.Discard,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Finalize registers a finished speech and starts uploading it.
func (m *Manager) Finalize(ctx context.Context, artifact string, durationSeconds float64, speaker debate.SpeakerSlot) (recording.SpeechRecording, error) {
	if err := validateArtifact(artifact); err != nil {
		return recording.SpeechRecording{}, err
	}
	if m.isClosed() {
		return recording.SpeechRecording{}, ErrClosed
	}
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	rec := recording.New(uuid.NewString(), m.session.ID(), speaker, artifact, durationSeconds, m.now().UTC())
	if err := m.registry.Add(ctx, rec); err != nil {
		return recording.SpeechRecording{}, fmt.Errorf("lifecycle: finalize: %w", err)
	}
	m.notify(rec)
	observe.Logger(ctx).Info("lifecycle: speech finalized",
		"recording_id", rec.ID, "position", speaker.Position, "duration_seconds", durationSeconds)

	m.spawn(rec.ID, func(ctx context.Context, t *task) { m.runUpload(ctx, rec.ID, t) })
	return rec, nil
}

func validateArtifact(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArtifact)
	}
	fi, err := os.Stat(path)
	switch {
	case err != nil:
		return fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
	case fi.IsDir():
		return fmt.Errorf("%w: %s is a directory", ErrInvalidArtifact, path)
	case fi.Size() == 0:
		return fmt.Errorf("%w: %s is empty", ErrInvalidArtifact, path)
	}
	return nil
}

// spawn starts fn as the recording's background task and hands it ownership
// of the recording. A task still running under the previous entry keeps
// running but can no longer write.
func (m *Manager) spawn(id string, fn func(ctx context.Context, t *task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[id] = t
	m.group.Go(func() error {
		defer func() {
			cancel()
			m.mu.Lock()
			if m.tasks[id] == t {
				delete(m.tasks, id)
			}
			m.mu.Unlock()
			close(t.done)
		}()
		fn(ctx, t)
		return nil
	})
}

func (m *Manager) hasTask(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

func (m *Manager) owns(id string, t *task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id] == t
}

// guarded wraps fn so it only applies while t owns the recording. The check
// runs under the registry's per-recording lock, so it cannot interleave
// with stopTask revoking ownership and a successor's first write.
func (m *Manager) guarded(id string, t *task, fn func(*recording.SpeechRecording) error) func(*recording.SpeechRecording) error {
	if t == nil {
		return fn
	}
	return func(r *recording.SpeechRecording) error {
		if !m.owns(id, t) {
			return errSuperseded
		}
		return fn(r)
	}
}

// stopTask revokes the recording's task, cancels it and waits for it to
// exit or for ctx to end.
func (m *Manager) stopTask(ctx context.Context, id string) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if ok {
		t.cancel()
	}
	m.uploader.CancelUpload(id)
	if !ok {
		return
	}
	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

func (m *Manager) runUpload(ctx context.Context, id string, t *task) {
	persist := context.WithoutCancel(ctx)
	rec, err := m.update(persist, id, m.guarded(id, t, func(r *recording.SpeechRecording) error {
		r.UploadStatus = recording.UploadUploading
		r.UploadProgress = 0
		r.FailureKind = recording.FailureNone
		r.FailureReason = ""
		return nil
	}))
	if err != nil {
		logTaskErr(ctx, "lifecycle: mark uploading", id, err)
		return
	}

	req := upload.Request{
		RecordingID:     rec.ID,
		DebateID:        m.session.BackendID(),
		ArtifactPath:    rec.ArtifactPath,
		Duration:        rec.Duration,
		SpeakerName:     rec.Speaker.StudentID,
		SpeakerPosition: rec.Speaker.Position,
		StudentLevel:    string(m.session.Level()),
	}
	remoteID, err := m.uploader.Upload(ctx, req, func(f float64) { m.setProgress(id, t, f) })
	if err := m.applyUpload(persist, id, UploadResult{RemoteID: remoteID, Err: err}, t); err != nil {
		logTaskErr(ctx, "lifecycle: apply upload result", id, err)
	}
}

// logTaskErr logs a failed background mutation. A recording deleted or
// taken over while its task was running is expected and only logged at
// debug.
func logTaskErr(ctx context.Context, msg, id string, err error) {
	log := observe.Logger(ctx)
	if errors.Is(err, recording.ErrNotFound) || errors.Is(err, errSuperseded) {
		log.Debug(msg, "recording_id", id, "err", err)
		return
	}
	log.Error(msg, "recording_id", id, "err", err)
}

func (m *Manager) setProgress(id string, t *task, f float64) {
	if _, err := m.registry.UpdateVolatile(id, m.guarded(id, t, func(r *recording.SpeechRecording) error {
		r.UploadProgress = f
		return nil
	})); err != nil {
		return
	}
	m.pub.Publish(events.Event{
		Kind:      events.KindUploadProgress,
		SessionID: m.session.ID(),
		Payload:   Progress{RecordingID: id, Fraction: f},
	})
}

// OnUploadStateChange applies the outcome of an upload. Success moves the
// recording to uploaded/processing and starts polling; failure marks it
// failed with the matching FailureKind. An upload cut short by Close leaves
// the recording as it was.
func (m *Manager) OnUploadStateChange(ctx context.Context, id string, res UploadResult) error {
	return m.applyUpload(ctx, id, res, nil)
}

// applyUpload applies res on behalf of t. A nil t writes unconditionally.
func (m *Manager) applyUpload(ctx context.Context, id string, res UploadResult, t *task) error {
	log := observe.Logger(ctx).With("recording_id", id)

	switch {
	case res.Err == nil && res.RemoteID != "":
		if _, err := m.update(ctx, id, m.guarded(id, t, func(r *recording.SpeechRecording) error {
			r.UploadStatus = recording.UploadUploaded
			r.UploadProgress = 1
			r.RemoteID = res.RemoteID
			r.ProcessingStatus = recording.ProcessingProcessing
			r.FailureKind = recording.FailureNone
			r.FailureReason = ""
			return nil
		})); err != nil {
			return err
		}
		m.spawn(id, func(ctx context.Context, t *task) { m.runPoll(ctx, id, res.RemoteID, t) })
		return nil

	case errors.Is(res.Err, context.Canceled) && m.isClosed():
		log.Info("lifecycle: upload interrupted by shutdown")
		return nil

	case t != nil && !m.owns(id, t):
		// CancelUpload or Delete took the recording away; they record the
		// outcome themselves.
		log.Debug("lifecycle: dropping superseded upload result", "err", res.Err)
		return nil
	}

	kind := recording.FailurePermanent
	reason := "upload returned no speech id"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	switch {
	case errors.Is(res.Err, backend.ErrMaxAttempts):
		kind = recording.FailureExhausted
	case errors.Is(res.Err, context.Canceled):
		kind = recording.FailureCancelled
	}
	log.Warn("lifecycle: upload failed", "failure_kind", kind, "err", res.Err)

	_, err := m.update(ctx, id, m.guarded(id, t, func(r *recording.SpeechRecording) error {
		r.UploadStatus = recording.UploadFailed
		r.FailureKind = kind
		r.FailureReason = reason
		return nil
	}))
	return err
}

func (m *Manager) runPoll(ctx context.Context, id, remoteID string, t *task) {
	persist := context.WithoutCancel(ctx)
	for u := range m.poller.Poll(ctx, remoteID) {
		if err := m.applyPoll(persist, id, u, t); err != nil {
			logTaskErr(ctx, "lifecycle: apply poll result", id, err)
		}
	}
}

// OnPollResult applies one status update from the poller.
func (m *Manager) OnPollResult(ctx context.Context, id string, u poller.StatusUpdate) error {
	return m.applyPoll(ctx, id, u, nil)
}

func (m *Manager) applyPoll(ctx context.Context, id string, u poller.StatusUpdate, t *task) error {
	_, err := m.update(ctx, id, m.guarded(id, t, func(r *recording.SpeechRecording) error {
		r.ProcessingStatus = u.Status
		switch u.Status {
		case recording.ProcessingComplete:
			r.Feedback = u.Feedback
		case recording.ProcessingFailed:
			r.FailureKind = recording.FailurePermanent
			if u.TimedOut {
				r.FailureKind = recording.FailureTimeout
			}
			r.FailureReason = u.ErrorMessage
		}
		return nil
	}))
	return err
}

// RetryUpload re-runs the upload of a recording whose upload failed. It can
// be called any number of times.
func (m *Manager) RetryUpload(ctx context.Context, id string) error {
	if m.isClosed() {
		return ErrClosed
	}
	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("lifecycle: retry: %w: %s", recording.ErrNotFound, id)
	}
	if rec.UploadStatus != recording.UploadFailed || m.hasTask(id) {
		return fmt.Errorf("%w: upload status is %s", ErrNotRetryable, rec.UploadStatus)
	}
	if _, err := os.Stat(rec.ArtifactPath); err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactNotFound, err)
	}

	if _, err := m.update(ctx, id, func(r *recording.SpeechRecording) error {
		if r.UploadStatus != recording.UploadFailed {
			return ErrNotRetryable
		}
		r.UploadStatus = recording.UploadPending
		r.UploadProgress = 0
		r.FailureKind = recording.FailureNone
		r.FailureReason = ""
		return nil
	}); err != nil {
		return err
	}
	observe.Logger(ctx).Info("lifecycle: retrying upload", "recording_id", id)
	m.spawn(id, func(ctx context.Context, t *task) { m.runUpload(ctx, id, t) })
	return nil
}

// CancelUpload abandons a running upload. It returns once the upload task
// has exited or ctx ends; a result the task produces after the cancel is
// discarded. The recording becomes failed with FailureKind cancelled and can
// be retried.
func (m *Manager) CancelUpload(ctx context.Context, id string) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("lifecycle: cancel: %w: %s", recording.ErrNotFound, id)
	}
	if rec.UploadStatus != recording.UploadUploading && rec.UploadStatus != recording.UploadPending {
		return fmt.Errorf("%w: upload status is %s", ErrNotCancellable, rec.UploadStatus)
	}
	m.stopTask(ctx, id)
	_, err := m.update(context.WithoutCancel(ctx), id, func(r *recording.SpeechRecording) error {
		if r.UploadStatus == recording.UploadUploaded {
			return nil
		}
		r.UploadStatus = recording.UploadFailed
		r.FailureKind = recording.FailureCancelled
		r.FailureReason = "upload cancelled"
		return nil
	})
	return err
}

// Delete stops the recording's background work and removes it from the
// registry and the store. The artifact file is left in place.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.stopTask(ctx, id)
	if err := m.registry.Remove(ctx, id); err != nil {
		return fmt.Errorf("lifecycle: delete: %w", err)
	}
	m.pub.Publish(events.Event{
		Kind:      events.KindRecordingRemoved,
		SessionID: m.session.ID(),
		Payload:   id,
	})
	return nil
}

// Recordings returns snapshots of every recording in creation order.
func (m *Manager) Recordings() []recording.SpeechRecording {
	return m.registry.ListSession(m.session.ID())
}

// Recording returns a snapshot of one recording.
func (m *Manager) Recording(id string) (recording.SpeechRecording, bool) {
	return m.registry.Get(id)
}

// UploadProgress returns the upload fraction of a recording.
func (m *Manager) UploadProgress(id string) (float64, bool) {
	rec, ok := m.registry.Get(id)
	return rec.UploadProgress, ok
}

// IsDebateComplete reports whether every slot has exactly one recording.
func (m *Manager) IsDebateComplete(slots []debate.SpeakerSlot) bool {
	counts := make(map[debate.SpeakerSlot]int, len(slots))
	for _, rec := range m.Recordings() {
		counts[rec.Speaker]++
	}
	for _, s := range slots {
		if counts[s] != 1 {
			return false
		}
	}
	return true
}

// Close cancels every upload and poll and waits for their tasks to exit.
// Recordings keep their last-known status.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, id := range ids {
		m.uploader.CancelUpload(id)
	}
	return m.group.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// update persists the mutation and then notifies observers.
func (m *Manager) update(ctx context.Context, id string, fn func(*recording.SpeechRecording) error) (recording.SpeechRecording, error) {
	rec, err := m.registry.Update(ctx, id, fn)
	if err != nil {
		return rec, fmt.Errorf("lifecycle: update %s: %w", id, err)
	}
	m.notify(rec)
	return rec, nil
}

func (m *Manager) notify(rec recording.SpeechRecording) {
	m.pub.Publish(events.Event{
		Kind:      events.KindRecording,
		SessionID: m.session.ID(),
		Payload:   rec,
	})
}
