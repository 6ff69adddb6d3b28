// Package upload ships finished speech artifacts to the feedback backend.
//
// An [Orchestrator] owns the retry policy: connectivity loss, timeouts and
// 5xx responses are retried with exponential backoff, everything else fails
// immediately. Each attempt re-opens the artifact and re-sends the whole
// multipart body with the same idempotency key and content hash, so a server
// that honours either can drop duplicates.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/pkg/audio"
	"github.com/MrWong99/podium/pkg/backend"
)

// Defaults for the retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = time.Second
)

// ErrAlreadyUploading is returned when an upload for the same recording is
// still in flight.
var ErrAlreadyUploading = errors.New("upload: already uploading")

// Request describes one speech to upload.
type Request struct {
	RecordingID     string
	DebateID        string
	ArtifactPath    string
	Duration        float64
	SpeakerName     string
	SpeakerPosition string
	StudentLevel    string
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMaxAttempts sets the total number of attempts, first one included.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBaseBackoff sets the delay after the first failed attempt. Later
// delays double.
func WithBaseBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.baseBackoff = d
		}
	}
}

// WithSleep replaces the backoff sleep. Tests use it to avoid real waiting.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithProbers sets the duration probers consulted, in order, when a request
// carries no usable duration.
func WithProbers(p ...audio.Prober) Option {
	return func(o *Orchestrator) { o.probers = p }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator uploads speeches with retry and tracks which recordings have
// an upload in flight. It is safe for concurrent use.
type Orchestrator struct {
	api         backend.API
	maxAttempts int
	baseBackoff time.Duration
	sleep       SleepFunc
	probers     []audio.Prober
	metrics     *observe.Metrics

	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	cancel context.CancelFunc
}

// attempt is the bookkeeping for one pass through the retry loop.
type attempt struct {
	n     int
	delay time.Duration
	class string
	err   error
}

// New creates an Orchestrator sending through api.
func New(api backend.API, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:         api,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
		sleep:       sleepCtx,
		probers:     []audio.Prober{audio.WAVProber{}},
		inflight:    make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Backoff returns the delay that follows failed attempt n (1-based).
func (o *Orchestrator) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return o.baseBackoff << (n - 1)
}

// IsUploading reports whether recordingID has an upload in flight.
func (o *Orchestrator) IsUploading(recordingID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[recordingID]
	return ok
}

// CancelUpload cancels the in-flight upload for recordingID and reports
// whether there was one. Bytes already on the wire cannot be recalled.
func (o *Orchestrator) CancelUpload(recordingID string) bool {
	o.mu.Lock()
	f, ok := o.inflight[recordingID]
	delete(o.inflight, recordingID)
	o.mu.Unlock()
	if ok {
		f.cancel()
	}
	return ok
}

// Upload sends req and returns the remote speech identifier.
//
// onProgress, if non-nil, is called from the calling goroutine with
// non-decreasing fractions in [0,1]; a retry never reports less than an
// earlier attempt did, and a successful upload always ends with 1.
//
// Retriable failures are retried until the attempt budget is spent, after
// which the returned error is an [*backend.UploadFailedError] wrapping
// [backend.ErrMaxAttempts] and the last failure. Permanent failures are
// returned as they are.
func (o *Orchestrator) Upload(ctx context.Context, req Request, onProgress func(float64)) (string, error) {
	if req.RecordingID == "" {
		return "", errors.New("upload: recording id is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f := &flight{cancel: cancel}
	o.mu.Lock()
	if _, busy := o.inflight[req.RecordingID]; busy {
		o.mu.Unlock()
		return "", ErrAlreadyUploading
	}
	o.inflight[req.RecordingID] = f
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		if o.inflight[req.RecordingID] == f {
			delete(o.inflight, req.RecordingID)
		}
		o.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(ctx, "upload.speech",
		trace.WithAttributes(attribute.String("recording_id", req.RecordingID)))
	defer span.End()

	o.metrics.ActiveUploads.Add(ctx, 1)
	defer o.metrics.ActiveUploads.Add(ctx, -1)
	start := time.Now()

	remoteID, err := o.upload(ctx, req, onProgress)

	outcome := "success"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("outcome", outcome)))
	return remoteID, err
}

func (o *Orchestrator) upload(ctx context.Context, req Request, onProgress func(float64)) (string, error) {
	log := observe.Logger(ctx).With("recording_id", req.RecordingID)

	duration := req.Duration
	if duration <= 0 {
		duration = audio.ProbeDuration(ctx, req.ArtifactPath, o.probers...)
		log.Debug("upload: probed duration", "duration_seconds", duration)
	}

	hash, err := HashFile(req.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("upload: %w: %w", backend.ErrEncodingFailure, err)
	}

	up := backend.SpeechUpload{
		DebateID:        req.DebateID,
		ArtifactPath:    req.ArtifactPath,
		SpeakerName:     req.SpeakerName,
		SpeakerPosition: req.SpeakerPosition,
		DurationSeconds: duration,
		StudentLevel:    req.StudentLevel,
		IdempotencyKey:  req.RecordingID,
		ContentHash:     hash,
	}

	progress := newProgress(onProgress)
	var last attempt
	for n := 1; n <= o.maxAttempts; n++ {
		if n > 1 {
			if err := o.sleep(ctx, last.delay); err != nil {
				return "", err
			}
		}

		res, err := o.try(ctx, n, up, progress.report)
		if err == nil {
			progress.finish()
			o.metrics.RecordUploadAttempt(ctx, "success")
			log.Info("upload: speech uploaded", "attempt", n, "remote_id", string(res.SpeechID))
			return string(res.SpeechID), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		last = attempt{n: n, err: err, class: "permanent"}
		if backend.IsRetriable(err) {
			last.class = "retriable"
			last.delay = o.Backoff(n)
		}
		o.metrics.RecordUploadAttempt(ctx, last.class)

		if last.class == "permanent" {
			log.Warn("upload: permanent failure", "attempt", n, "err", err)
			return "", err
		}
		log.Warn("upload: attempt failed", "attempt", n, "max_attempts", o.maxAttempts,
			"retry_in", last.delay, "err", err)
	}

	return "", backend.UploadFailed("Max retry attempts reached", backend.ErrMaxAttempts, last.err)
}

func (o *Orchestrator) try(ctx context.Context, n int, up backend.SpeechUpload, onProgress func(float64)) (backend.UploadResult, error) {
	ctx, span := observe.StartSpan(ctx, "upload.attempt",
		trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	res, err := o.api.UploadSpeech(ctx, up, onProgress)
	if err == nil && res.SpeechID == "" {
		err = backend.UploadFailed("response missing speech_id")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// progress forwards only fractions above the highest one reported so far.
type progress struct {
	fn   func(float64)
	last float64
}

func newProgress(fn func(float64)) *progress {
	return &progress{fn: fn, last: -1}
}

func (p *progress) report(f float64) {
	if f > 1 {
		f = 1
	}
	if p.fn == nil || f <= p.last {
		return
	}
	p.last = f
	p.fn(f)
}

func (p *progress) finish() {
	if p.last < 1 {
		p.report(1)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
