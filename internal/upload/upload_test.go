package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/podium/internal/observe"
	"github.com/MrWong99/podium/pkg/audio"
	"github.com/MrWong99/podium/pkg/backend"
	"github.com/MrWong99/podium/pkg/backend/mock"
)

// sleepRecorder records requested backoff delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newTestOrchestrator(t *testing.T, api backend.API, opts ...Option) (*Orchestrator, *sleepRecorder) {
	t.Helper()
	sr := &sleepRecorder{}
	opts = append([]Option{WithSleep(sr.Sleep), WithMetrics(testMetrics(t))}, opts...)
	return New(api, opts...), sr
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "speech.wav")
	pcm := make([]byte, 32000*3)
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, audio.Format{SampleRate: 16000, Channels: 1}), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testRequest(t *testing.T) Request {
	return Request{
		RecordingID:     "rec-1",
		DebateID:        "debate-9",
		ArtifactPath:    writeArtifact(t),
		Duration:        3,
		SpeakerName:     "alice",
		SpeakerPosition: "Prop 1",
		StudentLevel:    "high",
	}
}

func TestUpload_RetriesTransientThenSucceeds(t *testing.T) {
	api := &mock.API{}
	api.QueueUpload(backend.UploadResult{}, &backend.ServerError{Code: 503})
	api.QueueUpload(backend.UploadResult{}, &backend.ServerError{Code: 503})
	api.QueueUpload(backend.UploadResult{SpeechID: "speech-42"}, nil)

	o, sr := newTestOrchestrator(t, api)
	got, err := o.Upload(context.Background(), testRequest(t), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got != "speech-42" {
		t.Errorf("remote id = %q, want speech-42", got)
	}
	if n := api.CallCount("UploadSpeech"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	delays := sr.Delays()
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestUpload_EveryAttemptCarriesSameIdempotencyData(t *testing.T) {
	api := &mock.API{}
	api.QueueUpload(backend.UploadResult{}, backend.ErrConnectivity)
	api.QueueUpload(backend.UploadResult{SpeechID: "s"}, nil)

	o, _ := newTestOrchestrator(t, api)
	req := testRequest(t)
	if _, err := o.Upload(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}

	calls := api.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	first := calls[0].Args[0].(backend.SpeechUpload)
	second := calls[1].Args[0].(backend.SpeechUpload)
	if first != second {
		t.Errorf("attempts differ:\n%+v\n%+v", first, second)
	}
	if first.IdempotencyKey != req.RecordingID {
		t.Errorf("idempotency key = %q, want %q", first.IdempotencyKey, req.RecordingID)
	}
	if len(first.ContentHash) != 64 {
		t.Errorf("content hash = %q, want 64 hex chars", first.ContentHash)
	}
	if first.DebateID != "debate-9" || first.SpeakerPosition != "Prop 1" || first.StudentLevel != "high" {
		t.Errorf("metadata not forwarded: %+v", first)
	}
}

func TestUpload_ExhaustsAttempts(t *testing.T) {
	api := &mock.API{UploadErr: &backend.ServerError{Code: 503}}
	o, sr := newTestOrchestrator(t, api)

	_, err := o.Upload(context.Background(), testRequest(t), nil)

	var uf *backend.UploadFailedError
	if !errors.As(err, &uf) {
		t.Fatalf("err = %v, want UploadFailedError", err)
	}
	if uf.Reason != "Max retry attempts reached" {
		t.Errorf("reason = %q", uf.Reason)
	}
	if !errors.Is(err, backend.ErrMaxAttempts) {
		t.Error("error does not wrap ErrMaxAttempts")
	}
	var se *backend.ServerError
	if !errors.As(err, &se) || se.Code != 503 {
		t.Errorf("last error not wrapped: %v", err)
	}
	if n := api.CallCount("UploadSpeech"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if n := len(sr.Delays()); n != 2 {
		t.Errorf("sleeps = %d, want 2", n)
	}
}

func TestUpload_PermanentErrorsFailImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", backend.ErrUnauthorized},
		{"not found", backend.ErrNotFound},
		{"bad request", &backend.ServerError{Code: 400}},
		{"unprocessable", &backend.ServerError{Code: 422}},
		{"invalid endpoint", backend.ErrInvalidEndpoint},
		{"malformed response", backend.UploadFailed("malformed response")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mock.API{UploadErr: tt.err}
			o, sr := newTestOrchestrator(t, api)

			_, err := o.Upload(context.Background(), testRequest(t), nil)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if n := api.CallCount("UploadSpeech"); n != 1 {
				t.Errorf("attempts = %d, want 1", n)
			}
			if len(sr.Delays()) != 0 {
				t.Error("permanent failure slept")
			}
		})
	}
}

func TestUpload_MissingSpeechIDIsPermanent(t *testing.T) {
	api := &mock.API{}
	o, _ := newTestOrchestrator(t, api)

	_, err := o.Upload(context.Background(), testRequest(t), nil)
	var uf *backend.UploadFailedError
	if !errors.As(err, &uf) {
		t.Fatalf("err = %v, want UploadFailedError", err)
	}
	if n := api.CallCount("UploadSpeech"); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestUpload_ProgressIsMonotonicAcrossRetries(t *testing.T) {
	api := &mock.API{}
	api.QueueUpload(backend.UploadResult{}, backend.ErrTimeout)
	api.QueueUpload(backend.UploadResult{SpeechID: "s"}, nil)

	var call int
	api.UploadHook = func(_ context.Context, _ backend.SpeechUpload, onProgress func(float64)) {
		call++
		if call == 1 {
			onProgress(0.2)
			onProgress(0.6)
			return
		}
		onProgress(0.1)
		onProgress(0.5)
		onProgress(0.9)
	}

	o, _ := newTestOrchestrator(t, api)
	var got []float64
	if _, err := o.Upload(context.Background(), testRequest(t), func(f float64) { got = append(got, f) }); err != nil {
		t.Fatal(err)
	}

	want := []float64{0.2, 0.6, 0.9, 1}
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress = %v, want %v", got, want)
		}
	}
}

func TestUpload_ProbesDurationWhenUnknown(t *testing.T) {
	api := &mock.API{UploadResult: backend.UploadResult{SpeechID: "s"}}
	o, _ := newTestOrchestrator(t, api)

	req := testRequest(t)
	req.Duration = 0
	if _, err := o.Upload(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}
	up := api.Calls()[0].Args[0].(backend.SpeechUpload)
	if up.DurationSeconds != 3 {
		t.Errorf("duration = %v, want 3 from the WAV header", up.DurationSeconds)
	}
}

func TestUpload_UnprobeableDurationFallsBackToZero(t *testing.T) {
	api := &mock.API{UploadResult: backend.UploadResult{SpeechID: "s"}}
	o, _ := newTestOrchestrator(t, api)

	req := testRequest(t)
	req.Duration = 0
	if err := os.WriteFile(req.ArtifactPath, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Upload(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}
	up := api.Calls()[0].Args[0].(backend.SpeechUpload)
	if up.DurationSeconds != 0 {
		t.Errorf("duration = %v, want 0", up.DurationSeconds)
	}
}

func TestUpload_MissingArtifact(t *testing.T) {
	api := &mock.API{}
	o, _ := newTestOrchestrator(t, api)

	req := testRequest(t)
	req.ArtifactPath = filepath.Join(t.TempDir(), "gone.wav")
	_, err := o.Upload(context.Background(), req, nil)
	if !errors.Is(err, backend.ErrEncodingFailure) {
		t.Fatalf("err = %v, want ErrEncodingFailure", err)
	}
	if api.CallCount("UploadSpeech") != 0 {
		t.Error("backend called for a missing artifact")
	}
}

func TestUpload_DuplicateIsRejectedAndCancelStopsInFlight(t *testing.T) {
	api := &mock.API{UploadResult: backend.UploadResult{SpeechID: "s"}}
	entered := make(chan struct{})
	api.UploadHook = func(ctx context.Context, _ backend.SpeechUpload, _ func(float64)) {
		close(entered)
		<-ctx.Done()
	}
	o, _ := newTestOrchestrator(t, api)
	req := testRequest(t)

	done := make(chan error, 1)
	go func() {
		_, err := o.Upload(context.Background(), req, nil)
		done <- err
	}()
	<-entered

	if !o.IsUploading(req.RecordingID) {
		t.Fatal("IsUploading = false during upload")
	}
	if _, err := o.Upload(context.Background(), req, nil); !errors.Is(err, ErrAlreadyUploading) {
		t.Fatalf("duplicate err = %v, want ErrAlreadyUploading", err)
	}

	if !o.CancelUpload(req.RecordingID) {
		t.Fatal("CancelUpload = false")
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not stop after cancel")
	}
	if o.IsUploading(req.RecordingID) {
		t.Error("IsUploading = true after cancel")
	}
	if o.CancelUpload(req.RecordingID) {
		t.Error("second CancelUpload = true")
	}
}

func TestBackoff(t *testing.T) {
	o := New(&mock.API{}, WithBaseBackoff(500*time.Millisecond), WithMetrics(testMetrics(t)))
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := o.Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := HashFile(path)
	if a != b || len(a) != 64 {
		t.Fatalf("hash = %q / %q", a, b)
	}
	// Known BLAKE3-256 digest of "abc".
	if want := "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85"; a != want {
		t.Errorf("hash = %s, want %s", a, want)
	}
}
