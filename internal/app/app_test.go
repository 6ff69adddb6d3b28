package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/podium/internal/app"
	"github.com/MrWong99/podium/internal/config"
	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/internal/session"
	"github.com/MrWong99/podium/pkg/backend"
	"github.com/MrWong99/podium/pkg/backend/mock"
)

// testConfig returns a config with short poll and retry timings.
func testConfig() *config.Config {
	cfg := &config.Config{Backend: config.BackendConfig{BaseURL: "http://feedback.invalid"}}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Upload.BaseBackoff = time.Millisecond
	cfg.Poll.Interval = 5 * time.Millisecond
	cfg.Poll.Timeout = 5 * time.Second
	cfg.Clock.AdvanceDelay = time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *mock.API) {
	t.Helper()
	api := &mock.API{
		CreateDebateResult: "debate-1",
		UploadResult:       backend.UploadResult{SpeechID: "speech-1"},
		StatusResult:       backend.StatusResult{Status: "complete", FeedbackText: "Clear structure."},
	}
	base := []app.Option{
		app.WithBackend(api),
		app.WithStore(recording.NewMemStore()),
		app.WithRecorder(&fakeRecorder{dir: t.TempDir()}),
		app.WithMetrics(newTestMetrics(t)),
	}
	a, err := app.New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, api
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestApp_SpeechToFeedbackOverHTTP(t *testing.T) {
	t.Parallel()
	a, api := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	var snap session.Snapshot
	code := do(t, srv, "POST", "/v1/session", map[string]any{
		"motion":        "This house would abolish school uniforms",
		"format":        "wsdc",
		"student_level": "high",
		"teams":         wsdcTeams(),
	}, &snap)
	if code != http.StatusCreated {
		t.Fatalf("create session status = %d", code)
	}
	if len(snap.Speakers) != 6 || snap.Current.Position != "Prop 1" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if code := do(t, srv, "POST", "/v1/session/speech/start", nil, &snap); code != http.StatusOK {
		t.Fatalf("start speech status = %d", code)
	}
	if snap.BackendID != "debate-1" {
		t.Errorf("backend id = %q", snap.BackendID)
	}
	var rec recording.SpeechRecording
	if code := do(t, srv, "POST", "/v1/session/speech/stop", nil, &rec); code != http.StatusOK {
		t.Fatalf("stop speech status = %d", code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var got recording.SpeechRecording
		do(t, srv, "GET", "/v1/recordings/"+rec.ID, nil, &got)
		if got.ProcessingStatus == recording.ProcessingComplete {
			if got.Feedback != "Clear structure." || got.UploadProgress != 1 {
				t.Errorf("recording = %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("feedback never arrived; last = %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := api.CallCount("UploadSpeech"); n != 1 {
		t.Errorf("uploads = %d, want 1", n)
	}

	if code := do(t, srv, "DELETE", "/v1/session", nil, nil); code != http.StatusNoContent {
		t.Errorf("cancel session status = %d", code)
	}
	if code := do(t, srv, "GET", "/v1/session", nil, nil); code != http.StatusNotFound {
		t.Errorf("get session after cancel status = %d", code)
	}
}

func TestApp_HealthEndpoints(t *testing.T) {
	t.Parallel()
	a, api := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if code := do(t, srv, "GET", "/healthz", nil, nil); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	if code := do(t, srv, "GET", "/readyz", nil, nil); code != http.StatusOK {
		t.Errorf("readyz = %d", code)
	}
	if api.CallCount("Ping") != 1 {
		t.Errorf("backend pinged %d times", api.CallCount("Ping"))
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := newTestApp(t, testConfig(), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownStopsActiveSession(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())

	if _, err := a.Sessions().Start(context.Background(), "Motion", "wsdc", "open", wsdcTeams()); err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after Shutdown")
	}
}

func TestApp_ShutdownRespectsDeadline(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
}

func TestApp_ApplyConfigChangesLogLevel(t *testing.T) {
	t.Parallel()
	var lvl slog.LevelVar
	cfg := testConfig()
	a, _ := newTestApp(t, cfg, app.WithLogLevel(&lvl))

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Poll.Interval = time.Second
	a.ApplyConfig(cfg, &next)

	if lvl.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lvl.Level())
	}
}

func TestApp_OpensSQLiteStore(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Driver: config.StoreSQLite, DSN: filepath.Join(t.TempDir(), "podium.db")}

	a, err := app.New(context.Background(), cfg,
		app.WithBackend(&mock.API{}),
		app.WithRecorder(&fakeRecorder{dir: t.TempDir()}),
		app.WithMetrics(newTestMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if code := do(t, srv, "GET", "/readyz", nil, &body); code != http.StatusOK || body.Checks["store"] != "ok" {
		t.Errorf("readyz = %d %v", code, body.Checks)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestApp_UnknownStoreDriver(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Store.Driver = "mongo"

	_, err := app.New(context.Background(), cfg, app.WithBackend(&mock.API{}), app.WithMetrics(newTestMetrics(t)))
	if err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
