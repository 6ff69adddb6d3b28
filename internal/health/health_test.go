package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/podium/internal/recording"
	"github.com/MrWong99/podium/pkg/backend/mock"
)

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	h := New(Checker{Name: "backend", Check: func(context.Context) error { return errors.New("down") }})

	code, body := serve(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestReadyz_BackendAndStore(t *testing.T) {
	api := &mock.API{}
	h := New(PingChecker("backend", api), PingChecker("store", recording.NewMemStore()))

	code, body := serve(t, h, "/readyz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("readyz = %d %+v", code, body)
	}
	if body.Checks["backend"] != "ok" || body.Checks["store"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
	if n := api.CallCount("Ping"); n != 1 {
		t.Errorf("backend pinged %d times, want 1", n)
	}
}

func TestReadyz_BackendDown(t *testing.T) {
	api := &mock.API{PingErr: errors.New("connection refused")}
	h := New(PingChecker("backend", api), PingChecker("store", recording.NewMemStore()))

	code, body := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Fatalf("readyz = %d %+v", code, body)
	}
	if body.Checks["backend"] != "fail: connection refused" {
		t.Errorf("backend check = %q", body.Checks["backend"])
	}
	if body.Checks["store"] != "ok" {
		t.Errorf("store check = %q", body.Checks["store"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	code, body := serve(t, New(), "/readyz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("readyz = %d %+v", code, body)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	slow := func(context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)

	start := time.Now()
	code, _ := serve(t, h, "/readyz")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if d := time.Since(start); d > 250*time.Millisecond {
		t.Errorf("three 100ms checks took %s", d)
	}
}

func TestReadyz_Draining(t *testing.T) {
	h := New(PingChecker("store", recording.NewMemStore()))
	h.SetDraining()

	code, body := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || body.Checks["server"] != "fail: draining" {
		t.Errorf("readyz = %d %+v", code, body)
	}
	if code, _ := serve(t, h, "/healthz"); code != http.StatusOK {
		t.Errorf("healthz while draining = %d", code)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
