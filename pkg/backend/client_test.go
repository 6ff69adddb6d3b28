package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeArtifact(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prop_1.wav")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api", WithToken("secret"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_InvalidEndpoint(t *testing.T) {
	for _, raw := range []string{"", "not a url", "ftp://example.com", "http://"} {
		if _, err := New(raw); !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("New(%q) err = %v, want ErrInvalidEndpoint", raw, err)
		}
	}
}

func TestUploadSpeech_SendsMultipartAndHeaders(t *testing.T) {
	path := writeArtifact(t, 64*1024)

	var (
		gotFields map[string]string
		gotFile   []byte
		gotHeader http.Header
		gotPath   string
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotFields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}
		f, _, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotFile, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"speech_id": 42, "status": "processing", "processing_started": true}`)
	}))

	var (
		mu        sync.Mutex
		fractions []float64
	)
	res, err := c.UploadSpeech(context.Background(), SpeechUpload{
		DebateID:        "deb 1",
		ArtifactPath:    path,
		SpeakerName:     "Alice",
		SpeakerPosition: "Prop 1",
		DurationSeconds: 12.5,
		StudentLevel:    "high",
		IdempotencyKey:  "rec-123",
		ContentHash:     "abc",
	}, func(f float64) {
		mu.Lock()
		fractions = append(fractions, f)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("UploadSpeech: %v", err)
	}
	if res.SpeechID != "42" || res.Status != "processing" || !res.ProcessingStarted {
		t.Errorf("result = %+v", res)
	}
	if gotPath != "/api/debates/deb 1/speeches" {
		t.Errorf("path = %q", gotPath)
	}
	if gotHeader.Get("Authorization") != "Bearer secret" {
		t.Errorf("Authorization = %q", gotHeader.Get("Authorization"))
	}
	if gotHeader.Get("Idempotency-Key") != "rec-123" {
		t.Errorf("Idempotency-Key = %q", gotHeader.Get("Idempotency-Key"))
	}
	want := map[string]string{
		"speaker_name":     "Alice",
		"speaker_position": "Prop 1",
		"duration_seconds": "12.5",
		"student_level":    "high",
		"artifact_blake3":  "abc",
	}
	for k, v := range want {
		if gotFields[k] != v {
			t.Errorf("field %s = %q, want %q", k, gotFields[k], v)
		}
	}
	if len(gotFile) != 64*1024 || gotFile[1000] != byte(1000%256) {
		t.Errorf("file payload corrupted (len %d)", len(gotFile))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fractions) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] <= fractions[i-1] {
			t.Fatalf("progress not strictly increasing: %v", fractions)
		}
	}
	if last := fractions[len(fractions)-1]; last != 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
}

func TestUploadSpeech_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		check     func(error) bool
		retriable bool
	}{
		{"unauthorized", http.StatusUnauthorized, "", func(err error) bool { return errors.Is(err, ErrUnauthorized) }, false},
		{"forbidden", http.StatusForbidden, "", func(err error) bool { return errors.Is(err, ErrUnauthorized) }, false},
		{"not found", http.StatusNotFound, "", func(err error) bool { return errors.Is(err, ErrNotFound) }, false},
		{"bad request", http.StatusBadRequest, "missing field", func(err error) bool {
			var se *ServerError
			return errors.As(err, &se) && se.Code == 400 && se.Body == "missing field"
		}, false},
		{"unavailable", http.StatusServiceUnavailable, "", func(err error) bool {
			var se *ServerError
			return errors.As(err, &se) && se.Code == 503
		}, true},
		{"gateway timeout", http.StatusGatewayTimeout, "", func(err error) bool { return errors.Is(err, ErrTimeout) }, true},
		{"malformed body", http.StatusOK, "not json", func(err error) bool {
			var uf *UploadFailedError
			return errors.As(err, &uf)
		}, false},
		{"missing speech id", http.StatusOK, `{"status":"processing"}`, func(err error) bool {
			var uf *UploadFailedError
			return errors.As(err, &uf) && uf.Reason == "response missing speech_id"
		}, false},
	}
	path := writeArtifact(t, 128)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			_, err := c.UploadSpeech(context.Background(), SpeechUpload{DebateID: "d", ArtifactPath: path}, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if !tt.check(err) {
				t.Fatalf("unexpected error %T: %v", err, err)
			}
			if got := IsRetriable(err); got != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v", got, tt.retriable)
			}
		})
	}
}

func TestUploadSpeech_MissingArtifactIsEncodingFailure(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.UploadSpeech(context.Background(), SpeechUpload{DebateID: "d", ArtifactPath: filepath.Join(t.TempDir(), "gone.wav")}, nil)
	if !errors.Is(err, ErrEncodingFailure) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrEncodingFailure wrapping ErrNotExist", err)
	}
	if IsRetriable(err) {
		t.Error("encoding failure must not be retriable")
	}
}

func TestUploadSpeech_EmptyDebateID(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.UploadSpeech(context.Background(), SpeechUpload{ArtifactPath: writeArtifact(t, 1)}, nil)
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("err = %v, want ErrInvalidEndpoint", err)
	}
}

func TestUploadSpeech_ConnectivityAndTimeout(t *testing.T) {
	path := writeArtifact(t, 16)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := New(url)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.UploadSpeech(context.Background(), SpeechUpload{DebateID: "d", ArtifactPath: path}, nil)
	if !errors.Is(err, ErrConnectivity) || !IsRetriable(err) {
		t.Fatalf("closed server err = %v, want retriable ErrConnectivity", err)
	}

	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)
	c, err = New(slow.URL, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.UploadSpeech(context.Background(), SpeechUpload{DebateID: "d", ArtifactPath: path}, nil)
	if !errors.Is(err, ErrTimeout) || !IsRetriable(err) {
		t.Fatalf("slow server err = %v, want retriable ErrTimeout", err)
	}
}

func TestUploadSpeech_CallerCancellationIsNotRetriable(t *testing.T) {
	path := writeArtifact(t, 16)
	started := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := c.UploadSpeech(ctx, SpeechUpload{DebateID: "d", ArtifactPath: path}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if IsRetriable(err) {
		t.Error("cancellation must not be retriable")
	}
}

func TestSpeechStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/speeches/s-9/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":       "completed",
			"feedback_url": "https://feedback.example/s-9",
		})
	}))
	res, err := c.SpeechStatus(context.Background(), "s-9")
	if err != nil {
		t.Fatalf("SpeechStatus: %v", err)
	}
	if res.Status != "completed" || res.Feedback() != "https://feedback.example/s-9" {
		t.Errorf("result = %+v", res)
	}

	if _, err := c.SpeechStatus(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing speech err = %v, want ErrNotFound", err)
	}
}

func TestCreateDebate(t *testing.T) {
	var got CreateDebateRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/debates" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"debate_id":"deb-77"}`)
	}))
	id, err := c.CreateDebate(context.Background(), CreateDebateRequest{
		Motion:       "THW ban homework",
		Format:       "wsdc",
		StudentLevel: "high",
		Speakers:     []DebateSpeaker{{Name: "Alice", Position: "Prop 1"}},
	})
	if err != nil {
		t.Fatalf("CreateDebate: %v", err)
	}
	if id != "deb-77" {
		t.Errorf("id = %q, want deb-77", id)
	}
	if got.Motion != "THW ban homework" || len(got.Speakers) != 1 {
		t.Errorf("request = %+v", got)
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			fmt.Fprint(w, "ok")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestID_UnmarshalJSON(t *testing.T) {
	tests := map[string]ID{
		`"abc"`: "abc",
		`17`:    "17",
		`null`:  "",
	}
	for in, want := range tests {
		var id ID
		if err := json.Unmarshal([]byte(in), &id); err != nil {
			t.Errorf("Unmarshal(%s): %v", in, err)
			continue
		}
		if id != want {
			t.Errorf("Unmarshal(%s) = %q, want %q", in, id, want)
		}
	}
	var id ID
	if err := json.Unmarshal([]byte(`{"x":1}`), &id); err == nil {
		t.Error("expected error for object id")
	}
}

func TestUploadFailedError(t *testing.T) {
	cause := &ServerError{Code: 503}
	err := UploadFailed("Max retry attempts reached", ErrMaxAttempts, cause)
	if !errors.Is(err, ErrMaxAttempts) {
		t.Error("UploadFailed does not wrap ErrMaxAttempts")
	}
	var se *ServerError
	if !errors.As(err, &se) || se.Code != 503 {
		t.Error("UploadFailed does not expose the last error")
	}
	if IsRetriable(err) {
		t.Error("exhausted upload must not be retriable")
	}
	if !strings.Contains(err.Error(), "Max retry attempts reached") {
		t.Errorf("message = %q", err.Error())
	}
}
