// Package mock provides a scriptable test double for [backend.API].
//
// Responses are consumed from per-method queues; when a queue is empty the
// corresponding default field is returned. Every call is recorded. The mock
// is safe for concurrent use.
//
//	api := &mock.API{}
//	api.QueueUpload(backend.UploadResult{}, &backend.ServerError{Code: 503})
//	api.QueueUpload(backend.UploadResult{SpeechID: "s-1"}, nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/podium/pkg/backend"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

type uploadReply struct {
	res backend.UploadResult
	err error
}

type statusReply struct {
	res backend.StatusResult
	err error
}

// API is a configurable test double for [backend.API].
type API struct {
	mu    sync.Mutex
	calls []Call

	uploads  []uploadReply
	statuses []statusReply

	// CreateDebateResult and CreateDebateErr are returned by CreateDebate.
	CreateDebateResult string
	CreateDebateErr    error

	// UploadResult and UploadErr are returned once the upload queue is empty.
	UploadResult backend.UploadResult
	UploadErr    error

	// StatusResult and StatusErr are returned once the status queue is empty.
	StatusResult backend.StatusResult
	StatusErr    error

	// PingErr is returned by Ping.
	PingErr error

	// UploadHook, when set, runs inside UploadSpeech before the reply is
	// returned. Tests use it to emit progress or to block.
	UploadHook func(ctx context.Context, up backend.SpeechUpload, onProgress func(float64))
}

var _ backend.API = (*API)(nil)

// QueueUpload appends a scripted reply for UploadSpeech.
func (m *API) QueueUpload(res backend.UploadResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, uploadReply{res, err})
}

// QueueStatus appends a scripted reply for SpeechStatus.
func (m *API) QueueStatus(res backend.StatusResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusReply{res, err})
}

// Calls returns a copy of all recorded method invocations.
func (m *API) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *API) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *API) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// CreateDebate implements [backend.API].
func (m *API) CreateDebate(_ context.Context, req backend.CreateDebateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateDebate", req)
	return m.CreateDebateResult, m.CreateDebateErr
}

// UploadSpeech implements [backend.API].
func (m *API) UploadSpeech(ctx context.Context, up backend.SpeechUpload, onProgress func(float64)) (backend.UploadResult, error) {
	m.mu.Lock()
	m.record("UploadSpeech", up)
	reply := uploadReply{m.UploadResult, m.UploadErr}
	if len(m.uploads) > 0 {
		reply = m.uploads[0]
		m.uploads = m.uploads[1:]
	}
	hook := m.UploadHook
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, up, onProgress)
	}
	if err := ctx.Err(); err != nil {
		return backend.UploadResult{}, err
	}
	return reply.res, reply.err
}

// SpeechStatus implements [backend.API].
func (m *API) SpeechStatus(ctx context.Context, speechID string) (backend.StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SpeechStatus", speechID)
	if err := ctx.Err(); err != nil {
		return backend.StatusResult{}, err
	}
	if len(m.statuses) > 0 {
		r := m.statuses[0]
		m.statuses = m.statuses[1:]
		return r.res, r.err
	}
	return m.StatusResult, m.StatusErr
}

// Ping implements [backend.API].
func (m *API) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}
