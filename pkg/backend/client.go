// Package backend is the HTTP client for the debate feedback service.
//
// The service accepts debate registrations, multipart speech uploads, and
// reports the asynchronous processing status of each uploaded speech:
//
//	POST /debates                    register a debate, returns its id
//	POST /debates/{id}/speeches      upload one speech artifact + metadata
//	GET  /speeches/{id}/status       processing status and feedback
//	GET  /health                     liveness of the service
//
// Every failure maps onto the package's error taxonomy ([ErrTimeout],
// [ErrUnauthorized], [*ServerError], ...) and [IsRetriable] separates
// transient from permanent failures.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an error response is kept in a
// [ServerError].
const maxErrorBody = 512

// API is the set of backend operations used by the rest of the module.
type API interface {
	CreateDebate(ctx context.Context, req CreateDebateRequest) (string, error)
	UploadSpeech(ctx context.Context, up SpeechUpload, onProgress func(float64)) (UploadResult, error)
	SpeechStatus(ctx context.Context, speechID string) (StatusResult, error)
	Ping(ctx context.Context) error
}

var _ API = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithToken sets the static bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
// Uploads of large artifacts need a generous value.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client talks to the feedback service. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
}

// New creates a Client for the service at baseURL (for example
// "https://api.example.com/v1").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidEndpoint, baseURL)
	}
	c := &Client{base: u, timeout: 60 * time.Second}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	return c, nil
}

// BaseURL returns the service root the client was created with.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) endpoint(segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and maps transport failures and non-2xx statuses to the error
// taxonomy. On success the caller owns the response body.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: HTTP %d", ErrTimeout, resp.StatusCode)
	default:
		return nil, &ServerError{Code: resp.StatusCode, Body: msg}
	}
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return nil
}

// CreateDebate registers a debate and returns the backend identifier.
func (c *Client) CreateDebate(ctx context.Context, in CreateDebateRequest) (string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncodingFailure, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("debates"), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("backend: create debate: %w", err)
	}
	var out struct {
		DebateID ID `json:"debate_id"`
		ID       ID `json:"id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", fmt.Errorf("backend: create debate: %w", err)
	}
	id := string(out.DebateID)
	if id == "" {
		id = string(out.ID)
	}
	if id == "" {
		return "", fmt.Errorf("backend: create debate: %w: missing debate_id", ErrInvalidResponse)
	}
	return id, nil
}

// UploadSpeech streams the artifact and its metadata as a multipart form.
// onProgress, when non-nil, receives the fraction of the request body sent
// so far; it is called from the goroutine performing the upload.
//
// The request carries up.IdempotencyKey in the Idempotency-Key header so a
// server that supports it can collapse repeated attempts of one speech.
func (c *Client) UploadSpeech(ctx context.Context, up SpeechUpload, onProgress func(float64)) (UploadResult, error) {
	if up.DebateID == "" {
		return UploadResult{}, fmt.Errorf("%w: empty debate id", ErrInvalidEndpoint)
	}
	body, contentType, size, err := newMultipartBody(up)
	if err != nil {
		return UploadResult{}, err
	}
	defer body.Close()

	var r io.Reader = body
	if onProgress != nil {
		r = &progressReader{r: body, total: size, fn: onProgress}
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("debates", up.DebateID, "speeches"), r)
	if err != nil {
		return UploadResult{}, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)
	if up.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", up.IdempotencyKey)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return UploadResult{}, err
	}
	var out UploadResult
	if err := decodeJSON(resp, &out); err != nil {
		return UploadResult{}, UploadFailed("malformed response", err)
	}
	if out.SpeechID == "" {
		return UploadResult{}, UploadFailed("response missing speech_id")
	}
	return out, nil
}

// SpeechStatus returns the processing status of an uploaded speech.
func (c *Client) SpeechStatus(ctx context.Context, speechID string) (StatusResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("speeches", speechID, "status"), nil)
	if err != nil {
		return StatusResult{}, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return StatusResult{}, err
	}
	var out StatusResult
	if err := decodeJSON(resp, &out); err != nil {
		return StatusResult{}, err
	}
	return out, nil
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// multipartBody is a fixed-length multipart stream: a buffered prefix with
// the metadata fields and the file part header, the artifact file itself,
// and the closing boundary.
type multipartBody struct {
	io.Reader
	file *os.File
}

func (b *multipartBody) Close() error { return b.file.Close() }

func newMultipartBody(up SpeechUpload) (*multipartBody, string, int64, error) {
	f, err := os.Open(up.ArtifactPath)
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: open artifact: %w", ErrEncodingFailure, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, "", 0, fmt.Errorf("%w: stat artifact: %w", ErrEncodingFailure, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := []struct{ k, v string }{
		{"speaker_name", up.SpeakerName},
		{"speaker_position", up.SpeakerPosition},
		{"duration_seconds", strconv.FormatFloat(up.DurationSeconds, 'f', -1, 64)},
		{"student_level", up.StudentLevel},
		{"artifact_blake3", up.ContentHash},
	}
	for _, fld := range fields {
		if fld.v == "" {
			continue
		}
		if err := mw.WriteField(fld.k, fld.v); err != nil {
			_ = f.Close()
			return nil, "", 0, fmt.Errorf("%w: write %s: %w", ErrEncodingFailure, fld.k, err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filepath.Base(up.ArtifactPath)))
	h.Set("Content-Type", contentTypeFor(up.ArtifactPath))
	if _, err := mw.CreatePart(h); err != nil {
		_ = f.Close()
		return nil, "", 0, fmt.Errorf("%w: create file part: %w", ErrEncodingFailure, err)
	}
	prefix := bytes.Clone(buf.Bytes())
	buf.Reset()
	if err := mw.Close(); err != nil {
		_ = f.Close()
		return nil, "", 0, fmt.Errorf("%w: close multipart: %w", ErrEncodingFailure, err)
	}
	suffix := bytes.Clone(buf.Bytes())

	size := int64(len(prefix)) + st.Size() + int64(len(suffix))
	body := &multipartBody{
		Reader: io.MultiReader(bytes.NewReader(prefix), f, bytes.NewReader(suffix)),
		file:   f,
	}
	return body, mw.FormDataContentType(), size, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg", ".opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// progressReader reports the fraction of total bytes read. Reports are
// strictly increasing; a read that makes no progress is not reported.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.sent += int64(n)
		frac := float64(p.sent) / float64(p.total)
		if frac > 1 {
			frac = 1
		}
		p.fn(frac)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: read artifact: %w", ErrEncodingFailure, err)
	}
	return n, err
}
