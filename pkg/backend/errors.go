package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Sentinel errors returned by [Client]. Use [errors.Is] to test for them;
// most are wrapped with additional context.
var (
	// ErrInvalidEndpoint is returned when the base URL or a derived request
	// URL cannot be formed.
	ErrInvalidEndpoint = errors.New("backend: invalid endpoint")

	// ErrEncodingFailure is returned when the request body cannot be built,
	// for example because the artifact cannot be read.
	ErrEncodingFailure = errors.New("backend: encoding failure")

	// ErrUnauthorized is returned for HTTP 401 and 403 responses.
	ErrUnauthorized = errors.New("backend: unauthorized")

	// ErrNotFound is returned for HTTP 404 responses.
	ErrNotFound = errors.New("backend: not found")

	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("backend: request timed out")

	// ErrConnectivity is returned when the backend cannot be reached.
	ErrConnectivity = errors.New("backend: connectivity lost")

	// ErrInvalidResponse is returned when a response body cannot be decoded.
	ErrInvalidResponse = errors.New("backend: invalid response")

	// ErrMaxAttempts marks an upload abandoned after its final retriable
	// failure.
	ErrMaxAttempts = errors.New("backend: max retry attempts reached")
)

// ServerError carries a non-2xx HTTP status that has no dedicated sentinel.
type ServerError struct {
	Code int
	Body string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: server returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("backend: server returned HTTP %d: %s", e.Code, e.Body)
}

// UploadFailedError is an upload failure described by a human-readable
// reason. Err, when set, is the underlying cause.
type UploadFailedError struct {
	Reason string
	Err    error
}

// UploadFailed returns an [UploadFailedError] wrapping errs.
func UploadFailed(reason string, errs ...error) *UploadFailedError {
	return &UploadFailedError{Reason: reason, Err: errors.Join(errs...)}
}

func (e *UploadFailedError) Error() string {
	if e.Err == nil {
		return "backend: upload failed: " + e.Reason
	}
	return "backend: upload failed: " + e.Reason + ": " + e.Err.Error()
}

func (e *UploadFailedError) Unwrap() error { return e.Err }

// IsRetriable reports whether err is a transient failure worth retrying:
// connectivity loss, a timeout, or a 5xx response. Everything else,
// including caller cancellation, is permanent.
func IsRetriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrMaxAttempts) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectivity) {
		return true
	}
	var se *ServerError
	return errors.As(err, &se) && se.Code >= 500
}

// classifyTransport maps an error from http.Client.Do to the taxonomy. The
// caller's own cancellation passes through untouched.
func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return ctxErr
	}
	if errors.Is(err, ErrEncodingFailure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}
