package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID is an identifier issued by the service. Some deployments return numeric
// ids and others strings; both decode into the same textual form.
type ID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("backend: id must be a string or number: %w", err)
		}
		*id = ID(n.String())
		return nil
	}
}

// DebateSpeaker is one speaker entry of a debate registration.
type DebateSpeaker struct {
	Name     string `json:"name"`
	Position string `json:"position"`
}

// CreateDebateRequest is the body of POST /debates.
type CreateDebateRequest struct {
	Motion       string          `json:"motion"`
	Format       string          `json:"format"`
	StudentLevel string          `json:"student_level"`
	Speakers     []DebateSpeaker `json:"speakers"`
}

// SpeechUpload describes one speech artifact and its metadata.
type SpeechUpload struct {
	DebateID        string
	ArtifactPath    string
	SpeakerName     string
	SpeakerPosition string
	DurationSeconds float64
	StudentLevel    string

	// IdempotencyKey is sent as the Idempotency-Key header and must be
	// identical across retries of the same speech.
	IdempotencyKey string

	// ContentHash is the hex BLAKE3 digest of the artifact, sent as the
	// artifact_blake3 form field.
	ContentHash string
}

// UploadResult is the response of a successful speech upload.
type UploadResult struct {
	SpeechID          ID     `json:"speech_id"`
	Status            string `json:"status"`
	ProcessingStarted bool   `json:"processing_started"`
}

// StatusResult is the response of GET /speeches/{id}/status. Status is the
// raw service string; callers map it onto their own enumeration.
type StatusResult struct {
	Status       string `json:"status"`
	FeedbackURL  string `json:"feedback_url,omitempty"`
	FeedbackText string `json:"feedback_text,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Feedback returns the feedback URL, or the inline text when no URL is set.
func (s StatusResult) Feedback() string {
	if s.FeedbackURL != "" {
		return s.FeedbackURL
	}
	return s.FeedbackText
}
