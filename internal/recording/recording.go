// Package recording holds the SpeechRecording model, the per-session
// registry that serialises writes to each recording, and the persistence
// interface behind it.
//
// A recording is created when a speech's clock stops and is mutated by exactly
// three writers: the lifecycle manager, the upload task, and the poll task.
// All of them go through [Registry.Update], which takes a per-recording lock,
// so a progress callback can never overwrite a concurrent cancellation.
package recording

import (
	"strings"
	"time"

	"github.com/MrWong99/podium/pkg/debate"
)

// UploadStatus is the transfer state of a recording's artifact.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
	UploadFailed    UploadStatus = "failed"
)

// ProcessingStatus is the remote feedback-generation state.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingComplete   ProcessingStatus = "complete"
	ProcessingFailed     ProcessingStatus = "failed"
)

// IsTerminal reports whether no further automatic transition follows s.
func (s ProcessingStatus) IsTerminal() bool {
	return s == ProcessingComplete || s == ProcessingFailed
}

// ParseProcessingStatus maps a status string reported by the feedback service
// onto [ProcessingStatus]. Unknown values map to pending.
func ParseProcessingStatus(s string) ProcessingStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processing", "running", "in_progress":
		return ProcessingProcessing
	case "complete", "completed", "done":
		return ProcessingComplete
	case "failed", "error":
		return ProcessingFailed
	default:
		return ProcessingPending
	}
}

// FailureKind tells a presentation layer why a recording ended in a failed
// state, so it can distinguish "invalid request" from "timed out".
type FailureKind string

const (
	FailureNone FailureKind = "none"

	// FailurePermanent is a non-retriable upload or processing error.
	FailurePermanent FailureKind = "permanent"

	// FailureExhausted means every upload attempt failed transiently.
	FailureExhausted FailureKind = "exhausted"

	// FailureTimeout means feedback was not produced within the poll bounds.
	FailureTimeout FailureKind = "timeout"

	// FailureCancelled means the user abandoned the upload.
	FailureCancelled FailureKind = "cancelled"
)

// SpeechRecording is one completed speech and its upload and feedback state.
// Values are snapshots; mutate through [Registry.Update].
type SpeechRecording struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	Speaker      debate.SpeakerSlot `json:"speaker"`
	ArtifactPath string             `json:"artifact_path"`

	// Duration is the artifact length in seconds. Zero means unknown.
	Duration float64 `json:"duration_seconds"`

	UploadStatus     UploadStatus     `json:"upload_status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	UploadProgress   float64          `json:"upload_progress"`

	// RemoteID is the speech identifier returned by a successful upload.
	RemoteID string `json:"remote_id,omitempty"`

	// Feedback is the feedback URL or text once processing completes.
	Feedback string `json:"feedback,omitempty"`

	FailureKind   FailureKind `json:"failure_kind"`
	FailureReason string      `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a pending recording for speaker.
func New(id, sessionID string, speaker debate.SpeakerSlot, artifact string, duration float64, now time.Time) SpeechRecording {
	return SpeechRecording{
		ID:               id,
		SessionID:        sessionID,
		Speaker:          speaker,
		ArtifactPath:     artifact,
		Duration:         duration,
		UploadStatus:     UploadPending,
		ProcessingStatus: ProcessingPending,
		FailureKind:      FailureNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsSettled reports whether the recording has reached an end state from
// which only a manual retry moves it.
func (r SpeechRecording) IsSettled() bool {
	return r.UploadStatus == UploadFailed || r.ProcessingStatus.IsTerminal()
}
