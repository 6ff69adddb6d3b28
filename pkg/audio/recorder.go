package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPermissionDenied is returned when the capture device or the output
	// directory cannot be accessed.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrAlreadyRecording is returned by StartRecording while a capture runs.
	ErrAlreadyRecording = errors.New("audio: already recording")

	// ErrNotRecording is returned by StopRecording and CancelRecording when no
	// capture is active.
	ErrNotRecording = errors.New("audio: not recording")
)

const (
	// startGrace is how long a freshly spawned capture process must survive
	// before it is considered running.
	startGrace = 250 * time.Millisecond

	// stopGrace is how long a capture process gets to exit after SIGINT
	// before it is killed.
	stopGrace = 1200 * time.Millisecond
)

// RecorderConfig configures an [FFmpegRecorder].
type RecorderConfig struct {
	// Command is the ffmpeg binary. Defaults to "ffmpeg".
	Command string

	// InputFormat is the ffmpeg input device format (pulse, alsa,
	// avfoundation, ...). Defaults to "pulse".
	InputFormat string

	// InputDevice is the ffmpeg input device name. Defaults to "default".
	InputDevice string

	// Format is the PCM format requested from ffmpeg. Defaults to 16 kHz mono.
	Format Format

	// OutputDir is the root under which per-session artifact directories are
	// created.
	OutputDir string
}

// FFmpegRecorder captures microphone audio with an ffmpeg child process and
// writes it to one WAV file per speech. At most one capture runs at a time.
type FFmpegRecorder struct {
	cfg RecorderConfig

	mu     sync.Mutex
	active *capture
}

type capture struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *bytes.Buffer
	wav    *WAVWriter
	path   string
	done   chan error
}

// NewFFmpegRecorder applies defaults to cfg and returns a recorder.
func NewFFmpegRecorder(cfg RecorderConfig) *FFmpegRecorder {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.Format.SampleRate <= 0 {
		cfg.Format.SampleRate = 16000
	}
	if cfg.Format.Channels <= 0 {
		cfg.Format.Channels = 1
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "podium")
	}
	return &FFmpegRecorder{cfg: cfg}
}

// StartRecording spawns the capture process and returns the artifact path the
// audio is being written to.
func (r *FFmpegRecorder) StartRecording(ctx context.Context, sessionID, speakerName, position string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return "", ErrAlreadyRecording
	}

	dir := filepath.Join(r.cfg.OutputDir, sanitize(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "", fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return "", fmt.Errorf("audio: create artifact dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.wav", sanitize(position), uuid.NewString()))

	wav, err := CreateWAV(path, r.cfg.Format)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "", fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return "", err
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", r.cfg.InputFormat,
		"-i", r.cfg.InputDevice,
		"-ac", strconv.Itoa(r.cfg.Format.Channels),
		"-ar", strconv.Itoa(r.cfg.Format.SampleRate),
		"-f", "s16le",
		"-",
	}

	// The capture outlives the request that started it; only Stop or Cancel
	// end it.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, r.cfg.Command, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		_ = wav.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("audio: ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		_ = wav.Close()
		_ = os.Remove(path)
		if errors.Is(err, fs.ErrPermission) {
			return "", fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return "", fmt.Errorf("audio: start ffmpeg: %w", err)
	}

	c := &capture{
		cmd:    cmd,
		cancel: cancel,
		stderr: stderr,
		wav:    wav,
		path:   path,
		done:   make(chan error, 1),
	}
	go func() {
		_, copyErr := io.Copy(wav, stdout)
		waitErr := normalizeExitErr(cmd.Wait())
		c.done <- errors.Join(copyErr, waitErr)
		close(c.done)
	}()

	select {
	case err := <-c.done:
		cancel()
		_ = wav.Close()
		_ = os.Remove(path)
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(strings.ToLower(msg), "permission denied") {
			return "", fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
		}
		if err != nil {
			return "", fmt.Errorf("audio: ffmpeg exited before capture started: %w: %s", err, msg)
		}
		return "", fmt.Errorf("audio: ffmpeg exited before capture started: %s", msg)
	case <-time.After(startGrace):
	}

	r.active = c
	slog.Info("audio: recording started", "session_id", sessionID, "speaker", speakerName, "position", position, "path", path)
	return path, nil
}

// StopRecording ends the capture gracefully and returns the artifact path and
// its duration in seconds.
func (r *FFmpegRecorder) StopRecording(ctx context.Context) (string, float64, error) {
	c, err := r.take()
	if err != nil {
		return "", 0, err
	}
	defer c.cancel()

	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(os.Interrupt)
	}
	var runErr error
	select {
	case runErr = <-c.done:
	case <-time.After(stopGrace):
		_ = c.cmd.Process.Kill()
		runErr = <-c.done
	case <-ctx.Done():
		_ = c.cmd.Process.Kill()
		<-c.done
		_ = c.wav.Close()
		return c.path, c.wav.Duration().Seconds(), ctx.Err()
	}

	if err := c.wav.Close(); err != nil {
		return "", 0, err
	}
	if runErr != nil {
		slog.Warn("audio: capture ended with error", "path", c.path, "err", runErr, "stderr", strings.TrimSpace(c.stderr.String()))
	}
	secs := c.wav.Duration().Seconds()
	slog.Info("audio: recording stopped", "path", c.path, "duration_s", secs)
	return c.path, secs, nil
}

// CancelRecording kills the capture and deletes the partial artifact.
func (r *FFmpegRecorder) CancelRecording(_ context.Context) error {
	c, err := r.take()
	if err != nil {
		return err
	}
	c.cancel()
	<-c.done
	_ = c.wav.Close()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("audio: remove cancelled artifact: %w", err)
	}
	slog.Info("audio: recording cancelled", "path", c.path)
	return nil
}

// IsRecording reports whether a capture is active.
func (r *FFmpegRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *FFmpegRecorder) take() (*capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNotRecording
	}
	c := r.active
	r.active = nil
	return c, nil
}

// normalizeExitErr treats a non-zero exit as a normal end of capture: ffmpeg
// exits with a status after SIGINT.
func normalizeExitErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "speech"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
