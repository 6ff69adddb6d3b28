package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrDurationUnavailable is returned by a [Prober] that cannot determine a
// usable duration for an artifact.
var ErrDurationUnavailable = errors.New("audio: duration unavailable")

// Prober measures the playable duration of an audio artifact in seconds.
type Prober interface {
	Probe(ctx context.Context, path string) (float64, error)
}

// WAVProber reads the duration from the artifact's RIFF/WAVE header. It is
// cheap and needs no external tooling, so it is used first.
type WAVProber struct{}

var _ Prober = WAVProber{}

// Probe implements [Prober].
func (WAVProber) Probe(_ context.Context, path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("audio: probe wav: %w", err)
	}
	defer f.Close()

	info, err := ReadWAVInfo(f)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDurationUnavailable, err)
	}
	secs := info.Duration().Seconds()
	if !usable(secs) {
		return 0, ErrDurationUnavailable
	}
	return secs, nil
}

// FFProbe asks ffprobe for the container duration. It handles any format
// ffmpeg can decode and serves as the fallback when the header is missing or
// unusable.
type FFProbe struct {
	command string
}

var _ Prober = (*FFProbe)(nil)

// NewFFProbe creates an FFProbe invoking command, or "ffprobe" when empty.
func NewFFProbe(command string) *FFProbe {
	if command == "" {
		command = "ffprobe"
	}
	return &FFProbe{command: command}
}

// Probe implements [Prober].
func (p *FFProbe) Probe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.command,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("audio: ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseFFProbeDuration(stdout.String())
}

func parseFFProbeDuration(out string) (float64, error) {
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, ErrDurationUnavailable
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrDurationUnavailable, s)
	}
	if !usable(secs) {
		return 0, ErrDurationUnavailable
	}
	return secs, nil
}

// ProbeDuration tries each prober in order and returns the first finite,
// positive duration. When every prober fails it returns 0.
func ProbeDuration(ctx context.Context, path string, probers ...Prober) float64 {
	for _, p := range probers {
		if p == nil {
			continue
		}
		secs, err := p.Probe(ctx, path)
		if err == nil && usable(secs) {
			return secs
		}
		slog.Debug("audio: duration probe failed", "path", path, "prober", fmt.Sprintf("%T", p), "err", err)
	}
	return 0
}

func usable(secs float64) bool {
	return secs > 0 && !math.IsNaN(secs) && !math.IsInf(secs, 0)
}
