package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeWAV_RoundTripsThroughReadWAVInfo(t *testing.T) {
	pcm := make([]byte, 48000*2*2) // one second of 48 kHz stereo
	wav := EncodeWAV(pcm, Format{SampleRate: 48000, Channels: 2})

	info, err := ReadWAVInfo(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("ReadWAVInfo: %v", err)
	}
	if info.DataOffset != 44 {
		t.Errorf("DataOffset = %d, want 44", info.DataOffset)
	}
	if info.SampleRate != 48000 || info.Channels != 2 || info.BitsPerSample != 16 {
		t.Errorf("format = %+v", info)
	}
	if info.Duration() != time.Second {
		t.Errorf("Duration = %v, want 1s", info.Duration())
	}
}

func TestReadWAVInfo_SkipsUnknownChunks(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	hdr := EncodeWAVHeader(f, 16000)

	// Splice an odd-sized LIST chunk between fmt and data.
	var buf bytes.Buffer
	buf.Write(hdr[:36])
	buf.WriteString("LIST")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{1, 2, 3, 0}) // 3 bytes + pad
	buf.Write(hdr[36:])
	buf.Write(make([]byte, 16000))

	info, err := ReadWAVInfo(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadWAVInfo: %v", err)
	}
	if info.DataOffset != 44+12 {
		t.Errorf("DataOffset = %d, want 56", info.DataOffset)
	}
	if info.Duration() != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", info.Duration())
	}
}

func TestReadWAVInfo_UnfinishedHeaderUsesLength(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 1}
	wav := append(EncodeWAVHeader(f, 0), make([]byte, 8000*2*3)...)

	info, err := ReadWAVInfo(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("ReadWAVInfo: %v", err)
	}
	if info.Duration() != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", info.Duration())
	}
}

func TestReadWAVInfo_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("RIFF")},
		{"not riff", append([]byte("RIFX\x00\x00\x00\x00WAVE"), make([]byte, 32)...)},
		{"no fmt", append([]byte("RIFF\x00\x00\x00\x00WAVEdata\x00\x00\x00\x00"), make([]byte, 4)...)},
		{"no data", EncodeWAVHeader(Format{SampleRate: 8000, Channels: 1}, 0)[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadWAVInfo(bytes.NewReader(tt.data)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestWAVWriter_PatchesHeaderOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	w, err := CreateWAV(path, Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("CreateWAV: %v", err)
	}
	for range 4 {
		if _, err := w.Write(make([]byte, 8000)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if w.Duration() != time.Second {
		t.Errorf("writer Duration = %v, want 1s", w.Duration())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(raw[40:44]); got != 32000 {
		t.Errorf("data size = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != 36+32000 {
		t.Errorf("riff size = %d, want %d", got, 36+32000)
	}
}

func TestCreateWAV_InvalidFormat(t *testing.T) {
	_, err := CreateWAV(filepath.Join(t.TempDir(), "x.wav"), Format{SampleRate: 0, Channels: 1})
	if err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestWAVProber(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.wav")
	if err := os.WriteFile(good, EncodeWAV(make([]byte, 16000*2*2), Format{SampleRate: 16000, Channels: 1}), 0o644); err != nil {
		t.Fatal(err)
	}
	secs, err := WAVProber{}.Probe(context.Background(), good)
	if err != nil || secs != 2 {
		t.Fatalf("Probe = %v, %v; want 2, nil", secs, err)
	}

	empty := filepath.Join(dir, "empty.wav")
	if err := os.WriteFile(empty, EncodeWAVHeader(Format{SampleRate: 16000, Channels: 1}, 0), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (WAVProber{}).Probe(context.Background(), empty); !errors.Is(err, ErrDurationUnavailable) {
		t.Fatalf("empty Probe err = %v, want ErrDurationUnavailable", err)
	}

	garbage := filepath.Join(dir, "garbage.m4a")
	if err := os.WriteFile(garbage, []byte("not audio at all, definitely not"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (WAVProber{}).Probe(context.Background(), garbage); !errors.Is(err, ErrDurationUnavailable) {
		t.Fatalf("garbage Probe err = %v, want ErrDurationUnavailable", err)
	}
}

func TestParseFFProbeDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"12.480000\n", 12.48, false},
		{"N/A\n", 0, true},
		{"", 0, true},
		{"nan", 0, true},
		{"inf", 0, true},
		{"-3", 0, true},
		{"0", 0, true},
	}
	for _, tt := range tests {
		got, err := parseFFProbeDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFFProbeDuration(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseFFProbeDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

type stubProber struct {
	secs  float64
	err   error
	calls int
}

func (s *stubProber) Probe(context.Context, string) (float64, error) {
	s.calls++
	return s.secs, s.err
}

func TestProbeDuration_FallsBackInOrder(t *testing.T) {
	primary := &stubProber{err: ErrDurationUnavailable}
	secondary := &stubProber{secs: 42.5}
	if got := ProbeDuration(context.Background(), "x", primary, secondary); got != 42.5 {
		t.Fatalf("ProbeDuration = %v, want 42.5", got)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, secondary.calls)
	}

	first := &stubProber{secs: 7}
	second := &stubProber{secs: 9}
	if got := ProbeDuration(context.Background(), "x", first, second); got != 7 {
		t.Fatalf("ProbeDuration = %v, want 7", got)
	}
	if second.calls != 0 {
		t.Error("secondary prober consulted after primary succeeded")
	}

	if got := ProbeDuration(context.Background(), "x", &stubProber{err: errors.New("boom")}, &stubProber{secs: -1}); got != 0 {
		t.Fatalf("ProbeDuration with failing probers = %v, want 0", got)
	}
}

func TestFFProbe_ScriptOutput(t *testing.T) {
	script := writeScript(t, "ffprobe.sh", "#!/bin/sh\necho 3.25\n")
	secs, err := NewFFProbe(script).Probe(context.Background(), "whatever.wav")
	if err != nil || secs != 3.25 {
		t.Fatalf("Probe = %v, %v; want 3.25, nil", secs, err)
	}

	failing := writeScript(t, "ffprobe-fail.sh", "#!/bin/sh\necho 'Invalid data found' 1>&2\nexit 1\n")
	if _, err := NewFFProbe(failing).Probe(context.Background(), "whatever.wav"); err == nil {
		t.Fatal("expected error from failing ffprobe")
	}
}
