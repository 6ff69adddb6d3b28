// Package audio provides the audio boundary of a recording session: a
// WAV container writer for captured PCM, duration probing of finished
// artifacts, and an ffmpeg-backed recorder.
//
// The package never decodes or transforms audio itself. PCM arrives from an
// external capture process and is stored unmodified in a RIFF/WAVE file.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// bitsPerSample is fixed at 16: the capture pipeline always produces signed
// 16-bit little-endian PCM.
const bitsPerSample = 16

// wavHeaderSize is the size of the canonical PCM header written by [WAVWriter].
const wavHeaderSize = 44

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// ByteRate returns the number of PCM bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * bitsPerSample / 8
}

// Validate reports whether the format can be written into a WAV header.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channels must be positive, got %d", f.Channels)
	}
	return nil
}

// EncodeWAVHeader returns the 44-byte RIFF/WAVE header for dataSize bytes of
// 16-bit PCM in the given format.
func EncodeWAVHeader(f Format, dataSize int) []byte {
	byteRate := f.ByteRate()
	blockAlign := f.Channels * bitsPerSample / 8

	buf := make([]byte, wavHeaderSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	return buf
}

// EncodeWAV wraps raw 16-bit PCM in a complete WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	return append(EncodeWAVHeader(f, len(pcm)), pcm...)
}

// WAVWriter streams PCM into a WAV file. A header with zero sizes is written
// up front and patched with the real sizes on Close, so a crash mid-recording
// still leaves a file that [ReadWAVInfo] can size from its length.
type WAVWriter struct {
	f      *os.File
	format Format
	n      int64
	closed bool
}

// CreateWAV creates path and writes a provisional header.
func CreateWAV(path string, f Format) (*WAVWriter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create wav: %w", err)
	}
	if _, err := file.Write(EncodeWAVHeader(f, 0)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("audio: write wav header: %w", err)
	}
	return &WAVWriter{f: file, format: f}, nil
}

// Write appends PCM bytes.
func (w *WAVWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

// DataSize returns the number of PCM bytes written so far.
func (w *WAVWriter) DataSize() int64 { return w.n }

// Duration returns the audio length of the PCM written so far.
func (w *WAVWriter) Duration() time.Duration {
	return pcmDuration(w.n, w.format)
}

// Close patches the header sizes and closes the file. It is safe to call more
// than once.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	// An odd trailing byte cannot form a sample; drop it from the declared size.
	size := w.n - w.n%2
	hdr := EncodeWAVHeader(w.format, int(size))
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("audio: patch wav header: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("audio: close wav: %w", err)
	}
	return nil
}

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	DataOffset    int64 // byte offset of the first PCM sample
	DataSize      int64 // PCM bytes in the data chunk
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Duration returns the audio length described by the header.
func (i WAVInfo) Duration() time.Duration {
	bytesPerSec := int64(i.SampleRate) * int64(i.Channels) * int64(i.BitsPerSample) / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(i.DataSize * int64(time.Second) / bytesPerSec)
}

var (
	errNotRIFF   = errors.New("audio: missing RIFF/WAVE header")
	errNoFmt     = errors.New("audio: missing fmt chunk")
	errNoData    = errors.New("audio: missing data chunk")
	errShortWAVE = errors.New("audio: file too short to be a WAV container")
)

// ReadWAVInfo walks the RIFF chunks of r and returns the fmt metadata and the
// location of the data chunk. A data chunk declaring size 0 or 0xFFFFFFFF
// (an unfinished streaming write) is sized from the stream length instead.
func ReadWAVInfo(r io.ReadSeeker) (WAVInfo, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return WAVInfo{}, errShortWAVE
		}
		return WAVInfo{}, fmt.Errorf("audio: read wav header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return WAVInfo{}, errNotRIFF
	}

	var (
		info     WAVInfo
		foundFmt bool
		offset   int64 = 12
		chunk    [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if foundFmt {
				return WAVInfo{}, errNoData
			}
			return WAVInfo{}, errNoFmt
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))
		offset += 8

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, fmt.Errorf("audio: fmt chunk too small (%d bytes)", size)
			}
			var fmtData [16]byte
			if _, err := io.ReadFull(r, fmtData[:]); err != nil {
				return WAVInfo{}, errNoFmt
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
			foundFmt = true
			if _, err := r.Seek(offset+size+size%2, io.SeekStart); err != nil {
				return WAVInfo{}, fmt.Errorf("audio: seek past fmt: %w", err)
			}
		case "data":
			if !foundFmt {
				return WAVInfo{}, errNoFmt
			}
			info.DataOffset = offset
			end, err := r.Seek(0, io.SeekEnd)
			if err != nil {
				return WAVInfo{}, fmt.Errorf("audio: seek end: %w", err)
			}
			avail := end - offset
			if size == 0 || size == 0xFFFFFFFF || size > avail {
				size = avail
			}
			info.DataSize = size
			return info, nil
		default:
			// Chunks are word-aligned: pad by one when the size is odd.
			if _, err := r.Seek(size+size%2, io.SeekCurrent); err != nil {
				return WAVInfo{}, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
		offset += size + size%2
	}
}

func pcmDuration(n int64, f Format) time.Duration {
	rate := int64(f.ByteRate())
	if rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / rate)
}
