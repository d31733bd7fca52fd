package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedWAV indicates a WAV file that is not 16-bit PCM mono.
var ErrUnsupportedWAV = errors.New("audio: unsupported wav format")

// ReadWAV parses a RIFF/WAVE stream and returns its samples and sample
// rate. Only uncompressed 16-bit PCM mono is accepted — the feeder's job is
// to hand the pipeline exactly what it consumes, not to convert.
func ReadWAV(r io.Reader) (samples []int16, sampleRate int, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedWAV)
	}

	var (
		haveFmt  bool
		channels uint16
		bits     uint16
		rate     uint32
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, fmt.Errorf("%w: no data chunk", ErrUnsupportedWAV)
			}
			return nil, 0, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrUnsupportedWAV)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			rate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			if format != 1 {
				return nil, 0, fmt.Errorf("%w: format tag %d, want PCM (1)", ErrUnsupportedWAV, format)
			}
			if channels != 1 {
				return nil, 0, fmt.Errorf("%w: %d channels, want mono", ErrUnsupportedWAV, channels)
			}
			if bits != 16 {
				return nil, 0, fmt.Errorf("%w: %d bits per sample, want 16", ErrUnsupportedWAV, bits)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("%w: data chunk before fmt", ErrUnsupportedWAV)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, fmt.Errorf("audio: read data chunk: %w", err)
			}
			return BytesToInt16(body), int(rate), nil

		default:
			// Skip unknown chunks (LIST, fact, …). Chunks are word-aligned.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, 0, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}
