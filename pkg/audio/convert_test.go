package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/wakeward/wakeward/pkg/audio"
)

func TestInt16ToFloat32_RawRange(t *testing.T) {
	in := []int16{-32768, -1, 0, 1, 32767}
	out := audio.Int16ToFloat32(in)
	want := []float32{-32768, -1, 0, 1, 32767}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestNormalize_UnitRange(t *testing.T) {
	out := audio.Normalize([]int16{-32768, 0, 16384, 32767})
	if out[0] != -1.0 {
		t.Errorf("out[0] = %v, want -1.0", out[0])
	}
	if out[1] != 0 {
		t.Errorf("out[1] = %v, want 0", out[1])
	}
	if out[2] != 0.5 {
		t.Errorf("out[2] = %v, want 0.5", out[2])
	}
	if out[3] >= 1.0 {
		t.Errorf("out[3] = %v, want < 1.0", out[3])
	}
}

func TestBytesInt16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 12345, -12345, 32767, -32768}
	got := audio.BytesToInt16(audio.Int16ToBytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestBytesToInt16_OddTrailingByte(t *testing.T) {
	got := audio.BytesToInt16([]byte{0x01, 0x02, 0xFF})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0] != 0x0201 {
		t.Errorf("got[0] = %#x, want 0x0201", got[0])
	}
}

// buildWAV assembles a minimal RIFF/WAVE byte stream for tests.
func buildWAV(t *testing.T, formatTag, channels, bits uint16, rate uint32, samples []int16) []byte {
	t.Helper()
	data := audio.Int16ToBytes(samples)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, formatTag)
	binary.Write(&buf, binary.LittleEndian, channels)
	binary.Write(&buf, binary.LittleEndian, rate)
	binary.Write(&buf, binary.LittleEndian, rate*uint32(channels)*uint32(bits)/8)
	binary.Write(&buf, binary.LittleEndian, channels*bits/8)
	binary.Write(&buf, binary.LittleEndian, bits)

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func TestReadWAV(t *testing.T) {
	samples := []int16{0, 100, -100, 32767, -32768}
	raw := buildWAV(t, 1, 1, 16, 16000, samples)

	got, rate, err := audio.ReadWAV(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != 16000 {
		t.Errorf("rate = %d, want 16000", rate)
	}
	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestReadWAV_RejectsStereo(t *testing.T) {
	raw := buildWAV(t, 1, 2, 16, 16000, []int16{1, 2, 3, 4})
	if _, _, err := audio.ReadWAV(bytes.NewReader(raw)); !errors.Is(err, audio.ErrUnsupportedWAV) {
		t.Errorf("err = %v, want ErrUnsupportedWAV", err)
	}
}

func TestReadWAV_RejectsNonPCM(t *testing.T) {
	raw := buildWAV(t, 3, 1, 16, 16000, []int16{1, 2})
	if _, _, err := audio.ReadWAV(bytes.NewReader(raw)); !errors.Is(err, audio.ErrUnsupportedWAV) {
		t.Errorf("err = %v, want ErrUnsupportedWAV", err)
	}
}

func TestReadWAV_SkipsUnknownChunks(t *testing.T) {
	samples := []int16{7, 8, 9}
	base := buildWAV(t, 1, 1, 16, 16000, samples)

	// Splice a LIST chunk between fmt and data.
	var buf bytes.Buffer
	buf.Write(base[:36])
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	buf.WriteString("INFO")
	buf.Write(base[36:])

	got, _, err := audio.ReadWAV(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if len(got) != len(samples) {
		t.Errorf("len = %d, want %d", len(got), len(samples))
	}
}
