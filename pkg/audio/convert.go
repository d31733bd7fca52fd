// Package audio provides the PCM sample handling shared by the Wakeward
// pipeline: int16 → float32 conversion in the two scalings the models
// expect, little-endian byte packing, and a minimal WAV reader for the CLI
// feeder. The whole system runs on 16 kHz mono signed 16-bit PCM; nothing
// here resamples or remixes.
package audio

// SampleRate is the only sample rate the pipeline accepts, in Hz.
const SampleRate = 16000

// Int16ToFloat32 widens int16 samples to float32 without rescaling. The
// melspectrogram model is trained on raw int16-range values, so the mel
// branch must not normalise.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s)
	}
	return out
}

// Normalize converts int16 samples to float32 in [-1, 1). The VAD model
// expects normalised input.
func Normalize(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// BytesToInt16 unpacks little-endian 16-bit PCM bytes into samples. A
// trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// Int16ToBytes packs samples into little-endian 16-bit PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
