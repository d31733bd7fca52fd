// Package vad defines the Engine interface for Voice Activity Detection
// backends.
//
// A VAD engine wraps a chunk-level speech detector (here: a Silero-style
// recurrent model) and surfaces it as a stateful, per-stream session. Each
// session owns its internal state — recurrent tensors, context samples,
// hysteresis counters — so independent audio streams never share state, and
// a session value is never shared across goroutines.
//
// VAD is synchronous by design: ProcessChunk returns immediately with the
// detection result for that chunk, making it suitable for the low-latency
// pipeline stage that gates utterance capture.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The pipeline feeds 16000.
	SampleRate int

	// WindowSamples is the number of PCM samples per chunk fed to
	// ProcessChunk. At 16 kHz the Silero model uses 512 (32 ms).
	WindowSamples int

	// SpeechThreshold is the probability at or above which a chunk counts as
	// speech. The silence band sits at SpeechThreshold − 0.15; probabilities
	// between the two bands leave the state machine untouched (hysteresis).
	SpeechThreshold float32

	// MinSilenceMs is the trailing silence required to end a speech segment.
	MinSilenceMs int

	// MinSpeechMs is the minimum segment length. Start is emitted as soon as
	// speech begins; silence does not end a segment shorter than this, so
	// a shorter burst emits no end and the segment stays open.
	MinSpeechMs int

	// MaxSpeechS force-ends a segment that runs longer than this many
	// seconds.
	MaxSpeechS float64

	// SpeechPadMs is reserved for external trimming of captured audio; the
	// session itself does not apply it.
	SpeechPadMs int
}

// DefaultConfig returns the session parameters the pipeline ships with.
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		WindowSamples:   512,
		SpeechThreshold: 0.5,
		MinSilenceMs:    100,
		MinSpeechMs:     250,
		MaxSpeechS:      30.0,
		SpeechPadMs:     30,
	}
}

// SessionHandle is an active VAD session for a single audio stream. Reset
// clears detection state without closing the session; use it when capture
// re-arms so stale recurrent state cannot leak across utterances.
//
// A SessionHandle must not be shared between goroutines.
type SessionHandle interface {
	// ProcessChunk analyses exactly Config.WindowSamples normalised
	// ([-1, 1]) PCM samples and returns the resulting event. Returns an
	// error if the chunk size is wrong or the model fails; on model failure
	// the session state is unchanged and the chunk may be retried or
	// dropped.
	ProcessChunk(chunk []float32) (Event, error)

	// Reset clears all detection state: hysteresis counters, sample clock,
	// context samples, and recurrent model state.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
// Implementations must be safe for concurrent NewSession calls.
type Engine interface {
	// NewSession creates a session with the given configuration, immediately
	// ready to accept chunks. Returns an error for invalid configuration or
	// resource exhaustion.
	NewSession(cfg Config) (SessionHandle, error)
}
