// Package silero implements the vad.Engine interface on top of the Silero
// VAD ONNX model.
//
// The model is recurrent: every inference consumes the previous call's
// state tensor [2, 1, 128] and a 64-sample context prefix carried over from
// the previous chunk, so the effective input is [1, 576] for a 512-sample
// window at 16 kHz. Both are owned by the session and never shared.
//
// Segment boundaries are decided by a hysteresis state machine: a high band
// at the configured threshold opens speech, a low band 0.15 below it starts
// the silence clock, and probabilities in between leave the state alone.
// Silence does not close a segment shorter than the minimum speech length
// (it stays open, with no end event); silence gaps shorter than the minimum
// silence length do not close a segment; a
// segment running past the maximum speech length is force-closed.
package silero

import (
	"errors"
	"fmt"

	"github.com/wakeward/wakeward/pkg/onnx"
	"github.com/wakeward/wakeward/pkg/provider/vad"
)

const (
	// contextSamples is the number of trailing samples carried into the next
	// chunk's input. 64 at 16 kHz.
	contextSamples = 64

	// stateLen is the flattened recurrent state size: 2 × 1 × 128.
	stateLen = 2 * 1 * 128

	// silenceAtMaxMs is the silence run (ms) after which a provisional
	// segment end is remembered for the forced-end path.
	silenceAtMaxMs = 98

	// hysteresisGap is subtracted from the speech threshold to obtain the
	// silence band.
	hysteresisGap = 0.15
)

// InputNames and OutputNames are the tensor names the Silero model
// declares, in the order a session built for this engine must bind them.
var (
	InputNames  = []string{"input", "state", "sr"}
	OutputNames = []string{"output", "stateN"}
)

// Engine creates Silero VAD sessions backed by a shared model session.
type Engine struct {
	model onnx.Model
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine running inference through model. The model must be
// loaded with [InputNames] and [OutputNames] bound in order; sessions share
// it, each carrying its own recurrent state.
func New(model onnx.Model) *Engine {
	return &Engine{model: model}
}

// NewSession creates a session with cfg. Zero-valued fields take the
// defaults from [vad.DefaultConfig].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	def := vad.DefaultConfig()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.WindowSamples == 0 {
		cfg.WindowSamples = def.WindowSamples
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.MinSilenceMs == 0 {
		cfg.MinSilenceMs = def.MinSilenceMs
	}
	if cfg.MinSpeechMs == 0 {
		cfg.MinSpeechMs = def.MinSpeechMs
	}
	if cfg.MaxSpeechS == 0 {
		cfg.MaxSpeechS = def.MaxSpeechS
	}

	if cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: sample rate %d not supported, want 16000", cfg.SampleRate)
	}
	if cfg.WindowSamples <= contextSamples {
		return nil, fmt.Errorf("silero: window of %d samples too small", cfg.WindowSamples)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold >= 1 {
		return nil, fmt.Errorf("silero: speech threshold %v out of range (0, 1)", cfg.SpeechThreshold)
	}

	srPerMs := cfg.SampleRate / 1000
	s := &Session{
		model:           e.model,
		cfg:             cfg,
		effectiveLen:    cfg.WindowSamples + contextSamples,
		minSilence:      int64(srPerMs * cfg.MinSilenceMs),
		minSilenceAtMax: int64(srPerMs * silenceAtMaxMs),
		minSpeech:       int64(srPerMs * cfg.MinSpeechMs),
		maxSpeech:       int64(float64(cfg.SampleRate) * cfg.MaxSpeechS),
		context:         make([]float32, contextSamples),
		state:           make([]float32, stateLen),
		input:           make([]float32, cfg.WindowSamples+contextSamples),
		sr:              []int64{int64(cfg.SampleRate)},
	}
	s.Reset()
	return s, nil
}

// Session is a single-stream Silero VAD session. Not safe for concurrent
// use; the pipeline's VAD stage owns it exclusively.
type Session struct {
	model onnx.Model
	cfg   vad.Config

	effectiveLen    int
	minSilence      int64
	minSilenceAtMax int64
	minSpeech       int64
	maxSpeech       int64

	// Detection state. currentSample is the stream position after the most
	// recent chunk; it advances by the window size per step regardless of
	// the context prefix.
	triggered     bool
	currentSample int64
	speechStart   int64
	tempEnd       int64
	prevEnd       int64
	nextStart     int64

	context []float32
	state   []float32
	input   []float32
	sr      []int64

	closed bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessChunk runs one VAD step over exactly cfg.WindowSamples normalised
// samples. On inference failure the session state is untouched and the
// error is returned; the caller may drop the chunk and continue.
func (s *Session) ProcessChunk(chunk []float32) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errors.New("silero: session is closed")
	}
	if len(chunk) != s.cfg.WindowSamples {
		return vad.Event{}, fmt.Errorf("silero: chunk of %d samples, want %d",
			len(chunk), s.cfg.WindowSamples)
	}

	// Effective input = carried context ‖ chunk.
	copy(s.input, s.context)
	copy(s.input[contextSamples:], chunk)

	outputs, err := s.model.Run([]onnx.Tensor{
		onnx.Float32Tensor([]int64{1, int64(s.effectiveLen)}, s.input),
		onnx.Float32Tensor([]int64{2, 1, 128}, s.state),
		onnx.Int64Tensor([]int64{1}, s.sr),
	})
	if err != nil {
		return vad.Event{}, err
	}
	if len(outputs) < 2 || len(outputs[0].Floats) < 1 || len(outputs[1].Floats) < stateLen {
		return vad.Event{}, fmt.Errorf("%w: vad model returned %d outputs",
			onnx.ErrShapeMismatch, len(outputs))
	}

	prob := outputs[0].Floats[0]
	copy(s.state, outputs[1].Floats[:stateLen])
	s.currentSample += int64(s.cfg.WindowSamples)
	defer s.refreshContext()

	ev := vad.Event{Type: vad.EventNone, Probability: prob}
	low := s.cfg.SpeechThreshold - hysteresisGap

	switch {
	case prob >= s.cfg.SpeechThreshold:
		if s.tempEnd != 0 {
			s.tempEnd = 0
			if s.nextStart < s.prevEnd {
				s.nextStart = s.currentSample - int64(s.cfg.WindowSamples)
			}
		}
		if !s.triggered {
			s.triggered = true
			s.speechStart = s.currentSample - int64(s.cfg.WindowSamples)
			ev.Type = vad.EventSpeechStart
			ev.StartSample = s.speechStart
		} else {
			ev.Type = vad.EventSpeechContinue
		}

	case s.triggered && s.currentSample-s.speechStart > s.maxSpeech:
		// Segment ran past the maximum length: close it. When a provisional
		// end was remembered, the segment closes there; whether detection
		// stays armed depends on nextStart.
		if s.prevEnd > 0 {
			end := s.prevEnd
			if s.nextStart < s.prevEnd {
				s.triggered = false
				ev.Type = vad.EventSpeechEnd
				ev.StartSample = s.speechStart
				ev.EndSample = end
			} else {
				s.speechStart = s.nextStart
				ev.Type = vad.EventSpeechContinue
			}
		} else {
			s.triggered = false
			ev.Type = vad.EventSpeechEnd
			ev.StartSample = s.speechStart
			ev.EndSample = s.currentSample
		}
		s.prevEnd, s.nextStart, s.tempEnd = 0, 0, 0

	case prob >= low:
		// Hysteresis band: no state change.
		if s.triggered {
			ev.Type = vad.EventSpeechContinue
		}

	default:
		// Below the low band.
		if s.triggered {
			if s.tempEnd == 0 {
				s.tempEnd = s.currentSample
			}
			if s.currentSample-s.tempEnd > s.minSilenceAtMax {
				s.prevEnd = s.tempEnd
			}
			if s.currentSample-s.tempEnd >= s.minSilence {
				if s.tempEnd-s.speechStart > s.minSpeech {
					ev.Type = vad.EventSpeechEnd
					ev.StartSample = s.speechStart
					ev.EndSample = s.tempEnd
					s.triggered = false
					s.prevEnd, s.nextStart, s.tempEnd = 0, 0, 0
				}
			}
			if s.triggered {
				ev.Type = vad.EventSpeechContinue
			}
		}
	}

	return ev, nil
}

// refreshContext keeps the last 64 samples of the effective input for the
// next step.
func (s *Session) refreshContext() {
	copy(s.context, s.input[len(s.input)-contextSamples:])
}

// Reset clears hysteresis counters, the sample clock, the context prefix,
// and the recurrent model state.
func (s *Session) Reset() {
	s.triggered = false
	s.currentSample = 0
	s.speechStart = 0
	s.tempEnd = 0
	s.prevEnd = 0
	s.nextStart = 0
	clear(s.context)
	clear(s.state)
}

// Close marks the session unusable. The shared model session is owned by
// the pipeline and is not closed here.
func (s *Session) Close() error {
	s.closed = true
	return nil
}
