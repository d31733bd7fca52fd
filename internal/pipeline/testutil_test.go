package pipeline_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wakeward/wakeward/internal/pipeline"
	"github.com/wakeward/wakeward/pkg/onnx"
)

// Cascade geometry used by the fake models.
const (
	frameSize   = 5120
	numMels     = 32
	framesOut   = 32 // mel frames emitted per 5120-sample frame
	embFeatures = 96
	embStepVals = 8 * numMels // mel values dropped per embedding hop
)

// fakeModel adapts a function to onnx.Model.
type fakeModel struct {
	fn func(inputs []onnx.Tensor) ([]onnx.Tensor, error)
}

func (m *fakeModel) Run(inputs []onnx.Tensor) ([]onnx.Tensor, error) { return m.fn(inputs) }
func (m *fakeModel) Close() error                                    { return nil }

func meanAbs(vs []float32) float32 {
	var sum float32
	for _, v := range vs {
		if v < 0 {
			v = -v
		}
		sum += v
	}
	if len(vs) == 0 {
		return 0
	}
	return sum / float32(len(vs))
}

func maxOf(vs []float32) float32 {
	var m float32
	for _, v := range vs {
		if v > m {
			m = v
		}
	}
	return m
}

// newMelFake emits 32 mel frames per 5120-sample input; every mel value is
// the mean absolute amplitude of the frame, so loudness flows through the
// cascade deterministically.
func newMelFake() onnx.Model {
	return &fakeModel{fn: func(inputs []onnx.Tensor) ([]onnx.Tensor, error) {
		amp := meanAbs(inputs[0].Floats)
		out := make([]float32, framesOut*numMels)
		for i := range out {
			out[i] = amp
		}
		return []onnx.Tensor{onnx.Float32Tensor([]int64{1, 1, framesOut, numMels}, out)}, nil
	}}
}

// newEmbFake emits a 96-dim embedding whose every element is the maximum
// mel value of the window's newest hop, so an embedding is "loud" exactly
// while fresh loud audio is flowing.
func newEmbFake() onnx.Model {
	return &fakeModel{fn: func(inputs []onnx.Tensor) ([]onnx.Tensor, error) {
		window := inputs[0].Floats
		newest := window[len(window)-embStepVals:]
		v := maxOf(newest)
		out := make([]float32, embFeatures)
		for i := range out {
			out[i] = v
		}
		return []onnx.Tensor{onnx.Float32Tensor([]int64{1, embFeatures}, out)}, nil
	}}
}

// newWakeFake fires probability 0.9 when the newest embedding's magnitude
// falls inside [lo, hi); anything else scores 0. Bands let two fake wake
// words respond to different amplitudes.
func newWakeFake(lo, hi float32) onnx.Model {
	return &fakeModel{fn: func(inputs []onnx.Tensor) ([]onnx.Tensor, error) {
		window := inputs[0].Floats
		newest := maxOf(window[len(window)-embFeatures:])
		prob := float32(0)
		if newest >= lo && newest < hi {
			prob = 0.9
		}
		return []onnx.Tensor{onnx.Float32Tensor([]int64{1, 1}, []float32{prob})}, nil
	}}
}

// newVADFake classifies a chunk as speech when its normalised mean
// amplitude exceeds 0.05, and echoes the recurrent state.
func newVADFake() onnx.Model {
	return &fakeModel{fn: func(inputs []onnx.Tensor) ([]onnx.Tensor, error) {
		samples := inputs[0].Floats[64:]
		prob := float32(0.05)
		if meanAbs(samples) > 0.05 {
			prob = 0.9
		}
		state := make([]float32, len(inputs[1].Floats))
		copy(state, inputs[1].Floats)
		return []onnx.Tensor{
			onnx.Float32Tensor([]int64{1}, []float32{prob}),
			onnx.Float32Tensor([]int64{2, 1, 128}, state),
		}, nil
	}}
}

// fakeLoader resolves model paths against a fixed table.
func fakeLoader(models map[string]onnx.Model) pipeline.ModelLoader {
	return func(path string, _ ...onnx.LoadOption) (onnx.Model, error) {
		m, ok := models[path]
		if !ok {
			return nil, fmt.Errorf("%w: no fake for %q", onnx.ErrModelLoad, path)
		}
		return m, nil
	}
}

// recorder collects sink callbacks thread-safely.
type recorder struct {
	mu       sync.Mutex
	wakes    []string
	captures []pipeline.CaptureEvent
	scores   int
	starts   int
	ends     int
}

func (r *recorder) sinks() pipeline.Sinks {
	return pipeline.Sinks{
		OnWakeWord: func(model string) {
			r.mu.Lock()
			r.wakes = append(r.wakes, model)
			r.mu.Unlock()
		},
		OnCaptured: func(ev pipeline.CaptureEvent) {
			r.mu.Lock()
			r.captures = append(r.captures, ev)
			r.mu.Unlock()
		},
		OnSpeechStart: func() {
			r.mu.Lock()
			r.starts++
			r.mu.Unlock()
		},
		OnSpeechEnd: func() {
			r.mu.Lock()
			r.ends++
			r.mu.Unlock()
		},
		OnScore: func(pipeline.ScoreUpdate) {
			r.mu.Lock()
			r.scores++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) wakeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wakes)
}

func (r *recorder) wakeModels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.wakes...)
}

func (r *recorder) captureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.captures)
}

func (r *recorder) capturedEvents() []pipeline.CaptureEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.CaptureEvent(nil), r.captures...)
}

func (r *recorder) scoreCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// never asserts that cond stays false for the whole duration.
func never(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// tone returns n samples of constant amplitude.
func tone(n int, amp int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = amp
	}
	return out
}

// feedChunks feeds samples in 1280-sample chunks, the typical audio-source
// delivery size.
func feedChunks(p *pipeline.Pipeline, samples []int16) {
	const chunk = 1280
	for len(samples) > 0 {
		n := min(chunk, len(samples))
		p.Feed(samples[:n])
		samples = samples[n:]
	}
}
