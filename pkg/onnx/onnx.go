// Package onnx is the inference runtime adapter for Wakeward.
//
// It wraps ONNX Runtime behind a small, library-agnostic surface so that the
// rest of the system only ever sees model files, named tensors, and errors.
// The underlying runtime is loaded once per process via [Init]; every
// [Session] created afterwards is configured single-threaded (intra-op = 1,
// inter-op = 1) with full graph optimisation, matching the latency profile of
// a streaming audio pipeline where each stage owns exactly one model.
//
// Only float32 and int64 tensors are supported — the two element types the
// detection cascade and the VAD model exchange.
//
// # Thread safety
//
// Init and Destroy are safe for concurrent use. A Session's Run and Close
// methods serialise on a per-session mutex, so concurrent calls are safe
// but run one at a time; in Wakeward each pipeline stage owns its session
// exclusively.
package onnx

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Error kinds surfaced by this package. Callers branch on these with
// [errors.Is]; the wrapped error carries the runtime's detail message.
var (
	// ErrModelLoad indicates the model file could not be loaded or parsed.
	ErrModelLoad = errors.New("onnx: model load failed")

	// ErrShapeMismatch indicates a model's declared I/O does not match the
	// shape contract the caller expected.
	ErrShapeMismatch = errors.New("onnx: tensor shape mismatch")

	// ErrInference indicates a forward pass failed. Streaming callers are
	// expected to log, drop the current batch, and continue.
	ErrInference = errors.New("onnx: inference failed")

	// ErrRuntime indicates the runtime environment is not initialised or
	// could not be brought up.
	ErrRuntime = errors.New("onnx: runtime unavailable")
)

var (
	envMu   sync.Mutex
	envRefs int
)

// Init brings up the process-wide ONNX Runtime environment. libraryPath
// optionally points at the onnxruntime shared library; when empty the
// binding's platform default is used. Init may be called multiple times;
// each successful call must be balanced by a [Destroy].
func Init(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs > 0 {
		envRefs++
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	envRefs = 1
	return nil
}

// Destroy releases the runtime environment created by [Init] once the last
// reference is dropped. Destroying an uninitialised environment is a no-op.
func Destroy() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs > 0 {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return nil
}

// Tensor is a plain-data tensor crossing the adapter boundary. Exactly one
// of Floats or Ints is populated, matching the element type.
type Tensor struct {
	Shape  []int64
	Floats []float32
	Ints   []int64
}

// Float32Tensor builds a float32 tensor with the given shape and data.
func Float32Tensor(shape []int64, data []float32) Tensor {
	return Tensor{Shape: shape, Floats: data}
}

// Int64Tensor builds an int64 tensor with the given shape and data.
func Int64Tensor(shape []int64, data []int64) Tensor {
	return Tensor{Shape: shape, Ints: data}
}

// Elements returns the number of elements implied by the tensor's shape.
// Dynamic (negative) dimensions count as zero elements.
func (t Tensor) Elements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		if d < 0 {
			return 0
		}
		n *= d
	}
	return n
}

// IOInfo describes one model input or output as declared by the graph.
// Dynamic dimensions are reported as -1.
type IOInfo struct {
	Name  string
	Shape []int64
}

// ShapeMatches reports whether got satisfies want, treating negative entries
// in either shape as wildcards. Ranks must match exactly.
func ShapeMatches(want, got []int64) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] < 0 || got[i] < 0 {
			continue
		}
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// Model is the narrow interface pipeline stages depend on. *Session is the
// production implementation; tests substitute scripted fakes.
type Model interface {
	// Run executes one forward pass. Inputs are matched positionally to the
	// session's input order; outputs come back in the session's output order.
	Run(inputs []Tensor) ([]Tensor, error)

	// Close releases the session. Run must not be called after Close.
	Close() error
}

// Session is a loaded model ready for inference.
type Session struct {
	path        string
	inputNames  []string
	outputNames []string
	inputs      []IOInfo
	outputs     []IOInfo

	mu     sync.Mutex
	sess   *ort.DynamicAdvancedSession
	closed bool
}

var _ Model = (*Session)(nil)

// loadConfig collects Load options.
type loadConfig struct {
	inputNames  []string
	outputNames []string
}

// LoadOption configures Load.
type LoadOption func(*loadConfig)

// WithIONames pins the input and output tensor names (and their order)
// instead of using the order declared by the model graph. The VAD model
// needs this: its contract names inputs "input", "state", "sr".
func WithIONames(inputs, outputs []string) LoadOption {
	return func(c *loadConfig) {
		c.inputNames = inputs
		c.outputNames = outputs
	}
}

// Load opens the model file at path and creates an inference session.
// The session uses one intra-op and one inter-op thread and full graph
// optimisation. Returns [ErrModelLoad] when the file is missing or the
// runtime rejects it.
func Load(path string, opts ...LoadOption) (*Session, error) {
	var cfg loadConfig
	for _, o := range opts {
		o(&cfg)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, path, err)
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, path, err)
	}

	s := &Session{path: path}
	for _, in := range inInfo {
		s.inputs = append(s.inputs, IOInfo{Name: in.Name, Shape: in.Dimensions})
	}
	for _, out := range outInfo {
		s.outputs = append(s.outputs, IOInfo{Name: out.Name, Shape: out.Dimensions})
	}

	s.inputNames = cfg.inputNames
	s.outputNames = cfg.outputNames
	if s.inputNames == nil {
		for _, in := range s.inputs {
			s.inputNames = append(s.inputNames, in.Name)
		}
	}
	if s.outputNames == nil {
		for _, out := range s.outputs {
			s.outputNames = append(s.outputNames, out.Name)
		}
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, path, err)
	}
	defer so.Destroy()
	if err := so.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, path, err)
	}
	if err := so.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, path, err)
	}
	if err := so.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, path, err)
	}

	sess, err := ort.NewDynamicAdvancedSession(path, s.inputNames, s.outputNames, so)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrModelLoad, path, err)
	}
	s.sess = sess
	return s, nil
}

// Path returns the model file path the session was loaded from.
func (s *Session) Path() string { return s.path }

// Inputs returns the model's declared inputs in graph order.
func (s *Session) Inputs() []IOInfo { return s.inputs }

// Outputs returns the model's declared outputs in graph order.
func (s *Session) Outputs() []IOInfo { return s.outputs }

// CheckInput verifies that input index i matches want (negative dims are
// wildcards on both sides). Returns [ErrShapeMismatch] on violation.
func (s *Session) CheckInput(i int, want []int64) error {
	if i >= len(s.inputs) {
		return fmt.Errorf("%w: %q has %d inputs, need index %d",
			ErrShapeMismatch, s.path, len(s.inputs), i)
	}
	if got := s.inputs[i].Shape; !ShapeMatches(want, got) {
		return fmt.Errorf("%w: %q input %q: want %v, got %v",
			ErrShapeMismatch, s.path, s.inputs[i].Name, want, got)
	}
	return nil
}

// Run executes one forward pass. Input tensors are matched positionally to
// the session's input names. Output tensors are allocated by the runtime
// and copied out before being released.
func (s *Session) Run(inputs []Tensor) ([]Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: session %q is closed", ErrInference, s.path)
	}
	if len(inputs) != len(s.inputNames) {
		return nil, fmt.Errorf("%w: %q: got %d inputs, want %d",
			ErrInference, s.path, len(inputs), len(s.inputNames))
	}

	ortInputs := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range ortInputs {
			v.Destroy()
		}
	}()
	for i, in := range inputs {
		v, err := newOrtTensor(in)
		if err != nil {
			return nil, fmt.Errorf("%w: %q input %d: %v", ErrInference, s.path, i, err)
		}
		ortInputs = append(ortInputs, v)
	}

	ortOutputs := make([]ort.Value, len(s.outputNames))
	if err := s.sess.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInference, s.path, err)
	}
	defer func() {
		for _, v := range ortOutputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	outputs := make([]Tensor, 0, len(ortOutputs))
	for i, v := range ortOutputs {
		t, err := fromOrtValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %q output %d: %v", ErrInference, s.path, i, err)
		}
		outputs = append(outputs, t)
	}
	return outputs, nil
}

// Close releases the underlying runtime session. Safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.sess.Destroy(); err != nil {
		return fmt.Errorf("onnx: close %q: %w", s.path, err)
	}
	return nil
}

// newOrtTensor converts an adapter Tensor into a runtime tensor.
func newOrtTensor(t Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch {
	case t.Floats != nil:
		return ort.NewTensor(shape, t.Floats)
	case t.Ints != nil:
		return ort.NewTensor(shape, t.Ints)
	default:
		return nil, errors.New("tensor has no data")
	}
}

// fromOrtValue copies a runtime value into an adapter Tensor.
func fromOrtValue(v ort.Value) (Tensor, error) {
	switch tv := v.(type) {
	case *ort.Tensor[float32]:
		shape := tv.GetShape()
		data := make([]float32, len(tv.GetData()))
		copy(data, tv.GetData())
		return Tensor{Shape: append([]int64(nil), shape...), Floats: data}, nil
	case *ort.Tensor[int64]:
		shape := tv.GetShape()
		data := make([]int64, len(tv.GetData()))
		copy(data, tv.GetData())
		return Tensor{Shape: append([]int64(nil), shape...), Ints: data}, nil
	default:
		return Tensor{}, fmt.Errorf("unsupported output tensor type %T", v)
	}
}
