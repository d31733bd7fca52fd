// Package pipeline implements the Wakeward detection core: a feed-forward
// dataflow of neural-network stages over a continuous 16 kHz mono PCM
// stream.
//
// Raw PCM fans out into two branches. The detection cascade converts audio
// frames to log-mel features (mel stage), mel windows to 96-dim speech
// embeddings (embedding stage), and embedding windows to per-model wake-word
// probabilities smoothed by an activation counter (one wake-word stage per
// model). The VAD branch classifies fixed 512-sample chunks as speech or
// silence with hysteresis. A capture controller combines both: a wake-word
// detection arms capture, and the delayed end of the following speech
// segment delivers the buffered utterance.
//
// Each stage runs on its own goroutine; stages communicate through bounded
// channels owned by the [Pipeline], and every blocking channel operation is
// paired with context cancellation so Stop unblocks all workers. A worker
// suspends only at its input channel — inference calls run to completion —
// which bounds shutdown latency to the longest single forward pass plus the
// per-worker join budget.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wakeward/wakeward/internal/observe"
	"github.com/wakeward/wakeward/pkg/audio"
	"github.com/wakeward/wakeward/pkg/onnx"
	"github.com/wakeward/wakeward/pkg/provider/vad"
	"github.com/wakeward/wakeward/pkg/provider/vad/silero"
)

// Cascade geometry. The mel model consumes four 80 ms chunks per inference;
// the embedding model slides a 76-frame window in 8-frame hops; each
// wake-word model scores a 16-embedding window advanced one embedding at a
// time.
const (
	chunkSamples    = 1280 // 80 ms at 16 kHz
	frameSize       = 4 * chunkSamples
	numMels         = 32
	embWindowFrames = 76
	embStepFrames   = 8
	embFeatures     = 96
	wwWindowFrames  = 16

	// queueDepth is the buffer depth of every stage-to-stage channel. Deep
	// enough to absorb scheduling jitter, shallow enough that back-pressure
	// reaches the feeder quickly.
	queueDepth = 64

	// joinTimeout bounds how long Stop waits for each worker goroutine.
	joinTimeout = 2 * time.Second
)

// ErrNotInitialized is returned by Start when Init has not succeeded.
var ErrNotInitialized = errors.New("pipeline: not initialized")

// State is the pipeline lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopping
	StateStopped
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config holds everything a pipeline needs: model paths and the detection
// tunables. Zero-valued tunables take the defaults from [DefaultConfig].
type Config struct {
	// MelModelPath is the melspectrogram model ([1, 5120] f32 in).
	MelModelPath string

	// EmbeddingModelPath is the speech embedding model ([1, 76, 32, 1] f32 in).
	EmbeddingModelPath string

	// WakeWordModelPaths are the detection heads ([1, 16, 96] f32 in); one
	// stage is spawned per path, named by the file stem.
	WakeWordModelPaths []string

	// VADModelPath is the Silero VAD model. Empty disables the VAD branch
	// and utterance capture; wake-word detection still runs.
	VADModelPath string

	// ONNXLibraryPath optionally overrides the onnxruntime shared library
	// location.
	ONNXLibraryPath string

	// WakeThreshold is the per-frame activation threshold.
	WakeThreshold float32

	// TriggerLevel is the number of consecutive over-threshold frames
	// needed to fire.
	TriggerLevel int

	// Refractory is the number of embedding frames of forced quiet after a
	// fire.
	Refractory int

	// VAD configures the voice-activity session.
	VAD vad.Config

	// VADAlwaysOn keeps the VAD branch running while no capture is armed.
	VADAlwaysOn bool

	// CaptureCapS caps captured utterance length in seconds.
	CaptureCapS int

	// EndDelay postpones the externally visible end of speech so captures
	// include a trailing pad.
	EndDelay time.Duration
}

// DefaultConfig returns the tunable defaults; model paths are left empty.
func DefaultConfig() Config {
	return Config{
		WakeThreshold: 0.5,
		TriggerLevel:  1,
		Refractory:    20,
		VAD:           vad.DefaultConfig(),
		CaptureCapS:   30,
		EndDelay:      500 * time.Millisecond,
	}
}

// applyDefaults fills zero-valued tunables in place.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.WakeThreshold == 0 {
		c.WakeThreshold = def.WakeThreshold
	}
	if c.TriggerLevel == 0 {
		c.TriggerLevel = def.TriggerLevel
	}
	if c.Refractory == 0 {
		c.Refractory = def.Refractory
	}
	if c.CaptureCapS == 0 {
		c.CaptureCapS = def.CaptureCapS
	}
	if c.EndDelay == 0 {
		c.EndDelay = def.EndDelay
	}
}

// ModelLoader loads an inference session from a model file. The default
// loader uses [onnx.Load]; tests inject fakes.
type ModelLoader func(path string, opts ...onnx.LoadOption) (onnx.Model, error)

// Option is a functional option for [New]. Use these to inject test
// doubles.
type Option func(*Pipeline)

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics instance; defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithModelLoader injects a model loader instead of the ONNX runtime. The
// runtime environment is then neither initialised nor destroyed by the
// pipeline.
func WithModelLoader(l ModelLoader) Option {
	return func(p *Pipeline) {
		p.loadModel = l
		p.needsRuntime = false
	}
}

// WithVADEngine injects a VAD engine factory instead of the Silero engine.
func WithVADEngine(f func(model onnx.Model) vad.Engine) Option {
	return func(p *Pipeline) { p.newVADEngine = f }
}

// wwModel pairs a wake-word model with its name (the file stem).
type wwModel struct {
	name  string
	model onnx.Model
}

// worker is a running stage goroutine; done closes when it returns.
type worker struct {
	name string
	done chan struct{}
}

// Pipeline owns all stage goroutines, channels, and inference sessions for
// one audio stream. Feed may be called from one producer goroutine; the
// lifecycle methods may be called from any goroutine.
type Pipeline struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	loadModel    ModelLoader
	newVADEngine func(model onnx.Model) vad.Engine
	needsRuntime bool
	ownsRuntime  bool

	mu       sync.Mutex
	state    atomic.Int32
	melModel onnx.Model
	embModel onnx.Model
	wwModels []wwModel
	vadModel onnx.Model
	vadSess  vad.SessionHandle

	// Running-state wiring, rebuilt by Start.
	runCtx   context.Context
	cancel   context.CancelFunc
	sampleCh chan []float32
	melCh    chan []float32
	wwChs    []chan []float32
	vadCh    chan []int16
	wakeCh   chan WakeEvent
	vadEvCh  chan vadTransition
	workers  []worker
	capture  *captureController
	sinks    Sinks

	// vadEnabled gates the feeder's VAD branch; vadResetReq asks the VAD
	// stage to reset its session before processing more audio.
	vadEnabled  atomic.Bool
	vadAlwaysOn atomic.Bool
	vadResetReq atomic.Bool
}

// vadTransition is a raw VAD start/end event flowing to the capture
// controller.
type vadTransition struct {
	started bool
}

// New creates a pipeline with cfg. Call Init before Start.
func New(cfg Config, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:          cfg,
		log:          slog.Default(),
		loadModel:    defaultLoader,
		needsRuntime: true,
		newVADEngine: func(m onnx.Model) vad.Engine {
			return silero.New(m)
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.vadAlwaysOn.Store(cfg.VADAlwaysOn)
	return p
}

// defaultLoader loads models through the ONNX runtime adapter.
func defaultLoader(path string, opts ...onnx.LoadOption) (onnx.Model, error) {
	return onnx.Load(path, opts...)
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Init loads every model and verifies its input contract. On success the
// pipeline moves from Uninitialized to Initialized. Calling Init in any
// other state is a logged no-op.
func (p *Pipeline) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s := p.State(); s != StateUninitialized {
		p.log.Debug("init ignored", "state", s.String())
		return nil
	}

	if p.needsRuntime {
		if err := onnx.Init(p.cfg.ONNXLibraryPath); err != nil {
			return err
		}
		p.ownsRuntime = true
	}

	cleanup := func() {
		p.closeModelsLocked()
		if p.ownsRuntime {
			_ = onnx.Destroy()
			p.ownsRuntime = false
		}
	}

	mel, err := p.loadModel(p.cfg.MelModelPath)
	if err != nil {
		cleanup()
		return fmt.Errorf("pipeline: mel model: %w", err)
	}
	p.melModel = mel
	if err := checkInput(mel, []int64{1, frameSize}); err != nil {
		cleanup()
		return fmt.Errorf("pipeline: mel model: %w", err)
	}

	emb, err := p.loadModel(p.cfg.EmbeddingModelPath)
	if err != nil {
		cleanup()
		return fmt.Errorf("pipeline: embedding model: %w", err)
	}
	p.embModel = emb
	if err := checkInput(emb, []int64{1, embWindowFrames, numMels, 1}); err != nil {
		cleanup()
		return fmt.Errorf("pipeline: embedding model: %w", err)
	}

	if len(p.cfg.WakeWordModelPaths) == 0 {
		cleanup()
		return errors.New("pipeline: no wake word models configured")
	}
	for _, path := range p.cfg.WakeWordModelPaths {
		m, err := p.loadModel(path)
		if err != nil {
			cleanup()
			return fmt.Errorf("pipeline: wake word model %q: %w", path, err)
		}
		if err := checkInput(m, []int64{1, wwWindowFrames, embFeatures}); err != nil {
			_ = m.Close()
			cleanup()
			return fmt.Errorf("pipeline: wake word model %q: %w", path, err)
		}
		p.wwModels = append(p.wwModels, wwModel{name: modelName(path), model: m})
	}

	if p.cfg.VADModelPath != "" {
		m, err := p.loadModel(p.cfg.VADModelPath,
			onnx.WithIONames(silero.InputNames, silero.OutputNames))
		if err != nil {
			cleanup()
			return fmt.Errorf("pipeline: vad model: %w", err)
		}
		p.vadModel = m

		sess, err := p.newVADEngine(m).NewSession(p.cfg.VAD)
		if err != nil {
			cleanup()
			return fmt.Errorf("pipeline: vad session: %w", err)
		}
		p.vadSess = sess
	}

	p.state.Store(int32(StateInitialized))
	p.log.Info("pipeline initialized",
		"wake_words", len(p.wwModels),
		"vad", p.vadModel != nil,
	)
	return nil
}

// checkInput validates a loaded session's first input against the stage
// contract. Fake models used in tests are not sessions and skip the check.
func checkInput(m onnx.Model, want []int64) error {
	s, ok := m.(*onnx.Session)
	if !ok {
		return nil
	}
	return s.CheckInput(0, want)
}

// modelName derives the wake word's name from its model file path.
func modelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Start records the event sinks and spawns the stage workers. The pipeline
// must be Initialized.
func (p *Pipeline) Start(sinks Sinks) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateInitialized:
	case StateRunning:
		p.log.Debug("start ignored: already running")
		return nil
	default:
		p.log.Debug("start ignored", "state", p.State().String())
		return ErrNotInitialized
	}

	p.sinks = sinks
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.sampleCh = make(chan []float32, queueDepth)
	p.melCh = make(chan []float32, queueDepth)
	p.vadCh = make(chan []int16, queueDepth)
	p.wakeCh = make(chan WakeEvent, queueDepth)
	p.vadEvCh = make(chan vadTransition, queueDepth)
	p.wwChs = make([]chan []float32, len(p.wwModels))
	for i := range p.wwChs {
		p.wwChs[i] = make(chan []float32, queueDepth)
	}
	p.workers = nil
	p.vadEnabled.Store(false)
	p.vadResetReq.Store(false)

	p.capture = newCaptureController(p)

	p.spawn("mel", p.runMel)
	p.spawn("embedding", p.runEmbedding)
	for i := range p.wwModels {
		p.spawn("wakeword/"+p.wwModels[i].name, func(ctx context.Context) {
			p.runWakeWord(ctx, i)
		})
	}
	if p.vadModel != nil {
		p.spawn("vad", p.runVAD)
	}
	p.spawn("capture", p.capture.run)

	p.state.Store(int32(StateRunning))
	p.metrics.ActivePipelines.Add(context.Background(), 1)
	p.log.Info("pipeline started", "workers", len(p.workers))
	return nil
}

// spawn launches a stage goroutine and registers it for joining. Callers
// must hold p.mu.
func (p *Pipeline) spawn(name string, run func(ctx context.Context)) {
	w := worker{name: name, done: make(chan struct{})}
	p.workers = append(p.workers, w)
	ctx := p.runCtx
	go func() {
		defer close(w.done)
		run(ctx)
	}()
}

// Feed pushes PCM samples into the pipeline. Samples are copied before the
// call returns. When the pipeline is not Running the samples are silently
// dropped — the audio source is often started slightly before the pipeline.
func (p *Pipeline) Feed(samples []int16) {
	if len(samples) == 0 || p.State() != StateRunning {
		return
	}

	pcm := make([]int16, len(samples))
	copy(pcm, samples)

	p.capture.appendPCM(pcm)

	select {
	case p.sampleCh <- audio.Int16ToFloat32(pcm):
	case <-p.runCtx.Done():
		return
	}

	if p.vadModel != nil && (p.vadEnabled.Load() || p.vadAlwaysOn.Load()) {
		select {
		case p.vadCh <- pcm:
		case <-p.runCtx.Done():
		}
	}
}

// SetVADAlwaysOn keeps the VAD branch running even while no capture is
// armed, for diagnostics streaming.
func (p *Pipeline) SetVADAlwaysOn(on bool) {
	p.vadAlwaysOn.Store(on)
}

// Stop signals every worker and joins them with a bounded per-worker
// timeout. Calling Stop more than once, or before Start, is a no-op. After
// Stop returns, no further sink callbacks are delivered.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.State() != StateRunning {
		p.mu.Unlock()
		p.log.Debug("stop ignored", "state", p.State().String())
		return
	}
	p.state.Store(int32(StateStopping))
	cancel := p.cancel
	workers := p.workers
	p.mu.Unlock()

	cancel()

	for _, w := range workers {
		select {
		case <-w.done:
		case <-time.After(joinTimeout):
			// The OS reclaims the goroutine's resources on process exit;
			// proceeding beats blocking shutdown forever.
			p.log.Error("worker join timeout", "worker", w.name, "budget", joinTimeout)
		}
	}

	p.mu.Lock()
	p.state.Store(int32(StateStopped))
	p.mu.Unlock()
	p.metrics.ActivePipelines.Add(context.Background(), -1)
	p.log.Info("pipeline stopped")
}

// Release stops the pipeline if needed, destroys every inference session,
// and returns the pipeline to Uninitialized.
func (p *Pipeline) Release() {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() == StateUninitialized {
		return
	}
	p.closeModelsLocked()
	if p.ownsRuntime {
		_ = onnx.Destroy()
		p.ownsRuntime = false
	}
	p.state.Store(int32(StateUninitialized))
	p.log.Info("pipeline released")
}

// closeModelsLocked closes every loaded session. Callers must hold p.mu.
func (p *Pipeline) closeModelsLocked() {
	if p.vadSess != nil {
		_ = p.vadSess.Close()
		p.vadSess = nil
	}
	for _, m := range []onnx.Model{p.melModel, p.embModel, p.vadModel} {
		if m != nil {
			_ = m.Close()
		}
	}
	p.melModel, p.embModel, p.vadModel = nil, nil, nil
	for _, ww := range p.wwModels {
		_ = ww.model.Close()
	}
	p.wwModels = nil
}
