package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/wakeward/wakeward/internal/pipeline"
	"github.com/wakeward/wakeward/pkg/onnx"
)

const (
	alexaPath  = "models/alexa_v0.1.onnx"
	jarvisPath = "models/hey_jarvis_v0.1.onnx"
	melPath    = "models/melspectrogram.onnx"
	embPath    = "models/embedding_model.onnx"
	vadPath    = "models/silero_vad.onnx"
)

// ampAlexa and ampJarvis land in the two wake fakes' detection bands after
// mel rescaling (amp/10 + 2). The alexa band reaches down to 100 so a mel
// block that straddles a silence/speech boundary still scores.
const (
	ampAlexa  = 4000 // scales to 402, inside [100, 600)
	ampJarvis = 7000 // scales to 702, inside [600, ∞)
)

// newTestPipeline wires a pipeline over fake models. withVAD controls the
// VAD branch; extra wake-word models beyond alexa are optional.
func newTestPipeline(t *testing.T, withVAD bool, mutate func(*pipeline.Config)) (*pipeline.Pipeline, *recorder) {
	t.Helper()

	models := map[string]onnx.Model{
		melPath:    newMelFake(),
		embPath:    newEmbFake(),
		alexaPath:  newWakeFake(100, 600),
		jarvisPath: newWakeFake(600, 1e9),
	}

	cfg := pipeline.DefaultConfig()
	cfg.MelModelPath = melPath
	cfg.EmbeddingModelPath = embPath
	cfg.WakeWordModelPaths = []string{alexaPath}
	cfg.EndDelay = 20 * time.Millisecond
	if withVAD {
		models[vadPath] = newVADFake()
		cfg.VADModelPath = vadPath
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p := pipeline.New(cfg, pipeline.WithModelLoader(fakeLoader(models)))
	t.Cleanup(p.Release)
	return p, &recorder{}
}

func mustStart(t *testing.T, p *pipeline.Pipeline, rec *recorder) {
	t.Helper()
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Start(rec.sinks()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	p, rec := newTestPipeline(t, false, nil)

	if s := p.State(); s != pipeline.StateUninitialized {
		t.Fatalf("state = %v, want uninitialized", s)
	}

	// Start before Init is refused.
	if err := p.Start(rec.sinks()); err == nil {
		t.Fatal("Start before Init succeeded")
	}

	// Feed before Start is a silent no-op.
	p.Feed(tone(1280, 100))

	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if s := p.State(); s != pipeline.StateInitialized {
		t.Fatalf("state = %v, want initialized", s)
	}

	if err := p.Start(rec.sinks()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := p.State(); s != pipeline.StateRunning {
		t.Fatalf("state = %v, want running", s)
	}

	p.Stop()
	if s := p.State(); s != pipeline.StateStopped {
		t.Fatalf("state = %v, want stopped", s)
	}

	// Stop is idempotent.
	p.Stop()
	if s := p.State(); s != pipeline.StateStopped {
		t.Fatalf("state after double stop = %v, want stopped", s)
	}

	p.Release()
	if s := p.State(); s != pipeline.StateUninitialized {
		t.Fatalf("state after release = %v, want uninitialized", s)
	}

	// Release after Release is a no-op.
	p.Release()
}

func TestInit_MissingModelFails(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.MelModelPath = "nope.onnx"
	cfg.EmbeddingModelPath = embPath
	cfg.WakeWordModelPaths = []string{alexaPath}

	p := pipeline.New(cfg, pipeline.WithModelLoader(fakeLoader(map[string]onnx.Model{})))
	if err := p.Init(context.Background()); err == nil {
		t.Fatal("Init with a missing model succeeded")
	}
	if s := p.State(); s != pipeline.StateUninitialized {
		t.Fatalf("state after failed init = %v, want uninitialized", s)
	}
}

func TestSilenceProducesNoEvents(t *testing.T) {
	p, rec := newTestPipeline(t, true, nil)
	mustStart(t, p, rec)

	// 3 s of silence: no wake, no VAD segment, no capture.
	feedChunks(p, tone(3*16000, 0))

	never(t, 150*time.Millisecond, func() bool {
		return rec.wakeCount() > 0 || rec.captureCount() > 0
	}, "events from silence")
}

func TestScoreCallbackCadence(t *testing.T) {
	// Raise the trigger level so nothing fires; with the fake mel emitting
	// 32 frames per 5120-sample block, 7 blocks yield 19 embeddings and
	// therefore 4 scored windows.
	p, rec := newTestPipeline(t, false, func(cfg *pipeline.Config) {
		cfg.TriggerLevel = 4
	})
	mustStart(t, p, rec)

	feedChunks(p, tone(7*frameSize, 100))

	waitFor(t, time.Second, func() bool { return rec.scoreCount() == 4 }, "4 score updates")
	never(t, 100*time.Millisecond, func() bool { return rec.scoreCount() > 4 }, "extra score updates")
}

func TestColdStartWakeAndCapture(t *testing.T) {
	p, rec := newTestPipeline(t, true, nil)
	mustStart(t, p, rec)

	// 2 s of silence, then the wake phrase. Feed loud audio until the
	// detection fires so the capture is armed while speech is still
	// flowing, then give it 1 s of utterance and trailing silence.
	feedChunks(p, tone(2*16000, 0))
	deadline := time.Now().Add(2 * time.Second)
	for rec.wakeCount() == 0 && time.Now().Before(deadline) {
		feedChunks(p, tone(1280, ampAlexa))
		time.Sleep(time.Millisecond)
	}
	if rec.wakeCount() == 0 {
		t.Fatal("wake word never fired")
	}

	feedChunks(p, tone(16000, ampAlexa)) // 1 s of utterance
	feedChunks(p, tone(16000, 0))        // trailing silence closes the segment

	waitFor(t, 2*time.Second, func() bool { return rec.captureCount() == 1 }, "capture")

	if got := rec.wakeModels()[0]; got != "alexa_v0.1" {
		t.Errorf("wake model = %q, want alexa_v0.1", got)
	}
	ev := rec.capturedEvents()[0]
	if ev.Model != "alexa_v0.1" {
		t.Errorf("capture model = %q, want alexa_v0.1", ev.Model)
	}
	if ev.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", ev.SampleRate)
	}
	if ev.ID == "" {
		t.Error("capture ID is empty")
	}
	if ev.Truncated {
		t.Error("capture unexpectedly truncated")
	}
	// The utterance plus pads: between 0.5 s and 4 s.
	if n := len(ev.PCM); n < 8000 || n > 64000 {
		t.Errorf("captured %d samples, want within [8000, 64000]", n)
	}
}

func TestRefractorySuppressesSecondBurst(t *testing.T) {
	p, rec := newTestPipeline(t, false, nil)
	mustStart(t, p, rec)

	// Two 0.4 s wake bursts 0.5 s apart: the second falls inside the
	// refractory window (20 embeddings ≈ 1.6 s) and must not fire.
	feedChunks(p, tone(2*16000, 0))
	feedChunks(p, tone(6400, ampAlexa))
	feedChunks(p, tone(8000, 0))
	feedChunks(p, tone(6400, ampAlexa))
	feedChunks(p, tone(16000, 0))

	waitFor(t, 2*time.Second, func() bool { return rec.wakeCount() >= 1 }, "first wake")
	never(t, 200*time.Millisecond, func() bool { return rec.wakeCount() > 1 }, "second wake inside refractory")
}

func TestOverlappingWakeRetagsCapture(t *testing.T) {
	p, rec := newTestPipeline(t, true, func(cfg *pipeline.Config) {
		cfg.WakeWordModelPaths = []string{alexaPath, jarvisPath}
	})
	mustStart(t, p, rec)

	// First wake word fires and arms capture.
	feedChunks(p, tone(2*16000, 0))
	deadline := time.Now().Add(2 * time.Second)
	for rec.wakeCount() == 0 && time.Now().Before(deadline) {
		feedChunks(p, tone(1280, ampAlexa))
		time.Sleep(time.Millisecond)
	}
	if rec.wakeCount() == 0 {
		t.Fatal("first wake word never fired")
	}

	// Second wake word fires mid-capture, before any VAD end.
	for rec.wakeCount() < 2 && time.Now().Before(deadline.Add(2 * time.Second)) {
		feedChunks(p, tone(1280, ampJarvis))
		time.Sleep(time.Millisecond)
	}
	if rec.wakeCount() < 2 {
		t.Fatal("second wake word never fired")
	}

	feedChunks(p, tone(8000, ampJarvis))
	feedChunks(p, tone(16000, 0))

	waitFor(t, 2*time.Second, func() bool { return rec.captureCount() >= 1 }, "capture")

	models := rec.wakeModels()
	if models[0] != "alexa_v0.1" {
		t.Errorf("first wake = %q, want alexa_v0.1", models[0])
	}
	if models[1] != "hey_jarvis_v0.1" {
		t.Errorf("second wake = %q, want hey_jarvis_v0.1", models[1])
	}
	// The capture belongs to the most recent wake word.
	if got := rec.capturedEvents()[0].Model; got != "hey_jarvis_v0.1" {
		t.Errorf("capture model = %q, want hey_jarvis_v0.1", got)
	}
}

func TestCaptureCapForcesTruncatedCapture(t *testing.T) {
	p, rec := newTestPipeline(t, true, func(cfg *pipeline.Config) {
		cfg.CaptureCapS = 1
	})
	mustStart(t, p, rec)

	feedChunks(p, tone(2*16000, 0))
	deadline := time.Now().Add(2 * time.Second)
	for rec.wakeCount() == 0 && time.Now().Before(deadline) {
		feedChunks(p, tone(1280, ampAlexa))
		time.Sleep(time.Millisecond)
	}
	if rec.wakeCount() == 0 {
		t.Fatal("wake word never fired")
	}

	// Keep speech running far past the 1 s cap; no VAD end ever arrives,
	// so only the overflow path can close the capture.
	for rec.captureCount() == 0 && time.Now().Before(deadline.Add(3 * time.Second)) {
		feedChunks(p, tone(1280, ampAlexa))
		time.Sleep(time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return rec.captureCount() >= 1 }, "forced capture")
	ev := rec.capturedEvents()[0]
	if !ev.Truncated {
		t.Error("capture not marked truncated")
	}
	if len(ev.PCM) != 16000 {
		t.Errorf("captured %d samples, want exactly the 16000-sample cap", len(ev.PCM))
	}
}

func TestWakeWithoutVADProducesNoCapture(t *testing.T) {
	p, rec := newTestPipeline(t, false, nil)
	mustStart(t, p, rec)

	feedChunks(p, tone(2*16000, 0))
	deadline := time.Now().Add(2 * time.Second)
	for rec.wakeCount() == 0 && time.Now().Before(deadline) {
		feedChunks(p, tone(1280, ampAlexa))
		time.Sleep(time.Millisecond)
	}
	if rec.wakeCount() == 0 {
		t.Fatal("wake word never fired")
	}

	feedChunks(p, tone(16000, 0))
	never(t, 150*time.Millisecond, func() bool { return rec.captureCount() > 0 },
		"capture without a VAD branch")
}

func TestVADStartEndCallbacks(t *testing.T) {
	p, rec := newTestPipeline(t, true, func(cfg *pipeline.Config) {
		cfg.VADAlwaysOn = true
	})
	mustStart(t, p, rec)

	// With VAD always on, a speech burst flanked by silence produces one
	// start/end pair even without a wake word.
	feedChunks(p, tone(16000, 0))
	feedChunks(p, tone(16000, ampAlexa))
	feedChunks(p, tone(16000, 0))

	waitFor(t, 2*time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.starts >= 1 && rec.ends >= 1
	}, "vad start/end callbacks")
}

func TestShutdownUnderLoad(t *testing.T) {
	p, rec := newTestPipeline(t, true, nil)
	mustStart(t, p, rec)

	stopFeeding := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for {
			select {
			case <-stopFeeding:
				return
			default:
				p.Feed(tone(1280, ampAlexa))
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	p.Stop()
	elapsed := time.Since(start)

	// Every worker joins within its 2 s budget; with fake models the whole
	// stop should be far quicker.
	if elapsed > 5*time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}

	wakes, captures := rec.wakeCount(), rec.captureCount()
	time.Sleep(100 * time.Millisecond)
	if rec.wakeCount() != wakes || rec.captureCount() != captures {
		t.Error("callbacks delivered after Stop returned")
	}

	close(stopFeeding)
	<-fed
}
