package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/wakeward/wakeward/internal/observe"
	"github.com/wakeward/wakeward/pkg/audio"
)

// captureController buffers PCM between a wake-word detection and the
// delayed end of the following speech segment, then emits the utterance.
//
// Wake-word and VAD events are consumed on the controller's goroutine, so
// OnWakeWord / OnSpeechStart / OnSpeechEnd / OnCaptured are serialised in
// event order. The raw PCM path is different: the external feeder appends
// into the capture buffer directly (guarded by bufMu), because the buffer
// must not miss samples while the controller is busy delivering an event.
//
// The end of speech reported by the VAD is not acted on immediately: it is
// delayed by the configured end delay so the capture keeps a trailing pad,
// and a new speech start within the delay cancels the pending end.
type captureController struct {
	p *Pipeline

	// capSamples is the hard buffer cap; hitting it forces a capture.
	capSamples int

	// overflow wakes the controller when the feeder filled the buffer.
	overflow chan struct{}

	// delayedEnd fires when a pending end of speech survives the delay.
	delayedEnd chan struct{}

	// Guarded by bufMu: written by the feeder, drained by the controller.
	// The lock is never held across an inference call or a callback.
	bufMu     sync.Mutex
	capturing bool
	truncated bool
	buf       []int16

	// Controller-goroutine state, unguarded.
	pendingWake string
	endTimer    *time.Timer

	// span covers the live capture from arming to delivery; its duration
	// is the wake-to-utterance latency.
	span trace.Span
}

func newCaptureController(p *Pipeline) *captureController {
	return &captureController{
		p:          p,
		capSamples: p.cfg.CaptureCapS * audio.SampleRate,
		overflow:   make(chan struct{}, 1),
		delayedEnd: make(chan struct{}, 1),
	}
}

// appendPCM is called by the feeder for every Feed. While a capture is
// armed, samples are appended up to the cap; filling the cap forces the
// capture to close with what it has.
func (c *captureController) appendPCM(samples []int16) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	if !c.capturing || c.truncated {
		return
	}
	room := c.capSamples - len(c.buf)
	if room <= 0 {
		return
	}
	if len(samples) > room {
		samples = samples[:room]
	}
	c.buf = append(c.buf, samples...)
	if len(c.buf) >= c.capSamples {
		c.truncated = true
		select {
		case c.overflow <- struct{}{}:
		default:
		}
	}
}

// run is the controller's event loop.
func (c *captureController) run(ctx context.Context) {
	defer c.stopEndTimer()
	defer c.abandonSpan()

	for {
		select {
		case <-ctx.Done():
			return

		case w := <-c.p.wakeCh:
			c.onWakeWord(ctx, w)

		case t := <-c.p.vadEvCh:
			if t.started {
				c.onSpeechStart()
			} else {
				c.onSpeechEnd()
			}

		case <-c.overflow:
			c.p.log.Warn("capture buffer full, forcing capture",
				"cap_samples", c.capSamples)
			c.finish(ctx)

		case <-c.delayedEnd:
			c.finish(ctx)
		}
	}
}

// onWakeWord announces the detection and (re-)arms the capture. A wake word
// arriving mid-capture replaces the pending name and restarts the buffer.
func (c *captureController) onWakeWord(ctx context.Context, w WakeEvent) {
	c.p.metrics.RecordWakeDetection(ctx, w.Model)
	if c.p.sinks.OnWakeWord != nil {
		c.p.sinks.OnWakeWord(w.Model)
	}

	if c.p.vadModel == nil {
		// No VAD branch: detection-only mode, nothing to capture.
		return
	}

	c.pendingWake = w.Model
	c.stopEndTimer()
	// A delayed end or overflow signalled for the previous capture must not
	// close the one being armed now.
	drain(c.delayedEnd)
	drain(c.overflow)

	c.abandonSpan()
	_, c.span = observe.StartCaptureSpan(ctx, w.Model)

	c.bufMu.Lock()
	c.capturing = true
	c.truncated = false
	c.buf = c.buf[:0]
	c.bufMu.Unlock()

	// Arm the VAD branch with fresh state.
	c.p.vadResetReq.Store(true)
	c.p.vadEnabled.Store(true)
}

// onSpeechStart cancels any pending delayed end; speech resumed inside the
// trailing pad, so the capture keeps running.
func (c *captureController) onSpeechStart() {
	c.stopEndTimer()
	drain(c.delayedEnd)
	if c.p.sinks.OnSpeechStart != nil {
		c.p.sinks.OnSpeechStart()
	}
}

// onSpeechEnd schedules the delayed end of capture.
func (c *captureController) onSpeechEnd() {
	if c.p.sinks.OnSpeechEnd != nil {
		c.p.sinks.OnSpeechEnd()
	}

	c.stopEndTimer()
	delayed := c.delayedEnd
	c.endTimer = time.AfterFunc(c.p.cfg.EndDelay, func() {
		select {
		case delayed <- struct{}{}:
		default:
		}
	})
}

// finish closes the current capture. With a wake word pending the utterance
// is delivered; otherwise the buffer is discarded. Either way capture
// disarms and, unless always-on, the VAD branch idles again.
func (c *captureController) finish(ctx context.Context) {
	c.stopEndTimer()

	c.bufMu.Lock()
	if !c.capturing {
		c.bufMu.Unlock()
		return
	}
	pcm := make([]int16, len(c.buf))
	copy(pcm, c.buf)
	truncated := c.truncated
	c.capturing = false
	c.truncated = false
	c.buf = c.buf[:0]
	c.bufMu.Unlock()

	c.p.vadEnabled.Store(c.p.vadAlwaysOn.Load())

	model := c.pendingWake
	c.pendingWake = ""

	if c.span != nil {
		observe.EndCaptureSpan(c.span, len(pcm), truncated, model != "")
		c.span = nil
	}
	if model == "" {
		return
	}

	ev := CaptureEvent{
		ID:         uuid.NewString(),
		Model:      model,
		PCM:        pcm,
		SampleRate: audio.SampleRate,
		Truncated:  truncated,
	}
	c.p.metrics.RecordCapture(ctx, model, len(pcm), truncated)
	c.p.log.Info("utterance captured",
		"id", ev.ID,
		"model", model,
		"samples", len(pcm),
		"truncated", truncated,
	)
	if c.p.sinks.OnCaptured != nil {
		c.p.sinks.OnCaptured(ev)
	}
}

// abandonSpan closes a live capture span without a delivery, for shutdown
// and wake-word re-arms.
func (c *captureController) abandonSpan() {
	if c.span != nil {
		observe.EndCaptureSpan(c.span, 0, false, false)
		c.span = nil
	}
}

// stopEndTimer cancels the delayed-end timer if one is armed.
func (c *captureController) stopEndTimer() {
	if c.endTimer != nil {
		c.endTimer.Stop()
		c.endTimer = nil
	}
}

// drain removes a buffered signal that may have fired just before its timer
// was cancelled.
func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
