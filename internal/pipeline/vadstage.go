package pipeline

import (
	"context"
	"time"

	"github.com/wakeward/wakeward/pkg/audio"
	"github.com/wakeward/wakeward/pkg/provider/vad"
)

// runVAD chops the incoming PCM into strict fixed-size chunks for the VAD
// session and forwards speech transitions to the capture controller. The
// feeder gates this branch: samples only arrive while the branch is armed
// (post wake word) or always-on. A reset request from the capture
// controller clears the session and any partial chunk before new audio is
// processed, so stale recurrent state never leaks into a fresh capture.
func (p *Pipeline) runVAD(ctx context.Context) {
	window := p.cfg.VAD.WindowSamples
	if window == 0 {
		window = vad.DefaultConfig().WindowSamples
	}
	buf := make([]float32, 0, window*8)

	for {
		var pcm []int16
		select {
		case <-ctx.Done():
			return
		case pcm = <-p.vadCh:
		}

		if p.vadResetReq.CompareAndSwap(true, false) {
			p.vadSess.Reset()
			buf = buf[:0]
		}

		buf = append(buf, audio.Normalize(pcm)...)

		for len(buf) >= window {
			start := time.Now()
			ev, err := p.vadSess.ProcessChunk(buf[:window])
			if err != nil {
				p.log.Warn("vad inference failed, dropping chunk", "err", err)
				p.metrics.RecordInferenceError(ctx, "vad")
				p.metrics.RecordDroppedBatch(ctx, "vad")
				buf = consume(buf, window)
				continue
			}
			p.metrics.RecordInference(ctx, "vad", "silero", time.Since(start).Seconds())
			buf = consume(buf, window)

			switch ev.Type {
			case vad.EventSpeechStart:
				p.log.Debug("vad speech start", "probability", ev.Probability)
				p.metrics.RecordVADTransition(ctx, true)
				select {
				case p.vadEvCh <- vadTransition{started: true}:
				case <-ctx.Done():
					return
				}
			case vad.EventSpeechEnd:
				p.log.Debug("vad speech end", "probability", ev.Probability)
				p.metrics.RecordVADTransition(ctx, false)
				select {
				case p.vadEvCh <- vadTransition{started: false}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
