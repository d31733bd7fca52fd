package pipeline

import (
	"context"
	"time"

	"github.com/wakeward/wakeward/pkg/onnx"
)

// scoreLogEvery throttles periodic score logging: every Nth score goes to
// the debug log, plus any score within reach of the threshold.
const scoreLogEvery = 20

// updateActivation advances the activation counter by one frame and reports
// whether a detection fires. Firing drives the counter to −refractory,
// enforcing a quiet window; otherwise the counter decays one step towards
// zero. The counter stays within [−refractory, triggerLevel].
func updateActivation(activation int, prob, threshold float32, triggerLevel, refractory int) (int, bool) {
	if prob > threshold {
		activation++
		if activation >= triggerLevel {
			return -refractory, true
		}
		return activation, false
	}
	if activation > 0 {
		return activation - 1, false
	}
	return min(0, activation+1), false
}

// runWakeWord scores a sliding 16-embedding window against one wake-word
// model, advancing one embedding per inference, and fires a WakeEvent when
// the activation counter crosses the trigger level.
func (p *Pipeline) runWakeWord(ctx context.Context, idx int) {
	const windowLen = wwWindowFrames * embFeatures

	ww := p.wwModels[idx]
	in := p.wwChs[idx]
	buf := make([]float32, 0, windowLen*2)
	activation := 0
	scoreCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		case embedding := <-in:
			buf = append(buf, embedding...)
		}

		for len(buf)/embFeatures >= wwWindowFrames {
			start := time.Now()
			outputs, err := ww.model.Run([]onnx.Tensor{
				onnx.Float32Tensor([]int64{1, wwWindowFrames, embFeatures}, buf[:windowLen]),
			})
			if err != nil {
				p.log.Warn("wake word inference failed, dropping window",
					"model", ww.name, "err", err)
				p.metrics.RecordInferenceError(ctx, "wakeword")
				p.metrics.RecordDroppedBatch(ctx, "wakeword")
				buf = consume(buf, embFeatures)
				continue
			}
			p.metrics.RecordInference(ctx, "wakeword", ww.name, time.Since(start).Seconds())

			for _, prob := range outputs[0].Floats {
				scoreCount++
				if scoreCount%scoreLogEvery == 0 || prob > p.cfg.WakeThreshold*0.7 {
					p.log.Debug("detection score",
						"model", ww.name,
						"score", prob,
						"threshold", p.cfg.WakeThreshold,
						"activation", activation,
						"trigger_level", p.cfg.TriggerLevel,
					)
				}

				var fired bool
				activation, fired = updateActivation(activation, prob,
					p.cfg.WakeThreshold, p.cfg.TriggerLevel, p.cfg.Refractory)

				if p.sinks.OnScore != nil {
					p.sinks.OnScore(ScoreUpdate{
						Model:        ww.name,
						Score:        prob,
						Threshold:    p.cfg.WakeThreshold,
						Activation:   activation,
						TriggerLevel: p.cfg.TriggerLevel,
					})
				}

				if fired {
					p.log.Info("wake word detected", "model", ww.name, "score", prob)
					select {
					case p.wakeCh <- WakeEvent{Model: ww.name, Score: prob}:
					case <-ctx.Done():
						return
					}
				}
			}

			// Hop: drop exactly one embedding.
			buf = consume(buf, embFeatures)
		}
	}
}
