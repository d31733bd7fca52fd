package pipeline

import (
	"context"
	"time"

	"github.com/wakeward/wakeward/pkg/onnx"
)

// runEmbedding maintains a rolling buffer of mel values and slides a
// 76-frame window over it, emitting one 96-dim speech embedding per 8-frame
// hop (80 ms of audio). Every embedding is broadcast to all wake-word
// stages within the same producing step, so no consumer ever sees a subset
// of the emissions.
func (p *Pipeline) runEmbedding(ctx context.Context) {
	const (
		windowLen = embWindowFrames * numMels
		stepLen   = embStepFrames * numMels
	)
	buf := make([]float32, 0, windowLen*4)

	for {
		select {
		case <-ctx.Done():
			return
		case mels := <-p.melCh:
			buf = append(buf, mels...)
		}

		for len(buf)/numMels >= embWindowFrames {
			start := time.Now()
			outputs, err := p.embModel.Run([]onnx.Tensor{
				onnx.Float32Tensor([]int64{1, embWindowFrames, numMels, 1}, buf[:windowLen]),
			})
			if err != nil {
				// Skip one hop so a persistent failure cannot wedge the stage.
				p.log.Warn("embedding inference failed, dropping window", "err", err)
				p.metrics.RecordInferenceError(ctx, "embedding")
				p.metrics.RecordDroppedBatch(ctx, "embedding")
				buf = consume(buf, stepLen)
				continue
			}
			p.metrics.RecordInference(ctx, "embedding", "embedding", time.Since(start).Seconds())

			embedding := outputs[0].Floats
			for _, ch := range p.wwChs {
				select {
				case ch <- embedding:
				case <-ctx.Done():
					return
				}
			}

			buf = consume(buf, stepLen)
		}
	}
}
