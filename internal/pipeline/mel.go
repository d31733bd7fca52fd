package pipeline

import (
	"context"
	"time"

	"github.com/wakeward/wakeward/pkg/onnx"
)

// melScale rescales a raw log-mel value into the range the speech embedding
// model was trained on.
func melScale(v float32) float32 {
	return v/10 + 2
}

// runMel accumulates PCM samples and converts each full frame of 5120
// samples into a block of log-mel values. Mel values leave this stage in
// strict audio-time order; a trailing partial frame is discarded when the
// pipeline shuts down.
func (p *Pipeline) runMel(ctx context.Context) {
	buf := make([]float32, 0, frameSize*4)

	for {
		select {
		case <-ctx.Done():
			return
		case samples := <-p.sampleCh:
			buf = append(buf, samples...)
		}

		for len(buf) >= frameSize {
			start := time.Now()
			outputs, err := p.melModel.Run([]onnx.Tensor{
				onnx.Float32Tensor([]int64{1, frameSize}, buf[:frameSize]),
			})
			if err != nil {
				// Drop the offending frame and keep streaming.
				p.log.Warn("mel inference failed, dropping frame", "err", err)
				p.metrics.RecordInferenceError(ctx, "mel")
				p.metrics.RecordDroppedBatch(ctx, "mel")
				buf = consume(buf, frameSize)
				continue
			}
			p.metrics.RecordInference(ctx, "mel", "melspectrogram", time.Since(start).Seconds())

			mels := outputs[0].Floats
			scaled := make([]float32, len(mels))
			for i, v := range mels {
				scaled[i] = melScale(v)
			}

			select {
			case p.melCh <- scaled:
			case <-ctx.Done():
				return
			}
			buf = consume(buf, frameSize)
		}
	}
}

// consume drops the first n elements of buf in place, preserving capacity.
func consume[T any](buf []T, n int) []T {
	rem := copy(buf, buf[n:])
	return buf[:rem]
}
