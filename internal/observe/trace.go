package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Wakeward tracer.
const tracerName = "github.com/wakeward/wakeward"

// The only traced unit in Wakeward is an utterance capture: the span opens
// when a wake-word detection arms the buffer and closes when the capture
// is delivered or abandoned, so its duration is the wake-to-utterance
// latency the product actually cares about. HTTP requests on the
// diagnostics port are not traced — they are local scrapes with no
// downstream.

// StartCaptureSpan opens the span covering one utterance capture.
func StartCaptureSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.capture",
		trace.WithAttributes(attribute.String("wake_word", model)),
	)
}

// EndCaptureSpan records the capture outcome and closes the span.
// delivered is false when the capture was abandoned — a later wake word
// re-armed the buffer, or the pipeline stopped mid-capture.
func EndCaptureSpan(span trace.Span, samples int, truncated, delivered bool) {
	span.SetAttributes(
		attribute.Int("samples", samples),
		attribute.Bool("truncated", truncated),
		attribute.Bool("delivered", delivered),
	)
	span.End()
}
