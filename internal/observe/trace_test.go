package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer installs an in-memory exporter as the global tracer
// provider for the duration of the test.
func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func findAttr(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestCaptureSpan_DeliveredOutcome(t *testing.T) {
	exporter := withTestTracer(t)

	_, span := StartCaptureSpan(context.Background(), "alexa_v0.1")
	EndCaptureSpan(span, 24000, false, true)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "pipeline.capture" {
		t.Errorf("span name = %q, want pipeline.capture", got.Name)
	}

	if v, ok := findAttr(got.Attributes, "wake_word"); !ok || v.AsString() != "alexa_v0.1" {
		t.Errorf("wake_word attribute = %v (present=%v)", v.Emit(), ok)
	}
	if v, ok := findAttr(got.Attributes, "samples"); !ok || v.AsInt64() != 24000 {
		t.Errorf("samples attribute = %v (present=%v)", v.Emit(), ok)
	}
	if v, ok := findAttr(got.Attributes, "delivered"); !ok || !v.AsBool() {
		t.Errorf("delivered attribute = %v (present=%v)", v.Emit(), ok)
	}
}

func TestCaptureSpan_AbandonedOutcome(t *testing.T) {
	exporter := withTestTracer(t)

	_, span := StartCaptureSpan(context.Background(), "alexa_v0.1")
	EndCaptureSpan(span, 0, false, false)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	if v, ok := findAttr(spans[0].Attributes, "delivered"); !ok || v.AsBool() {
		t.Errorf("delivered attribute = %v (present=%v), want false", v.Emit(), ok)
	}
}
