// Package observe provides application-wide observability primitives for
// Wakeward: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware for the diagnostics server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Wakeward metrics.
const meterName = "github.com/wakeward/wakeward"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// InferenceDuration tracks per-stage forward-pass latency. Use with
	// attributes: attribute.String("stage", ...), attribute.String("model", ...)
	InferenceDuration metric.Float64Histogram

	// WakeDetections counts wake-word firings by model name.
	WakeDetections metric.Int64Counter

	// Captures counts completed utterance captures. Use with attributes:
	//   attribute.String("model", ...), attribute.Bool("truncated", ...)
	Captures metric.Int64Counter

	// VADTransitions counts raw VAD start/end transitions. Use with
	// attribute: attribute.String("transition", "start"|"end")
	VADTransitions metric.Int64Counter

	// InferenceErrors counts recovered forward-pass failures by stage.
	InferenceErrors metric.Int64Counter

	// DroppedBatches counts input batches discarded by a stage after an
	// inference failure, by stage.
	DroppedBatches metric.Int64Counter

	// CapturedSamples tracks the sample length of completed captures.
	CapturedSamples metric.Int64Histogram

	// ActivePipelines tracks the number of running pipeline instances.
	ActivePipelines metric.Int64UpDownCounter

	// HTTPRequestDuration tracks diagnostics-server request processing
	// time. Use with attributes: attribute.String("method", ...),
	// attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for single-model inference latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// sampleBuckets defines bucket boundaries for capture lengths in samples
// (0.5 s to the 30 s cap at 16 kHz, widening with length).
var sampleBuckets = []float64{
	8000, 16000, 32000, 48000, 80000, 160000, 240000, 320000, 480000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("wakeward.inference.duration",
		metric.WithDescription("Forward-pass latency by pipeline stage and model."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.WakeDetections, err = m.Int64Counter("wakeward.wake.detections",
		metric.WithDescription("Total wake-word detections by model name."),
	); err != nil {
		return nil, err
	}
	if met.Captures, err = m.Int64Counter("wakeward.captures",
		metric.WithDescription("Total completed utterance captures by model and truncation."),
	); err != nil {
		return nil, err
	}
	if met.VADTransitions, err = m.Int64Counter("wakeward.vad.transitions",
		metric.WithDescription("Raw VAD speech transitions by direction."),
	); err != nil {
		return nil, err
	}
	if met.InferenceErrors, err = m.Int64Counter("wakeward.inference.errors",
		metric.WithDescription("Recovered inference failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.DroppedBatches, err = m.Int64Counter("wakeward.dropped.batches",
		metric.WithDescription("Input batches discarded after an inference failure, by stage."),
	); err != nil {
		return nil, err
	}

	if met.CapturedSamples, err = m.Int64Histogram("wakeward.capture.samples",
		metric.WithDescription("Sample length of completed captures."),
		metric.WithExplicitBucketBoundaries(sampleBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActivePipelines, err = m.Int64UpDownCounter("wakeward.active_pipelines",
		metric.WithDescription("Number of running pipeline instances."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("wakeward.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordInference records one forward pass for a stage.
func (m *Metrics) RecordInference(ctx context.Context, stage, model string, seconds float64) {
	m.InferenceDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("model", model),
		),
	)
}

// RecordInferenceError records one recovered inference failure for a stage.
func (m *Metrics) RecordInferenceError(ctx context.Context, stage string) {
	m.InferenceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordWakeDetection records one wake-word firing.
func (m *Metrics) RecordWakeDetection(ctx context.Context, model string) {
	m.WakeDetections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}

// RecordDroppedBatch records one input batch discarded by a stage.
func (m *Metrics) RecordDroppedBatch(ctx context.Context, stage string) {
	m.DroppedBatches.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordCapture records one completed capture with its sample length.
func (m *Metrics) RecordCapture(ctx context.Context, model string, samples int, truncated bool) {
	m.Captures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.Bool("truncated", truncated),
		),
	)
	m.CapturedSamples.Record(ctx, int64(samples))
}

// RecordVADTransition records a raw VAD start or end transition.
func (m *Metrics) RecordVADTransition(ctx context.Context, started bool) {
	transition := "end"
	if started {
		transition = "start"
	}
	m.VADTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transition", transition)),
	)
}
