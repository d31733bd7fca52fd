package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the telemetry backends.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default:
	// "wakeward".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter optionally exports capture-lifecycle spans (see
	// [StartCaptureSpan]). When nil, no tracer provider is installed and
	// span calls stay no-ops — the right default for a single-process audio
	// daemon with nothing to propagate to.
	TraceExporter sdktrace.SpanExporter
}

// Provider owns the telemetry backends for one Wakeward process: an OTel
// meter provider bridged into a Prometheus registry dedicated to this
// process, plus an optional tracer provider when a span exporter is
// configured.
//
// The registry is private rather than the package-global default so that
// /metrics serves exactly the wakeward series and the standard process/Go
// collectors — never whatever else a linked-in library registered
// globally.
type Provider struct {
	registry *prometheus.Registry
	mp       *sdkmetric.MeterProvider
	tp       *sdktrace.TracerProvider
}

// InitProvider initialises the OTel SDK and registers its providers as the
// process globals. Call [Provider.Shutdown] in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wakeward"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promExp, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	p := &Provider{
		registry: registry,
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		),
	}
	otel.SetMeterProvider(p.mp)

	if cfg.TraceExporter != nil {
		p.tp = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
		)
		otel.SetTracerProvider(p.tp)
	}

	return p, nil
}

// MetricsHandler returns the /metrics endpoint serving this process's
// registry.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and closes the telemetry backends.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
