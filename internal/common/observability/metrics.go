package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Observability bundles the OpenTelemetry meter and tracer used by the gateway
// and the batch runner. A zero value is safe to use and records nothing.
type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          otelmetric.Meter
	tracer         trace.Tracer
	proxyDuration  otelmetric.Float64Histogram
	batchRuns      otelmetric.Int64Counter
	batchDuration  otelmetric.Float64Histogram
}

// New registers a Prometheus-backed meter provider and an SDK tracer
// provider tagged with serviceName. Extra span processors (exporters) are
// attached to the tracer provider. Failures degrade to a no-op instance.
func New(serviceName string, processors ...sdktrace.SpanProcessor) (*Observability, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return &Observability{tracer: otel.Tracer(serviceName)}, err
	}

	mp := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(serviceName, processors...)
	otel.SetTracerProvider(tp)

	return newWithProviders(serviceName, mp, tp), nil
}

func newTracerProvider(serviceName string, processors ...sdktrace.SpanProcessor) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}
	return sdktrace.NewTracerProvider(opts...)
}

func newWithProviders(serviceName string, mp *metric.MeterProvider, tp *sdktrace.TracerProvider) *Observability {
	meter := mp.Meter(serviceName)

	proxyDuration, _ := meter.Float64Histogram(
		"gateway.proxy.duration",
		otelmetric.WithDescription("Duration of forwarded requests"),
		otelmetric.WithUnit("ms"),
	)
	batchRuns, _ := meter.Int64Counter(
		"batch.runs",
		otelmetric.WithDescription("Number of completed batch runs"),
	)
	batchDuration, _ := meter.Float64Histogram(
		"batch.duration",
		otelmetric.WithDescription("Wall-clock duration of batch runs"),
		otelmetric.WithUnit("ms"),
	)

	return &Observability{
		meterProvider:  mp,
		tracerProvider: tp,
		meter:          meter,
		tracer:         tp.Tracer(serviceName),
		proxyDuration:  proxyDuration,
		batchRuns:      batchRuns,
		batchDuration:  batchDuration,
	}
}

// StartSpan starts a client span named name.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := o.tracer
	if tracer == nil {
		tracer = otel.Tracer("api-manager")
	}
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func (o *Observability) RecordProxy(ctx context.Context, route string, status int, duration time.Duration) {
	if o.proxyDuration != nil {
		o.proxyDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", status),
		))
	}
}

func (o *Observability) RecordBatch(ctx context.Context, operation string, failures int, duration time.Duration) {
	status := "success"
	if failures > 0 {
		status = "partial"
	}
	if o.batchRuns != nil {
		o.batchRuns.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		))
	}
	if o.batchDuration != nil {
		o.batchDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("operation", operation),
		))
	}
}

func (o *Observability) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.tracerProvider != nil {
		_ = o.tracerProvider.Shutdown(ctx)
	}
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
}
