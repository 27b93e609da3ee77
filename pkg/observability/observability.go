// Package observability exports autopilot traces and metrics over OTLP.
// Cycles and phases get spans. Cycles, guardrail verdicts, dispatch latency
// and consumed credits get instruments.
//
// A nil *Provider is valid and records nothing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "buildera.autopilot"

// exportInterval is how often metrics are pushed to the collector.
const exportInterval = 15 * time.Second

// Config selects the collector and the resource the engine reports as.
// A nil or disabled Config exports nothing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	// SampleRate is the fraction of root cycles traced.
	SampleRate float64
	Enabled    bool
	Insecure   bool
}

// Provider owns the SDK providers and the engine's instruments.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter
	logger *slog.Logger

	shutdown []func(context.Context) error

	cycles   metric.Int64Counter
	verdicts metric.Int64Counter
	credits  metric.Int64Counter
	dispatch metric.Float64Histogram
}

// New installs OTLP exporters when cfg is enabled. Otherwise the provider
// records into the global no-op implementations.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "observability")}
	if cfg == nil || !cfg.Enabled {
		p.tracer = otel.Tracer(scope)
		p.meter = otel.Meter(scope)
		return p, p.instruments()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}
	p.tracer = tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.instruments(); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "telemetry exporting",
		"endpoint", cfg.OTLPEndpoint, "service", cfg.ServiceName, "sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) instruments() error {
	var err, e error
	p.cycles, e = p.meter.Int64Counter("autopilot.cycles",
		metric.WithDescription("Cycles run, by department and final status"), metric.WithUnit("{cycle}"))
	err = errors.Join(err, e)
	p.verdicts, e = p.meter.Int64Counter("autopilot.guardrail.verdicts",
		metric.WithDescription("Guardrail verdicts, by verdict and rule"), metric.WithUnit("{verdict}"))
	err = errors.Join(err, e)
	p.credits, e = p.meter.Int64Counter("autopilot.credits.consumed",
		metric.WithDescription("Credits consumed by dispatched decisions"), metric.WithUnit("{credit}"))
	err = errors.Join(err, e)
	p.dispatch, e = p.meter.Float64Histogram("autopilot.dispatch.duration_ms",
		metric.WithDescription("Agent dispatch latency"), metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000))
	err = errors.Join(err, e)
	if err != nil {
		return fmt.Errorf("observability: instruments: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, stop := range p.shutdown {
		errs = append(errs, stop(ctx))
	}
	return errors.Join(errs...)
}

// TrackOperation starts a span and returns a function that ends it,
// recording err on the span when non-nil.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	tracer := otel.Tracer(scope)
	if p != nil && p.tracer != nil {
		tracer = p.tracer
	}
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordCycle counts a finished cycle.
func (p *Provider) RecordCycle(ctx context.Context, department, status string) {
	if p == nil || p.cycles == nil {
		return
	}
	p.cycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("department", department),
		attribute.String("status", status),
	))
}

// RecordVerdict counts a guardrail verdict.
func (p *Provider) RecordVerdict(ctx context.Context, department, verdict, rule string) {
	if p == nil || p.verdicts == nil {
		return
	}
	p.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("department", department),
		attribute.String("verdict", verdict),
		attribute.String("rule", rule),
	))
}

// RecordDispatch records an agent dispatch and the credits it consumed.
func (p *Provider) RecordDispatch(ctx context.Context, agentID, status string, duration time.Duration, credits int64) {
	if p == nil || p.dispatch == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("status", status),
	)
	p.dispatch.Record(ctx, float64(duration.Milliseconds()), attrs)
	if credits > 0 {
		p.credits.Add(ctx, credits, attrs)
	}
}
