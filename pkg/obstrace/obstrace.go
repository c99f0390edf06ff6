// Package obstrace provides OpenTelemetry-based tracing and metrics for
// the kernel: distributed tracing with OTLP export, RED (Rate, Errors,
// Duration) metrics, and a TrackOperation helper wrapping start-to-finish
// spans.
package obstrace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
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

// Config configures the OpenTelemetry providers. OMNILITH_OTEL_ENDPOINT
// and OMNILITH_OTEL_ENABLED are the env vars a kernel binary reads to
// populate this before calling New; the kernel library itself takes a
// Config value directly so tests can construct one inline.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
	BatchTimeout time.Duration
	Enabled      bool
	Insecure     bool
}

// DefaultConfig returns a disabled configuration; a kernel embedded in
// another process should opt in explicitly rather than dialing an OTLP
// collector it never asked for.
func DefaultConfig() Config {
	return Config{
		ServiceName:  "omnilith-kernel",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      false,
		Insecure:     true,
	}
}

// Provider manages the trace and metric providers and the RED metric
// instruments kernel components record against.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	observationCounter metric.Int64Counter
	errorCounter       metric.Int64Counter
	durationHist       metric.Float64Histogram
	activeOperations   metric.Int64UpDownCounter
}

// New creates a Provider. If cfg.Enabled is false, the returned Provider
// is a usable no-op: it holds no metric instruments, so TrackOperation
// records no metrics, and its spans come from the global otel tracer,
// which records nothing unless a tracer provider has been installed.
// Call sites never need an Enabled check of their own.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{config: cfg, logger: logger.With("component", "obstrace")}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "tracing disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("omnilith.component", "kernel"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obstrace: resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("obstrace: trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, cfg, res); err != nil {
		return nil, fmt.Errorf("obstrace: metric provider: %w", err)
	}

	p.tracer = otel.Tracer("omnilith.kernel")
	p.meter = otel.Meter("omnilith.kernel")

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("obstrace: RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "tracing initialized", "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.observationCounter, err = p.meter.Int64Counter("omnilith.observations.total",
		metric.WithDescription("total observations processed by the runtime loop"),
		metric.WithUnit("{observation}"))
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("omnilith.errors.total",
		metric.WithDescription("total errors across kernel components"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("omnilith.operation.duration",
		metric.WithDescription("operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0))
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("omnilith.operations.active",
		metric.WithDescription("number of currently active kernel operations"),
		metric.WithUnit("{operation}"))
	return err
}

// Shutdown flushes and tears down the providers. Safe to call on a
// disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("omnilith.kernel")
	}
	return p.tracer
}

var (
	defaultOnce     sync.Once
	defaultProvider *Provider
)

// Default returns a process-wide Provider, built lazily from
// DefaultConfig() (disabled, no OTLP export) the first time it's
// asked for. The kernel's entry points (ingest, policyctx.Build,
// evaluator, effects, actionrun, prism, loop) call
// Default().TrackOperation rather than taking a Provider
// constructor argument, the same way the Effect and Action registries
// are process-wide singletons (spec §5) rather than threaded through
// every call site. A binary that wants real export calls SetDefault
// with a Provider built from New and a configured, enabled Config.
func Default() *Provider {
	defaultOnce.Do(func() {
		p, _ := New(context.Background(), DefaultConfig(), nil)
		defaultProvider = p
	})
	return defaultProvider
}

// SetDefault installs p as the Provider Default returns, letting a
// binary opt every kernel component into real OTLP export in one call.
func SetDefault(p *Provider) {
	defaultProvider = p
}

// TrackOperation starts a span for name and returns a completion func
// recording duration, active-operation gauges, and any error the
// operation returned. The entry points listed on Default wrap
// themselves in TrackOperation, via Default(). A nil Provider
// behaves as a complete no-op so call sites never need to check
// whether tracing was configured.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.observationCounter != nil {
		p.observationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		duration := time.Since(start)
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				allAttrs := append(append([]attribute.KeyValue{}, attrs...), attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
			}
		}
		span.End()
	}
}
