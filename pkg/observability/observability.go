// Package observability provides OpenTelemetry tracing and metrics for the
// payment daemon, plus the slog setup shared by every component.
//
// Metrics follow the settlement lifecycle: a rounds counter, a failure
// counter partitioned by fault class, a settlement duration histogram, and
// an active-stream gauge.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
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

	"github.com/Mindburn-Labs/paystream/pkg/fault"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // how long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // plaintext OTLP (dev only)
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "paystream",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	roundsCounter  metric.Int64Counter
	failureCounter metric.Int64Counter
	settleDuration metric.Float64Histogram
	activeStreams  metric.Int64UpDownCounter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("paystream.component", "daemon"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("paystream",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("paystream",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initPaymentMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init payment metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

func (p *Provider) initPaymentMetrics() error {
	var err error

	p.roundsCounter, err = p.meter.Int64Counter("paystream.rounds.total",
		metric.WithDescription("Settlement rounds processed"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return err
	}

	p.failureCounter, err = p.meter.Int64Counter("paystream.failures.total",
		metric.WithDescription("Failed operations by fault class"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}

	p.settleDuration, err = p.meter.Float64Histogram("paystream.settlement.duration",
		metric.WithDescription("Settlement round duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.activeStreams, err = p.meter.Int64UpDownCounter("paystream.streams.active",
		metric.WithDescription("Streams currently under management"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("paystream")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("paystream")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRound counts one settled round.
func (p *Provider) RecordRound(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.roundsCounter != nil {
		p.roundsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordFailure counts a failed operation, partitioned by fault class.
func (p *Provider) RecordFailure(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.failureCounter != nil {
		class := string(fault.ClassOf(err))
		if class == "" {
			class = "UNCLASSIFIED"
		}
		allAttrs := append(attrs, AttrFaultClass.String(class))
		p.failureCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordSettlementDuration records how long one round took.
func (p *Provider) RecordSettlementDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.settleDuration != nil {
		p.settleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// StreamAdded moves the active-stream gauge up.
func (p *Provider) StreamAdded(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.activeStreams != nil {
		p.activeStreams.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// StreamRemoved moves the active-stream gauge down.
func (p *Provider) StreamRemoved(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.activeStreams != nil {
		p.activeStreams.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}

// TrackSettlement traces a settlement round from start to finish. The
// returned function records duration and failure when the round completes.
func (p *Provider) TrackSettlement(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(err error) {
		duration := time.Since(start)
		p.RecordSettlementDuration(ctx, duration, attrs...)

		if err != nil {
			span.RecordError(err)
			p.RecordFailure(ctx, err, attrs...)
		} else {
			p.RecordRound(ctx, attrs...)
		}

		span.End()
	}
}

// NewLogger builds the process logger. Components derive their own with
// logger.With("component", name).
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
