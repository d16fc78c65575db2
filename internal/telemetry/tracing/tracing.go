// Package tracing wires OpenTelemetry spans for the kernel's hot/warm
// paths: admission decisions, step execution, overlay promotion, and
// sync-gate release. Adapted from pkg/tracing/tracing.go's
// TracingManager/TraceableContext shape, narrowed to the OTLP-HTTP
// exporter only — the kernel's deployment target has no Jaeger
// collector, and carrying that exporter path would mean wiring a
// dependency with nothing in SPEC_FULL.md to exercise it.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config configures distributed tracing for one kernel process.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Endpoint       string            `yaml:"endpoint"`
	SampleRate     float64           `yaml:"sample_rate"`
	BatchTimeout   time.Duration     `yaml:"batch_timeout"`
	MaxBatchSize   int               `yaml:"max_batch_size"`
	Headers        map[string]string `yaml:"headers"`
	Insecure       bool              `yaml:"insecure"`
}

// DefaultConfig returns sensible defaults for a local OTLP collector.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "knhkd",
		ServiceVersion: "v0.1.0",
		Environment:    "production",
		Endpoint:       "localhost:4318",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MaxBatchSize:   512,
		Headers:        make(map[string]string),
	}
}

// Manager owns the process's tracer provider and default tracer.
type Manager struct {
	config   Config
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewManager builds a Manager. When cfg.Enabled is false, it returns a
// no-op tracer so call sites never need to branch on whether tracing is
// on.
func NewManager(cfg Config, logger *logrus.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{config: cfg, logger: logger, tracer: otel.Tracer("noop")}, nil
	}

	m := &Manager{config: cfg, logger: logger}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize() error {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(m.config.Endpoint)}
	if m.config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(m.config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(m.config.Headers))
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
			semconv.DeploymentEnvironment(m.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create trace resource: %w", err)
	}

	m.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter,
			trace.WithBatchTimeout(m.config.BatchTimeout),
			trace.WithMaxExportBatchSize(m.config.MaxBatchSize),
		),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(m.config.SampleRate)),
	)

	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	m.tracer = otel.Tracer(m.config.ServiceName)

	m.logger.WithFields(logrus.Fields{
		"service_name": m.config.ServiceName,
		"endpoint":     m.config.Endpoint,
		"sample_rate":  m.config.SampleRate,
	}).Info("distributed tracing initialized")

	return nil
}

// Tracer returns the process's tracer.
func (m *Manager) Tracer() oteltrace.Tracer {
	return m.tracer
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// Span wraps a single OpenTelemetry span with the attribute/error
// helpers kernel call sites use. Span names follow
// "<system>.<component>.<op>", e.g. "knhkd.router.admit" or
// "knhkd.overlay.promote".
type Span struct {
	ctx    context.Context
	span   oteltrace.Span
	tracer oteltrace.Tracer
}

// Start begins a span named name under ctx.
func Start(ctx context.Context, tracer oteltrace.Tracer, name string) (*Span, context.Context) {
	ctx, span := tracer.Start(ctx, name)
	s := &Span{ctx: ctx, span: span, tracer: tracer}
	return s, ctx
}

// SetAttribute attaches a typed attribute to the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue
	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}
	s.span.SetAttributes(attr)
}

// SetError records err on the span and marks its status as errored.
func (s *Span) SetError(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event, e.g. "sync_gate_opened" or
// "overlay_rejected".
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// End finalizes the span. It sets no status itself: SetError marks the
// span errored, and Instrumented marks a successful run ok.
func (s *Span) End() {
	s.span.End()
}

// TraceIDs returns the span's trace and span ids as hex strings, for
// attaching to a receipt's metadata.
func (s *Span) TraceIDs() (traceID, spanID string) {
	sc := s.span.SpanContext()
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return
}

// ExtractTraceIDs pulls trace/span ids out of ctx without starting a new
// span, for log-field injection at receipt-append time.
func ExtractTraceIDs(ctx context.Context) (traceID, spanID string) {
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		spanID = span.SpanContext().SpanID().String()
	}
	return
}

// Instrumented runs f inside a span named name, recording duration and
// error status automatically.
func Instrumented(ctx context.Context, tracer oteltrace.Tracer, name string, f func(ctx context.Context, s *Span) error) error {
	s, ctx := Start(ctx, tracer, name)
	defer s.End()

	start := time.Now()
	err := f(ctx, s)
	s.SetAttribute("duration_ms", time.Since(start).Milliseconds())

	if err != nil {
		s.SetError(err)
		return err
	}
	s.span.SetStatus(codes.Ok, "completed")
	return nil
}
