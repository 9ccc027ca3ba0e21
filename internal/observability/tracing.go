package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/sandbox"
)

// Span attribute keys shared by every sandbox span.
const (
	AttrExecutionID    = attribute.Key("sandbox.execution_id")
	AttrClient         = attribute.Key("sandbox.client")
	AttrGateway        = attribute.Key("sandbox.gateway")
	AttrPreset         = attribute.Key("sandbox.preset")
	AttrPhase          = attribute.Key("sandbox.phase")
	AttrOutcome        = attribute.Key("sandbox.outcome")
	AttrMaxConcurrency = attribute.Key("sandbox.max_concurrency")
)

// SandboxInfo describes the deployment. It is recorded on the tracer
// resource so every span carries it.
type SandboxInfo struct {
	Version        string
	Preset         string
	MaxConcurrency int64
}

func (i SandboxInfo) attributes(serviceName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		attribute.String("sandbox.isolation", "process"),
	}
	if i.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(i.Version))
	}
	if i.Preset != "" {
		attrs = append(attrs, AttrPreset.String(i.Preset))
	}
	if i.MaxConcurrency > 0 {
		attrs = append(attrs, AttrMaxConcurrency.Int64(i.MaxConcurrency))
	}
	return attrs
}

// TracerSetup holds the TracerProvider and the sandbox tracer. It is never
// installed as the global provider.
//
// Span layout of one execution:
//
//	sandbox.execute             engine
//	  sandbox.validate          coordinator
//	  sandbox.acquire_slot      coordinator
//	  sandbox.run               InstrumentedRunner, around the child process
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup creates a TracerProvider exporting over OTLP.
func NewTracerSetup(cfg *config.TracingConfig, info SandboxInfo) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "memsandbox"
	}
	res, err := resource.New(ctx, resource.WithAttributes(info.attributes(serviceName)...))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	// Child spans follow the execute span's decision so a sampled execution
	// is always complete.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	return &TracerSetup{provider: tp, tracer: tp.Tracer("memsandbox/sandbox")}, nil
}

// NewTracerSetupWithExporter exports synchronously to exporter and samples
// every execution.
func NewTracerSetupWithExporter(exporter sdktrace.SpanExporter, info SandboxInfo) *TracerSetup {
	res := resource.NewSchemaless(info.attributes("memsandbox")...)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &TracerSetup{provider: tp, tracer: tp.Tracer("memsandbox/sandbox")}
}

// Tracer returns the sandbox tracer, or a no-op one on a nil setup.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// StartExecution opens the root span of one execution.
func (t *TracerSetup) StartExecution(ctx context.Context, id, client, gateway, preset string) (context.Context, trace.Span) {
	return t.Tracer().Start(ctx, "sandbox.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrExecutionID.String(id),
			AttrClient.String(client),
			AttrGateway.String(gateway),
			AttrPreset.String(preset),
		))
}

// EndExecution records the result kind on the execute span and closes it.
func EndExecution(span trace.Span, res sandbox.ExecutionResult) {
	span.SetAttributes(AttrOutcome.String(string(res.Kind)))
	if res.Kind != sandbox.KindSuccess {
		span.SetStatus(codes.Error, res.Summary())
	}
	span.End()
}

// StartPhase implements sandbox.PhaseTracer.
func (t *TracerSetup) StartPhase(ctx context.Context, phase sandbox.Phase) (context.Context, func(failure string)) {
	ctx, span := t.startPhase(ctx, phase)
	return ctx, func(failure string) {
		if failure != "" {
			span.SetStatus(codes.Error, failure)
		}
		span.End()
	}
}

func (t *TracerSetup) startPhase(ctx context.Context, phase sandbox.Phase, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, AttrPhase.String(string(phase)))
	if id, ok := sandbox.ExecutionIDFrom(ctx); ok {
		attrs = append(attrs, AttrExecutionID.String(id))
	}
	return t.Tracer().Start(ctx, "sandbox."+string(phase), trace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and stops the provider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
