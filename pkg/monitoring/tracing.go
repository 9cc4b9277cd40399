package monitoring

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

// TracingExporter selects the span exporter backend.
type TracingExporter string

const (
	TracingExporterStdout TracingExporter = "stdout"
	TracingExporterOTLP   TracingExporter = "otlp"
)

// TracingConfig configures the tracer provider.
type TracingConfig struct {
	Enabled        bool            `json:"enabled" mapstructure:"enabled"`
	ServiceName    string          `json:"service_name" mapstructure:"service_name"`
	ServiceVersion string          `json:"service_version" mapstructure:"service_version"`
	Environment    string          `json:"environment" mapstructure:"environment"`
	Exporter       TracingExporter `json:"exporter" mapstructure:"exporter"`
	OTLPEndpoint   string          `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SamplingRatio  float64         `json:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// DefaultTracingConfig returns tracing defaults: disabled, stdout exporter,
// full sampling.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        false,
		ServiceName:    "taskgrid",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       TracingExporterStdout,
		OTLPEndpoint:   "localhost:4318",
		SamplingRatio:  1.0,
	}
}

// TracingManager owns the OpenTelemetry tracer provider.
type TracingManager struct {
	cfg      TracingConfig
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracingManager builds a tracer provider per cfg. When tracing is
// disabled the manager is inert and Tracer returns a no-op tracer.
func NewTracingManager(cfg TracingConfig) (*TracingManager, error) {
	tm := &TracingManager{cfg: cfg}
	if !cfg.Enabled {
		log.Info().Msg("Tracing disabled")
		tm.tracer = otel.Tracer(cfg.ServiceName)
		return tm, nil
	}

	exporter, err := tm.newExporter()
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tm.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
	)
	otel.SetTracerProvider(tm.provider)
	tm.tracer = tm.provider.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("exporter", string(cfg.Exporter)).
		Float64("sampling_ratio", cfg.SamplingRatio).
		Msg("Tracing initialized")

	return tm, nil
}

func (tm *TracingManager) newExporter() (sdktrace.SpanExporter, error) {
	switch tm.cfg.Exporter {
	case TracingExporterOTLP:
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(tm.cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		return otlptrace.New(context.Background(), client)
	case TracingExporterStdout, "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", tm.cfg.Exporter)
	}
}

// Tracer returns the manager's tracer.
func (tm *TracingManager) Tracer() trace.Tracer { return tm.tracer }

// Shutdown flushes pending spans until the context deadline.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}

// SpanObserver implements scheduler.Observer, emitting one span per
// settled task attempt. Spans are recorded after the fact with explicit
// timestamps: the attempt's execution window is known once it settles.
type SpanObserver struct {
	tracer trace.Tracer
}

// NewSpanObserver creates an observer emitting spans through tm's tracer.
func NewSpanObserver(tm *TracingManager) *SpanObserver {
	return &SpanObserver{tracer: tm.Tracer()}
}

// TaskTransition implements scheduler.Observer.
func (o *SpanObserver) TaskTransition(ev scheduler.TransitionEvent) {
	// An attempt settles on any transition out of Executing.
	if ev.From != scheduler.StatusExecuting {
		return
	}

	start := ev.Timestamp.Add(-ev.ExecTime)
	_, span := o.tracer.Start(context.Background(), "task.attempt",
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("task.id", int64(ev.TaskID)),
			attribute.String("task.description", ev.Description),
			attribute.String("task.type", ev.Type),
			attribute.String("task.priority", ev.Priority.String()),
			attribute.Int("task.attempt", int(ev.Attempt)),
			attribute.Int("task.worker_id", int(ev.WorkerID)),
			attribute.String("task.outcome", ev.To.String()),
		),
	)
	switch ev.To {
	case scheduler.StatusFailed:
		span.SetStatus(codes.Error, ev.Error)
	case scheduler.StatusQueued:
		span.SetStatus(codes.Error, "re-armed for retry")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(ev.Timestamp))
}
