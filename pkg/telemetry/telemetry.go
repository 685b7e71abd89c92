// Package telemetry installs the process tracer provider and holds the span
// vocabulary shared by the runner and the step tracer.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sweetpotato0/conditions-agent/pkg/logging"
)

// ScopeName prefixes the instrumentation scope of every tracer.
const ScopeName = "github.com/sweetpotato0/conditions-agent"

const exportTimeout = 5 * time.Second

// Span attribute keys for runs and steps.
const (
	KeyWorkflow    = attribute.Key("workflow.name")
	KeyExecutionID = attribute.Key("workflow.execution_id")
	KeyLoanID      = attribute.Key("workflow.loan_id")
	KeyStep        = attribute.Key("workflow.step")
	KeyStage       = attribute.Key("workflow.stage")
	KeyStatus      = attribute.Key("workflow.status")
	KeyHalted      = attribute.Key("workflow.halted")
	KeyTokens      = attribute.Key("workflow.total_tokens")
	KeyCostUSD     = attribute.Key("workflow.cost_usd")
)

// Config selects the exporter and the sampling of run traces.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector. Empty falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT, then to span lines on stderr.
	Endpoint string

	// SampleRatio is the fraction of new root traces kept. Values outside
	// (0, 1) keep every trace. Child spans follow their parent.
	SampleRatio float64

	Disable bool
	Logger  *slog.Logger
}

// Init installs the global tracer provider and W3C propagators. The
// returned function flushes pending spans; it is a no-op when disabled.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Disable {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "conditions-agent"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("telemetry")
	}

	exporter, err := newExporter(ctx, cfg.Endpoint, logger)
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("tracing enabled", "service", cfg.ServiceName, "sample_ratio", cfg.SampleRatio)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, exportTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: flush spans: %w", err)
		}
		return nil
	}, nil
}

// Sampler keeps ratio of root traces and follows the parent decision
// otherwise.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	return res, nil
}

// newExporter writes to stderr when no collector is known; stdout belongs to
// command output and the MCP transport.
func newExporter(ctx context.Context, endpoint string, logger *slog.Logger) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		logger.Warn("no OTLP collector configured, writing spans to stderr")
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	}

	dialCtx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()
	exporter, err := otlptracegrpc.New(dialCtx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect to collector %s: %w", endpoint, err)
	}
	logger.Info("exporting spans over OTLP", "endpoint", endpoint)
	return exporter, nil
}

// Tracer returns the global tracer for one component, e.g. "runner".
func Tracer(component string) trace.Tracer {
	return otel.Tracer(ScopeName + "/" + component)
}

// RunAttributes tags the root span of a workflow run.
func RunAttributes(workflow, executionID, loanID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{KeyWorkflow.String(workflow), KeyExecutionID.String(executionID)}
	if loanID != "" {
		attrs = append(attrs, KeyLoanID.String(loanID))
	}
	return attrs
}

// TraceID is the hex trace id carried by ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// End closes span with an error status when err is set and Ok otherwise.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
