package tracing

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sweetpotato0/conditions-agent/middleware"
	"github.com/sweetpotato0/conditions-agent/pkg/telemetry"
)

// StepTracer opens one span per step, named "workflow.<step>".
type StepTracer struct {
	tracer trace.Tracer
}

// NewStepTracer creates a tracing middleware. A nil tracer uses the global
// provider.
func NewStepTracer(tracer trace.Tracer) *StepTracer {
	if tracer == nil {
		tracer = telemetry.Tracer("workflow")
	}
	return &StepTracer{tracer: tracer}
}

// Name returns the middleware name
func (m *StepTracer) Name() string {
	return "StepTracer"
}

// Execute wraps the step in a span
func (m *StepTracer) Execute(ctx *middleware.Context, next middleware.Handler) error {
	attrs := []attribute.KeyValue{telemetry.KeyStep.String(ctx.Step)}
	for k, v := range ctx.Metadata {
		attrs = append(attrs, attribute.String("workflow."+k, fmt.Sprint(v)))
	}

	spanCtx, span := m.tracer.Start(ctx.Context(), "workflow."+ctx.Step, trace.WithAttributes(attrs...))
	parent := ctx.Context()
	ctx.SetContext(spanCtx)
	err := next(ctx)
	ctx.SetContext(parent)

	span.SetAttributes(
		telemetry.KeyStage.String(ctx.Stage),
		telemetry.KeyStatus.String(ctx.Status),
		telemetry.KeyHalted.Bool(ctx.Halted),
	)
	if err == nil && ctx.Halted {
		span.AddEvent("step recorded failure")
	}
	telemetry.End(span, err)
	return err
}
