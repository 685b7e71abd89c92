package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/sweetpotato0/conditions-agent/middleware"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
}

func TestStepTracerRecordsSpan(t *testing.T) {
	rec, tp := newRecorder()
	mw := NewStepTracer(tp.Tracer("test"))

	ctx := middleware.NewContext(context.Background(), "evaluate")
	ctx.Metadata["execution_id"] = "exec-1"

	var inner trace.SpanContext
	err := mw.Execute(ctx, func(c *middleware.Context) error {
		inner = trace.SpanContextFromContext(c.Context())
		c.Stage, c.Status = "evaluated", "running"
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inner.IsValid() {
		t.Error("step should receive a context carrying the span")
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "workflow.evaluate" {
		t.Errorf("span name = %q", s.Name())
	}
	found := false
	for _, a := range s.Attributes() {
		if string(a.Key) == "workflow.execution_id" && a.Value.AsString() == "exec-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("execution_id attribute missing: %v", s.Attributes())
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v", s.Status())
	}
}

func TestStepTracerRecordsError(t *testing.T) {
	rec, tp := newRecorder()
	boom := errors.New("boom")

	err := NewStepTracer(tp.Tracer("test")).Execute(middleware.NewContext(context.Background(), "store"), func(*middleware.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := rec.Ended()[0].Status().Code; got != codes.Error {
		t.Errorf("status = %v, want Error", got)
	}
}
