package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
}

func TestInitDisabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	shutdown, err := Init(context.Background(), Config{Disable: true})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Error("disabled init replaced the global provider")
	}
}

func TestInitWithoutCollector(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Init(context.Background(), Config{
		ServiceVersion: "test",
		SampleRatio:    0.25,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider is %T", otel.GetTracerProvider())
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{-3, "AlwaysOnSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		got := Sampler(tt.ratio).Description()
		if !strings.HasPrefix(got, "ParentBased") || !strings.Contains(got, tt.want) {
			t.Errorf("Sampler(%v) = %s, want %s root", tt.ratio, got, tt.want)
		}
	}
}

func TestRunAttributes(t *testing.T) {
	attrs := RunAttributes("linear", "exec-1", "")
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %v", attrs)
	}
	if attrs[0] != KeyWorkflow.String("linear") || attrs[1] != KeyExecutionID.String("exec-1") {
		t.Errorf("unexpected attributes %v", attrs)
	}

	attrs = RunAttributes("rewoo", "exec-2", "L-7")
	if len(attrs) != 3 || attrs[2] != (attribute.KeyValue{Key: KeyLoanID, Value: attribute.StringValue("L-7")}) {
		t.Errorf("loan id missing: %v", attrs)
	}
}

func TestTraceID(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("expected empty trace id, got %q", id)
	}

	_, tp := recorder()
	ctx, span := tp.Tracer("test").Start(context.Background(), "run")
	defer span.End()
	id := TraceID(ctx)
	if len(id) != 32 || id != span.SpanContext().TraceID().String() {
		t.Errorf("unexpected trace id %q", id)
	}
}

func TestEnd(t *testing.T) {
	rec, tp := recorder()
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	End(ok, nil)
	_, failed := tracer.Start(context.Background(), "failed")
	End(failed, errors.New("evaluation timed out"))
	End(nil, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("ok span status = %v", spans[0].Status())
	}
	if st := spans[1].Status(); st.Code != codes.Error || st.Description != "evaluation timed out" {
		t.Errorf("failed span status = %v", st)
	}
	if len(spans[1].Events()) == 0 || spans[1].Events()[0].Name != "exception" {
		t.Errorf("error not recorded: %v", spans[1].Events())
	}
}

func TestTracerScope(t *testing.T) {
	rec, tp := recorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := Tracer("runner").Start(context.Background(), "workflow.linear")
	span.End()

	if got := rec.Ended()[0].InstrumentationScope().Name; got != ScopeName+"/runner" {
		t.Errorf("scope = %q", got)
	}
}
