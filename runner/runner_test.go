package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/events"
	"github.com/sweetpotato0/conditions-agent/metrics"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/store"
	"github.com/sweetpotato0/conditions-agent/tool"
	"github.com/sweetpotato0/conditions-agent/workflow"
	"github.com/sweetpotato0/conditions-agent/workflow/linear"
	"github.com/sweetpotato0/conditions-agent/workflow/rewoo"
)

type stubPredictor struct {
	err error
}

func (s *stubPredictor) Predict(context.Context, map[string]any) (*conditions.Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &conditions.Prediction{DeficientConditions: []conditions.Deficiency{
		{ConditionID: "INC-1", ConditionName: "Income", Compartments: []string{"Income"}, ActionableInstruction: "Provide W2"},
	}}, nil
}

type stubEvaluator struct {
	status  string
	entered chan struct{}
	release chan struct{}
}

func (s *stubEvaluator) Evaluate(ctx context.Context, _ *conditions.EvaluationJob, _ string) (*conditions.EvaluationOutput, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	status := s.status
	if status == "" {
		status = "Fulfilled"
	}
	return &conditions.EvaluationOutput{
		ProcessingStatus: "completed",
		ProcessedConditions: []conditions.ProcessedCondition{{
			ConditionID:      "1",
			Title:            "INC-1",
			Description:      "Provide W2",
			DocumentStatus:   status,
			DocumentAnalysis: "W2 present",
			AnalysisMetadata: conditions.AnalysisMetadata{
				ResultConfidence: 0.95,
				ModelUsed:        "claude-3-5-sonnet",
				TokensUsed:       map[string]int{"input": 900, "output": 100},
				CostUSD:          0.02,
			},
		}},
	}, nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (s *stubPublisher) Publish(_ context.Context, e *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *stubPublisher) Close() error { return nil }

func (s *stubPublisher) steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Step)
	}
	return out
}

func fixedNow() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

type fixture struct {
	runner    *Runner
	gateway   *store.InMemoryGateway
	progress  *store.MemoryProgress
	publisher *stubPublisher
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, p linear.Predictor, e linear.Evaluator, opts ...Option) *fixture {
	t.Helper()
	gw := store.NewInMemoryGateway()
	lin, err := linear.New(linear.Deps{Predictor: p, Evaluator: e, Gateway: gw, Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	registry := tool.NewConditionsTools(&stubPredictor{}, &stubEvaluator{}, nil).Registry()
	agent, err := rewoo.New(rewoo.Deps{Worker: rewoo.NewWorker(registry), Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		gateway:   gw,
		progress:  store.NewMemoryProgress(),
		publisher: &stubPublisher{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	ids := 0
	base := []Option{
		WithProgress(f.progress),
		WithPublisher(f.publisher),
		WithMetrics(f.metrics),
		WithClock(fixedNow),
		WithLogger(logging.Discard()),
		WithIDGenerator(func() string {
			ids++
			return "exec-" + string(rune('0'+ids))
		}),
	}
	f.runner = New(lin, agent, gw, append(base, opts...)...)
	return f
}

func linearInput() linear.Input {
	return linear.Input{
		LoanID:       "L-1",
		Metadata:     map[string]any{"classification": "W2"},
		DocumentPath: "s3://loans/L-1/w2.pdf",
	}
}

func TestRunLinearLifecycle(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{})
	ctx := context.Background()

	final, err := f.runner.RunLinear(ctx, linearInput())
	if err != nil {
		t.Fatalf("RunLinear() error = %v", err)
	}
	if final.ExecutionID != "exec-1" || final.Status != workflow.StatusCompleted {
		t.Fatalf("unexpected final state %s %s", final.ExecutionID, final.Status)
	}

	exec, err := f.runner.Execution(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != "completed" || exec.Workflow != WorkflowLinear || exec.LoanID != "L-1" {
		t.Errorf("unexpected execution %+v", exec)
	}
	if exec.TotalTokens != 1000 || exec.CostUSD != 0.02 {
		t.Errorf("usage not recorded: %d %v", exec.TotalTokens, exec.CostUSD)
	}

	want := "predict,transform,evaluate,classify,auto_approve,store"
	if got := strings.Join(f.publisher.steps(), ","); got != want {
		t.Errorf("published steps = %s, want %s", got, want)
	}
	cached, err := f.runner.Events(ctx, "exec-1")
	if err != nil || len(cached) != 6 {
		t.Fatalf("cached events = %d, %v", len(cached), err)
	}
	var last map[string]any
	if err := json.Unmarshal(cached[5], &last); err != nil {
		t.Fatal(err)
	}
	if last["step_name"] != "store" || last["workflow"] != "linear" {
		t.Errorf("unexpected last event %v", last)
	}

	evals, err := f.runner.Evaluations(ctx, "exec-1")
	if err != nil || len(evals) != 1 || evals[0].Result != conditions.ResultSatisfied {
		t.Errorf("evaluations = %+v, %v", evals, err)
	}
	ls, err := f.runner.LoanState(ctx, "L-1")
	if err != nil || ls.LastExecutionID != "exec-1" || ls.SatisfiedCount != 1 {
		t.Errorf("loan state = %+v, %v", ls, err)
	}

	if got := testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(WorkflowLinear, "completed")); got != 1 {
		t.Errorf("completed runs = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.RoutesTotal.WithLabelValues(linear.StepAutoApprove)); got != 1 {
		t.Errorf("auto_approve routes = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.RunsInFlight.WithLabelValues(WorkflowLinear)); got != 0 {
		t.Errorf("in flight = %v", got)
	}
}

func TestRunLinearNeedsReview(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{status: "Not Fulfilled"})
	final, err := f.runner.RunLinear(context.Background(), linearInput())
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != workflow.StatusNeedsReview {
		t.Errorf("status = %s", final.Status)
	}
	exec, _ := f.gateway.GetExecution(context.Background(), final.ExecutionID)
	if exec.Status != "needs_review" {
		t.Errorf("execution status = %s", exec.Status)
	}
	if got := testutil.ToFloat64(f.metrics.RoutesTotal.WithLabelValues(linear.StepHumanReview)); got != 1 {
		t.Errorf("human_review routes = %v", got)
	}
}

func TestRunLinearHaltedStepMarksExecutionFailed(t *testing.T) {
	f := newFixture(t, &stubPredictor{err: errors.New("HTTP 503")}, &stubEvaluator{})
	final, err := f.runner.RunLinear(context.Background(), linearInput())
	if err != nil {
		t.Fatalf("a halted run is not an error: %v", err)
	}
	if final.Status != workflow.StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
	exec, _ := f.gateway.GetExecution(context.Background(), final.ExecutionID)
	if exec.Status != "failed" || !strings.Contains(exec.ErrorMessage, "prediction service failed") {
		t.Errorf("unexpected execution %+v", exec)
	}
	if got := strings.Join(f.publisher.steps(), ","); got != "predict" {
		t.Errorf("published steps = %s", got)
	}
}

func TestRunLinearRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{})
	_, err := f.runner.RunLinear(context.Background(), linear.Input{LoanID: "L-1"})
	if !errorskg.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.gateway.GetExecution(context.Background(), "exec-1"); !errors.Is(err, errorskg.ErrNotFound) {
		t.Errorf("invalid input must not create an execution: %v", err)
	}
}

func TestStreamLinearStoppedEarly(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{})
	var steps []string
	for e, err := range f.runner.StreamLinear(context.Background(), linearInput()) {
		if err != nil {
			t.Fatal(err)
		}
		steps = append(steps, e.Step)
		if e.Step == linear.StepTransform {
			break
		}
	}
	if strings.Join(steps, ",") != "predict,transform" {
		t.Errorf("steps = %v", steps)
	}
	exec, err := f.gateway.GetExecution(context.Background(), "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != "failed" || exec.ErrorMessage != "run stopped before completion" {
		t.Errorf("unexpected execution %+v", exec)
	}
}

func TestStreamLinearSnapshots(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{})
	var last *events.Event
	for e, err := range f.runner.StreamLinear(context.Background(), linearInput()) {
		if err != nil {
			t.Fatal(err)
		}
		last = e
	}
	if last == nil || last.Step != linear.StepStore || last.Status != "completed" {
		t.Fatalf("unexpected last event %+v", last)
	}
	snap, ok := last.State.(*linear.State)
	if !ok || snap.FinalResults == nil || snap.FinalResults.Summary.Fulfilled != 1 {
		t.Errorf("snapshot missing final results: %#v", last.State)
	}
}

func TestStreamReWOO(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{})
	in := rewoo.Input{LoanID: "L-2", Metadata: map[string]any{"loan_id": "L-2"}, Documents: []string{"loans/a.pdf"}}

	var steps []string
	for e, err := range f.runner.StreamReWOO(context.Background(), in) {
		if err != nil {
			t.Fatal(err)
		}
		if e.Workflow != WorkflowReWOO {
			t.Errorf("workflow = %s", e.Workflow)
		}
		steps = append(steps, e.Step)
	}
	if strings.Join(steps, ",") != "planner,worker,solver,store" {
		t.Errorf("steps = %v", steps)
	}
	exec, err := f.gateway.GetExecution(context.Background(), "exec-1")
	if err != nil || exec.Status != "completed" || exec.Workflow != WorkflowReWOO {
		t.Errorf("execution = %+v, %v", exec, err)
	}
}

func TestRunReWOORejectsMissingDocuments(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{})
	if _, err := f.runner.RunReWOO(context.Background(), rewoo.Input{}); !errorskg.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	eval := &stubEvaluator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, &stubPredictor{}, eval, WithMaxConcurrency(1))

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.RunLinear(context.Background(), linearInput())
		done <- err
	}()
	<-eval.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.runner.RunLinear(ctx, linearInput()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second run should wait for a slot, got %v", err)
	}

	close(eval.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRecordFeedback(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{})
	ctx := context.Background()
	if _, err := f.runner.RunLinear(ctx, linearInput()); err != nil {
		t.Fatal(err)
	}
	evals, _ := f.runner.Evaluations(ctx, "exec-1")

	fb := &store.Feedback{EvaluationID: evals[0].EvaluationID, RMUserID: "rm-7", FeedbackType: "correction", CorrectedResult: "unsatisfied"}
	if err := f.runner.RecordFeedback(ctx, fb); err != nil {
		t.Fatal(err)
	}
	if fb.FeedbackID == "" || !fb.SubmittedAt.Equal(fixedNow()) {
		t.Errorf("feedback not stamped: %+v", fb)
	}
	if got := f.gateway.Feedback(evals[0].EvaluationID); len(got) != 1 {
		t.Errorf("feedback records = %d", len(got))
	}

	if err := f.runner.RecordFeedback(ctx, &store.Feedback{EvaluationID: "x"}); !errorskg.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	missing := &store.Feedback{EvaluationID: "nope", RMUserID: "rm", FeedbackType: "correction"}
	if err := f.runner.RecordFeedback(ctx, missing); !errors.Is(err, errorskg.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestNotConfigured(t *testing.T) {
	r := New(nil, nil, nil, WithLogger(logging.Discard()))
	ctx := context.Background()
	if _, err := r.RunLinear(ctx, linearInput()); !errors.Is(err, errorskg.ErrNotConfigured) {
		t.Errorf("RunLinear: %v", err)
	}
	for _, err := range r.StreamReWOO(ctx, rewoo.Input{Documents: []string{"a.pdf"}}) {
		if !errors.Is(err, errorskg.ErrNotConfigured) {
			t.Errorf("StreamReWOO: %v", err)
		}
	}
	if _, err := r.Events(ctx, "exec-1"); !errors.Is(err, errorskg.ErrNotConfigured) {
		t.Errorf("Events: %v", err)
	}
}

func TestPublishFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t, &stubPredictor{}, &stubEvaluator{})
	f.publisher.err = errors.New("nats: timeout")
	final, err := f.runner.RunLinear(context.Background(), linearInput())
	if err != nil || final.Status != workflow.StatusCompleted {
		t.Errorf("run = %s, %v", final.Status, err)
	}
}
