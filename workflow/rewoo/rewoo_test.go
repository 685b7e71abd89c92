package rewoo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	"github.com/sweetpotato0/conditions-agent/llm"
	"github.com/sweetpotato0/conditions-agent/store"
	"github.com/sweetpotato0/conditions-agent/tool"
	"github.com/sweetpotato0/conditions-agent/workflow"
)

type stubLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (s *stubLLM) Generate(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return &llm.Response{
		Content: reply,
		Model:   "gpt-4o-mini",
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50},
	}, nil
}

func (s *stubLLM) Model() string { return "gpt-4o-mini" }

type stubPredictor struct {
	got map[string]any
}

func (s *stubPredictor) Predict(_ context.Context, metadata map[string]any) (*conditions.Prediction, error) {
	s.got = metadata
	return &conditions.Prediction{DeficientConditions: []conditions.Deficiency{
		{ConditionID: "INC-1", ConditionName: "Income", Compartments: []string{"Income"}, ActionableInstruction: "Provide W2"},
	}}, nil
}

type stubEvaluator struct {
	job    *conditions.EvaluationJob
	execID string
	err    error
}

func (s *stubEvaluator) Evaluate(_ context.Context, job *conditions.EvaluationJob, executionID string) (*conditions.EvaluationOutput, error) {
	s.job = job
	s.execID = executionID
	if s.err != nil {
		return nil, s.err
	}
	return &conditions.EvaluationOutput{
		ProcessingStatus: "completed",
		ProcessedConditions: []conditions.ProcessedCondition{
			{ConditionID: "1", Title: "INC-1", DocumentStatus: "Fulfilled", AnalysisMetadata: conditions.AnalysisMetadata{ResultConfidence: 0.9}},
			{ConditionID: "2", Title: "APR-1", DocumentStatus: "not fulfilled", AnalysisMetadata: conditions.AnalysisMetadata{ResultConfidence: 0.4}},
		},
	}, nil
}

func fixedNow() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

func newAgent(t *testing.T, planner, solver llm.Client, p tool.Predictor, e tool.Evaluator, archive store.EvidenceArchive) *Agent {
	t.Helper()
	registry := tool.NewConditionsTools(p, e, nil).Registry()
	a, err := New(Deps{
		Planner: NewPlanner(planner, nil),
		Worker:  NewWorker(registry),
		Solver:  NewSolver(solver, nil),
		Archive: archive,
		Now:     fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testInput() Input {
	return Input{
		ExecutionID: "exec-1",
		LoanID:      "L-1",
		Metadata:    map[string]any{"loan_id": "L-1"},
		Documents:   []string{"loans/a.pdf"},
	}
}

func TestPlannerMalformedOutputFallsBack(t *testing.T) {
	client := &stubLLM{replies: []string{"I think you should predict first."}}
	p := NewPlanner(client, nil)
	s := NewState(testInput(), fixedNow())

	planned := p.Plan(context.Background(), s)
	if !planned.Fallback {
		t.Fatal("expected fallback plan")
	}
	if planned.Plan.Summary == "" {
		t.Error("fallback plan must carry a summary")
	}
	if len(planned.Plan.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(planned.Plan.Steps))
	}
	eval := planned.Plan.Steps[1]
	if eval.Tool != tool.EvaluateConditions || eval.Input["from_step"] != planned.Plan.Steps[0].ID {
		t.Errorf("evaluation step not linked to prediction: %+v", eval)
	}
	if planned.Response == nil || planned.Reasoning != fallbackReasoning {
		t.Errorf("unexpected planned %+v", planned)
	}
}

func TestPlannerWithoutClient(t *testing.T) {
	planned := NewPlanner(nil, nil).Plan(context.Background(), NewState(testInput(), fixedNow()))
	if !planned.Fallback || planned.Response != nil {
		t.Errorf("expected fallback without a model call, got %+v", planned)
	}
}

func TestParsePlan(t *testing.T) {
	reply := "```json\n" + `{
		"summary": "custom",
		"steps": [
			{"id": 7, "tool": "call_preconditions_api", "description": "predict"},
			{"description": "no tool"},
			{"tool": "call_conditions_ai_api"}
		]
	}` + "\n```"

	plan, err := ParsePlan(reply, map[string]any{"loan_id": "L-1"}, []string{"b/k.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Summary != "custom" || len(plan.Steps) != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.Steps[0].ID != "7" {
		t.Errorf("numeric id = %q, want 7", plan.Steps[0].ID)
	}
	if md, _ := plan.Steps[0].Input["metadata"].(map[string]any); md["loan_id"] != "L-1" {
		t.Errorf("prediction step metadata not defaulted: %v", plan.Steps[0].Input)
	}
	eval := plan.Steps[1]
	if eval.ID != "step_3" {
		t.Errorf("assigned id = %q, want step_3", eval.ID)
	}
	if eval.Input["from_step"] != "7" {
		t.Errorf("from_step = %v, want 7", eval.Input["from_step"])
	}
	if docs, _ := eval.Input["documents"].([]string); len(docs) != 1 {
		t.Errorf("documents not defaulted: %v", eval.Input)
	}
}

func TestParsePlanErrors(t *testing.T) {
	for name, reply := range map[string]string{
		"empty":        "  ",
		"not json":     "plan: predict then evaluate",
		"no steps":     `{"summary": "x"}`,
		"steps object": `{"steps": {"id": 1}}`,
		"no usable":    `{"steps": [{"id": "a"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePlan(reply, nil, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNormalizePlanDefaultsProducer(t *testing.T) {
	plan := NormalizePlan([]any{
		map[string]any{"tool": tool.EvaluateConditions},
	}, nil, nil)
	if plan.Steps[0].Input["from_step"] != predictStepID {
		t.Errorf("from_step = %v, want %s", plan.Steps[0].Input["from_step"], predictStepID)
	}
}

func TestResolveEvaluateInput(t *testing.T) {
	pred := map[string]any{"deficient_conditions": []any{}}
	other := map[string]any{"status": "skipped"}

	tests := []struct {
		name     string
		payload  map[string]any
		evidence map[string]any
		latest   string
		steps    int
		want     any
		wantErr  bool
	}{
		{
			name:    "transformed input wins",
			payload: map[string]any{"transformed_input": map[string]any{"conf": map[string]any{}}, "from_step": "x"},
			steps:   2,
		},
		{
			name:     "direct reference",
			payload:  map[string]any{"from_step": "p"},
			evidence: map[string]any{"p": pred, "q": other},
			latest:   "q",
			steps:    3,
			want:     pred,
		},
		{
			name:     "prefixed reference replaces placeholder",
			payload:  map[string]any{"from_step": "preconditions", "preconditions_output": "{{step_preconditions}}"},
			evidence: map[string]any{"step_preconditions": pred},
			latest:   "step_preconditions",
			steps:    3,
			want:     pred,
		},
		{
			name:     "numeric reference",
			payload:  map[string]any{"from_step": float64(1)},
			evidence: map[string]any{"step_1": pred, "q": other},
			latest:   "q",
			steps:    3,
			want:     pred,
		},
		{
			name:     "latest evidence in short plans",
			payload:  map[string]any{"from_step": "missing"},
			evidence: map[string]any{"a": other, "b": pred},
			latest:   "b",
			steps:    2,
			want:     pred,
		},
		{
			name:     "unresolved in longer plans",
			payload:  map[string]any{"from_step": "missing"},
			evidence: map[string]any{"a": pred},
			latest:   "a",
			steps:    3,
			wantErr:  true,
		},
		{
			name:     "raw metadata needs no reference",
			payload:  map[string]any{"from_step": "missing", "metadata": []any{}},
			evidence: map[string]any{"a": pred},
			latest:   "a",
			steps:    3,
		},
		{
			name:    "no evidence",
			payload: map[string]any{"from_step": "missing"},
			steps:   3,
			want:    map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveEvaluateInput(tt.payload, tt.evidence, tt.latest, tt.steps)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "unresolved evidence reference") {
					t.Fatalf("expected unresolved reference error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tt.want == nil {
				if _, ok := got["preconditions_output"]; ok {
					t.Errorf("unexpected preconditions_output %v", got["preconditions_output"])
				}
				return
			}
			out, ok := got["preconditions_output"].(map[string]any)
			want := tt.want.(map[string]any)
			if !ok || len(out) != len(want) {
				t.Errorf("preconditions_output = %v, want %v", got["preconditions_output"], want)
			}
			if len(want) > 0 {
				if _, ok := out["deficient_conditions"]; !ok {
					t.Errorf("resolved wrong evidence: %v", out)
				}
			}
		})
	}
}

func TestWorkerUnresolvedReferenceFails(t *testing.T) {
	registry := tool.NewConditionsTools(&stubPredictor{}, &stubEvaluator{}, nil).Registry()
	w := NewWorker(registry)
	s := NewState(testInput(), fixedNow())
	s.Plan = &Plan{Steps: []PlanStep{
		{ID: "a", Tool: tool.PredictConditions, Input: map[string]any{}},
		{ID: "b", Tool: tool.RetrieveDocument, Input: map[string]any{"path": "loans/extra.pdf"}},
		{ID: "c", Tool: tool.EvaluateConditions, Input: map[string]any{"from_step": "z"}},
	}}

	w.Execute(context.Background(), s)

	if s.Status != workflow.StatusFailed || s.Stage != StageFailed {
		t.Fatalf("status = %s stage = %s", s.Status, s.Stage)
	}
	if !strings.Contains(s.Error, "unresolved evidence reference") {
		t.Errorf("error = %q", s.Error)
	}
	if len(s.EvidenceLog) != 2 || s.Evidence["a"] == nil || s.Evidence["b"] == nil {
		t.Errorf("partial evidence must be kept, got %v", s.Evidence)
	}
}

func TestWorkerUnknownToolSkipped(t *testing.T) {
	w := NewWorker(tool.NewConditionsTools(nil, nil, nil).Registry())
	s := NewState(testInput(), fixedNow())
	s.Plan = &Plan{Steps: []PlanStep{{ID: "x", Tool: "send_email"}}}

	w.Execute(context.Background(), s)

	if s.Status != workflow.StatusRunning || s.Stage != StageWorkerComplete {
		t.Fatalf("status = %s stage = %s", s.Status, s.Stage)
	}
	out, _ := s.Evidence["x"].(map[string]any)
	if out["status"] != "skipped" || out["reason"] != "Unknown tool 'send_email'." {
		t.Errorf("unexpected evidence %v", out)
	}
}

func TestSolverFallbackSummary(t *testing.T) {
	s := NewState(testInput(), fixedNow())
	s.Plan = DefaultPlan(s.Metadata, s.Documents)
	s.Evidence = map[string]any{
		evaluateStepID: map[string]any{
			"processed_conditions": []any{
				map[string]any{"condition_id": 1, "document_status": "fulfilled"},
				map[string]any{"condition_id": 2, "document_status": "Not Fulfilled"},
				map[string]any{"condition_id": 3, "document_status": "pending"},
			},
		},
	}

	solved := NewSolver(&stubLLM{err: errors.New("boom")}, nil).Solve(context.Background(), s)

	if solved.Answer.Summary != fallbackSummary || solved.Response != nil {
		t.Errorf("expected fallback summary, got %+v", solved)
	}
	if solved.Answer.FulfilledCount != 1 || solved.Answer.NotFulfilledCount != 2 {
		t.Errorf("counts = %d/%d, want 1/2", solved.Answer.FulfilledCount, solved.Answer.NotFulfilledCount)
	}
	if len(solved.Answer.Conditions) != 3 || solved.Answer.Conditions[0].ConditionID != "1" {
		t.Errorf("unexpected conditions %+v", solved.Answer.Conditions)
	}
}

func TestAgentRun(t *testing.T) {
	planner := &stubLLM{replies: []string{`{"summary": "two steps", "steps": [
		{"id": 1, "tool": "call_preconditions_api"},
		{"tool": "call_conditions_ai_api", "input": {"from_step": 1}}
	]}`}}
	solver := &stubLLM{replies: []string{"One condition is still open."}}
	predictor := &stubPredictor{}
	evaluator := &stubEvaluator{}
	archive := store.NewMemoryEvidenceArchive()
	a := newAgent(t, planner, solver, predictor, evaluator, archive)

	final, err := a.Run(context.Background(), a.Start(testInput()))
	if err != nil {
		t.Fatal(err)
	}

	if final.Status != workflow.StatusCompleted || final.Stage != StageCompleted {
		t.Fatalf("status = %s stage = %s error = %s", final.Status, final.Stage, final.Error)
	}
	if predictor.got["loan_id"] != "L-1" {
		t.Errorf("prediction metadata = %v", predictor.got)
	}
	if evaluator.execID != "exec-1" || len(evaluator.job.Conf.Conditions) != 1 {
		t.Errorf("unexpected evaluation call %q %+v", evaluator.execID, evaluator.job)
	}

	fr := final.FinalResults
	if fr == nil {
		t.Fatal("final results not written")
	}
	if fr.Summary != "One condition is still open." || fr.FulfilledCount != 1 || fr.NotFulfilledCount != 1 {
		t.Errorf("unexpected final results %+v", fr)
	}
	if fr.Plan.Summary != "two steps" || len(fr.Evidence) != 2 {
		t.Errorf("plan or evidence missing: %+v", fr)
	}
	if !final.RequiresHumanReview {
		t.Error("open conditions must be flagged for review")
	}
	if final.Usage.TotalTokens != 300 || final.Usage.ByModel["gpt-4o-mini"].Calls != 2 {
		t.Errorf("unexpected usage %+v", final.Usage)
	}
	if final.Usage.TotalCostUSD <= 0 {
		t.Error("cost not accrued")
	}
	if len(final.Steps) != 4 {
		t.Errorf("step log = %d entries, want 4", len(final.Steps))
	}

	entries, err := archive.List(context.Background(), "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].ToolName != tool.PredictConditions {
		t.Errorf("unexpected archive %+v", entries)
	}
}

func TestAgentStreamHaltsOnFailedStep(t *testing.T) {
	a := newAgent(t, nil, nil, &stubPredictor{}, &stubEvaluator{err: errors.New("dag failed")}, nil)

	var steps []string
	var last *State
	for ev, err := range a.Stream(context.Background(), a.Start(testInput())) {
		if err != nil {
			t.Fatal(err)
		}
		steps = append(steps, ev.Step)
		last = ev.State
	}

	if strings.Join(steps, ",") != "planner,worker" {
		t.Fatalf("steps = %v", steps)
	}
	if last.Status != workflow.StatusFailed || !strings.Contains(last.Error, "dag failed") {
		t.Errorf("unexpected final snapshot %+v", last.Control)
	}
	if last.FinalResults != nil {
		t.Error("failed run must not assemble final results")
	}
	if _, ok := last.Evidence[predictStepID]; !ok {
		t.Error("prediction evidence must survive the failure")
	}
}
