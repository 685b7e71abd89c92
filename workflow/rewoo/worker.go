package rewoo

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/tool"
)

// maxLatestFallbackSteps is the largest plan for which an evaluation step
// without a resolvable producer consumes the most recent evidence.
const maxLatestFallbackSteps = 2

// Executor runs a named tool.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
	Has(name string) bool
}

// Worker executes plan steps in order against the tool registry.
type Worker struct {
	tools  Executor
	now    func() time.Time
	logger *slog.Logger
}

// NewWorker creates a worker over tools.
func NewWorker(tools Executor) *Worker {
	return &Worker{
		tools:  tools,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.WithComponent("rewoo.worker"),
	}
}

// Execute runs every step of the plan, recording one evidence entry per
// step. The first failing step marks s failed and leaves the evidence
// collected so far in place.
func (w *Worker) Execute(ctx context.Context, s *State) {
	plan := s.Plan
	if plan == nil {
		plan = DefaultPlan(s.Metadata, s.Documents)
	}
	if s.Evidence == nil {
		s.Evidence = map[string]any{}
	}
	ctx = tool.WithExecutionID(ctx, s.ExecutionID)

	for _, step := range plan.Steps {
		w.logger.Info("executing plan step", "execution_id", s.ExecutionID, "step", step.ID, "tool", step.Tool)

		result, err := w.runStep(ctx, s, step, len(plan.Steps))
		if err != nil {
			w.logger.Error("plan step failed", "execution_id", s.ExecutionID, "step", step.ID, "tool", step.Tool, "error", err)
			s.Fail(StageFailed, fmt.Errorf("step %s (%s): %w", step.ID, step.Tool, err))
			return
		}

		s.Evidence[step.ID] = result
		s.EvidenceLog = append(s.EvidenceLog, Evidence{
			StepID:      step.ID,
			Tool:        step.Tool,
			Output:      result,
			CompletedAt: w.now(),
		})
	}
	s.Stage = StageWorkerComplete
}

func (w *Worker) runStep(ctx context.Context, s *State, step PlanStep, planSteps int) (any, error) {
	payload := maps.Clone(step.Input)
	if payload == nil {
		payload = map[string]any{}
	}

	switch step.Tool {
	case tool.PredictConditions:
		if _, ok := payload["metadata"]; !ok {
			payload["metadata"] = s.Metadata
		}
	case tool.EvaluateConditions:
		resolved, err := ResolveEvaluateInput(payload, s.Evidence, s.latestEvidence(), planSteps)
		if err != nil {
			return nil, err
		}
		payload = resolved
		if _, ok := payload["documents"]; !ok {
			payload["documents"] = s.Documents
		}
		if _, ok := payload["output_destination"]; !ok && s.OutputDestination != "" {
			payload["output_destination"] = s.OutputDestination
		}
	}

	if !w.tools.Has(step.Tool) {
		return map[string]any{
			"status": "skipped",
			"reason": fmt.Sprintf("Unknown tool '%s'.", step.Tool),
		}, nil
	}
	return w.tools.Execute(ctx, step.Tool, payload)
}

// ResolveEvaluateInput fills preconditions_output for an evaluation step.
// The chain is: a ready transformed_input, an explicit preconditions_output,
// the evidence of from_step (also tried as "step_<from_step>"), and, in
// plans of at most two steps, the latest evidence. In longer plans a
// reference that does not resolve fails unless the payload carries raw
// condition metadata. With no evidence at all the output is left empty.
func ResolveEvaluateInput(payload, evidence map[string]any, latest string, planSteps int) (map[string]any, error) {
	out := maps.Clone(payload)
	if out == nil {
		out = map[string]any{}
	}
	if _, ok := out["transformed_input"]; ok && out["transformed_input"] != nil {
		return out, nil
	}

	if _, isRef := out["preconditions_output"].(string); isRef {
		delete(out, "preconditions_output")
	}
	if v, ok := out["preconditions_output"]; ok && v != nil {
		return out, nil
	}

	ref := reference(out["from_step"])
	if ref != "" {
		if v, ok := evidence[ref]; ok {
			out["preconditions_output"] = v
			return out, nil
		}
		if v, ok := evidence["step_"+ref]; ok {
			out["preconditions_output"] = v
			return out, nil
		}
	}

	if len(evidence) == 0 {
		out["preconditions_output"] = map[string]any{}
		return out, nil
	}
	if planSteps <= maxLatestFallbackSteps && latest != "" {
		out["preconditions_output"] = evidence[latest]
		return out, nil
	}
	if _, ok := out["metadata"]; ok {
		return out, nil
	}
	return nil, fmt.Errorf("unresolved evidence reference %q", ref)
}

func reference(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	}
	return ""
}
