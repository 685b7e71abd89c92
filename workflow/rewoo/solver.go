package rewoo

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sweetpotato0/conditions-agent/conditions"
	"github.com/sweetpotato0/conditions-agent/llm"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/prompt"
	"github.com/sweetpotato0/conditions-agent/tool"
	"github.com/sweetpotato0/conditions-agent/transform"
)

const fallbackSummary = "Conditions evaluation completed using collected evidence."

// Solved is the solver outcome.
type Solved struct {
	Answer *SolverResponse
	// Response is the model reply, nil when no model was called.
	Response *llm.Response
}

// Solver summarises the evidence. The summary is advisory; the counts and
// the condition list always come from the evaluation evidence.
type Solver struct {
	client  llm.Client
	prompts *prompt.Manager
	counter llm.TokenCounter
	logger  *slog.Logger
}

// SolverOption customizes a Solver.
type SolverOption func(*Solver)

// WithSolverTokenCounter estimates usage when the provider reports none.
func WithSolverTokenCounter(c llm.TokenCounter) SolverOption {
	return func(s *Solver) { s.counter = c }
}

// NewSolver creates a solver. A nil client uses the fixed fallback summary.
func NewSolver(client llm.Client, prompts *prompt.Manager, opts ...SolverOption) *Solver {
	if prompts == nil {
		prompts = prompt.Default()
	}
	s := &Solver{client: client, prompts: prompts, logger: logging.WithComponent("rewoo.solver")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solve produces the solver response for s.
func (sv *Solver) Solve(ctx context.Context, s *State) Solved {
	summary, resp := sv.summarise(ctx, s)

	fulfilled, notFulfilled := transform.ExtractFulfilledAndNotFulfilled(EvaluationOutput(s.Plan, s.Evidence))
	return Solved{
		Answer: &SolverResponse{
			Summary:           summary,
			FulfilledCount:    len(fulfilled),
			NotFulfilledCount: len(notFulfilled),
			Conditions:        transform.FormatAll(fulfilled, notFulfilled),
		},
		Response: resp,
	}
}

func (sv *Solver) summarise(ctx context.Context, s *State) (string, *llm.Response) {
	if sv.client == nil {
		return fallbackSummary, nil
	}
	instructions := s.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	text, err := sv.prompts.Render(prompt.Solver, map[string]any{
		"metadata":     s.Metadata,
		"instructions": instructions,
		"plan":         s.Plan,
		"evidence":     s.Evidence,
	})
	if err != nil {
		sv.logger.Warn("failed to render solver prompt", "error", err)
		return fallbackSummary, nil
	}

	req := &llm.Request{Messages: []llm.Message{llm.User(text)}}
	resp, err := sv.client.Generate(ctx, req)
	if err != nil {
		sv.logger.Warn("solver model failed, using fallback summary", "error", err)
		return fallbackSummary, nil
	}
	llm.EstimateUsage(sv.counter, req, resp)
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		summary = fallbackSummary
	}
	return summary, resp
}

// EvaluationOutput returns the output of the first evaluation step that
// produced evidence, or nil.
func EvaluationOutput(plan *Plan, evidence map[string]any) *conditions.EvaluationOutput {
	if plan == nil {
		return nil
	}
	for _, step := range plan.Steps {
		if step.Tool != tool.EvaluateConditions {
			continue
		}
		v, ok := evidence[step.ID]
		if !ok {
			continue
		}
		out, err := tool.As[conditions.EvaluationOutput](v)
		if err != nil {
			return nil
		}
		return out
	}
	return nil
}
