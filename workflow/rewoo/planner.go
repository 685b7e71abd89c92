package rewoo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/sweetpotato0/conditions-agent/llm"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/prompt"
	"github.com/sweetpotato0/conditions-agent/tool"
)

const (
	defaultInstructions = "Evaluate loan conditions."
	fallbackReasoning   = "Used deterministic fallback plan."
	predictStepID       = "step_preconditions"
	evaluateStepID      = "step_conditions_ai"
	defaultPlanSummary  = "Predict conditions with the prediction service, then evaluate them against the documents."
)

// DefaultPlan is the deterministic two-step plan: predict, then evaluate the
// prediction against the documents.
func DefaultPlan(metadata map[string]any, documents []string) *Plan {
	return &Plan{
		Summary: defaultPlanSummary,
		Steps: []PlanStep{
			{
				ID:          predictStepID,
				Description: "Predict deficient conditions.",
				Tool:        tool.PredictConditions,
				Input:       map[string]any{"metadata": metadata},
			},
			{
				ID:          evaluateStepID,
				Description: "Evaluate predicted conditions against uploaded documents.",
				Tool:        tool.EvaluateConditions,
				Input:       map[string]any{"from_step": predictStepID, "documents": documents},
			},
		},
	}
}

// Planned is the planner outcome.
type Planned struct {
	Plan      *Plan
	Reasoning string
	Fallback  bool
	// Response is the model reply, nil when no model was called.
	Response *llm.Response
}

// Planner asks a language model for a tool plan.
type Planner struct {
	client  llm.Client
	prompts *prompt.Manager
	counter llm.TokenCounter
	logger  *slog.Logger
}

// PlannerOption customizes a Planner.
type PlannerOption func(*Planner)

// WithPlannerTokenCounter estimates usage when the provider reports none.
func WithPlannerTokenCounter(c llm.TokenCounter) PlannerOption {
	return func(p *Planner) { p.counter = c }
}

// NewPlanner creates a planner. A nil client always yields the default plan.
func NewPlanner(client llm.Client, prompts *prompt.Manager, opts ...PlannerOption) *Planner {
	if prompts == nil {
		prompts = prompt.Default()
	}
	p := &Planner{client: client, prompts: prompts, logger: logging.WithComponent("rewoo.planner")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan produces the plan for s. Model failures and unusable replies fall
// back to DefaultPlan.
func (p *Planner) Plan(ctx context.Context, s *State) Planned {
	instructions := s.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}

	if p.client != nil {
		text, err := p.prompts.Render(prompt.Planner, map[string]any{
			"metadata":     s.Metadata,
			"instructions": instructions,
			"documents":    s.Documents,
		})
		if err != nil {
			p.logger.Warn("failed to render planner prompt", "error", err)
		} else {
			req := &llm.Request{Messages: []llm.Message{llm.User(text)}}
			resp, err := p.client.Generate(ctx, req)
			if err != nil {
				p.logger.Warn("planner model failed, using fallback plan", "error", err)
			} else {
				llm.EstimateUsage(p.counter, req, resp)
				plan, err := ParsePlan(resp.Content, s.Metadata, s.Documents)
				if err == nil {
					p.logger.Info("planner produced plan", "steps", len(plan.Steps))
					return Planned{Plan: plan, Reasoning: resp.Content, Response: resp}
				}
				p.logger.Warn("falling back to default plan", "error", err)
				return Planned{Plan: DefaultPlan(s.Metadata, s.Documents), Reasoning: fallbackReasoning, Fallback: true, Response: resp}
			}
		}
	}

	return Planned{Plan: DefaultPlan(s.Metadata, s.Documents), Reasoning: fallbackReasoning, Fallback: true}
}

type rawPlan struct {
	Summary any   `json:"summary"`
	Steps   []any `json:"steps"`
}

// ParsePlan decodes a model reply, optionally wrapped in a markdown code
// fence, and normalizes it. A reply that is not JSON, lacks a steps array or
// keeps no usable step is an error.
func ParsePlan(text string, metadata map[string]any, documents []string) (*Plan, error) {
	cleaned := stripFence(text)
	if cleaned == "" {
		return nil, fmt.Errorf("empty planner reply")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, fmt.Errorf("planner reply is not a JSON object: %w", err)
	}
	if _, ok := fields["steps"]; !ok {
		return nil, fmt.Errorf("planner reply has no steps")
	}
	var raw rawPlan
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("planner steps is not an array: %w", err)
	}

	plan := NormalizePlan(raw.Steps, metadata, documents)
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("planner reply has no usable steps")
	}
	if s, ok := raw.Summary.(string); ok {
		plan.Summary = s
	}
	return plan, nil
}

func stripFence(text string) string {
	cleaned := strings.TrimSpace(text)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	cleaned = strings.TrimPrefix(cleaned, "```")
	if i := strings.IndexByte(cleaned, '\n'); i >= 0 {
		cleaned = cleaned[i+1:]
	}
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

// NormalizePlan keeps the steps that name a tool, assigns missing ids as
// step_N (N is the 1-based position in steps) and fills tool defaults:
// prediction steps get the metadata, evaluation steps get the documents and
// a producer reference to the closest preceding prediction step.
func NormalizePlan(steps []any, metadata map[string]any, documents []string) *Plan {
	plan := &Plan{Steps: make([]PlanStep, 0, len(steps))}
	lastPredict := ""
	for i, item := range steps {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		toolName, _ := m["tool"].(string)
		if toolName == "" {
			continue
		}

		id := stepID(m["id"])
		if id == "" {
			id = "step_" + strconv.Itoa(i+1)
		}
		description, _ := m["description"].(string)
		input, _ := m["input"].(map[string]any)
		if input == nil {
			input = map[string]any{}
		}

		switch toolName {
		case tool.PredictConditions:
			if _, ok := input["metadata"]; !ok {
				input["metadata"] = metadata
			}
			lastPredict = id
		case tool.EvaluateConditions:
			if _, ok := input["documents"]; !ok {
				input["documents"] = documents
			}
			if _, ok := input["from_step"]; !ok {
				ref := lastPredict
				if ref == "" {
					ref = predictStepID
				}
				input["from_step"] = ref
			}
		}

		plan.Steps = append(plan.Steps, PlanStep{
			ID:          id,
			Description: description,
			Tool:        toolName,
			Input:       input,
		})
	}
	return plan
}

// stepID formats ids written as strings or numbers.
func stepID(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	}
	return ""
}
