package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

// InMemoryGateway implements Gateway with process-local maps. It backs
// offline runs and tests.
type InMemoryGateway struct {
	mu          sync.RWMutex
	executions  map[string]Execution
	evaluations map[string][]conditions.Evaluation
	evalIndex   map[string]struct{}
	feedback    []Feedback
	loans       map[string]LoanState
	rules       []conditions.BusinessRule
	now         func() time.Time
}

// NewInMemoryGateway creates an empty in-memory gateway.
func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{
		executions:  make(map[string]Execution),
		evaluations: make(map[string][]conditions.Evaluation),
		evalIndex:   make(map[string]struct{}),
		loans:       make(map[string]LoanState),
		now:         time.Now,
	}
}

// CreateExecution stores a new execution. An empty id is generated.
func (g *InMemoryGateway) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return fmt.Errorf("execution cannot be nil")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if exec.ExecutionID == "" {
		exec.ExecutionID = uuid.NewString()
	}
	if _, ok := g.executions[exec.ExecutionID]; ok {
		return fmt.Errorf("execution %s: %w", exec.ExecutionID, errorskg.ErrAlreadyExists)
	}
	if exec.Status == "" {
		exec.Status = "running"
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = g.now()
	}
	g.executions[exec.ExecutionID] = *exec
	return nil
}

// UpdateExecutionStatus records the final status and metrics.
func (g *InMemoryGateway) UpdateExecutionStatus(ctx context.Context, executionID string, update ExecutionUpdate) (*Execution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	exec, ok := g.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, errorskg.ErrNotFound)
	}
	applyUpdate(&exec, update, g.now())
	g.executions[executionID] = exec
	return &exec, nil
}

func applyUpdate(exec *Execution, update ExecutionUpdate, now time.Time) {
	exec.Status = update.Status
	exec.CompletedAt = update.CompletedAt
	if exec.CompletedAt.IsZero() {
		exec.CompletedAt = now
	}
	if update.Error != "" {
		exec.ErrorMessage = update.Error
	}
	if update.TotalTokens != nil {
		exec.TotalTokens = *update.TotalTokens
	}
	if update.CostUSD != nil {
		exec.CostUSD = *update.CostUSD
	}
	if update.LatencyMS != nil {
		exec.LatencyMS = *update.LatencyMS
	}
}

func (g *InMemoryGateway) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	exec, ok := g.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, errorskg.ErrNotFound)
	}
	return &exec, nil
}

// CreateEvaluations stores one record per evaluation and returns them with
// ids and timestamps assigned.
func (g *InMemoryGateway) CreateEvaluations(ctx context.Context, executionID string, evals []conditions.Evaluation) ([]conditions.Evaluation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.executions[executionID]; !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, errorskg.ErrNotFound)
	}
	now := g.now()
	out := make([]conditions.Evaluation, 0, len(evals))
	for _, e := range evals {
		e.EvaluationID = uuid.NewString()
		e.ExecutionID = executionID
		e.CreatedAt = now
		e.Citations = slices.Clone(e.Citations)
		out = append(out, e)
		g.evalIndex[e.EvaluationID] = struct{}{}
	}
	g.evaluations[executionID] = append(g.evaluations[executionID], out...)
	return slices.Clone(out), nil
}

func (g *InMemoryGateway) ListEvaluations(ctx context.Context, executionID string) ([]conditions.Evaluation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.evaluations[executionID]), nil
}

// RecordFeedback appends a feedback record for an existing evaluation.
func (g *InMemoryGateway) RecordFeedback(ctx context.Context, fb *Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.evalIndex[fb.EvaluationID]; !ok {
		return fmt.Errorf("evaluation %s: %w", fb.EvaluationID, errorskg.ErrNotFound)
	}
	if fb.FeedbackID == "" {
		fb.FeedbackID = uuid.NewString()
	}
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = g.now()
	}
	g.feedback = append(g.feedback, *fb)
	return nil
}

// Feedback returns the feedback recorded for an evaluation.
func (g *InMemoryGateway) Feedback(evaluationID string) []Feedback {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Feedback
	for _, fb := range g.feedback {
		if fb.EvaluationID == evaluationID {
			out = append(out, fb)
		}
	}
	return out
}

func (g *InMemoryGateway) UpsertLoanState(ctx context.Context, state *LoanState) error {
	if state == nil || state.LoanID == "" {
		return errorskg.Invalid("loan_guid", "loan id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	state.UpdatedAt = g.now()
	g.loans[state.LoanID] = *state
	return nil
}

func (g *InMemoryGateway) GetLoanState(ctx context.Context, loanID string) (*LoanState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ls, ok := g.loans[loanID]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", loanID, errorskg.ErrNotFound)
	}
	return &ls, nil
}

// UpsertRule adds or replaces a business rule by name.
func (g *InMemoryGateway) UpsertRule(ctx context.Context, rule conditions.BusinessRule) error {
	if rule.Name == "" {
		return errorskg.Invalid("rule_name", "rule name is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}
	for i, r := range g.rules {
		if r.Name == rule.Name {
			g.rules[i] = rule
			return nil
		}
	}
	g.rules = append(g.rules, rule)
	return nil
}

// ListActiveRules returns active rules by descending priority.
func (g *InMemoryGateway) ListActiveRules(ctx context.Context) ([]conditions.BusinessRule, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]conditions.BusinessRule, 0, len(g.rules))
	for _, r := range g.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b conditions.BusinessRule) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return out, nil
}

func (g *InMemoryGateway) Ping(context.Context) error { return nil }

func (g *InMemoryGateway) Close() error { return nil }
