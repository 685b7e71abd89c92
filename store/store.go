// Package store is the persistence gateway: execution lifecycle, condition
// evaluation records, reviewer feedback, loan aggregate state and business
// rules. It also holds the Redis progress cache and the Mongo evidence
// archive.
package store

import (
	"context"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

// Execution is one workflow run.
type Execution struct {
	ExecutionID  string    `json:"execution_id"`
	LoanID       string    `json:"loan_guid"`
	TraceID      string    `json:"trace_id,omitempty"`
	Workflow     string    `json:"workflow"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
	TotalTokens  int       `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    int64     `json:"latency_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// ExecutionUpdate carries the terminal status and metrics of a run. Nil
// metrics leave the stored value untouched.
type ExecutionUpdate struct {
	Status      string
	Error       string
	TotalTokens *int
	CostUSD     *float64
	LatencyMS   *int64
	CompletedAt time.Time
}

// Feedback is a reviewer correction of a stored evaluation. It is
// append-only; the evaluation itself is never rewritten.
type Feedback struct {
	FeedbackID      string    `json:"feedback_id"`
	EvaluationID    string    `json:"evaluation_id"`
	RMUserID        string    `json:"rm_user_id"`
	FeedbackType    string    `json:"feedback_type"`
	CorrectedResult string    `json:"corrected_result,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Validate checks the required fields.
func (f *Feedback) Validate() error {
	switch {
	case f == nil:
		return errorskg.Invalid("feedback", "feedback is required")
	case f.EvaluationID == "":
		return errorskg.Invalid("evaluation_id", "evaluation_id is required")
	case f.RMUserID == "":
		return errorskg.Invalid("rm_user_id", "rm_user_id is required")
	case f.FeedbackType == "":
		return errorskg.Invalid("feedback_type", "feedback_type is required")
	}
	switch conditions.Result(f.CorrectedResult) {
	case "", conditions.ResultSatisfied, conditions.ResultUnsatisfied, conditions.ResultUncertain:
		return nil
	}
	return errorskg.Invalid("corrected_result", "unknown result %q", f.CorrectedResult)
}

// LoanState is the per-loan summary upserted after every completed run.
type LoanState struct {
	LoanID           string    `json:"loan_guid"`
	CurrentStatus    string    `json:"current_status"`
	LastExecutionID  string    `json:"last_execution_id"`
	ConditionsCount  int       `json:"conditions_count"`
	SatisfiedCount   int       `json:"satisfied_count"`
	UnsatisfiedCount int       `json:"unsatisfied_count"`
	UncertainCount   int       `json:"uncertain_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewLoanState counts evaluation results into a loan summary.
func NewLoanState(loanID, executionID, status string, evals []conditions.Evaluation) *LoanState {
	ls := &LoanState{
		LoanID:          loanID,
		CurrentStatus:   status,
		LastExecutionID: executionID,
		ConditionsCount: len(evals),
	}
	for _, e := range evals {
		switch e.Result {
		case conditions.ResultSatisfied:
			ls.SatisfiedCount++
		case conditions.ResultUnsatisfied:
			ls.UnsatisfiedCount++
		default:
			ls.UncertainCount++
		}
	}
	return ls
}

// Gateway is the persistence contract used by the runner and the workflow
// store steps.
type Gateway interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecutionStatus(ctx context.Context, executionID string, update ExecutionUpdate) (*Execution, error)
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	CreateEvaluations(ctx context.Context, executionID string, evals []conditions.Evaluation) ([]conditions.Evaluation, error)
	ListEvaluations(ctx context.Context, executionID string) ([]conditions.Evaluation, error)

	RecordFeedback(ctx context.Context, fb *Feedback) error

	UpsertLoanState(ctx context.Context, state *LoanState) error
	GetLoanState(ctx context.Context, loanID string) (*LoanState, error)

	ListActiveRules(ctx context.Context) ([]conditions.BusinessRule, error)

	Ping(ctx context.Context) error
	Close() error
}
