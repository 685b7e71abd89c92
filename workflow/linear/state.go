// Package linear implements the classify-and-route workflow:
// predict, transform, evaluate, classify, then auto_approve or human_review,
// then store.
package linear

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/workflow"
)

// Stages written by the steps. A failed step leaves its own step name as
// the stage.
const (
	StagePredicted      = "prediction_complete"
	StagePredictSkipped = "prediction_skipped"
	StageTransformed    = "transform_complete"
	StageEvaluated      = "evaluation_complete"
	StageClassified     = "classification_complete"
	StageAutoApproved   = "auto_approved"
	StageHumanReview    = "awaiting_review"
	StageCompleted      = "completed"
)

// StatusNoRelevantDocuments is the final-results status of a run whose
// documents matched none of the conditions.
const StatusNoRelevantDocuments = conditions.ProcessingNoRelevantDocuments

// Input is a linear workflow request. It arrives either as a loan id with
// document ids, or as prediction metadata with a document path. Raw
// conditions with document paths bypass the prediction service.
type Input struct {
	ExecutionID string `json:"-"`
	TraceID     string `json:"trace_id,omitempty"`

	LoanID      string   `json:"loan_id,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`

	Metadata     map[string]any `json:"metadata,omitempty"`
	DocumentPath string         `json:"document_path,omitempty"`

	Conditions    []map[string]any `json:"conditions,omitempty"`
	DocumentPaths []string         `json:"document_paths,omitempty"`
}

// Paths returns the document locations to evaluate: document_paths, then
// document_path, then the document ids that are blob paths.
func (in Input) Paths() []string {
	if len(in.DocumentPaths) > 0 {
		return slices.Clone(in.DocumentPaths)
	}
	if in.DocumentPath != "" {
		return []string{in.DocumentPath}
	}
	var out []string
	for _, id := range in.DocumentIDs {
		if strings.Contains(strings.TrimPrefix(id, "s3://"), "/") {
			out = append(out, id)
		}
	}
	return out
}

// Validate rejects requests that cannot start a run.
func (in Input) Validate() error {
	if len(in.Metadata) == 0 && in.LoanID == "" && len(in.Conditions) == 0 {
		return errorskg.Invalid("metadata", "one of loan_id, metadata or conditions is required")
	}
	if len(in.Paths()) == 0 {
		return errorskg.Invalid("document_path", "at least one document path is required")
	}
	return nil
}

// Summary counts the outcome of a run.
type Summary struct {
	TotalConditions     int    `json:"total_conditions"`
	Fulfilled           int    `json:"fulfilled"`
	NotFulfilled        int    `json:"not_fulfilled"`
	AutoApproved        int    `json:"auto_approved"`
	RequiresReview      int    `json:"requires_review"`
	NoRelevantDocuments bool   `json:"no_relevant_documents,omitempty"`
	Message             string `json:"message,omitempty"`
}

// ResultUsage is the evaluation pipeline usage reported with the results.
type ResultUsage struct {
	TotalTokens    int     `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	TotalLatencyMS float64 `json:"total_latency_ms"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
}

// FinalResults is the envelope returned to the caller.
type FinalResults struct {
	ExecutionID      string                        `json:"execution_id"`
	TraceID          string                        `json:"trace_id,omitempty"`
	Status           string                        `json:"status"`
	Timestamp        time.Time                     `json:"timestamp"`
	Summary          Summary                       `json:"summary"`
	Conditions       []conditions.DisplayCondition `json:"conditions"`
	Usage            ResultUsage                   `json:"usage"`
	WorkflowInfo     map[string]any                `json:"workflow_info,omitempty"`
	ValidationIssues []string                      `json:"validation_issues,omitempty"`
	Note             string                        `json:"note,omitempty"`
}

// State is threaded through the linear graph. Each step writes its own
// fields; the guards in graph.go check they exist before a reader runs.
type State struct {
	workflow.Control

	Input Input `json:"input"`

	Prediction        *conditions.Prediction       `json:"preconditions_output,omitempty"`
	PredictionSkipped bool                         `json:"prediction_skipped,omitempty"`
	Job               *conditions.EvaluationJob    `json:"transformed_input,omitempty"`
	Output            *conditions.EvaluationOutput `json:"conditions_ai_output,omitempty"`

	Classified          bool                            `json:"classified,omitempty"`
	Fulfilled           []conditions.ProcessedCondition `json:"fulfilled_conditions,omitempty"`
	NotFulfilled        []conditions.ProcessedCondition `json:"not_fulfilled_conditions,omitempty"`
	AutoApprovedCount   int                             `json:"auto_approved_count"`
	NoRelevantDocuments bool                            `json:"no_relevant_documents,omitempty"`

	Documents        []conditions.Document   `json:"documents,omitempty"`
	Evaluations      []conditions.Evaluation `json:"evaluations,omitempty"`
	ValidationIssues []string                `json:"validation_issues,omitempty"`

	FinalResults *FinalResults `json:"final_results,omitempty"`
}

// NewState returns the initial state for in.
func NewState(in Input, now time.Time) *State {
	s := &State{
		Control: workflow.NewControl(in.ExecutionID, in.TraceID, now),
		Input:   in,
	}
	s.LoanID = in.LoanID
	return s
}

// Clone implements graph.State.
func (s *State) Clone() *State {
	out := *s
	out.Control = s.CloneControl()
	out.Input.Metadata = maps.Clone(s.Input.Metadata)
	out.Input.DocumentIDs = slices.Clone(s.Input.DocumentIDs)
	out.Input.DocumentPaths = slices.Clone(s.Input.DocumentPaths)
	out.Input.Conditions = slices.Clone(s.Input.Conditions)
	out.Fulfilled = slices.Clone(s.Fulfilled)
	out.NotFulfilled = slices.Clone(s.NotFulfilled)
	out.Documents = slices.Clone(s.Documents)
	out.Evaluations = slices.Clone(s.Evaluations)
	out.ValidationIssues = slices.Clone(s.ValidationIssues)
	if s.FinalResults != nil {
		fr := *s.FinalResults
		fr.Conditions = slices.Clone(fr.Conditions)
		fr.ValidationIssues = slices.Clone(fr.ValidationIssues)
		out.FinalResults = &fr
	}
	return &out
}

// metadata returns the prediction input: the request metadata, or the loan
// id when only that was supplied.
func (s *State) metadata() map[string]any {
	if len(s.Input.Metadata) > 0 {
		return s.Input.Metadata
	}
	return map[string]any{"loan_guid": s.Input.LoanID, "document_ids": s.Input.DocumentIDs}
}

// rawConditions reports whether the request bypasses prediction.
func (s *State) rawConditions() bool {
	return len(s.Input.Conditions) > 0 && len(s.Input.Paths()) > 0
}
