// Package rewoo implements the plan / execute / solve workflow: a planner
// writes a tool plan, a worker runs it collecting evidence, a solver
// summarises the evidence and the store step assembles the final results.
package rewoo

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/workflow"
)

// Stages written by the steps.
const (
	StagePlanning         = "planning"
	StagePlanningComplete = "planning_complete"
	StageWorkerComplete   = "worker_complete"
	StageSolverComplete   = "solver_complete"
	StageCompleted        = "completed"
	StageFailed           = "failed"
)

// PlanStep is one tool invocation of a plan.
type PlanStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Tool        string         `json:"tool"`
	Input       map[string]any `json:"input"`
}

// Plan is the ordered list of steps the worker executes.
type Plan struct {
	Summary string     `json:"summary,omitempty"`
	Steps   []PlanStep `json:"steps"`
}

func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{Summary: p.Summary, Steps: make([]PlanStep, len(p.Steps))}
	for i, s := range p.Steps {
		s.Input = maps.Clone(s.Input)
		out.Steps[i] = s
	}
	return out
}

// Evidence is the audit record of one executed step.
type Evidence struct {
	StepID      string    `json:"step_id"`
	Tool        string    `json:"tool"`
	Output      any       `json:"output"`
	CompletedAt time.Time `json:"completed_at"`
}

// SolverResponse is the solver's summary plus counts re-derived from the
// evaluation evidence.
type SolverResponse struct {
	Summary           string                        `json:"summary"`
	FulfilledCount    int                           `json:"fulfilled_count"`
	NotFulfilledCount int                           `json:"not_fulfilled_count"`
	Conditions        []conditions.DisplayCondition `json:"conditions"`
}

// FinalResults is the envelope returned to the caller.
type FinalResults struct {
	ExecutionID       string                        `json:"execution_id"`
	TraceID           string                        `json:"trace_id,omitempty"`
	Status            workflow.Status               `json:"status"`
	Summary           string                        `json:"summary"`
	FulfilledCount    int                           `json:"fulfilled_count"`
	NotFulfilledCount int                           `json:"not_fulfilled_count"`
	Conditions        []conditions.DisplayCondition `json:"conditions"`
	Plan              *Plan                         `json:"plan"`
	Evidence          map[string]any                `json:"evidence"`
	Usage             workflow.Usage                `json:"usage"`
}

// State is threaded through the plan / execute / solve graph.
type State struct {
	workflow.Control

	Metadata          map[string]any `json:"metadata"`
	Instructions      string         `json:"instructions,omitempty"`
	Documents         []string       `json:"s3_pdf_paths"`
	OutputDestination string         `json:"output_destination,omitempty"`

	Plan              *Plan  `json:"plan,omitempty"`
	PlanningReasoning string `json:"planning_reasoning,omitempty"`

	Evidence    map[string]any `json:"evidence,omitempty"`
	EvidenceLog []Evidence     `json:"evidence_log,omitempty"`

	SolverResponse *SolverResponse `json:"solver_response,omitempty"`
	FinalResults   *FinalResults   `json:"final_results,omitempty"`
}

// Input is a plan-and-execute request.
type Input struct {
	ExecutionID       string
	TraceID           string
	LoanID            string
	Metadata          map[string]any
	Documents         []string
	Instructions      string
	OutputDestination string
}

// Validate rejects requests that cannot start a run.
func (in Input) Validate() error {
	if len(in.Documents) == 0 {
		return errorskg.Invalid("s3_pdf_paths", "at least one document path is required")
	}
	for _, d := range in.Documents {
		if strings.TrimSpace(d) == "" {
			return errorskg.Invalid("s3_pdf_paths", "document paths must not be blank")
		}
	}
	return nil
}

// NewState returns the initial state for in.
func NewState(in Input, now time.Time) *State {
	s := &State{
		Control:           workflow.NewControl(in.ExecutionID, in.TraceID, now),
		Metadata:          in.Metadata,
		Instructions:      in.Instructions,
		Documents:         in.Documents,
		OutputDestination: in.OutputDestination,
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.LoanID = in.LoanID
	s.Stage = StagePlanning
	return s
}

// Clone implements graph.State.
func (s *State) Clone() *State {
	out := *s
	out.Control = s.CloneControl()
	out.Metadata = maps.Clone(s.Metadata)
	out.Documents = slices.Clone(s.Documents)
	out.Plan = s.Plan.clone()
	out.Evidence = maps.Clone(s.Evidence)
	out.EvidenceLog = slices.Clone(s.EvidenceLog)
	if s.SolverResponse != nil {
		sr := *s.SolverResponse
		sr.Conditions = slices.Clone(sr.Conditions)
		out.SolverResponse = &sr
	}
	if s.FinalResults != nil {
		fr := *s.FinalResults
		out.FinalResults = &fr
	}
	return &out
}

// latestEvidence returns the step id of the most recent evidence.
func (s *State) latestEvidence() string {
	if len(s.EvidenceLog) == 0 {
		return ""
	}
	return s.EvidenceLog[len(s.EvidenceLog)-1].StepID
}
