package rewoo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/sweetpotato0/conditions-agent/graph"
	"github.com/sweetpotato0/conditions-agent/llm"
	"github.com/sweetpotato0/conditions-agent/middleware"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/store"
	"github.com/sweetpotato0/conditions-agent/workflow"
)

// Step names.
const (
	StepPlanner = "planner"
	StepWorker  = "worker"
	StepSolver  = "solver"
	StepStore   = "store"
)

// Deps are the collaborators of the plan / execute / solve graph.
type Deps struct {
	Planner *Planner
	Worker  *Worker
	Solver  *Solver

	// Archive receives the evidence log of completed runs. Optional.
	Archive store.EvidenceArchive

	// Middleware wraps every step.
	Middleware []middleware.Middleware

	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Agent runs the plan / execute / solve graph.
type Agent struct {
	graph   *graph.Graph[*State]
	archive store.EvidenceArchive
	now     func() time.Time
	logger  *slog.Logger
	planner *Planner
	worker  *Worker
	solver  *Solver
}

// New builds the agent graph.
func New(deps Deps) (*Agent, error) {
	if deps.Worker == nil {
		return nil, errors.New("rewoo: worker is required")
	}
	a := &Agent{
		archive: deps.Archive,
		now:     deps.Now,
		logger:  logging.WithComponent("rewoo"),
		planner: deps.Planner,
		worker:  deps.Worker,
		solver:  deps.Solver,
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	if a.planner == nil {
		a.planner = NewPlanner(nil, nil)
	}
	if a.solver == nil {
		a.solver = NewSolver(nil, nil)
	}
	a.worker.now = a.now

	a.graph = graph.NewBuilder[*State]().
		AddNode(StepPlanner, a.plan).
		AddNode(StepWorker, a.execute).
		AddNode(StepSolver, a.solve).
		AddNode(StepStore, a.store).
		Require(StepWorker, requirePlan).
		Require(StepSolver, requirePlan).
		Require(StepStore, func(s *State) error {
			if s.SolverResponse == nil {
				return errors.New("solver response not written")
			}
			return nil
		}).
		AddEdge(StepPlanner, StepWorker).
		AddEdge(StepWorker, StepSolver).
		AddEdge(StepSolver, StepStore).
		AddEdge(StepStore, graph.End).
		SetStart(StepPlanner).
		Use(deps.Middleware...).
		Build()
	return a, nil
}

// Start returns the initial state for in.
func (a *Agent) Start(in Input) *State {
	return NewState(in, a.now())
}

// Run executes the graph to completion.
func (a *Agent) Run(ctx context.Context, s *State) (*State, error) {
	return a.graph.Run(ctx, s)
}

// Stream executes the graph, yielding one event per step.
func (a *Agent) Stream(ctx context.Context, s *State) iter.Seq2[graph.Event[*State], error] {
	return a.graph.Stream(ctx, s)
}

func requirePlan(s *State) error {
	if s.Plan == nil {
		return errors.New("plan not written")
	}
	return nil
}

func (a *Agent) plan(ctx context.Context, s *State) (*State, error) {
	planned := a.planner.Plan(ctx, s)
	s.Plan = planned.Plan
	s.PlanningReasoning = planned.Reasoning
	accrue(s, planned.Response)
	s.Stage = StagePlanningComplete
	s.Log(StepPlanner, fmt.Sprintf("%d steps (fallback=%t)", len(s.Plan.Steps), planned.Fallback), a.now())
	return s, nil
}

func (a *Agent) execute(ctx context.Context, s *State) (*State, error) {
	a.worker.Execute(ctx, s)
	summary := fmt.Sprintf("%d of %d steps executed", len(s.EvidenceLog), len(s.Plan.Steps))
	if s.Halted() {
		summary += ": " + s.Error
	}
	s.Log(StepWorker, summary, a.now())
	return s, nil
}

func (a *Agent) solve(ctx context.Context, s *State) (*State, error) {
	solved := a.solver.Solve(ctx, s)
	s.SolverResponse = solved.Answer
	accrue(s, solved.Response)
	s.Stage = StageSolverComplete
	s.Log(StepSolver, fmt.Sprintf("%d fulfilled, %d not fulfilled",
		solved.Answer.FulfilledCount, solved.Answer.NotFulfilledCount), a.now())
	return s, nil
}

func (a *Agent) store(ctx context.Context, s *State) (*State, error) {
	now := a.now()
	sr := s.SolverResponse
	s.RequiresHumanReview = sr.NotFulfilledCount > 0
	s.Stage = StageCompleted
	s.Finish(workflow.StatusCompleted, now)
	s.Log(StepStore, "final results assembled", now)

	s.FinalResults = &FinalResults{
		ExecutionID:       s.ExecutionID,
		TraceID:           s.TraceID,
		Status:            workflow.StatusCompleted,
		Summary:           sr.Summary,
		FulfilledCount:    sr.FulfilledCount,
		NotFulfilledCount: sr.NotFulfilledCount,
		Conditions:        sr.Conditions,
		Plan:              s.Plan,
		Evidence:          s.Evidence,
		Usage:             s.Usage.Clone(),
	}

	if a.archive != nil && len(s.EvidenceLog) > 0 {
		entries := make([]store.EvidenceEntry, 0, len(s.EvidenceLog))
		for _, e := range s.EvidenceLog {
			entries = append(entries, store.EvidenceEntry{
				ExecutionID: s.ExecutionID,
				StepID:      e.StepID,
				ToolName:    e.Tool,
				Output:      e.Output,
				CompletedAt: e.CompletedAt,
			})
		}
		if err := a.archive.Archive(ctx, s.ExecutionID, entries); err != nil {
			a.logger.Warn("failed to archive evidence", "execution_id", s.ExecutionID, "error", err)
		}
	}
	return s, nil
}

// accrue adds the token usage and cost of a model reply.
func accrue(s *State, resp *llm.Response) {
	if resp == nil {
		return
	}
	s.Usage.Add(resp.Model, resp.Usage.Total(), llm.Cost(resp.Model, resp.Usage))
}
