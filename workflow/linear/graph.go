package linear

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	"github.com/sweetpotato0/conditions-agent/graph"
	"github.com/sweetpotato0/conditions-agent/guardrails"
	"github.com/sweetpotato0/conditions-agent/middleware"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/store"
	"github.com/sweetpotato0/conditions-agent/transform"
)

// Step names.
const (
	StepPredict     = "predict"
	StepTransform   = "transform"
	StepEvaluate    = "evaluate"
	StepClassify    = "classify"
	StepAutoApprove = "auto_approve"
	StepHumanReview = "human_review"
	StepStore       = "store"
)

// Predictor predicts deficient conditions from loan metadata.
type Predictor interface {
	Predict(ctx context.Context, metadata map[string]any) (*conditions.Prediction, error)
}

// Evaluator runs an evaluation job to completion.
type Evaluator interface {
	Evaluate(ctx context.Context, job *conditions.EvaluationJob, executionID string) (*conditions.EvaluationOutput, error)
}

// DocumentLookup resolves classified documents by id.
type DocumentLookup interface {
	GetDocuments(ctx context.Context, ids []string) ([]conditions.Document, error)
}

// Deps are the collaborators of the linear graph. Predictor and Evaluator
// are required; the rest are optional.
type Deps struct {
	Predictor Predictor
	Evaluator Evaluator

	// Documents feeds the citation check of the validator.
	Documents DocumentLookup

	// Validator enables guardrails in the classify step.
	Validator *guardrails.Validator

	// Gateway persists evaluation records and the loan state.
	Gateway store.Gateway

	Transformer *transform.Transformer
	Middleware  []middleware.Middleware

	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Workflow runs the linear graph.
type Workflow struct {
	graph *graph.Graph[*State]
	deps  Deps
	now   func() time.Time
	log   *slog.Logger
}

// New builds the linear graph.
func New(deps Deps) (*Workflow, error) {
	if deps.Predictor == nil {
		return nil, errors.New("linear: predictor is required")
	}
	if deps.Evaluator == nil {
		return nil, errors.New("linear: evaluator is required")
	}
	if deps.Transformer == nil {
		deps.Transformer = transform.New()
	}
	w := &Workflow{deps: deps, now: deps.Now, log: logging.WithComponent("linear")}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}

	w.graph = graph.NewBuilder[*State]().
		AddNode(StepPredict, w.predict).
		AddNode(StepTransform, w.transform).
		AddNode(StepEvaluate, w.evaluate).
		AddNode(StepClassify, w.classify).
		AddNode(StepAutoApprove, w.autoApprove).
		AddNode(StepHumanReview, w.humanReview).
		AddNode(StepStore, w.store).
		Require(StepTransform, func(s *State) error {
			if s.Prediction == nil && !s.PredictionSkipped {
				return errors.New("prediction not written")
			}
			return nil
		}).
		Require(StepEvaluate, func(s *State) error {
			if s.Job == nil {
				return errors.New("evaluation job not written")
			}
			return nil
		}).
		Require(StepClassify, func(s *State) error {
			if s.Output == nil {
				return errors.New("evaluation output not written")
			}
			return nil
		}).
		Require(StepAutoApprove, requireClassified).
		Require(StepHumanReview, requireClassified).
		Require(StepStore, requireClassified).
		AddEdge(StepPredict, StepTransform).
		AddEdge(StepTransform, StepEvaluate).
		AddEdge(StepEvaluate, StepClassify).
		AddConditionalEdges(StepClassify, Route, map[string]string{
			StepAutoApprove: StepAutoApprove,
			StepHumanReview: StepHumanReview,
		}).
		AddEdge(StepAutoApprove, StepStore).
		AddEdge(StepHumanReview, StepStore).
		AddEdge(StepStore, graph.End).
		SetStart(StepPredict).
		Use(deps.Middleware...).
		Build()
	return w, nil
}

// Route picks the branch after classification.
func Route(s *State) string {
	if s.RequiresHumanReview {
		return StepHumanReview
	}
	return StepAutoApprove
}

func requireClassified(s *State) error {
	if !s.Classified {
		return errors.New("classification not written")
	}
	return nil
}

// Start returns the initial state for in.
func (w *Workflow) Start(in Input) *State {
	return NewState(in, w.now())
}

// Run executes the graph to completion.
func (w *Workflow) Run(ctx context.Context, s *State) (*State, error) {
	return w.graph.Run(ctx, s)
}

// Stream executes the graph, yielding one event per step.
func (w *Workflow) Stream(ctx context.Context, s *State) iter.Seq2[graph.Event[*State], error] {
	return w.graph.Stream(ctx, s)
}
