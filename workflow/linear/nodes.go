package linear

import (
	"context"
	"fmt"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/store"
	"github.com/sweetpotato0/conditions-agent/transform"
	"github.com/sweetpotato0/conditions-agent/workflow"
)

func (w *Workflow) predict(ctx context.Context, s *State) (*State, error) {
	if s.rawConditions() {
		s.PredictionSkipped = true
		s.Stage = StagePredictSkipped
		s.Log(StepPredict, "skipped, raw conditions supplied", w.now())
		return s, nil
	}

	pred, err := w.deps.Predictor.Predict(ctx, s.metadata())
	if err != nil {
		w.log.Error("prediction failed", "execution_id", s.ExecutionID, "error", err)
		s.Fail(StepPredict, fmt.Errorf("prediction service failed: %w", err))
		return s, nil
	}
	s.Prediction = pred
	s.Stage = StagePredicted
	s.Log(StepPredict, fmt.Sprintf("%d conditions predicted", len(pred.DeficientConditions)), w.now())
	return s, nil
}

func (w *Workflow) transform(_ context.Context, s *State) (*State, error) {
	var (
		job *conditions.EvaluationJob
		err error
	)
	paths := s.Input.Paths()
	switch {
	case len(paths) == 0:
		err = errorskg.Invalid("document_path", "at least one document path is required")
	case s.PredictionSkipped:
		job, err = w.deps.Transformer.MetadataToEvaluation(s.Input.Conditions, paths, "")
	default:
		job, err = w.deps.Transformer.PredictionToEvaluation(s.Prediction, paths[0])
	}
	if err != nil {
		w.log.Error("transformation failed", "execution_id", s.ExecutionID, "error", err)
		s.Fail(StepTransform, fmt.Errorf("transformation failed: %w", err))
		return s, nil
	}

	s.Job = job
	s.Stage = StageTransformed
	s.Log(StepTransform, fmt.Sprintf("%d conditions transformed", len(job.Conf.Conditions)), w.now())
	w.log.Info("evaluation job prepared", "execution_id", s.ExecutionID,
		"conditions", len(job.Conf.Conditions), "output_destination", job.Conf.OutputDestination)
	return s, nil
}

func (w *Workflow) evaluate(ctx context.Context, s *State) (*State, error) {
	var out *conditions.EvaluationOutput
	if s.Job.Empty() {
		out = conditions.SkippedOutput()
	} else {
		var err error
		out, err = w.deps.Evaluator.Evaluate(ctx, s.Job, s.ExecutionID)
		if err != nil {
			w.log.Error("evaluation failed", "execution_id", s.ExecutionID, "error", err)
			s.Fail(StepEvaluate, fmt.Errorf("evaluation service failed: %w", err))
			return s, nil
		}
	}

	s.Output = out
	accrueEvaluation(&s.Usage, out)
	s.Stage = StageEvaluated
	s.Log(StepEvaluate, fmt.Sprintf("%d conditions evaluated", len(out.ProcessedConditions)), w.now())
	return s, nil
}

// accrueEvaluation adds the evaluation pipeline usage, per model when the
// conditions report it and as one aggregate otherwise.
func accrueEvaluation(u *workflow.Usage, out *conditions.EvaluationOutput) {
	perCondition := false
	for _, c := range out.ProcessedConditions {
		meta := c.AnalysisMetadata
		tokens := 0
		for _, n := range meta.TokensUsed {
			tokens += n
		}
		if tokens == 0 && meta.CostUSD == 0 {
			continue
		}
		perCondition = true
		u.Add(meta.ModelUsed, tokens, meta.CostUSD)
	}
	if perCondition {
		return
	}
	ca := out.APIUsageSummary.ConditionAnalysis
	if ca.TotalTokens > 0 || ca.TotalCostUSD > 0 {
		u.Add("conditions_ai", ca.TotalTokens, ca.TotalCostUSD)
	}
}

func (w *Workflow) classify(ctx context.Context, s *State) (*State, error) {
	s.Classified = true
	s.Stage = StageClassified

	if s.Output.NoRelevantDocuments() {
		s.NoRelevantDocuments = true
		s.Fulfilled = []conditions.ProcessedCondition{}
		s.NotFulfilled = []conditions.ProcessedCondition{}
		s.RequiresHumanReview = false
		s.AutoApprovedCount = 0
		s.Log(StepClassify, "No relevant documents found", w.now())
		return s, nil
	}

	fulfilled, notFulfilled := transform.ExtractFulfilledAndNotFulfilled(s.Output)
	s.Fulfilled = fulfilled
	s.NotFulfilled = notFulfilled
	s.AutoApprovedCount = len(fulfilled)
	s.RequiresHumanReview = len(notFulfilled) > 0
	s.Evaluations = transform.ToEvaluations(s.ExecutionID, append(append([]conditions.ProcessedCondition{}, fulfilled...), notFulfilled...))

	if w.deps.Validator != nil {
		docs := w.lookupDocuments(ctx, s)
		validated, review, issues := w.deps.Validator.Validate(s.Evaluations, docs, s.Usage.TotalCostUSD)
		s.Evaluations = validated
		s.ValidationIssues = append(s.ValidationIssues, issues...)
		if review {
			s.RequiresHumanReview = true
		}
	}

	s.Log(StepClassify, fmt.Sprintf("%d fulfilled, %d need review", len(fulfilled), len(notFulfilled)), w.now())
	return s, nil
}

// lookupDocuments returns the request documents, or nil when the set is
// unknown: no ids were supplied, no lookup is configured or the lookup
// failed.
func (w *Workflow) lookupDocuments(ctx context.Context, s *State) []conditions.Document {
	if w.deps.Documents == nil || len(s.Input.DocumentIDs) == 0 {
		return nil
	}
	docs, err := w.deps.Documents.GetDocuments(ctx, s.Input.DocumentIDs)
	if err != nil {
		w.log.Warn("document lookup failed, skipping citation check", "execution_id", s.ExecutionID, "error", err)
		s.ValidationIssues = append(s.ValidationIssues, "Document lookup failed: "+err.Error())
		return nil
	}
	s.Documents = docs
	return docs
}

func (w *Workflow) autoApprove(_ context.Context, s *State) (*State, error) {
	s.Stage = StageAutoApproved
	s.Log(StepAutoApprove, fmt.Sprintf("%d conditions auto-approved", len(s.Fulfilled)), w.now())
	w.log.Info("auto-approving conditions", "execution_id", s.ExecutionID, "count", len(s.Fulfilled))
	return s, nil
}

func (w *Workflow) humanReview(_ context.Context, s *State) (*State, error) {
	s.Stage = StageHumanReview
	s.Log(StepHumanReview, fmt.Sprintf("%d conditions need RM review", len(s.NotFulfilled)), w.now())
	w.log.Info("conditions marked for review", "execution_id", s.ExecutionID,
		"not_fulfilled", len(s.NotFulfilled), "issues", len(s.ValidationIssues))
	return s, nil
}

func (w *Workflow) store(ctx context.Context, s *State) (*State, error) {
	now := w.now()

	if w.deps.Validator != nil {
		if issue, over := w.deps.Validator.CheckTimeout(s.Elapsed(now)); over {
			s.ValidationIssues = append(s.ValidationIssues, issue)
		}
	}

	status := workflow.StatusCompleted
	if s.RequiresHumanReview {
		status = workflow.StatusNeedsReview
	}

	if w.deps.Gateway != nil {
		if err := w.persist(ctx, s, status); err != nil {
			w.log.Error("failed to persist results", "execution_id", s.ExecutionID, "error", err)
			s.Fail(StepStore, fmt.Errorf("persisting results: %w", err))
			return s, nil
		}
	}

	s.FinalResults = w.finalResults(s, status, now)
	s.Stage = StageCompleted
	s.Finish(status, now)
	s.Log(StepStore, "Results stored successfully", now)
	return s, nil
}

func (w *Workflow) persist(ctx context.Context, s *State, status workflow.Status) error {
	if len(s.Evaluations) > 0 {
		stored, err := w.deps.Gateway.CreateEvaluations(ctx, s.ExecutionID, s.Evaluations)
		if err != nil {
			return err
		}
		s.Evaluations = stored
	}
	if s.LoanID == "" {
		return nil
	}
	return w.deps.Gateway.UpsertLoanState(ctx, store.NewLoanState(s.LoanID, s.ExecutionID, string(status), s.Evaluations))
}

func (w *Workflow) finalResults(s *State, status workflow.Status, now time.Time) *FinalResults {
	out := s.Output
	fr := &FinalResults{
		ExecutionID:      s.ExecutionID,
		TraceID:          s.TraceID,
		Status:           string(status),
		Timestamp:        now,
		WorkflowInfo:     out.WorkflowInfo,
		ValidationIssues: s.ValidationIssues,
	}

	if s.NoRelevantDocuments {
		fr.Status = StatusNoRelevantDocuments
		fr.Summary = Summary{
			NoRelevantDocuments: true,
			Message:             "No uploaded documents were relevant to the specified conditions",
		}
		fr.Conditions = []conditions.DisplayCondition{}
		fr.Note = out.Message
		if fr.Note == "" {
			fr.Note = "No relevant documents found"
		}
		return fr
	}

	all := transform.FormatAll(s.Fulfilled, s.NotFulfilled)
	ca := out.APIUsageSummary.ConditionAnalysis
	fr.Summary = Summary{
		TotalConditions: len(all),
		Fulfilled:       len(s.Fulfilled),
		NotFulfilled:    len(s.NotFulfilled),
		AutoApproved:    len(s.Fulfilled),
		RequiresReview:  len(s.NotFulfilled),
	}
	fr.Conditions = all
	fr.Usage = ResultUsage{
		TotalTokens:    ca.TotalTokens,
		TotalCostUSD:   ca.TotalCostUSD,
		TotalLatencyMS: ca.TotalLatencyMS,
		AvgLatencyMS:   ca.AvgLatencyMS,
	}
	return fr
}
