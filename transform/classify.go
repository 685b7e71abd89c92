package transform

import (
	"strings"

	"github.com/sweetpotato0/conditions-agent/conditions"
)

// Normalized document statuses.
const (
	StatusFulfilled    = "fulfilled"
	StatusNotFulfilled = "not_fulfilled"
	StatusUncertain    = "uncertain"
)

var notFulfilledSynonyms = map[string]struct{}{
	"not fulfilled": {},
	"not_fulfilled": {},
	"unfulfilled":   {},
}

// NormalizeStatus case-folds a document status into fulfilled, not_fulfilled
// or uncertain.
func NormalizeStatus(status string) string {
	s := strings.ToLower(status)
	if s == StatusFulfilled {
		return StatusFulfilled
	}
	if _, ok := notFulfilledSynonyms[s]; ok {
		return StatusNotFulfilled
	}
	return StatusUncertain
}

// ExtractFulfilledAndNotFulfilled partitions processed conditions. Only the
// exact (case-insensitive) "fulfilled" status counts as fulfilled; everything
// else lands in not-fulfilled.
func ExtractFulfilledAndNotFulfilled(out *conditions.EvaluationOutput) (fulfilled, notFulfilled []conditions.ProcessedCondition) {
	fulfilled = []conditions.ProcessedCondition{}
	notFulfilled = []conditions.ProcessedCondition{}
	if out == nil {
		return fulfilled, notFulfilled
	}
	for _, c := range out.ProcessedConditions {
		if NormalizeStatus(c.DocumentStatus) == StatusFulfilled {
			fulfilled = append(fulfilled, c)
		} else {
			notFulfilled = append(notFulfilled, c)
		}
	}
	return fulfilled, notFulfilled
}

// ResultFor maps a document status onto the persisted result enum.
func ResultFor(status string) conditions.Result {
	switch NormalizeStatus(status) {
	case StatusFulfilled:
		return conditions.ResultSatisfied
	case StatusNotFulfilled:
		return conditions.ResultUnsatisfied
	default:
		return conditions.ResultUncertain
	}
}

// ToEvaluations converts processed conditions into evaluation records.
func ToEvaluations(executionID string, processed []conditions.ProcessedCondition) []conditions.Evaluation {
	out := make([]conditions.Evaluation, 0, len(processed))
	for _, c := range processed {
		text := c.Description
		if text == "" {
			text = c.Title
		}
		citations := []string{}
		if c.ResultDocumentID != "" {
			citations = append(citations, c.ResultDocumentID.String())
		}
		out = append(out, conditions.Evaluation{
			ExecutionID:   executionID,
			ConditionID:   c.ConditionID.String(),
			ConditionText: text,
			Result:        ResultFor(c.DocumentStatus),
			Confidence:    c.AnalysisMetadata.ResultConfidence,
			ModelUsed:     c.AnalysisMetadata.ModelUsed,
			Reasoning:     c.DocumentAnalysis,
			Citations:     citations,
			Priority:      c.Priority,
		})
	}
	return out
}
