package transform

import (
	"maps"

	"github.com/sweetpotato0/conditions-agent/conditions"
)

// Confidence tiers. The bucketing is fixed.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"

	ColorGreen  = "green"
	ColorYellow = "yellow"
	ColorRed    = "red"
)

// ConfidenceTier buckets a confidence: >= 0.8 high/green, >= 0.5
// medium/yellow, else low/red.
func ConfidenceTier(confidence float64) (level, color string) {
	switch {
	case confidence >= 0.8:
		return TierHigh, ColorGreen
	case confidence >= 0.5:
		return TierMedium, ColorYellow
	default:
		return TierLow, ColorRed
	}
}

// FormatForFrontend maps a processed condition to its display record.
func FormatForFrontend(c conditions.ProcessedCondition, isFulfilled bool) conditions.DisplayCondition {
	meta := c.AnalysisMetadata
	level, color := ConfidenceTier(meta.ResultConfidence)

	status := StatusNotFulfilled
	if isFulfilled {
		status = StatusFulfilled
	}
	tokens := maps.Clone(meta.TokensUsed)
	if tokens == nil {
		tokens = map[string]int{}
	}

	return conditions.DisplayCondition{
		ConditionID:     c.ConditionID,
		Title:           c.Title,
		Description:     c.Description,
		Category:        c.Category,
		Status:          status,
		DocumentStatus:  c.DocumentStatus,
		Confidence:      meta.ResultConfidence,
		ConfidenceColor: color,
		ConfidenceLevel: level,
		AIReasoning:     c.DocumentAnalysis,
		AIThinking:      c.DocumentAnalysisThinking,
		Citations: conditions.Citation{
			DocumentID: c.ResultDocumentID,
			IsRelevant: c.IsRelevant,
		},
		ModelUsed:  meta.ModelUsed,
		TokensUsed: tokens,
		CostUSD:    meta.CostUSD,
		LatencyMS:  meta.LatencyMS,
	}
}

// FormatAll formats fulfilled conditions first, then not-fulfilled ones.
func FormatAll(fulfilled, notFulfilled []conditions.ProcessedCondition) []conditions.DisplayCondition {
	out := make([]conditions.DisplayCondition, 0, len(fulfilled)+len(notFulfilled))
	for _, c := range fulfilled {
		out = append(out, FormatForFrontend(c, true))
	}
	for _, c := range notFulfilled {
		out = append(out, FormatForFrontend(c, false))
	}
	return out
}
