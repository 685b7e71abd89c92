// Package conditions defines the data shapes exchanged with the prediction
// service, the evaluation pipeline and the review frontend.
package conditions

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ProcessingNoRelevantDocuments is reported by the evaluation pipeline when
// none of the uploaded documents relate to the requested conditions.
const ProcessingNoRelevantDocuments = "completed_no_relevant_documents"

// ID is an identifier the remote services emit either as a string or as a
// number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// IDFromInt formats an ordinal as an ID.
func IDFromInt(n int) ID { return ID(strconv.Itoa(n)) }

// Prediction is the condition-prediction service output.
type Prediction struct {
	DeficientConditions []Deficiency      `json:"deficient_conditions"`
	Compartments        []any             `json:"compartments"`
	FinalResults        PredictionResults `json:"final_results"`
	ExecutionID         string            `json:"execution_id,omitempty"`
}

// PredictionResults holds the scored, prioritized deficiencies.
type PredictionResults struct {
	TopN []ScoredDeficiency `json:"top_n"`
}

// Deficiency is a predicted deficient condition.
type Deficiency struct {
	ConditionID           string      `json:"condition_id"`
	ConditionName         string      `json:"condition_name,omitempty"`
	Compartment           string      `json:"compartment,omitempty"`
	Compartments          []string    `json:"compartments,omitempty"`
	ActionableInstruction string      `json:"actionable_instruction,omitempty"`
	OriginalDeficiency    *Deficiency `json:"original_deficiency,omitempty"`
}

// DisplayName returns the human label of the deficiency.
func (d Deficiency) DisplayName() string {
	if d.ConditionName != "" {
		return d.ConditionName
	}
	return d.ConditionID
}

// Category joins every compartment with "; ".
func (d Deficiency) Category() string {
	parts := make([]string, 0, len(d.Compartments)+1)
	for _, c := range d.Compartments {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 && strings.TrimSpace(d.Compartment) != "" {
		parts = append(parts, strings.TrimSpace(d.Compartment))
	}
	if len(parts) == 0 && d.OriginalDeficiency != nil {
		return d.OriginalDeficiency.Category()
	}
	return strings.Join(parts, "; ")
}

// Instruction resolves the actionable instruction: direct field, then the
// original deficiency, then the display name.
func (d Deficiency) Instruction() string {
	if s := strings.TrimSpace(d.ActionableInstruction); s != "" {
		return s
	}
	if d.OriginalDeficiency != nil {
		if s := strings.TrimSpace(d.OriginalDeficiency.ActionableInstruction); s != "" {
			return s
		}
	}
	return d.DisplayName()
}

// ScoredDeficiency is a top-N entry carrying priority scoring.
type ScoredDeficiency struct {
	Deficiency
	PriorityScore       float64            `json:"priority_score,omitempty"`
	DetectionConfidence float64            `json:"detection_confidence,omitempty"`
	PriorityDimensions  PriorityDimensions `json:"priority_dimensions,omitzero"`
}

type PriorityDimensions struct {
	Severity float64 `json:"severity"`
	Impact   float64 `json:"impact"`
	Urgency  float64 `json:"urgency"`
}

// EvaluationJob is the payload submitted to the evaluation pipeline.
type EvaluationJob struct {
	Conf JobConf `json:"conf"`
}

// Empty reports whether the job carries no conditions.
func (j *EvaluationJob) Empty() bool {
	return j == nil || len(j.Conf.Conditions) == 0
}

// SkippedOutput is the result of an empty job, which is never submitted.
func SkippedOutput() *EvaluationOutput {
	return &EvaluationOutput{
		ProcessingStatus:    "completed",
		ProcessedConditions: []ProcessedCondition{},
		Message:             "No conditions to evaluate",
	}
}

type JobConf struct {
	Conditions        []JobCondition `json:"conditions"`
	Documents         []BlobLocation `json:"s3_pdf_paths"`
	OutputDestination string         `json:"output_destination"`
}

type JobCondition struct {
	Condition JobConditionBody `json:"condition"`
}

type JobConditionBody struct {
	ID   int           `json:"id"`
	Name string        `json:"name"`
	Data ConditionData `json:"data"`
}

type ConditionData struct {
	Title       string `json:"Title"`
	Category    string `json:"Category"`
	Description string `json:"Description"`
}

// BlobLocation addresses an object in blob storage.
type BlobLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l BlobLocation) String() string { return l.Bucket + "/" + l.Key }

// EvaluationOutput is the evaluation pipeline result document.
type EvaluationOutput struct {
	ProcessingStatus    string               `json:"processing_status,omitempty"`
	ProcessedConditions []ProcessedCondition `json:"processed_conditions"`
	APIUsageSummary     APIUsageSummary      `json:"api_usage_summary"`
	WorkflowInfo        map[string]any       `json:"workflow_info,omitempty"`
	Message             string               `json:"message,omitempty"`
	WorkflowVersion     string               `json:"workflow_version,omitempty"`
}

// NoRelevantDocuments reports the structured empty-result outcome.
func (o *EvaluationOutput) NoRelevantDocuments() bool {
	return o != nil && o.ProcessingStatus == ProcessingNoRelevantDocuments
}

type APIUsageSummary struct {
	RelevanceCheck    map[string]any    `json:"relevance_check,omitempty"`
	ConditionAnalysis ConditionAnalysis `json:"condition_analysis"`
	Overall           map[string]any    `json:"overall,omitempty"`
}

type ConditionAnalysis struct {
	TotalCalls     int     `json:"total_calls"`
	TotalTokens    int     `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	TotalLatencyMS float64 `json:"total_latency_ms"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	Note           string  `json:"note,omitempty"`
}

// ProcessedCondition is one per-condition result of the evaluation pipeline.
type ProcessedCondition struct {
	ConditionID              ID               `json:"condition_id"`
	Title                    string           `json:"title,omitempty"`
	Description              string           `json:"description,omitempty"`
	Category                 string           `json:"category,omitempty"`
	DocumentStatus           string           `json:"document_status"`
	DocumentAnalysis         string           `json:"document_analysis,omitempty"`
	DocumentAnalysisThinking string           `json:"document_analysis_thinking,omitempty"`
	ResultDocumentID         ID               `json:"result_document_id,omitempty"`
	IsRelevant               *bool            `json:"is_relevant,omitempty"`
	Priority                 string           `json:"priority,omitempty"`
	AnalysisMetadata         AnalysisMetadata `json:"analysis_metadata"`
}

type AnalysisMetadata struct {
	ResultConfidence float64        `json:"result_confidence"`
	ModelUsed        string         `json:"model_used,omitempty"`
	TokensUsed       map[string]int `json:"tokens_used,omitempty"`
	CostUSD          float64        `json:"cost_usd"`
	LatencyMS        float64        `json:"latency_ms"`
}

// DisplayCondition is the review-frontend shape of a processed condition.
type DisplayCondition struct {
	ConditionID     ID             `json:"condition_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Category        string         `json:"category"`
	Status          string         `json:"status"`
	DocumentStatus  string         `json:"document_status"`
	Confidence      float64        `json:"confidence"`
	ConfidenceColor string         `json:"confidence_color"`
	ConfidenceLevel string         `json:"confidence_level"`
	AIReasoning     string         `json:"ai_reasoning"`
	AIThinking      string         `json:"ai_thinking"`
	Citations       Citation       `json:"citations"`
	ModelUsed       string         `json:"model_used"`
	TokensUsed      map[string]int `json:"tokens_used"`
	CostUSD         float64        `json:"cost_usd"`
	LatencyMS       float64        `json:"latency_ms"`
}

type Citation struct {
	DocumentID ID    `json:"document_id"`
	IsRelevant *bool `json:"is_relevant"`
}

// Document is a classified uploaded document from the document-lookup service.
type Document struct {
	DocumentID               string         `json:"document_id"`
	DocumentType             string         `json:"document_type"`
	ClassificationConfidence float64        `json:"classification_confidence"`
	ExtractedEntities        map[string]any `json:"extracted_entities,omitempty"`
	RawText                  string         `json:"raw_text,omitempty"`
	PageCount                int            `json:"page_count,omitempty"`
}

// Result is the persisted outcome of a condition evaluation.
type Result string

const (
	ResultSatisfied   Result = "satisfied"
	ResultUnsatisfied Result = "unsatisfied"
	ResultUncertain   Result = "uncertain"
)

// Evaluation is the per-condition evaluation record checked by guardrails and
// persisted at the storage step.
type Evaluation struct {
	EvaluationID  string    `json:"evaluation_id,omitempty"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	ConditionID   string    `json:"condition_id"`
	ConditionText string    `json:"condition_text"`
	Result        Result    `json:"result"`
	Confidence    float64   `json:"confidence"`
	ModelUsed     string    `json:"model_used,omitempty"`
	Reasoning     string    `json:"reasoning,omitempty"`
	Citations     []string  `json:"citations"`
	Priority      string    `json:"priority,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
}

// BusinessRule is an active guardrail rule: a named configuration map.
type BusinessRule struct {
	RuleID      string         `json:"rule_id,omitempty" yaml:"rule_id,omitempty"`
	Name        string         `json:"rule_name" yaml:"name"`
	Type        string         `json:"rule_type" yaml:"type"`
	Config      map[string]any `json:"rule_config" yaml:"config"`
	Active      bool           `json:"active" yaml:"active"`
	Priority    int            `json:"priority" yaml:"priority"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
}
