package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/transform"
)

// Names of the tools available to plans.
const (
	PredictConditions  = "call_preconditions_api"
	EvaluateConditions = "call_conditions_ai_api"
	RetrieveDocument   = "retrieve_s3_document"
	QueryDatabase      = "query_database"
)

const statusNotImplemented = "not_implemented"

// Predictor predicts deficient conditions from loan metadata.
type Predictor interface {
	Predict(ctx context.Context, metadata map[string]any) (*conditions.Prediction, error)
}

// Evaluator runs an evaluation job to completion.
type Evaluator interface {
	Evaluate(ctx context.Context, job *conditions.EvaluationJob, executionID string) (*conditions.EvaluationOutput, error)
}

type executionIDKey struct{}

// WithExecutionID tags ctx with the execution the tool calls belong to.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionID returns the execution id carried by ctx.
func ExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey{}).(string)
	return id
}

// ConditionsTools implements the loan-conditions tools over the prediction
// and evaluation services.
type ConditionsTools struct {
	predictor        Predictor
	evaluator        Evaluator
	transformer      *transform.Transformer
	defaultDocuments []string
	logger           *slog.Logger
}

// NewConditionsTools creates the tool set. defaultDocuments are used when a
// call names no documents.
func NewConditionsTools(p Predictor, e Evaluator, defaultDocuments []string) *ConditionsTools {
	return &ConditionsTools{
		predictor:        p,
		evaluator:        e,
		transformer:      transform.New(),
		defaultDocuments: defaultDocuments,
		logger:           logging.WithComponent("tools"),
	}
}

// WithDefaultDocuments returns a copy using docs as the default documents.
func (t *ConditionsTools) WithDefaultDocuments(docs []string) *ConditionsTools {
	c := *t
	c.defaultDocuments = docs
	return &c
}

// Registry returns a registry holding the four tools.
func (t *ConditionsTools) Registry() *Registry {
	r := NewRegistry()
	for _, tl := range t.Tools() {
		if err := r.Register(tl); err != nil {
			panic(err)
		}
	}
	return r
}

// Tools returns the tool definitions.
func (t *ConditionsTools) Tools() []*Tool {
	return []*Tool{
		{
			Name:        PredictConditions,
			Description: "Predict deficient underwriting conditions for a loan from its metadata.",
			Parameters: []Parameter{
				{Name: "metadata", Type: "object", Description: "Loan and borrower metadata"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return t.CallPreconditions(ctx, args)
			},
		},
		{
			Name: EvaluateConditions,
			Description: "Evaluate conditions against uploaded documents. Accepts a transformed_input job, " +
				"a preconditions_output prediction, or raw condition metadata.",
			Parameters: []Parameter{
				{Name: "transformed_input", Type: "object", Description: "Evaluation job ready for submission"},
				{Name: "preconditions_output", Type: "object", Description: "Prediction output to transform"},
				{Name: "metadata", Type: "array", Description: "Raw condition records to transform"},
				{Name: "documents", Type: "array", Description: "Document paths (bucket/key or s3://bucket/key)"},
				{Name: "output_destination", Type: "string", Description: "Result location for raw metadata jobs"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return t.CallConditionsAI(ctx, args)
			},
		},
		{
			Name:        RetrieveDocument,
			Description: "Fetch an additional document from blob storage (not implemented).",
			Parameters: []Parameter{
				{Name: "path", Type: "string", Description: "Document path"},
			},
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				path := args["s3_path"]
				if path == nil {
					path = args["path"]
				}
				return map[string]any{
					"path":    path,
					"status":  statusNotImplemented,
					"message": "Document retrieval is not implemented.",
				}, nil
			},
		},
		{
			Name:        QueryDatabase,
			Description: "Retrieve historical loan context (not implemented).",
			Parameters: []Parameter{
				{Name: "query", Type: "string", Description: "Query text"},
			},
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				return map[string]any{
					"query":   args,
					"status":  statusNotImplemented,
					"message": "Database query is not implemented.",
				}, nil
			},
		},
	}
}

// CallPreconditions predicts conditions from payload["metadata"], or from
// the whole payload when it has no metadata entry.
func (t *ConditionsTools) CallPreconditions(ctx context.Context, payload map[string]any) (*conditions.Prediction, error) {
	if t.predictor == nil {
		return nil, fmt.Errorf("prediction client: %w", errorskg.ErrNotConfigured)
	}
	metadata, ok := payload["metadata"].(map[string]any)
	if !ok || len(metadata) == 0 {
		metadata = payload
	}
	return t.predictor.Predict(ctx, metadata)
}

// CallConditionsAI evaluates, in order of preference, a ready job, a
// prediction output, or raw condition metadata.
func (t *ConditionsTools) CallConditionsAI(ctx context.Context, payload map[string]any) (*conditions.EvaluationOutput, error) {
	job, err := t.buildJob(payload)
	if err != nil {
		return nil, err
	}
	if job.Empty() {
		t.logger.Info("evaluation job has no conditions, skipping submission")
		return conditions.SkippedOutput(), nil
	}
	if t.evaluator == nil {
		return nil, fmt.Errorf("evaluation client: %w", errorskg.ErrNotConfigured)
	}
	return t.evaluator.Evaluate(ctx, job, ExecutionID(ctx))
}

func (t *ConditionsTools) buildJob(payload map[string]any) (*conditions.EvaluationJob, error) {
	if present(payload["transformed_input"]) {
		job, err := As[conditions.EvaluationJob](payload["transformed_input"])
		if err != nil {
			return nil, errorskg.Invalid("transformed_input", "malformed evaluation job: %v", err)
		}
		return job, nil
	}

	if present(payload["preconditions_output"]) {
		docs, err := t.documents(payload)
		if err != nil {
			return nil, err
		}
		pred, err := As[conditions.Prediction](payload["preconditions_output"])
		if err != nil {
			return nil, errorskg.Invalid("preconditions_output", "malformed prediction: %v", err)
		}
		return t.transformer.PredictionToEvaluation(pred, docs[0])
	}

	if present(payload["metadata"]) {
		docs, err := t.documents(payload)
		if err != nil {
			return nil, err
		}
		conds, err := conditionRecords(payload["metadata"])
		if err != nil {
			return nil, err
		}
		dest, _ := payload["output_destination"].(string)
		return t.transformer.MetadataToEvaluation(conds, docs, dest)
	}

	return nil, errorskg.Invalid("payload",
		"call_conditions_ai_api requires one of: transformed_input, preconditions_output, or metadata")
}

func (t *ConditionsTools) documents(payload map[string]any) ([]string, error) {
	docs := stringList(payload["documents"])
	if len(docs) == 0 {
		docs = t.defaultDocuments
	}
	if len(docs) == 0 {
		return nil, errorskg.Invalid("documents", "call_conditions_ai_api requires at least one document path")
	}
	return docs, nil
}

// As converts v, either a T, a *T or any JSON-shaped value, into a *T.
func As[T any](v any) (*T, error) {
	switch x := v.(type) {
	case *T:
		if x == nil {
			return nil, fmt.Errorf("nil %T", x)
		}
		return x, nil
	case T:
		return &x, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// present reports whether v is a usable value: non-nil, and not an empty
// string, map or slice. Strings are placeholders written by planners.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return false
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	case *conditions.Prediction:
		return x != nil
	case *conditions.EvaluationJob:
		return x != nil
	}
	return true
}

func conditionRecords(v any) ([]map[string]any, error) {
	switch x := v.(type) {
	case []map[string]any:
		return x, nil
	case map[string]any:
		if inner, ok := x["conditions"]; ok {
			return conditionRecords(inner)
		}
		return []map[string]any{x}, nil
	case []any:
		out := make([]map[string]any, 0, len(x))
		for i, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, errorskg.Invalid("metadata", "condition %d is not an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, errorskg.Invalid("metadata", "expected a list of condition records, got %T", v)
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case string:
		if x != "" {
			return []string{x}
		}
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
