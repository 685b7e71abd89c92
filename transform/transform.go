// Package transform maps between the prediction-service output, the
// evaluation-pipeline job/result documents and the review-frontend shape.
// Every function is free of I/O.
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

const defaultCategory = "General"

// Transformer carries the clock and id source used for output destinations.
type Transformer struct {
	Now     func() time.Time
	ShortID func() string

	// OutputBucket overrides the bucket of generated output destinations.
	OutputBucket string
}

// New returns a Transformer using the wall clock and random ids.
func New() *Transformer {
	return &Transformer{Now: time.Now, ShortID: shortID}
}

var std = New()

// PredictionToEvaluation transforms prediction output with the package
// default transformer.
func PredictionToEvaluation(pred *conditions.Prediction, documentPath string) (*conditions.EvaluationJob, error) {
	return std.PredictionToEvaluation(pred, documentPath)
}

// MetadataToEvaluation transforms caller-supplied conditions with the package
// default transformer.
func MetadataToEvaluation(conds []map[string]any, documentPaths []string, outputDestination string) (*conditions.EvaluationJob, error) {
	return std.MetadataToEvaluation(conds, documentPaths, outputDestination)
}

// PredictionToEvaluation builds the evaluation job for one document. The
// scored top-N list is preferred over the raw deficiency list.
func (t *Transformer) PredictionToEvaluation(pred *conditions.Prediction, documentPath string) (*conditions.EvaluationJob, error) {
	if pred == nil {
		return nil, errorskg.Invalid("prediction", "prediction output is required")
	}
	loc, err := ParseBlobPath(documentPath)
	if err != nil {
		return nil, err
	}

	deficiencies := SelectDeficiencies(pred)
	items := make([]conditions.JobCondition, 0, len(deficiencies))
	for i, d := range deficiencies {
		title := d.ConditionID
		if title == "" {
			title = d.DisplayName()
		}
		category := d.Category()
		if category == "" {
			category = defaultCategory
		}
		items = append(items, conditions.JobCondition{
			Condition: conditions.JobConditionBody{
				ID:   i + 1,
				Name: d.DisplayName(),
				Data: conditions.ConditionData{
					Title:       title,
					Category:    category,
					Description: d.Instruction(),
				},
			},
		})
	}

	return &conditions.EvaluationJob{Conf: conditions.JobConf{
		Conditions:        items,
		Documents:         []conditions.BlobLocation{loc},
		OutputDestination: t.destination(loc.Bucket),
	}}, nil
}

func (t *Transformer) destination(documentBucket string) string {
	bucket := documentBucket
	if t.OutputBucket != "" {
		bucket = t.OutputBucket
	}
	return OutputDestination(bucket, t.Now(), t.ShortID())
}

// SelectDeficiencies returns the scored top-N entries when present, else the
// raw deficiency list.
func SelectDeficiencies(pred *conditions.Prediction) []conditions.Deficiency {
	if pred == nil {
		return nil
	}
	if len(pred.FinalResults.TopN) > 0 {
		out := make([]conditions.Deficiency, 0, len(pred.FinalResults.TopN))
		for _, s := range pred.FinalResults.TopN {
			out = append(out, s.Deficiency)
		}
		return out
	}
	return pred.DeficientConditions
}

// MetadataToEvaluation builds an evaluation job from raw condition dicts and
// one or more document paths. An empty condition list, an empty path list or
// any unparseable path is a validation error. An empty outputDestination is
// generated under the first document's bucket.
func (t *Transformer) MetadataToEvaluation(conds []map[string]any, documentPaths []string, outputDestination string) (*conditions.EvaluationJob, error) {
	if len(conds) == 0 {
		return nil, errorskg.Invalid("conditions", "at least one condition is required")
	}
	if len(documentPaths) == 0 {
		return nil, errorskg.Invalid("document_paths", "at least one document path is required")
	}

	locs := make([]conditions.BlobLocation, 0, len(documentPaths))
	for _, p := range documentPaths {
		loc, err := ParseBlobPath(p)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}

	items := make([]conditions.JobCondition, 0, len(conds))
	for i, raw := range conds {
		body, err := rawCondition(raw, i+1)
		if err != nil {
			return nil, err
		}
		items = append(items, conditions.JobCondition{Condition: body})
	}

	if outputDestination == "" {
		outputDestination = t.destination(locs[0].Bucket)
	}
	return &conditions.EvaluationJob{Conf: conditions.JobConf{
		Conditions:        items,
		Documents:         locs,
		OutputDestination: outputDestination,
	}}, nil
}

func rawCondition(raw map[string]any, ordinal int) (conditions.JobConditionBody, error) {
	if nested, ok := raw["condition"].(map[string]any); ok {
		raw = nested
		if data, ok := nested["data"].(map[string]any); ok {
			merged := map[string]any{}
			for k, v := range nested {
				merged[k] = v
			}
			for k, v := range data {
				merged[strings.ToLower(k)] = v
			}
			raw = merged
		}
	}

	id := firstString(raw, "condition_id", "id")
	name := firstString(raw, "name", "condition_name", "title")
	title := firstString(raw, "title")
	if title == "" {
		title = id
	}
	if title == "" {
		title = name
	}
	if title == "" {
		return conditions.JobConditionBody{}, errorskg.Invalid(fmt.Sprintf("conditions[%d]", ordinal-1),
			"condition needs an id, title or name")
	}
	if name == "" {
		name = title
	}

	category := firstString(raw, "category", "compartment")
	if category == "" {
		if list, ok := raw["compartments"].([]any); ok {
			parts := []string{}
			for _, c := range list {
				if s := strings.TrimSpace(fmt.Sprint(c)); s != "" {
					parts = append(parts, s)
				}
			}
			category = strings.Join(parts, "; ")
		}
	}
	if category == "" {
		category = defaultCategory
	}

	description := firstString(raw, "description", "actionable_instruction", "instruction")
	if description == "" {
		description = name
	}

	return conditions.JobConditionBody{
		ID:   ordinal,
		Name: name,
		Data: conditions.ConditionData{Title: title, Category: category, Description: description},
	}, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			s = fmt.Sprint(x)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
