// Package guardrails applies deterministic policy checks to condition
// evaluations. A tripped check never fails a run; it requests human review.
package guardrails

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
)

// Rule names understood by the validator.
const (
	RuleConfidenceThreshold    = "confidence_threshold"
	RuleCitationRequired       = "citation_required"
	RuleHighPriorityConfidence = "high_priority_confidence"
	RuleUncertainReasoning     = "uncertain_requires_reasoning"
)

// Config holds the validator thresholds.
type Config struct {
	ConfidenceThreshold    float64
	RequireCitations       bool
	CostBudgetUSD          float64
	MaxExecutionTimeout    time.Duration
	HighPriorityConfidence float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:    0.7,
		RequireCitations:       true,
		CostBudgetUSD:          5.0,
		MaxExecutionTimeout:    30 * time.Second,
		HighPriorityConfidence: 0.85,
	}
}

// Rules maps an active rule name to its configuration.
type Rules map[string]map[string]any

// Validator checks evaluations against thresholds and business rules.
// It is safe for concurrent use once constructed.
type Validator struct {
	cfg    Config
	rules  Rules
	logger *slog.Logger
}

// Option customizes a Validator.
type Option func(*Validator)

// WithLogger overrides the validator logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// New builds a validator. A nil rule set falls back to DefaultRules.
func New(cfg Config, rules Rules, opts ...Option) *Validator {
	if rules == nil {
		rules = DefaultRules()
	}
	v := &Validator{
		cfg:    cfg,
		rules:  rules,
		logger: logging.WithComponent("guardrails"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Config returns the validator thresholds.
func (v *Validator) Config() Config { return v.cfg }

// RuleNames returns the sorted active rule names.
func (v *Validator) RuleNames() []string {
	names := make([]string, 0, len(v.rules))
	for name := range v.rules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks every evaluation independently. Review is requested when
// any per-evaluation check trips. Cost overage is recorded as an issue only.
// The returned slice is a copy; evaluation content is never modified.
func (v *Validator) Validate(evals []conditions.Evaluation, docs []conditions.Document, costUSD float64) ([]conditions.Evaluation, bool, []string) {
	issues := []string{}
	requiresReview := false

	if issue, over := v.CheckCost(costUSD); over {
		issues = append(issues, issue)
		v.logger.Warn("cost budget exceeded", "cost_usd", costUSD, "budget_usd", v.cfg.CostBudgetUSD)
	}

	known := documentSet(docs)

	for _, e := range evals {
		var flags []string
		if msg, low := v.CheckConfidence(e); low {
			flags = append(flags, msg)
		}
		if v.checkHallucination(e, known) {
			flags = append(flags, "Potential hallucination detected")
		}
		flags = append(flags, v.CheckBusinessRules(e)...)

		if len(flags) > 0 {
			requiresReview = true
			issues = append(issues, fmt.Sprintf("Condition %s: %s", e.ConditionID, strings.Join(flags, ", ")))
			v.logger.Info("validation issues", "condition_id", e.ConditionID, "issues", flags)
		}
	}

	return slices.Clone(evals), requiresReview, issues
}

// CheckConfidence flags an evaluation below the confidence threshold. A
// confidence_threshold rule loaded from a rule source replaces the configured
// threshold.
func (v *Validator) CheckConfidence(e conditions.Evaluation) (string, bool) {
	threshold := v.cfg.ConfidenceThreshold
	if t, ok := floatRule(v.rules, RuleConfidenceThreshold, "threshold"); ok {
		threshold = t
	}
	if e.Confidence < threshold {
		return fmt.Sprintf("Low confidence: %.2f", e.Confidence), true
	}
	return "", false
}

// CheckHallucination reports a satisfied result without citations, or any
// citation naming a document outside docs. A nil docs means the document set
// is unknown and citations are not matched against it.
func (v *Validator) CheckHallucination(e conditions.Evaluation, docs []conditions.Document) bool {
	return v.checkHallucination(e, documentSet(docs))
}

func documentSet(docs []conditions.Document) map[string]struct{} {
	if docs == nil {
		return nil
	}
	known := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		known[d.DocumentID] = struct{}{}
	}
	return known
}

func (v *Validator) checkHallucination(e conditions.Evaluation, known map[string]struct{}) bool {
	if !v.citationsRequired() {
		return false
	}
	if e.Result == conditions.ResultSatisfied && len(e.Citations) == 0 {
		v.logger.Warn("satisfied condition without citations", "condition_id", e.ConditionID)
		return true
	}
	if known == nil {
		return false
	}
	for _, c := range e.Citations {
		if _, ok := known[c]; !ok {
			v.logger.Warn("citation not found in documents", "condition_id", e.ConditionID, "citation", c)
			return true
		}
	}
	return false
}

func (v *Validator) citationsRequired() bool {
	if b, ok := boolRule(v.rules, RuleCitationRequired, "require_citations"); ok {
		return b
	}
	return v.cfg.RequireCitations
}

// CheckBusinessRules returns the rule violations for one evaluation.
func (v *Validator) CheckBusinessRules(e conditions.Evaluation) []string {
	var violations []string

	minHigh := v.cfg.HighPriorityConfidence
	if t, ok := floatRule(v.rules, RuleHighPriorityConfidence, "threshold"); ok {
		minHigh = t
	}
	if strings.EqualFold(e.Priority, "high") && e.Confidence < minHigh {
		violations = append(violations, fmt.Sprintf("High-priority condition has low confidence: %.2f", e.Confidence))
	}

	enabled := true
	if b, ok := boolRule(v.rules, RuleUncertainReasoning, "enabled"); ok {
		enabled = b
	}
	if enabled && e.Result == conditions.ResultUncertain && strings.TrimSpace(e.Reasoning) == "" {
		violations = append(violations, "Uncertain result without reasoning")
	}
	return violations
}

// CheckCost reports whether the run cost exceeds the budget.
func (v *Validator) CheckCost(costUSD float64) (string, bool) {
	if v.cfg.CostBudgetUSD > 0 && costUSD > v.cfg.CostBudgetUSD {
		return fmt.Sprintf("Cost $%.2f exceeds budget $%.2f", costUSD, v.cfg.CostBudgetUSD), true
	}
	return "", false
}

// CheckTimeout reports whether a run has exceeded the execution timeout.
func (v *Validator) CheckTimeout(elapsed time.Duration) (string, bool) {
	if v.cfg.MaxExecutionTimeout > 0 && elapsed > v.cfg.MaxExecutionTimeout {
		v.logger.Warn("execution timeout exceeded", "elapsed", elapsed, "max", v.cfg.MaxExecutionTimeout)
		return fmt.Sprintf("Execution time %.1fs exceeds %.0fs", elapsed.Seconds(), v.cfg.MaxExecutionTimeout.Seconds()), true
	}
	return "", false
}

func floatRule(rules Rules, name, key string) (float64, bool) {
	cfg, ok := rules[name]
	if !ok {
		return 0, false
	}
	switch x := cfg[key].(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func boolRule(rules Rules, name, key string) (bool, bool) {
	cfg, ok := rules[name]
	if !ok {
		return false, false
	}
	b, ok := cfg[key].(bool)
	return b, ok
}
