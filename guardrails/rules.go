package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sweetpotato0/conditions-agent/conditions"
)

// DefaultRules is the minimal rule set used when no source can be loaded.
// It carries no confidence_threshold so the configured threshold applies.
func DefaultRules() Rules {
	return Rules{
		RuleCitationRequired: {"require_citations": true},
	}
}

// RuleSource supplies the active business rules.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]conditions.BusinessRule, error)
}

// RuleLister is the persistence gateway subset used by GatewaySource.
type RuleLister interface {
	ListActiveRules(ctx context.Context) ([]conditions.BusinessRule, error)
}

// GatewaySource loads rules from the persistence gateway.
type GatewaySource struct {
	Lister RuleLister
}

func (s GatewaySource) ActiveRules(ctx context.Context) ([]conditions.BusinessRule, error) {
	if s.Lister == nil {
		return nil, fmt.Errorf("guardrails: no rule lister configured")
	}
	return s.Lister.ListActiveRules(ctx)
}

// FileSource loads rules from a YAML document:
//
//	rules:
//	  - name: confidence_threshold
//	    type: threshold
//	    active: true
//	    config: {threshold: 0.75}
type FileSource struct {
	Path string
}

type ruleFile struct {
	Rules []conditions.BusinessRule `yaml:"rules"`
}

func (s FileSource) ActiveRules(context.Context) ([]conditions.BusinessRule, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("guardrails: read rules file: %w", err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("guardrails: parse rules file %s: %w", s.Path, err)
	}
	active := make([]conditions.BusinessRule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		if r.Active && r.Name != "" {
			active = append(active, r)
		}
	}
	return active, nil
}

// StaticSource serves a fixed rule list.
type StaticSource []conditions.BusinessRule

func (s StaticSource) ActiveRules(context.Context) ([]conditions.BusinessRule, error) {
	return s, nil
}

// LoadRules reads the active rules from src. A nil source or a load error
// yields DefaultRules. Later rules with the same name are ignored; sources
// return rules in descending priority.
func LoadRules(ctx context.Context, src RuleSource, logger *slog.Logger) Rules {
	if logger == nil {
		logger = slog.Default()
	}
	if src == nil {
		return DefaultRules()
	}
	list, err := src.ActiveRules(ctx)
	if err != nil {
		logger.Warn("could not load business rules, using defaults", "error", err)
		return DefaultRules()
	}
	rules := make(Rules, len(list))
	for _, r := range list {
		if _, dup := rules[r.Name]; dup || r.Name == "" {
			continue
		}
		rules[r.Name] = maps.Clone(r.Config)
		if rules[r.Name] == nil {
			rules[r.Name] = map[string]any{}
		}
	}
	logger.Info("loaded business rules", "count", len(rules))
	return rules
}

// Chain tries each source in order and returns the first that loads.
type Chain []RuleSource

func (c Chain) ActiveRules(ctx context.Context) ([]conditions.BusinessRule, error) {
	var lastErr error
	for _, src := range c {
		if src == nil {
			continue
		}
		rules, err := src.ActiveRules(ctx)
		if err == nil {
			return rules, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("guardrails: no rule source configured")
	}
	return nil, lastErr
}
