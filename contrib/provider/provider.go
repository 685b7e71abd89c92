// Package provider builds the configured llm.Client for the planner and the
// solver.
package provider

import (
	"context"
	"fmt"

	"github.com/sweetpotato0/conditions-agent/config"
	"github.com/sweetpotato0/conditions-agent/contrib/provider/claude"
	"github.com/sweetpotato0/conditions-agent/contrib/provider/gemini"
	"github.com/sweetpotato0/conditions-agent/contrib/provider/groq"
	"github.com/sweetpotato0/conditions-agent/contrib/provider/openai"
	"github.com/sweetpotato0/conditions-agent/llm"
)

// Purpose selects the model and temperature pair of a client.
type Purpose int

const (
	Planner Purpose = iota
	Solver
)

// New returns the client for purpose, or nil when the provider is "none" or
// no API key is configured. The returned close function is never nil.
func New(ctx context.Context, s config.LLMSettings, purpose Purpose) (llm.Client, func() error, error) {
	noop := func() error { return nil }
	if s.Provider == "" || s.Provider == "none" || s.APIKey == "" {
		return nil, noop, nil
	}

	model, temperature := s.PlannerModel, s.PlannerTemperature
	if purpose == Solver {
		model, temperature = s.SolverModel, s.SolverTemperature
	}

	switch s.Provider {
	case "openai":
		cfg := openai.DefaultConfig().
			WithAPIKey(s.APIKey).
			WithBaseURL(s.BaseURL).
			WithModel(model).
			WithTemperature(temperature)
		return openai.New(cfg), noop, nil
	case "claude":
		cfg := claude.DefaultConfig(s.APIKey, s.BaseURL)
		if s.AnthropicModel != "" {
			cfg.Model = s.AnthropicModel
		}
		cfg.Temperature = temperature
		return claude.New(cfg), noop, nil
	case "groq":
		return groq.New(s.APIKey, s.BaseURL, s.GroqModel, temperature), noop, nil
	case "gemini":
		cfg := gemini.DefaultConfig(s.APIKey)
		if s.GeminiModel != "" {
			cfg.Model = s.GeminiModel
		}
		cfg.Temperature = float32(temperature)
		p, err := gemini.New(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported llm provider %q", s.Provider)
	}
}
