// Package groq configures the OpenAI-compatible Groq endpoint.
package groq

import (
	"github.com/sweetpotato0/conditions-agent/contrib/provider/openai"
)

const (
	// BaseURL is the OpenAI-compatible Groq API root.
	BaseURL      = "https://api.groq.com/openai/v1"
	DefaultModel = "llama-3.1-8b-instant"
)

// Config returns an OpenAI client config pointed at Groq. An empty baseURL
// or model uses the Groq defaults.
func Config(apiKey, baseURL, model string, temperature float64) *openai.Config {
	if baseURL == "" {
		baseURL = BaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return openai.DefaultConfig().
		WithAPIKey(apiKey).
		WithBaseURL(baseURL).
		WithModel(model).
		WithTemperature(temperature)
}

// New returns a chat client for Groq.
func New(apiKey, baseURL, model string, temperature float64) *openai.Provider {
	return openai.New(Config(apiKey, baseURL, model, temperature))
}
