// Package prediction calls the condition-prediction assistant deployed on
// LangGraph Cloud: create a thread, start a run, join it, read the state.
package prediction

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/services"
)

const serviceName = "prediction"

// Config holds prediction client configuration
type Config struct {
	URL         string
	APIKey      string
	AssistantID string
	Timeout     time.Duration
}

// DefaultConfig returns default prediction client configuration
func DefaultConfig(url, apiKey string) *Config {
	return &Config{
		URL:         url,
		APIKey:      apiKey,
		AssistantID: "agent",
		Timeout:     300 * time.Second,
	}
}

// Client predicts deficient conditions for a loan.
type Client struct {
	config *Config
	client *http.Client
	logger *slog.Logger
}

// New creates a prediction client
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig("", "")
	}
	if config.AssistantID == "" {
		config.AssistantID = "agent"
	}
	if config.Timeout <= 0 {
		config.Timeout = 300 * time.Second
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logging.WithComponent("prediction"),
	}
}

type thread struct {
	ThreadID string `json:"thread_id"`
}

type runRequest struct {
	AssistantID string         `json:"assistant_id"`
	Input       map[string]any `json:"input"`
}

type run struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type threadState struct {
	Values conditions.Prediction `json:"values"`
}

// Predict runs the assistant on the loan metadata and returns its final
// state values.
func (c *Client) Predict(ctx context.Context, metadata map[string]any) (*conditions.Prediction, error) {
	if c.config.URL == "" {
		return nil, fmt.Errorf("prediction service url: %w", errorskg.ErrNotConfigured)
	}
	c.logger.Info("calling prediction service", "classification", metadata["classification"])

	var th thread
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &th); err != nil {
		return nil, fmt.Errorf("prediction: create thread: %w", err)
	}

	var r run
	if err := c.do(ctx, http.MethodPost, "/threads/"+th.ThreadID+"/runs",
		runRequest{AssistantID: c.config.AssistantID, Input: metadata}, &r); err != nil {
		return nil, fmt.Errorf("prediction: start run: %w", err)
	}
	c.logger.Debug("started run", "thread_id", th.ThreadID, "run_id", r.RunID)

	if err := c.do(ctx, http.MethodGet, "/threads/"+th.ThreadID+"/runs/"+r.RunID+"/join", nil, nil); err != nil {
		return nil, fmt.Errorf("prediction: join run: %w", err)
	}

	var state threadState
	if err := c.do(ctx, http.MethodGet, "/threads/"+th.ThreadID+"/state", nil, &state); err != nil {
		return nil, fmt.Errorf("prediction: get state: %w", err)
	}

	c.logger.Info("prediction completed",
		"deficient_conditions", len(state.Values.DeficientConditions),
		"compartments", len(state.Values.Compartments),
		"top_n", len(state.Values.FinalResults.TopN))
	return &state.Values, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("X-Api-Key", c.config.APIKey)
	}
	return services.DoJSON(ctx, c.client, services.Request{
		Service: serviceName,
		Method:  method,
		URL:     strings.TrimRight(c.config.URL, "/") + path,
		Body:    body,
		Header:  header,
	}, out)
}
