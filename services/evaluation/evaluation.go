// Package evaluation drives the condition-evaluation DAG: trigger a run,
// poll it to a terminal state, then fetch the result document the DAG
// writes to blob storage.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/services"
	"github.com/sweetpotato0/conditions-agent/transform"
)

const serviceName = "evaluation"

// DAG run states.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateSuccess = "success"
	StateFailed  = "failed"
)

// Config holds evaluation client configuration
type Config struct {
	URL                string
	Username           string
	Password           string
	DAGID              string
	PollInterval       time.Duration
	MaxWait            time.Duration
	ResultPollInterval time.Duration
	ResultMaxWait      time.Duration
	RequestTimeout     time.Duration
}

// DefaultConfig returns default evaluation client configuration
func DefaultConfig(url string) *Config {
	return &Config{
		URL:                url,
		DAGID:              "check_condition_v3",
		PollInterval:       10 * time.Second,
		MaxWait:            600 * time.Second,
		ResultPollInterval: 5 * time.Second,
		ResultMaxWait:      180 * time.Second,
		RequestTimeout:     30 * time.Second,
	}
}

// BlobReader fetches result documents. A missing object must wrap
// errors.ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, loc conditions.BlobLocation) ([]byte, error)
}

// DAGRun is the DAG run resource.
type DAGRun struct {
	DAGRunID      string         `json:"dag_run_id"`
	State         string         `json:"state"`
	ExecutionDate string         `json:"execution_date,omitempty"`
	LogicalDate   string         `json:"logical_date,omitempty"`
	StartDate     string         `json:"start_date,omitempty"`
	EndDate       string         `json:"end_date,omitempty"`
	Duration      *float64       `json:"duration,omitempty"`
	Conf          map[string]any `json:"conf,omitempty"`
}

// Client talks to the DAG scheduler and the result bucket.
type Client struct {
	config *Config
	client *http.Client
	blobs  BlobReader
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithClock overrides time keeping, for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		c.now = now
		c.sleep = sleep
	}
}

// New creates an evaluation client
func New(config *Config, blobs BlobReader, opts ...Option) *Client {
	if config == nil {
		config = DefaultConfig("")
	}
	def := DefaultConfig(config.URL)
	if config.DAGID == "" {
		config.DAGID = def.DAGID
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = def.MaxWait
	}
	if config.ResultPollInterval <= 0 {
		config.ResultPollInterval = def.ResultPollInterval
	}
	if config.ResultMaxWait <= 0 {
		config.ResultMaxWait = def.ResultMaxWait
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}

	c := &Client{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		blobs:  blobs,
		logger: logging.WithComponent("evaluation"),
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type triggerRequest struct {
	Conf     conditions.JobConf `json:"conf"`
	DAGRunID string             `json:"dag_run_id,omitempty"`
	Note     string             `json:"note,omitempty"`
}

// Trigger starts a DAG run for the job.
func (c *Client) Trigger(ctx context.Context, job *conditions.EvaluationJob, executionID string) (*DAGRun, error) {
	if c.config.URL == "" {
		return nil, fmt.Errorf("evaluation service url: %w", errorskg.ErrNotConfigured)
	}
	if job == nil {
		return nil, errorskg.Invalid("job", "evaluation job is required")
	}
	req := triggerRequest{Conf: job.Conf}
	if executionID != "" {
		req.DAGRunID = fmt.Sprintf("conditions_agent_%s_%s", executionID, c.now().UTC().Format("20060102_150405"))
		req.Note = "Triggered by Conditions Agent - execution " + executionID
	}

	c.logger.Info("triggering evaluation DAG", "dag_id", c.config.DAGID,
		"conditions", len(job.Conf.Conditions), "documents", len(job.Conf.Documents),
		"output_destination", job.Conf.OutputDestination)

	var run DAGRun
	if err := c.do(ctx, http.MethodPost, "/dagRuns", req, &run); err != nil {
		return nil, fmt.Errorf("trigger DAG: %w", err)
	}
	if run.DAGRunID == "" {
		return nil, fmt.Errorf("trigger DAG: empty dag_run_id: %w", errorskg.ErrRemote)
	}
	c.logger.Info("DAG triggered", "dag_run_id", run.DAGRunID, "state", run.State)
	return &run, nil
}

// Poll returns the current state of a DAG run.
func (c *Client) Poll(ctx context.Context, runID string) (*DAGRun, error) {
	var run DAGRun
	if err := c.do(ctx, http.MethodGet, "/dagRuns/"+runID, nil, &run); err != nil {
		return nil, fmt.Errorf("poll DAG run %s: %w", runID, err)
	}
	return &run, nil
}

// WaitForCompletion polls until the run succeeds. A failed run wraps
// ErrRemote; exceeding MaxWait wraps ErrTimeout.
func (c *Client) WaitForCompletion(ctx context.Context, runID string) (*DAGRun, error) {
	start := c.now()
	for {
		run, err := c.Poll(ctx, runID)
		if err != nil {
			return nil, err
		}
		elapsed := c.now().Sub(start)

		switch run.State {
		case StateSuccess:
			c.logger.Info("DAG completed", "dag_run_id", runID, "elapsed", elapsed, "duration", run.Duration)
			return run, nil
		case StateFailed:
			c.logger.Error("DAG failed", "dag_run_id", runID)
			return run, fmt.Errorf("DAG run %s failed: %w", runID, errorskg.ErrRemote)
		case StateQueued, StateRunning:
			c.logger.Debug("DAG still in progress", "dag_run_id", runID, "state", run.State, "elapsed", elapsed)
		default:
			c.logger.Warn("unknown DAG state", "dag_run_id", runID, "state", run.State)
		}

		if elapsed+c.config.PollInterval > c.config.MaxWait {
			return nil, fmt.Errorf("DAG run %s did not complete within %s: %w", runID, c.config.MaxWait, errorskg.ErrTimeout)
		}
		if err := c.sleep(ctx, c.config.PollInterval); err != nil {
			return nil, err
		}
	}
}

// FetchResult reads the result document, retrying while it is not yet
// written. After ResultMaxWait the returned error wraps ErrNotFound; any
// other blob error is returned immediately.
func (c *Client) FetchResult(ctx context.Context, outputDestination string) (*conditions.EvaluationOutput, error) {
	if c.blobs == nil {
		return nil, fmt.Errorf("result blob reader: %w", errorskg.ErrNotConfigured)
	}
	loc, err := transform.ParseBlobPath(outputDestination)
	if err != nil {
		return nil, err
	}

	start := c.now()
	for attempt := 1; ; attempt++ {
		raw, err := c.blobs.Get(ctx, loc)
		elapsed := c.now().Sub(start)
		if err == nil {
			var out conditions.EvaluationOutput
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("decode result %s: %w", loc, err)
			}
			c.logger.Info("fetched evaluation result", "location", loc.String(),
				"attempt", attempt, "elapsed", elapsed, "processing_status", out.ProcessingStatus)
			return &out, nil
		}
		if !errors.Is(err, errorskg.ErrNotFound) {
			return nil, err
		}
		if elapsed >= c.config.ResultMaxWait {
			c.logger.Error("result not found", "location", loc.String(), "elapsed", elapsed)
			return nil, fmt.Errorf("result %s not found after %s: %w", loc, c.config.ResultMaxWait, errorskg.ErrNotFound)
		}
		c.logger.Debug("result not ready", "location", loc.String(), "attempt", attempt)
		if err := c.sleep(ctx, c.config.ResultPollInterval); err != nil {
			return nil, err
		}
	}
}

// Evaluate triggers, waits and fetches. A result that never appears is
// the no-relevant-documents outcome, not an error.
func (c *Client) Evaluate(ctx context.Context, job *conditions.EvaluationJob, executionID string) (*conditions.EvaluationOutput, error) {
	run, err := c.Trigger(ctx, job, executionID)
	if err != nil {
		return nil, err
	}
	if _, err := c.WaitForCompletion(ctx, run.DAGRunID); err != nil {
		return nil, err
	}

	out, err := c.FetchResult(ctx, job.Conf.OutputDestination)
	if errors.Is(err, errorskg.ErrNotFound) {
		c.logger.Warn("DAG completed without output, no relevant documents",
			"dag_run_id", run.DAGRunID, "output_destination", job.Conf.OutputDestination)
		return NoRelevantDocuments(c.config.DAGID, run.DAGRunID, job.Conf.OutputDestination), nil
	}
	return out, err
}

// NoRelevantDocuments builds the structured empty result.
func NoRelevantDocuments(dagID, runID, outputDestination string) *conditions.EvaluationOutput {
	return &conditions.EvaluationOutput{
		WorkflowInfo: map[string]any{
			"dag_id":             dagID,
			"dag_run_id":         runID,
			"processing_status":  conditions.ProcessingNoRelevantDocuments,
			"output_destination": outputDestination,
			"s3_output_written":  false,
			"reason":             "No documents were relevant to the specified conditions",
		},
		ProcessedConditions: []conditions.ProcessedCondition{},
		APIUsageSummary: conditions.APIUsageSummary{
			RelevanceCheck:    map[string]any{"total_calls": 0, "note": "All conditions marked as unrelated"},
			ConditionAnalysis: conditions.ConditionAnalysis{Note: "Skipped - no relevant documents"},
			Overall:           map[string]any{"total_api_calls": 0, "total_cost_usd": 0.0},
		},
		ProcessingStatus: conditions.ProcessingNoRelevantDocuments,
		Message: "DAG completed successfully but found no documents relevant to the specified conditions. " +
			"This may occur when uploaded documents do not match the condition requirements.",
		WorkflowVersion: "3.0",
	}
}

type dagInfo struct {
	DAGID    string `json:"dag_id"`
	IsPaused bool   `json:"is_paused"`
}

// Health checks that the DAG exists and is not paused.
func (c *Client) Health(ctx context.Context) error {
	if c.config.URL == "" {
		return fmt.Errorf("evaluation service url: %w", errorskg.ErrNotConfigured)
	}
	info := dagInfo{IsPaused: true}
	if err := c.do(ctx, http.MethodGet, "", nil, &info); err != nil {
		return fmt.Errorf("DAG health: %w", err)
	}
	if info.IsPaused {
		return fmt.Errorf("DAG %s is paused: %w", c.config.DAGID, errorskg.ErrRemote)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return services.DoJSON(ctx, c.client, services.Request{
		Service:  serviceName,
		Method:   method,
		URL:      strings.TrimRight(c.config.URL, "/") + "/api/v1/dags/" + c.config.DAGID + path,
		Body:     body,
		Username: c.config.Username,
		Password: c.config.Password,
	}, out)
}
