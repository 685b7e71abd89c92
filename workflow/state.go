// Package workflow holds the control block and accounting shared by every
// workflow variant.
package workflow

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusNeedsReview
}

// Control carries identity, status and progress fields common to all
// variants. Embed it in a variant state to satisfy graph.State.
type Control struct {
	ExecutionID         string    `json:"execution_id"`
	TraceID             string    `json:"trace_id,omitempty"`
	LoanID              string    `json:"loan_id,omitempty"`
	Status              Status    `json:"status"`
	Stage               string    `json:"stage"`
	Error               string    `json:"error,omitempty"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	StartedAt           time.Time `json:"started_at"`
	CompletedAt         time.Time `json:"completed_at,omitzero"`
	Steps               []StepLog `json:"step_log,omitempty"`
	Usage               Usage     `json:"execution_metadata"`
}

// StepLog is an audit line appended by each step.
type StepLog struct {
	Step        string    `json:"node"`
	CompletedAt time.Time `json:"completed_at"`
	Summary     string    `json:"output_summary"`
}

// NewControl returns a running control block.
func NewControl(executionID, traceID string, now time.Time) Control {
	return Control{
		ExecutionID: executionID,
		TraceID:     traceID,
		Status:      StatusRunning,
		Stage:       "initialized",
		StartedAt:   now,
		Usage:       Usage{ByModel: map[string]ModelUsage{}},
	}
}

// Base returns the control block of an embedding state.
func (c *Control) Base() *Control {
	return c
}

// Progress implements graph.State.
func (c *Control) Progress() (string, string) {
	return c.Stage, string(c.Status)
}

// Halted implements graph.State.
func (c *Control) Halted() bool {
	return c.Status == StatusFailed
}

// Fail records a recoverable step failure.
func (c *Control) Fail(stage string, err error) {
	c.Status = StatusFailed
	c.Stage = stage
	if err != nil {
		c.Error = err.Error()
	}
}

// Log appends a step audit line.
func (c *Control) Log(step, summary string, at time.Time) {
	c.Steps = append(c.Steps, StepLog{Step: step, CompletedAt: at, Summary: summary})
}

// Finish marks the run terminal and records its latency.
func (c *Control) Finish(status Status, at time.Time) {
	c.Status = status
	c.CompletedAt = at
	if !c.StartedAt.IsZero() {
		c.Usage.LatencyMS = at.Sub(c.StartedAt).Milliseconds()
	}
}

// Elapsed returns the time since the run started.
func (c *Control) Elapsed(now time.Time) time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(c.StartedAt)
}

// CloneControl deep-copies the control block.
func (c Control) CloneControl() Control {
	out := c
	out.Steps = slices.Clone(c.Steps)
	out.Usage = c.Usage.Clone()
	return out
}

// ModelUsage is the accrued usage for one model.
type ModelUsage struct {
	Calls   int     `json:"calls"`
	Tokens  int     `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
}

// Usage accumulates token, cost and latency figures over a run. It only grows.
type Usage struct {
	TotalTokens  int                   `json:"total_tokens"`
	TotalCostUSD float64               `json:"total_cost_usd"`
	LatencyMS    int64                 `json:"latency_ms"`
	ByModel      map[string]ModelUsage `json:"by_model,omitempty"`
}

// Add accrues usage for a model. Negative values are ignored.
func (u *Usage) Add(model string, tokens int, cost float64) {
	if tokens < 0 {
		tokens = 0
	}
	if cost < 0 {
		cost = 0
	}
	u.TotalTokens += tokens
	u.TotalCostUSD += cost
	if model == "" {
		return
	}
	if u.ByModel == nil {
		u.ByModel = map[string]ModelUsage{}
	}
	m := u.ByModel[model]
	m.Calls++
	m.Tokens += tokens
	m.CostUSD += cost
	u.ByModel[model] = m
}

// Clone deep-copies the usage.
func (u Usage) Clone() Usage {
	out := u
	out.ByModel = maps.Clone(u.ByModel)
	return out
}
