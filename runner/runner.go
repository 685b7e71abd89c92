// Package runner executes workflow runs with bounded concurrency. It owns the
// execution lifecycle around the graphs: the execution record, the step
// event fan-out to subscribers and the progress cache, and run metrics.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/events"
	"github.com/sweetpotato0/conditions-agent/graph"
	"github.com/sweetpotato0/conditions-agent/metrics"
	"github.com/sweetpotato0/conditions-agent/middleware"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/pkg/telemetry"
	"github.com/sweetpotato0/conditions-agent/store"
	"github.com/sweetpotato0/conditions-agent/workflow"
	"github.com/sweetpotato0/conditions-agent/workflow/linear"
	"github.com/sweetpotato0/conditions-agent/workflow/rewoo"
)

// Workflow names.
const (
	WorkflowLinear = "linear"
	WorkflowReWOO  = "rewoo"
)

const defaultMaxConcurrency = 10

// runState is a graph state carrying the shared control block.
type runState[S any] interface {
	graph.State[S]
	Base() *workflow.Control
}

type streamFunc[S any] func(context.Context, S) iter.Seq2[graph.Event[S], error]

// Option configures a Runner.
type Option func(*Runner)

// WithMaxConcurrency bounds the number of runs executing at once.
func WithMaxConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.semaphore = make(chan struct{}, n)
		}
	}
}

// WithProgress caches every step event for later replay.
func WithProgress(p store.ProgressStore) Option {
	return func(r *Runner) { r.progress = p }
}

// WithPublisher fans every step event out to subscribers.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithMetrics records run and routing metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithIDGenerator replaces the execution id generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) { r.newID = fn }
}

// WithClock replaces the clock used for completion timestamps.
func WithClock(fn func() time.Time) Option {
	return func(r *Runner) { r.now = fn }
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// Runner executes linear and plan-and-execute runs.
type Runner struct {
	linear *linear.Workflow
	rewoo  *rewoo.Agent

	gateway   store.Gateway
	progress  store.ProgressStore
	publisher events.Publisher
	metrics   *metrics.Metrics

	semaphore chan struct{}
	newID     func() string
	now       func() time.Time
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New creates a runner. Either workflow may be nil, in which case its
// operations report ErrNotConfigured. A nil gateway keeps executions in
// memory.
func New(lin *linear.Workflow, agent *rewoo.Agent, gateway store.Gateway, opts ...Option) *Runner {
	if gateway == nil {
		gateway = store.NewInMemoryGateway()
	}
	r := &Runner{
		linear:    lin,
		rewoo:     agent,
		gateway:   gateway,
		publisher: events.Nop{},
		semaphore: make(chan struct{}, defaultMaxConcurrency),
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    telemetry.Tracer("runner"),
		logger:    logging.WithComponent("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunLinear executes a linear run to completion and returns its final state.
// A run that halted on a failed step is returned without error; a returned
// error means the run aborted.
func (r *Runner) RunLinear(ctx context.Context, in linear.Input) (*linear.State, error) {
	s, err := r.startLinear(in)
	if err != nil {
		return nil, err
	}
	return execute(ctx, r, WorkflowLinear, s, r.linear.Stream, r.observeLinear, nil)
}

// StreamLinear executes a linear run, yielding one event per completed step.
// A fatal error is yielded last.
func (r *Runner) StreamLinear(ctx context.Context, in linear.Input) iter.Seq2[*events.Event, error] {
	return func(yield func(*events.Event, error) bool) {
		s, err := r.startLinear(in)
		if err != nil {
			yield(nil, err)
			return
		}
		_, err = execute(ctx, r, WorkflowLinear, s, r.linear.Stream, r.observeLinear, func(e *events.Event) bool {
			return yield(e, nil)
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

// RunReWOO executes a plan-and-execute run to completion.
func (r *Runner) RunReWOO(ctx context.Context, in rewoo.Input) (*rewoo.State, error) {
	s, err := r.startReWOO(in)
	if err != nil {
		return nil, err
	}
	return execute(ctx, r, WorkflowReWOO, s, r.rewoo.Stream, nil, nil)
}

// StreamReWOO executes a plan-and-execute run, yielding one event per step.
func (r *Runner) StreamReWOO(ctx context.Context, in rewoo.Input) iter.Seq2[*events.Event, error] {
	return func(yield func(*events.Event, error) bool) {
		s, err := r.startReWOO(in)
		if err != nil {
			yield(nil, err)
			return
		}
		_, err = execute(ctx, r, WorkflowReWOO, s, r.rewoo.Stream, nil, func(e *events.Event) bool {
			return yield(e, nil)
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

func (r *Runner) startLinear(in linear.Input) (*linear.State, error) {
	if r.linear == nil {
		return nil, fmt.Errorf("linear workflow: %w", errorskg.ErrNotConfigured)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	in.ExecutionID = r.newID()
	return r.linear.Start(in), nil
}

func (r *Runner) startReWOO(in rewoo.Input) (*rewoo.State, error) {
	if r.rewoo == nil {
		return nil, fmt.Errorf("rewoo workflow: %w", errorskg.ErrNotConfigured)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	in.ExecutionID = r.newID()
	return r.rewoo.Start(in), nil
}

// execute drives one run. emit receives each step event and returns false
// to stop the run; nil emits nothing.
func execute[S runState[S]](ctx context.Context, r *Runner, name string, s S, seq streamFunc[S], after func(S), emit func(*events.Event) bool) (S, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return s, err
	}
	defer release()

	ctx, span, err := r.begin(ctx, name, s.Base())
	if err != nil {
		return s, err
	}

	final := s
	var runErr error
	for ev, err := range seq(ctx, s) {
		if err != nil {
			runErr = err
			break
		}
		final = ev.State
		e := newEvent(name, ev)
		r.record(ctx, e)
		if emit != nil && !emit(e) {
			break
		}
	}

	r.finish(ctx, name, final.Base(), runErr, span)
	if after != nil && runErr == nil {
		after(final)
	}
	return final, runErr
}

func (r *Runner) acquire(ctx context.Context) (func(), error) {
	select {
	case r.semaphore <- struct{}{}:
		return func() { <-r.semaphore }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// begin opens the run span, tags the context and writes the running
// execution record.
func (r *Runner) begin(ctx context.Context, name string, c *workflow.Control) (context.Context, trace.Span, error) {
	ctx, span := r.tracer.Start(ctx, "workflow."+name,
		trace.WithAttributes(telemetry.RunAttributes(name, c.ExecutionID, c.LoanID)...))
	if c.TraceID == "" {
		c.TraceID = telemetry.TraceID(ctx)
	}
	ctx = middleware.ContextWithTags(ctx, middleware.Tags{
		"workflow":     name,
		"execution_id": c.ExecutionID,
		"trace_id":     c.TraceID,
		"loan_id":      c.LoanID,
	})

	exec := &store.Execution{
		ExecutionID: c.ExecutionID,
		LoanID:      c.LoanID,
		TraceID:     c.TraceID,
		Workflow:    name,
		Status:      string(workflow.StatusRunning),
		StartedAt:   c.StartedAt,
	}
	if err := r.gateway.CreateExecution(ctx, exec); err != nil {
		telemetry.End(span, err)
		return ctx, nil, fmt.Errorf("create execution: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RunStarted(name)
	}
	r.logger.Info("workflow started", "workflow", name, "execution_id", c.ExecutionID, "loan_id", c.LoanID)
	return ctx, span, nil
}

// finish writes the terminal execution record. A run that aborted, or whose
// consumer stopped reading before a terminal status, is recorded as failed.
func (r *Runner) finish(ctx context.Context, name string, c *workflow.Control, runErr error, span trace.Span) {
	ctx = context.WithoutCancel(ctx)
	now := r.now()

	status, msg := c.Status, c.Error
	switch {
	case runErr != nil:
		status, msg = workflow.StatusFailed, runErr.Error()
	case !status.Terminal():
		status, msg = workflow.StatusFailed, "run stopped before completion"
	}

	latency := c.Usage.LatencyMS
	if latency == 0 {
		latency = c.Elapsed(now).Milliseconds()
	}
	tokens, cost := c.Usage.TotalTokens, c.Usage.TotalCostUSD
	update := store.ExecutionUpdate{
		Status:      string(status),
		Error:       msg,
		TotalTokens: &tokens,
		CostUSD:     &cost,
		LatencyMS:   &latency,
		CompletedAt: now,
	}
	if _, err := r.gateway.UpdateExecutionStatus(ctx, c.ExecutionID, update); err != nil {
		r.logger.Error("failed to update execution", "execution_id", c.ExecutionID, "error", err)
	}

	if r.metrics != nil {
		r.metrics.RunFinished(name, string(status), float64(latency)/1000)
		for model, u := range c.Usage.ByModel {
			r.metrics.ObserveUsage(model, u.Tokens, u.CostUSD)
		}
	}

	span.SetAttributes(
		telemetry.KeyStatus.String(string(status)),
		telemetry.KeyTokens.Int(tokens),
		telemetry.KeyCostUSD.Float64(cost),
	)
	telemetry.End(span, runErr)

	attrs := []any{"workflow", name, "execution_id", c.ExecutionID, "status", status, "latency_ms", latency}
	switch {
	case runErr != nil:
		r.logger.Error("workflow aborted", append(attrs, "error", runErr)...)
	case status == workflow.StatusFailed:
		r.logger.Warn("workflow failed", append(attrs, "stage", c.Stage, "error", msg)...)
	default:
		r.logger.Info("workflow finished", append(attrs, "requires_human_review", c.RequiresHumanReview)...)
	}
}

func (r *Runner) observeLinear(s *linear.State) {
	if r.metrics == nil || !s.Classified {
		return
	}
	r.metrics.ObserveRoute(linear.Route(s))
	r.metrics.ObserveIssues(s.ValidationIssues)
}

func newEvent[S runState[S]](name string, ev graph.Event[S]) *events.Event {
	c := ev.State.Base()
	return &events.Event{
		ExecutionID: c.ExecutionID,
		Workflow:    name,
		Step:        ev.Step,
		Stage:       ev.Stage,
		Status:      ev.Status,
		Timestamp:   ev.Timestamp,
		Error:       c.Error,
		State:       ev.State,
	}
}

// record publishes the event and caches it. Delivery failures are logged
// and never fail the run.
func (r *Runner) record(ctx context.Context, e *events.Event) {
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.Warn("failed to publish step event", "execution_id", e.ExecutionID, "step", e.Step, "error", err)
	}
	if r.progress == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("failed to encode step event", "execution_id", e.ExecutionID, "step", e.Step, "error", err)
		return
	}
	if err := r.progress.Append(ctx, e.ExecutionID, data); err != nil {
		r.logger.Warn("failed to cache step event", "execution_id", e.ExecutionID, "step", e.Step, "error", err)
	}
}

// RecordFeedback stores a reviewer correction.
func (r *Runner) RecordFeedback(ctx context.Context, fb *store.Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = r.now()
	}
	return r.gateway.RecordFeedback(ctx, fb)
}

// Execution returns the execution record.
func (r *Runner) Execution(ctx context.Context, executionID string) (*store.Execution, error) {
	return r.gateway.GetExecution(ctx, executionID)
}

// Evaluations lists the evaluation records of an execution.
func (r *Runner) Evaluations(ctx context.Context, executionID string) ([]conditions.Evaluation, error) {
	if _, err := r.gateway.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return r.gateway.ListEvaluations(ctx, executionID)
}

// Events returns the cached step events of an execution.
func (r *Runner) Events(ctx context.Context, executionID string) ([]json.RawMessage, error) {
	if r.progress == nil {
		return nil, fmt.Errorf("progress cache: %w", errorskg.ErrNotConfigured)
	}
	return r.progress.Events(ctx, executionID)
}

// LoanState returns the aggregate state of a loan.
func (r *Runner) LoanState(ctx context.Context, loanID string) (*store.LoanState, error) {
	return r.gateway.GetLoanState(ctx, loanID)
}

// Rules lists the active business rules.
func (r *Runner) Rules(ctx context.Context) ([]conditions.BusinessRule, error) {
	return r.gateway.ListActiveRules(ctx)
}
