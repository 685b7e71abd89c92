// Package metrics holds the Prometheus instruments of the orchestrator and
// the step middleware that feeds them.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweetpotato0/conditions-agent/middleware"
)

var (
	stepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	runDurationBuckets  = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 900}
)

// Step outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeHalted = "halted"
	OutcomeError  = "error"
)

// Metrics holds all Prometheus instruments of the orchestrator.
type Metrics struct {
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec

	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	RunsInFlight *prometheus.GaugeVec

	RoutesTotal          *prometheus.CounterVec
	GuardrailIssuesTotal *prometheus.CounterVec

	TokensTotal *prometheus.CounterVec
	CostUSD     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates and registers every instrument on reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conditions_agent_steps_total",
			Help: "Total number of executed workflow steps.",
		}, []string{"workflow", "step", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conditions_agent_step_duration_seconds",
			Help:    "Workflow step duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"workflow", "step"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conditions_agent_runs_total",
			Help: "Total number of finished workflow runs.",
		}, []string{"workflow", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conditions_agent_run_duration_seconds",
			Help:    "Workflow run duration in seconds.",
			Buckets: runDurationBuckets,
		}, []string{"workflow"}),
		RunsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conditions_agent_runs_in_flight",
			Help: "Number of workflow runs currently executing.",
		}, []string{"workflow"}),

		RoutesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conditions_agent_routes_total",
			Help: "Branches taken after classification.",
		}, []string{"route"}),
		GuardrailIssuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conditions_agent_guardrail_issues_total",
			Help: "Guardrail issues raised, by kind.",
		}, []string{"kind"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conditions_agent_tokens_total",
			Help: "Language model tokens consumed, by model.",
		}, []string{"model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conditions_agent_cost_usd_total",
			Help: "Language model cost in USD, by model.",
		}, []string{"model"}),
	}

	reg.MustRegister(
		m.StepsTotal, m.StepDuration,
		m.RunsTotal, m.RunDuration, m.RunsInFlight,
		m.RoutesTotal, m.GuardrailIssuesTotal,
		m.TokensTotal, m.CostUSD,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RunStarted marks a run of workflow as in flight.
func (m *Metrics) RunStarted(workflow string) {
	m.RunsInFlight.WithLabelValues(workflow).Inc()
}

// RunFinished records the terminal status and duration of a run.
func (m *Metrics) RunFinished(workflow, status string, seconds float64) {
	m.RunsInFlight.WithLabelValues(workflow).Dec()
	m.RunsTotal.WithLabelValues(workflow, status).Inc()
	m.RunDuration.WithLabelValues(workflow).Observe(seconds)
}

// ObserveUsage adds the model usage of a run.
func (m *Metrics) ObserveUsage(model string, tokens int, costUSD float64) {
	if tokens > 0 {
		m.TokensTotal.WithLabelValues(model).Add(float64(tokens))
	}
	if costUSD > 0 {
		m.CostUSD.WithLabelValues(model).Add(costUSD)
	}
}

// ObserveRoute counts a classification branch.
func (m *Metrics) ObserveRoute(route string) {
	m.RoutesTotal.WithLabelValues(route).Inc()
}

// ObserveIssues counts guardrail issues by kind.
func (m *Metrics) ObserveIssues(issues []string) {
	for _, issue := range issues {
		m.GuardrailIssuesTotal.WithLabelValues(IssueKind(issue)).Inc()
	}
}

// IssueKind buckets a guardrail issue message into a low-cardinality label.
func IssueKind(issue string) string {
	lower := strings.ToLower(issue)
	switch {
	case strings.Contains(lower, "confidence"):
		return "confidence"
	case strings.Contains(lower, "hallucination"):
		return "hallucination"
	case strings.Contains(lower, "cost"):
		return "cost"
	case strings.Contains(lower, "execution time"), strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "document lookup"):
		return "document_lookup"
	default:
		return "business_rule"
	}
}

// Middleware returns a step middleware recording duration and outcome of
// every step of workflow.
func (m *Metrics) Middleware(workflow string) middleware.Middleware {
	return &stepMetrics{m: m, workflow: workflow}
}

type stepMetrics struct {
	m        *Metrics
	workflow string
}

func (s *stepMetrics) Name() string {
	return "StepMetrics"
}

func (s *stepMetrics) Execute(ctx *middleware.Context, next middleware.Handler) error {
	err := next(ctx)

	outcome := OutcomeOK
	switch {
	case err != nil:
		outcome = OutcomeError
	case ctx.Halted:
		outcome = OutcomeHalted
	}
	s.m.StepsTotal.WithLabelValues(s.workflow, ctx.Step, outcome).Inc()
	s.m.StepDuration.WithLabelValues(s.workflow, ctx.Step).Observe(ctx.Elapsed().Seconds())
	return err
}
