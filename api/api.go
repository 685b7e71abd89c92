// Package api is the HTTP boundary of the orchestrator: streaming and
// synchronous workflow endpoints, reviewer feedback and lookups.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/events"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
	"github.com/sweetpotato0/conditions-agent/store"
	"github.com/sweetpotato0/conditions-agent/workflow/linear"
	"github.com/sweetpotato0/conditions-agent/workflow/rewoo"
)

const (
	maxRequestBytes = 1 << 20
	checkTimeout    = 5 * time.Second
)

// Runner executes runs and serves lookups.
type Runner interface {
	RunLinear(ctx context.Context, in linear.Input) (*linear.State, error)
	StreamLinear(ctx context.Context, in linear.Input) iter.Seq2[*events.Event, error]
	RunReWOO(ctx context.Context, in rewoo.Input) (*rewoo.State, error)
	StreamReWOO(ctx context.Context, in rewoo.Input) iter.Seq2[*events.Event, error]

	RecordFeedback(ctx context.Context, fb *store.Feedback) error
	Execution(ctx context.Context, executionID string) (*store.Execution, error)
	Evaluations(ctx context.Context, executionID string) ([]conditions.Evaluation, error)
	Events(ctx context.Context, executionID string) ([]json.RawMessage, error)
	LoanState(ctx context.Context, loanID string) (*store.LoanState, error)
	Rules(ctx context.Context) ([]conditions.BusinessRule, error)
}

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a dependency check to GET /health.
func WithHealthCheck(name string, check CheckFunc) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server holds the HTTP handlers.
type Server struct {
	runner  Runner
	checks  map[string]CheckFunc
	metrics http.Handler
	logger  *slog.Logger
}

// NewServer creates the HTTP handlers over r.
func NewServer(r Runner, opts ...Option) *Server {
	s := &Server{
		runner: r,
		checks: map[string]CheckFunc{},
		logger: logging.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/evaluate-loan-conditions", s.handleStreamLinear).Methods(http.MethodPost)
	v1.HandleFunc("/evaluate-conditions", s.handleRunLinear).Methods(http.MethodPost)
	v1.HandleFunc("/rewoo/evaluate", s.handleRunReWOO).Methods(http.MethodPost)
	v1.HandleFunc("/rewoo/stream", s.handleStreamReWOO).Methods(http.MethodPost)
	v1.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}", s.handleExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/evaluations", s.handleEvaluations).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/loans/{loan_guid}/state", s.handleLoanState).Methods(http.MethodGet)
	v1.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return router
}

// EvaluateRequest is accepted by every workflow endpoint. Callers send either
// loan_id with document_ids, or metadata with document_path; raw conditions
// with document_paths bypass prediction.
type EvaluateRequest struct {
	LoanID      string   `json:"loan_id,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`

	Metadata     map[string]any `json:"metadata,omitempty"`
	DocumentPath string         `json:"document_path,omitempty"`

	Conditions    []map[string]any `json:"conditions,omitempty"`
	DocumentPaths []string         `json:"document_paths,omitempty"`

	TraceID           string `json:"trace_id,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	OutputDestination string `json:"output_destination,omitempty"`
}

// Linear returns the linear workflow input.
func (r EvaluateRequest) Linear() linear.Input {
	return linear.Input{
		TraceID:       r.TraceID,
		LoanID:        r.LoanID,
		DocumentIDs:   r.DocumentIDs,
		Metadata:      r.Metadata,
		DocumentPath:  r.DocumentPath,
		Conditions:    r.Conditions,
		DocumentPaths: r.DocumentPaths,
	}
}

// ReWOO returns the plan-and-execute input.
func (r EvaluateRequest) ReWOO() rewoo.Input {
	metadata := r.Metadata
	if len(metadata) == 0 && r.LoanID != "" {
		metadata = map[string]any{"loan_guid": r.LoanID, "document_ids": r.DocumentIDs}
	}
	return rewoo.Input{
		TraceID:           r.TraceID,
		LoanID:            r.LoanID,
		Metadata:          metadata,
		Documents:         r.Linear().Paths(),
		Instructions:      r.Instructions,
		OutputDestination: r.OutputDestination,
	}
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (EvaluateRequest, bool) {
	var req EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) handleRunLinear(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	final, err := s.runner.RunLinear(r.Context(), req.Linear())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, final)
}

func (s *Server) handleStreamLinear(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	in := req.Linear()
	if err := in.Validate(); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.stream(w, r, s.runner.StreamLinear(r.Context(), in))
}

func (s *Server) handleRunReWOO(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	final, err := s.runner.RunReWOO(r.Context(), req.ReWOO())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, final)
}

func (s *Server) handleStreamReWOO(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	in := req.ReWOO()
	if err := in.Validate(); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.stream(w, r, s.runner.StreamReWOO(r.Context(), in))
}

// stream writes one SSE data frame per step event. A fatal error ends the
// stream with an "error" event.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, seq iter.Seq2[*events.Event, error]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e, err := range seq {
		if err != nil {
			s.logger.Error("workflow stream aborted", "error", err)
			_ = s.sendSSE(w, flusher, "error", map[string]string{"error": err.Error()})
			return
		}
		if err := s.sendSSE(w, flusher, "", e); err != nil {
			s.logger.Debug("client disconnected", "execution_id", e.ExecutionID, "error", err)
			return
		}
		if r.Context().Err() != nil {
			return
		}
	}
}

// sendSSE writes one event. An empty eventType writes a bare data frame.
func (s *Server) sendSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("failed to marshal SSE data", "error", err)
		payload, _ = json.Marshal(map[string]string{"error": err.Error()})
		eventType = "error"
	}
	if eventType != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
			return fmt.Errorf("write event type: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	flusher.Flush()
	return nil
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb store.Feedback
	if err := decodeJSON(w, r, &fb); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runner.RecordFeedback(r.Context(), &fb); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, fb)
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.runner.Execution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	evals, err := s.runner.Evaluations(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "evaluations": evals})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	evs, err := s.runner.Events(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "events": evs})
}

func (s *Server) handleLoanState(w http.ResponseWriter, r *http.Request) {
	ls, err := s.runner.LoanState(r.Context(), mux.Vars(r)["loan_guid"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ls)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.runner.Rules(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "healthy", Checks: map[string]CheckResult{}}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		start := time.Now()
		err := s.checks[name](ctx)
		cancel()

		result := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			resp.Status = "degraded"
		}
		resp.Checks[name] = result
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case rec.status >= 500:
			s.logger.Error("request failed", attrs...)
		case rec.status >= 400:
			s.logger.Warn("request rejected", attrs...)
		default:
			s.logger.Info("request served", attrs...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeFailure maps err onto a status code.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errorskg.IsValidation(err):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, errorskg.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errorskg.ErrNotConfigured):
		code = http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		s.logger.Error("request error", "error", err)
	}
	s.writeError(w, code, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
