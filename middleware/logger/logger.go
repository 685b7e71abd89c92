package logger

import (
	"log/slog"

	"github.com/sweetpotato0/conditions-agent/middleware"
	"github.com/sweetpotato0/conditions-agent/pkg/logging"
)

// StepLogger logs the start and outcome of every step, including any tags
// placed in the middleware metadata by upstream enrichers.
type StepLogger struct {
	logger *slog.Logger
}

// NewStepLogger creates a step logging middleware. A nil logger uses the
// shared "workflow" component logger.
func NewStepLogger(logger *slog.Logger) *StepLogger {
	if logger == nil {
		logger = logging.WithComponent("workflow")
	}
	return &StepLogger{logger: logger}
}

// Name returns the middleware name
func (m *StepLogger) Name() string {
	return "StepLogger"
}

// Execute logs around the step
func (m *StepLogger) Execute(ctx *middleware.Context, next middleware.Handler) error {
	attrs := []any{"step", ctx.Step}
	for k, v := range ctx.Metadata {
		attrs = append(attrs, k, v)
	}
	m.logger.Debug("step started", attrs...)

	err := next(ctx)

	attrs = append(attrs, "duration_ms", ctx.Elapsed().Milliseconds())
	switch {
	case err != nil:
		m.logger.Error("step aborted", append(attrs, "error", err)...)
	case ctx.Halted:
		m.logger.Warn("step failed", append(attrs, "stage", ctx.Stage, "status", ctx.Status)...)
	default:
		m.logger.Info("step completed", append(attrs, "stage", ctx.Stage, "status", ctx.Status)...)
	}
	return err
}
