package errorhandler

import (
	"fmt"
	"runtime/debug"

	"github.com/sweetpotato0/conditions-agent/middleware"
)

// ErrorHandlerFunc handles errors
type ErrorHandlerFunc func(step string, err error) error

// ErrorHandler maps errors returned by downstream middleware or the step
type ErrorHandler struct {
	handler ErrorHandlerFunc
}

// NewErrorHandler creates an error handling middleware
func NewErrorHandler(handler ErrorHandlerFunc) *ErrorHandler {
	return &ErrorHandler{handler: handler}
}

// Name returns the middleware name
func (m *ErrorHandler) Name() string {
	return "ErrorHandler"
}

// Execute handles errors from downstream middlewares
func (m *ErrorHandler) Execute(ctx *middleware.Context, next middleware.Handler) error {
	err := next(ctx)
	if err != nil && m.handler != nil {
		err = m.handler(ctx.Step, err)
	}
	ctx.Error = err
	return err
}

// Recoverer converts a panicking step into a fatal error so the run aborts
// with a diagnosable cause instead of crashing the process.
type Recoverer struct {
	withStack bool
}

// NewRecoverer creates a panic recovery middleware.
func NewRecoverer(withStack bool) *Recoverer {
	return &Recoverer{withStack: withStack}
}

// Name returns the middleware name
func (m *Recoverer) Name() string {
	return "Recoverer"
}

// Execute recovers panics raised below it in the chain
func (m *Recoverer) Execute(ctx *middleware.Context, next middleware.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if m.withStack {
				err = fmt.Errorf("%w: %s: %v\n%s", middleware.ErrStepPanicked, ctx.Step, r, debug.Stack())
			} else {
				err = fmt.Errorf("%w: %s: %v", middleware.ErrStepPanicked, ctx.Step, r)
			}
			ctx.Error = err
		}
	}()
	return next(ctx)
}
