package middleware

import (
	"context"
	"maps"
	"time"
)

// Context is the per-step interception context. The graph runner fills Step
// before the chain runs and Stage, Status and Halted after the step returns.
type Context struct {
	// Step is the name of the graph node being executed
	Step string

	// Stage and Status mirror the workflow state after the step returned
	Stage  string
	Status string

	// Halted reports that the step recorded a recoverable failure
	Halted bool

	// StartedAt is set when the chain is entered
	StartedAt time.Time

	// Error from execution
	Error error

	// Metadata for passing data between middlewares
	Metadata map[string]any

	context context.Context
}

// NewContext creates a new middleware context for a step
func NewContext(ctx context.Context, step string) *Context {
	return &Context{
		Step:      step,
		StartedAt: time.Now(),
		Metadata:  make(map[string]any),
		context:   ctx,
	}
}

// Context returns the underlying context.Context
func (c *Context) Context() context.Context {
	if c.context == nil {
		return context.Background()
	}
	return c.context
}

// SetContext replaces the context handed to downstream middleware and the step.
func (c *Context) SetContext(ctx context.Context) {
	c.context = ctx
}

// Elapsed returns the time spent since the chain was entered.
func (c *Context) Elapsed() time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	return time.Since(c.StartedAt)
}

// Middleware defines the interface for step interceptors.
type Middleware interface {
	// Name returns the name of the middleware for logging and debugging
	Name() string

	// Execute runs the middleware logic. Returning an error stops the chain
	// and is treated as a fatal step error by the caller.
	Execute(ctx *Context, next Handler) error
}

// Handler is the function called to pass control to the next middleware
type Handler func(*Context) error

// MiddlewareChain represents a sequence of middleware to be executed
type MiddlewareChain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{
		middlewares: middlewares,
	}
}

// Add appends a middleware to the chain
func (c *MiddlewareChain) Add(m Middleware) *MiddlewareChain {
	c.middlewares = append(c.middlewares, m)
	return c
}

// Len returns the number of middlewares in the chain
func (c *MiddlewareChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.middlewares)
}

// Execute runs all middlewares in the chain
func (c *MiddlewareChain) Execute(ctx *Context, finalHandler Handler) error {
	if c == nil {
		return finalHandler(ctx)
	}
	return c.executeMiddleware(ctx, 0, finalHandler)
}

// executeMiddleware recursively executes middlewares in sequence
func (c *MiddlewareChain) executeMiddleware(ctx *Context, index int, finalHandler Handler) error {
	if index >= len(c.middlewares) {
		return finalHandler(ctx)
	}

	nextHandler := func(ctx *Context) error {
		return c.executeMiddleware(ctx, index+1, finalHandler)
	}

	return c.middlewares[index].Execute(ctx, nextHandler)
}

type tagsKey struct{}

// Tags are run-scoped labels (execution id, trace id, loan id) propagated to
// every step of a run.
type Tags map[string]string

// ContextWithTags returns a context carrying tags merged over any existing ones.
func ContextWithTags(ctx context.Context, tags Tags) context.Context {
	merged := Tags{}
	maps.Copy(merged, TagsFrom(ctx))
	maps.Copy(merged, tags)
	return context.WithValue(ctx, tagsKey{}, merged)
}

// TagsFrom returns the tags carried by ctx, or nil.
func TagsFrom(ctx context.Context) Tags {
	if ctx == nil {
		return nil
	}
	tags, _ := ctx.Value(tagsKey{}).(Tags)
	return tags
}
