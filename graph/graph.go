package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/sweetpotato0/conditions-agent/middleware"
)

// End is the virtual terminal node. Edges pointing at End finish the run.
const End = "__end__"

// State is implemented by the typed workflow records threaded through a graph.
// Implementations are usually pointer types.
type State[S any] interface {
	// Clone returns a deep copy used as the streamed snapshot.
	Clone() S
	// Progress reports the current stage tag and status.
	Progress() (stage, status string)
	// Halted reports that a step recorded a recoverable failure; the graph
	// stops after the step that set it.
	Halted() bool
}

// NodeFunc is the function executed by a node. It returns the updated state;
// a non-nil error is fatal and aborts the run.
type NodeFunc[S any] func(context.Context, S) (S, error)

// RouterFunc selects an outgoing edge label. It must be a pure function of
// the state.
type RouterFunc[S any] func(S) string

// GuardFunc checks that the fields a node reads have been written.
type GuardFunc[S any] func(S) error

// Node represents a node in the execution graph
type Node[S any] struct {
	Name     string
	Execute  NodeFunc[S]
	Requires GuardFunc[S]
	Next     string            // Static successor
	Router   RouterFunc[S]     // Conditional successor, takes precedence over Next
	Routes   map[string]string // Router label -> next node
}

// Event is emitted once per executed step while streaming.
type Event[S any] struct {
	Step      string    `json:"step_name"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	State     S         `json:"state_snapshot"`
}

var (
	// ErrPrecondition indicates a node ran before the fields it reads were written
	ErrPrecondition = errors.New("graph: node precondition failed")

	// ErrStepLimit indicates the run exceeded the configured number of steps
	ErrStepLimit = errors.New("graph: step limit exceeded")

	errStopped = errors.New("graph: consumer stopped")
)

// Graph represents an execution flow graph over state S
type Graph[S State[S]] struct {
	nodes    map[string]*Node[S]
	order    []string
	start    string
	maxSteps int
	chain    *middleware.MiddlewareChain
	now      func() time.Time
}

// NewGraph creates a new graph
func NewGraph[S State[S]]() *Graph[S] {
	return &Graph[S]{
		nodes:    make(map[string]*Node[S]),
		maxSteps: 25,
		chain:    middleware.NewChain(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (g *Graph[S]) validateNode(node *Node[S]) {
	if node.Name == "" {
		panic("node name cannot be empty")
	}
	if node.Name == End {
		panic(fmt.Sprintf("node name %s is reserved", End))
	}
	if node.Execute == nil {
		panic(fmt.Sprintf("node %s must have non-nil Execute function", node.Name))
	}
}

// AddNode adds a node to the graph
func (g *Graph[S]) AddNode(node *Node[S]) {
	if _, exists := g.nodes[node.Name]; exists {
		panic(fmt.Sprintf("node %s already exists", node.Name))
	}
	g.validateNode(node)
	g.nodes[node.Name] = node
	g.order = append(g.order, node.Name)
	if g.start == "" {
		g.start = node.Name
	}
}

// SetStartNode sets the start node
func (g *Graph[S]) SetStartNode(name string) {
	if _, exists := g.nodes[name]; !exists {
		panic(fmt.Sprintf("node %s not found", name))
	}
	g.start = name
}

// SetMaxSteps bounds the number of steps a single run may execute
func (g *Graph[S]) SetMaxSteps(n int) {
	if n > 0 {
		g.maxSteps = n
	}
}

// Use appends step middleware applied uniformly around every node
func (g *Graph[S]) Use(m ...middleware.Middleware) {
	for _, mw := range m {
		g.chain.Add(mw)
	}
}

// GetNode returns a node by name
func (g *Graph[S]) GetNode(name string) (*Node[S], error) {
	node, exists := g.nodes[name]
	if !exists {
		return nil, fmt.Errorf("node %s not found", name)
	}
	return node, nil
}

// Nodes returns node names in insertion order
func (g *Graph[S]) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Validate checks that every edge targets a known node and that every node
// has a successor.
func (g *Graph[S]) Validate() error {
	if g.start == "" {
		return fmt.Errorf("start node not set")
	}
	known := func(name string) bool {
		if name == End {
			return true
		}
		_, ok := g.nodes[name]
		return ok
	}
	for _, name := range g.order {
		node := g.nodes[name]
		if node.Router != nil {
			if len(node.Routes) == 0 {
				return fmt.Errorf("node %s has a router but no routes", name)
			}
			for label, target := range node.Routes {
				if label == "" {
					return fmt.Errorf("node %s has an empty route label", name)
				}
				if !known(target) {
					return fmt.Errorf("node %s routes %q to unknown node %s", name, label, target)
				}
			}
			continue
		}
		if node.Next == "" {
			return fmt.Errorf("no next node specified for node %s", name)
		}
		if !known(node.Next) {
			return fmt.Errorf("node %s points to unknown node %s", name, node.Next)
		}
	}
	return nil
}

// Run executes the graph to completion and returns the final state. When a
// step halts the run, the halted state is returned with a nil error.
func (g *Graph[S]) Run(ctx context.Context, initial S) (S, error) {
	return g.walk(ctx, initial, func(string, S) bool { return true })
}

// Stream executes the graph and yields one event per executed step, in
// execution order. Breaking out of the loop stops the run after the
// in-flight step; a fatal error is yielded as the final element.
func (g *Graph[S]) Stream(ctx context.Context, initial S) iter.Seq2[Event[S], error] {
	return func(yield func(Event[S], error) bool) {
		_, err := g.walk(ctx, initial, func(step string, s S) bool {
			stage, status := s.Progress()
			return yield(Event[S]{
				Step:      step,
				Stage:     stage,
				Status:    status,
				Timestamp: g.now(),
				State:     s.Clone(),
			}, nil)
		})
		if err != nil && !errors.Is(err, errStopped) {
			var zero Event[S]
			yield(zero, err)
		}
	}
}

func (g *Graph[S]) walk(ctx context.Context, state S, emit func(string, S) bool) (S, error) {
	if g.start == "" {
		return state, fmt.Errorf("start node not set")
	}

	current := g.start
	for steps := 1; current != End; steps++ {
		if steps > g.maxSteps {
			return state, fmt.Errorf("%w at node %s", ErrStepLimit, current)
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		node, exists := g.nodes[current]
		if !exists {
			return state, fmt.Errorf("node %s not found", current)
		}
		if node.Requires != nil {
			if err := node.Requires(state); err != nil {
				return state, fmt.Errorf("%w: %s: %w", ErrPrecondition, node.Name, err)
			}
		}

		next, err := g.invoke(ctx, node, state)
		if err != nil {
			return state, fmt.Errorf("error executing node %s: %w", node.Name, err)
		}
		state = next

		if !emit(node.Name, state) {
			return state, errStopped
		}
		if state.Halted() {
			return state, nil
		}

		current, err = g.resolveNext(node, state)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

func (g *Graph[S]) invoke(ctx context.Context, node *Node[S], state S) (S, error) {
	out := state
	mctx := middleware.NewContext(ctx, node.Name)
	err := g.chain.Execute(mctx, func(c *middleware.Context) error {
		next, err := node.Execute(c.Context(), state)
		if err != nil {
			return err
		}
		out = next
		c.Stage, c.Status = next.Progress()
		c.Halted = next.Halted()
		return nil
	})
	return out, err
}

func (g *Graph[S]) resolveNext(node *Node[S], state S) (string, error) {
	if node.Router != nil {
		label := node.Router(state)
		next, ok := node.Routes[label]
		if !ok {
			return "", fmt.Errorf("no route %q from node %s", label, node.Name)
		}
		return next, nil
	}
	if node.Next == "" {
		return "", fmt.Errorf("no next node specified for node %s", node.Name)
	}
	return node.Next, nil
}

// Builder helps build graphs fluently
type Builder[S State[S]] struct {
	graph *Graph[S]
}

// NewBuilder creates a new graph builder
func NewBuilder[S State[S]]() *Builder[S] {
	return &Builder[S]{
		graph: NewGraph[S](),
	}
}

// AddNode adds a node to the graph
func (b *Builder[S]) AddNode(name string, execute NodeFunc[S]) *Builder[S] {
	b.graph.AddNode(&Node[S]{
		Name:    name,
		Execute: execute,
	})
	return b
}

// Require attaches a precondition to a node
func (b *Builder[S]) Require(name string, guard GuardFunc[S]) *Builder[S] {
	b.mustNode(name).Requires = guard
	return b
}

// AddEdge connects two nodes
func (b *Builder[S]) AddEdge(from, to string) *Builder[S] {
	node := b.mustNode(from)
	if node.Next != "" && node.Next != to {
		panic(fmt.Sprintf("node %s already has successor %s", from, node.Next))
	}
	node.Next = to
	return b
}

// AddConditionalEdges routes out of a node by label
func (b *Builder[S]) AddConditionalEdges(from string, router RouterFunc[S], routes map[string]string) *Builder[S] {
	if router == nil {
		panic(fmt.Sprintf("node %s must have non-nil router", from))
	}
	node := b.mustNode(from)
	node.Router = router
	node.Routes = routes
	return b
}

// SetStart sets the start node
func (b *Builder[S]) SetStart(name string) *Builder[S] {
	b.graph.SetStartNode(name)
	return b
}

// SetMaxSteps bounds the number of steps per run
func (b *Builder[S]) SetMaxSteps(n int) *Builder[S] {
	b.graph.SetMaxSteps(n)
	return b
}

// Use appends step middleware
func (b *Builder[S]) Use(m ...middleware.Middleware) *Builder[S] {
	b.graph.Use(m...)
	return b
}

// Build validates and returns the constructed graph. An inconsistent
// topology is a programming error and panics.
func (b *Builder[S]) Build() *Graph[S] {
	if err := b.graph.Validate(); err != nil {
		panic(err.Error())
	}
	return b.graph
}

func (b *Builder[S]) mustNode(name string) *Node[S] {
	node, exists := b.graph.nodes[name]
	if !exists {
		panic(fmt.Sprintf("node %s not found", name))
	}
	return node
}
