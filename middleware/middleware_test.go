package middleware

import (
	"context"
	"errors"
	"testing"
)

type TestMiddleware struct {
	name  string
	err   error
	order *[]string
}

func (m *TestMiddleware) Name() string { return m.name }

func (m *TestMiddleware) Execute(ctx *Context, next Handler) error {
	*m.order = append(*m.order, m.name)
	if m.err != nil {
		return m.err
	}
	return next(ctx)
}

func TestMiddlewareChain(t *testing.T) {
	t.Run("empty chain executes final handler", func(t *testing.T) {
		chain := NewChain()
		executed := false

		err := chain.Execute(NewContext(context.Background(), "predict"), func(ctx *Context) error {
			executed = true
			return nil
		})

		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if !executed {
			t.Error("final handler was not executed")
		}
	})

	t.Run("nil chain executes final handler", func(t *testing.T) {
		var chain *MiddlewareChain
		called := false
		if err := chain.Execute(&Context{}, func(*Context) error { called = true; return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called || chain.Len() != 0 {
			t.Error("nil chain should behave as empty")
		}
	})

	t.Run("middleware chain executes in order", func(t *testing.T) {
		order := []string{}

		chain := NewChain(&TestMiddleware{name: "m1", order: &order}).
			Add(&TestMiddleware{name: "m2", order: &order})

		err := chain.Execute(&Context{}, func(c *Context) error {
			order = append(order, "final")
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		expected := []string{"m1", "m2", "final"}
		if len(order) != len(expected) {
			t.Fatalf("expected %d steps, got %v", len(expected), order)
		}
		for i, e := range expected {
			if order[i] != e {
				t.Errorf("expected step %d to be %s, got %s", i, e, order[i])
			}
		}
	})

	t.Run("error stops chain execution", func(t *testing.T) {
		order := []string{}
		boom := errors.New("test error")
		chain := NewChain(
			&TestMiddleware{name: "m1", err: boom, order: &order},
			&TestMiddleware{name: "m2", order: &order},
		)

		err := chain.Execute(&Context{}, func(c *Context) error {
			order = append(order, "final")
			return nil
		})

		if !errors.Is(err, boom) {
			t.Errorf("expected test error, got %v", err)
		}
		if len(order) != 1 {
			t.Errorf("chain should stop after m1, got %v", order)
		}
	})
}

func TestContextSetContext(t *testing.T) {
	type key struct{}
	c := NewContext(context.Background(), "classify")
	c.SetContext(context.WithValue(c.Context(), key{}, "v"))
	if c.Context().Value(key{}) != "v" {
		t.Error("SetContext did not replace the context")
	}
	if c.Step != "classify" || c.Metadata == nil || c.StartedAt.IsZero() {
		t.Errorf("unexpected context fields: %+v", c)
	}
	if (&Context{}).Context() == nil {
		t.Error("zero Context should fall back to background context")
	}
}

func TestTagsPropagation(t *testing.T) {
	ctx := ContextWithTags(context.Background(), Tags{"execution_id": "e1", "trace_id": "t1"})
	ctx = ContextWithTags(ctx, Tags{"loan_id": "L-1", "trace_id": "t2"})

	tags := TagsFrom(ctx)
	if tags["execution_id"] != "e1" || tags["loan_id"] != "L-1" || tags["trace_id"] != "t2" {
		t.Errorf("unexpected tags %v", tags)
	}
	if TagsFrom(context.Background()) != nil {
		t.Error("expected nil tags on bare context")
	}
}
