package errorhandler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sweetpotato0/conditions-agent/middleware"
)

func TestErrorHandler(t *testing.T) {
	t.Run("maps error from next middleware", func(t *testing.T) {
		sentinel := errors.New("mapped")
		handler := NewErrorHandler(func(step string, err error) error {
			return errors.Join(sentinel, err)
		})

		ctx := middleware.NewContext(context.Background(), "predict")
		err := handler.Execute(ctx, func(c *middleware.Context) error {
			return errors.New("transport")
		})
		if !errors.Is(err, sentinel) {
			t.Errorf("expected mapped error, got %v", err)
		}
		if ctx.Error != err {
			t.Error("context error not recorded")
		}
	})

	t.Run("passes success through", func(t *testing.T) {
		called := false
		handler := NewErrorHandler(func(string, error) error { called = true; return nil })
		if err := handler.Execute(&middleware.Context{}, func(*middleware.Context) error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if called {
			t.Error("handler should not run on success")
		}
	})
}

func TestRecoverer(t *testing.T) {
	ctx := middleware.NewContext(context.Background(), "transform")
	err := NewRecoverer(false).Execute(ctx, func(*middleware.Context) error {
		var m map[string]int
		m["boom"]++
		return nil
	})
	if !errors.Is(err, middleware.ErrStepPanicked) {
		t.Fatalf("expected ErrStepPanicked, got %v", err)
	}
	if !strings.Contains(err.Error(), "transform") {
		t.Errorf("error should name the step: %v", err)
	}

	err = NewRecoverer(true).Execute(ctx, func(*middleware.Context) error { panic("bad state") })
	if !strings.Contains(err.Error(), "bad state") || !strings.Contains(err.Error(), "goroutine") {
		t.Errorf("expected message and stack, got %v", err)
	}
}
