package config

import (
	"errors"
	"strings"
	"testing"

	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

func TestValidatorRequireNonEmpty(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantError bool
	}{
		{name: "non-empty value", value: "valid", wantError: false},
		{name: "empty value", value: "", wantError: true},
		{name: "blank value", value: "   ", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator()
			v.RequireNonEmpty("test_field", tt.value)
			if got := v.HasErrors(); got != tt.wantError {
				t.Errorf("HasErrors() = %v, want %v", got, tt.wantError)
			}
		})
	}
}

func TestValidatorRequireWhen(t *testing.T) {
	v := NewValidator()
	v.RequireWhen(false, "llm.api_key", "")
	if v.HasErrors() {
		t.Fatal("condition false should not record an error")
	}
	v.RequireWhen(true, "llm.api_key", "")
	if !v.HasErrors() {
		t.Fatal("condition true with empty value should record an error")
	}
}

func TestValidatorRanges(t *testing.T) {
	v := NewValidator().
		RequirePositive("api.max_concurrent_runs", 0).
		ValidatePort("api.port", 70000).
		ValidateFloatRange("guardrails.confidence_threshold", 1.5, 0, 1).
		ValidateDBNumber("redis.db", 3).
		RequirePositiveDuration("evaluation.poll_interval", 0).
		ValidateOneOf("log.format", "xml", "json", "text")

	if got := len(v.Errors()); got != 5 {
		t.Fatalf("expected 5 errors, got %d: %v", got, v.Errors())
	}
	fields := []string{}
	for _, e := range v.Errors() {
		fields = append(fields, e.Field)
	}
	joined := strings.Join(fields, ",")
	for _, want := range []string{"api.max_concurrent_runs", "api.port", "guardrails.confidence_threshold", "evaluation.poll_interval", "log.format"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing error for %s in %s", want, joined)
		}
	}
}

func TestValidatorErrorMatchesInvalidInput(t *testing.T) {
	if err := NewValidator().Error(); err != nil {
		t.Fatalf("empty validator should return nil, got %v", err)
	}

	err := NewValidator().RequireNonEmpty("evaluation.url", "").Error()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, errorskg.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput in chain: %v", err)
	}
	if !strings.Contains(err.Error(), "evaluation.url") {
		t.Errorf("message should name the field: %v", err)
	}
	var verr *errorskg.ValidationError
	if !errors.As(err, &verr) || verr.Field != "evaluation.url" {
		t.Errorf("expected ValidationError for evaluation.url, got %v", verr)
	}
}
