package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationErrorUnwrapsToInvalidInput(t *testing.T) {
	err := fmt.Errorf("transform: %w", Invalid("document_path", "no '/' in %q", "bucket"))

	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput in chain, got %v", err)
	}
	if !IsValidation(err) {
		t.Error("IsValidation should report true")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatal("expected *ValidationError in chain")
	}
	if verr.Field != "document_path" {
		t.Errorf("field = %q", verr.Field)
	}
	if got := verr.Error(); got != `document_path: no '/' in "bucket"` {
		t.Errorf("unexpected message %q", got)
	}
}

func TestValidationErrorWithoutField(t *testing.T) {
	err := &ValidationError{Message: "conditions list is empty"}
	if err.Error() != "conditions list is empty" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if IsValidation(ErrTimeout) {
		t.Error("timeout must not be a validation error")
	}
}
