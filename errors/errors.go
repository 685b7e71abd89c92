package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates that a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates that input validation failed
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates that a remote service rejected our credentials
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRemote indicates that a remote service reported an explicit failure
	ErrRemote = errors.New("remote service failure")

	// ErrTimeout indicates that a remote job did not finish within its wait budget
	ErrTimeout = errors.New("timed out waiting for remote job")

	// ErrNotConfigured indicates that an optional collaborator was not wired
	ErrNotConfigured = errors.New("not configured")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")
)

// ValidationError reports a rejected field. It unwraps to ErrInvalidInput.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Invalid builds a ValidationError with a formatted message.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
