package tracker

import (
	"errors"
	"fmt"
)

// ValidationError is returned when the service rejects a payload with code
// validation_error. Callers treat it as a warning.
type ValidationError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Body    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("notion validation error: %s %s: status=%d message=%s", e.Method, e.Path, e.Status, e.Message)
}

// APIError is any other non-2xx answer.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion request failed: %s %s: status=%d code=%s message=%s", e.Method, e.Path, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("notion request failed: %s %s: status=%d message=%s", e.Method, e.Path, e.Status, e.Message)
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
