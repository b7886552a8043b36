package engine

import "fmt"

// ValidationError reports input the engine refuses to act on: a
// malformed session name or an entity type outside the configured
// allow-list. It is returned synchronously and never retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}
