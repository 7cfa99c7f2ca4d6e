package crosstest

import (
	"errors"
	"fmt"
)

// RuntimeError is a failure to run the suites at all: a bad flag or manifest,
// an unreachable controller, a start index past the last suite. It exits
// with code 2.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError ends a run whose last iteration had failed suites or was
// interrupted before every suite ran. It exits with code 1.
type TestFailureError struct {
	Summary *RunSummary
}

func (e *TestFailureError) Error() string {
	if e.Summary == nil {
		return "test failure"
	}
	return fmt.Sprintf("test failure in iteration %d: %s", e.Summary.Iteration, e.Summary)
}

// NewTestFailureError reports the outcome of the iteration in summary.
func NewTestFailureError(summary *RunSummary) *TestFailureError {
	return &TestFailureError{Summary: summary}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
