package types

import (
	"errors"
	"strings"
)

// TestCaseFailedCode is the JSON-RPC error code of a test case failure
// reported by a controller.
const TestCaseFailedCode = -32050

// TestCaseFailedError is a legitimate test failure: a process exited with a
// non-zero status or a controller reported the case as failed. Output holds
// the diagnostic text captured from the failing side.
type TestCaseFailedError struct {
	Output string
}

func (e *TestCaseFailedError) Error() string {
	line := strings.TrimSpace(e.Output)
	if idx := strings.IndexByte(line, '\n'); idx != -1 {
		line = line[:idx]
	}
	if line == "" {
		return "test case failed"
	}
	return "test case failed: " + line
}

// ErrorCode implements the go-ethereum rpc.Error interface.
func (e *TestCaseFailedError) ErrorCode() int { return TestCaseFailedCode }

// ErrorData implements the go-ethereum rpc.DataError interface.
func (e *TestCaseFailedError) ErrorData() interface{} { return e.Output }

// IsTestCaseFailed checks if the error is or wraps a TestCaseFailedError
func IsTestCaseFailed(err error) bool {
	var tcErr *TestCaseFailedError
	return err != nil && errors.As(err, &tcErr)
}
