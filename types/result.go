package types

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// TestStatus represents the possible outcomes of a suite execution
type TestStatus string

const (
	TestStatusPass TestStatus = "pass"
	TestStatusFail TestStatus = "fail"
)

// WorkerContext tags the goroutine a suite executes on. A nil Index means
// the main goroutine, which is the only one allowed to run main-thread-only
// suites.
type WorkerContext struct {
	Index *int
}

// MainWorker is the context of the invoking goroutine.
var MainWorker = WorkerContext{}

// NewWorker returns the context of pool worker i.
func NewWorker(i int) WorkerContext {
	return WorkerContext{Index: &i}
}

// IsMain reports whether this is the main goroutine.
func (w WorkerContext) IsMain() bool {
	return w.Index == nil
}

func (w WorkerContext) String() string {
	if w.Index == nil {
		return "main"
	}
	return "worker-" + strconv.Itoa(*w.Index)
}

// Result aggregates the outcome of one suite execution. It is owned by the
// goroutine running the suite until it is handed to the results channel.
type Result struct {
	Suite   string
	Mapping string
	Index   int
	Total   int
	Worker  WorkerContext

	Success  bool
	Failures map[string]error
	Duration time.Duration

	variants []string
	finished bool

	mu  sync.Mutex
	out bytes.Buffer
}

// NewResult creates the result of a suite execution.
func NewResult(suite *TestSuite, index, total int, worker WorkerContext) *Result {
	r := &Result{
		Suite:    suite.ID,
		Index:    index,
		Total:    total,
		Worker:   worker,
		Success:  true,
		Failures: make(map[string]error),
	}
	if suite.Mapping != nil {
		r.Mapping = suite.Mapping.Name
	}
	return r
}

// Fail records err for variant. Only the first failure of a variant is kept.
func (r *Result) Fail(variant string, err error) {
	r.Success = false
	if _, ok := r.Failures[variant]; ok {
		return
	}
	r.Failures[variant] = err
	r.variants = append(r.variants, variant)
}

// FailedVariants returns the failed variants in the order they failed.
func (r *Result) FailedVariants() []string {
	return r.variants
}

// Finish sets the duration of the execution. Later calls are ignored.
func (r *Result) Finish(d time.Duration) {
	if r.finished {
		return
	}
	r.finished = true
	r.Duration = d
}

// Finished reports whether Finish was called.
func (r *Result) Finished() bool {
	return r.finished
}

// Status returns the pass/fail status of the execution.
func (r *Result) Status() TestStatus {
	if r.Success {
		return TestStatusPass
	}
	return TestStatusFail
}

// Write appends to the output buffer. Subprocess output is streamed here.
func (r *Result) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Write(p)
}

// Writef appends a formatted line to the output buffer.
func (r *Result) Writef(format string, args ...any) {
	_, _ = fmt.Fprintf(r, format+"\n", args...)
}

// Output returns everything written so far.
func (r *Result) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

// Name returns the mapping qualified suite id.
func (r *Result) Name() string {
	if r.Mapping == "" {
		return r.Suite
	}
	return r.Mapping + "/" + r.Suite
}

// Current is the execution context of one suite. It is created by the worker
// that runs the suite and never shared with another goroutine.
type Current struct {
	Suite  *TestSuite
	Result *Result
	Index  int
	Total  int
	Worker WorkerContext
	Host   string

	// Set for each case and variant while the suite runs.
	Config Config
	Case   *TestCase
	Server *TestSuite

	// ServerHandle holds the runner specific state of a started server half
	// between StartServerSide and StopServerSide.
	ServerHandle any
}

// NewCurrent creates the execution context for suite.
func NewCurrent(suite *TestSuite, result *Result, index, total int, worker WorkerContext, host string) *Current {
	return &Current{
		Suite:  suite,
		Result: result,
		Index:  index,
		Total:  total,
		Worker: worker,
		Host:   host,
		Config: DefaultConfig(),
		Server: suite,
	}
}

// Cross returns the name of the mapping providing the server half, or the
// empty string when the suite runs against its own mapping.
func (c *Current) Cross() string {
	if c.Server == nil || c.Server.Mapping == nil || c.Server.Mapping == c.Suite.Mapping {
		return ""
	}
	return c.Server.Mapping.Name
}
