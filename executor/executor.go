package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-crosstest/metrics"
	"github.com/ethereum-optimism/infra/op-crosstest/runner"
	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

// Config holds the executor configuration
type Config struct {
	Log               log.Logger
	Runner            runner.Runner
	Workers           int  // Number of worker goroutines besides the main goroutine
	ContinueOnFailure bool // Keep dequeuing suites after a failure
	Host              string
	// Output receives the output of every finished suite. Main goroutine
	// results are written as soon as they finish, worker results in arrival
	// order.
	Output io.Writer
	// OnResult is called for every result, on the goroutine that called
	// RunUntilCompleted, in the order the results are printed.
	OnResult func(*types.Result)
}

// schedulerState holds the queues and the failure latch. Every field is
// guarded by mu.
type schedulerState struct {
	mu        sync.Mutex
	queue     []*types.Job
	mainQueue []*types.Job
	failed    bool
}

// Executor runs submitted jobs over a pool of worker goroutines plus the
// calling goroutine. Main-thread-only jobs only ever run on the calling
// goroutine.
type Executor struct {
	log               log.Logger
	runner            runner.Runner
	workers           int
	continueOnFailure bool
	host              string
	out               io.Writer
	onResult          func(*types.Result)
	tracer            trace.Tracer

	state schedulerState
}

// New creates an executor
func New(cfg Config) (*Executor, error) {
	if cfg.Runner == nil {
		return nil, errors.New("executor requires a runner")
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("invalid number of workers: %d", cfg.Workers)
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Executor{
		log:               cfg.Log,
		runner:            cfg.Runner,
		workers:           cfg.Workers,
		continueOnFailure: cfg.ContinueOnFailure,
		host:              cfg.Host,
		out:               cfg.Output,
		onResult:          cfg.OnResult,
		tracer:            otel.Tracer("executor"),
	}, nil
}

// Submit queues job. It goes to the main queue when the suite or any of its
// server counterparts is main-thread-only, or when there are no workers.
func (e *Executor) Submit(job *types.Job) {
	main := e.workers == 0 || job.Suite.MainThreadOnly
	for _, p := range job.Pairings {
		if p.Server != nil && p.Server.MainThreadOnly {
			main = true
		}
	}

	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	if main {
		e.state.mainQueue = append(e.state.mainQueue, job)
	} else {
		e.state.queue = append(e.state.queue, job)
	}
}

// Pending returns the number of queued jobs.
func (e *Executor) Pending() int {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return len(e.state.queue) + len(e.state.mainQueue)
}

// Failed reports whether the failure latch is set.
func (e *Executor) Failed() bool {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.failed
}

func (e *Executor) setFailed() {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	e.state.failed = true
}

// get pops the next job of the requested queue. It returns nil once the
// failure latch is set or the queue is empty. The index is the position of
// the job among all jobs, counted from 1 as total minus what remains queued.
func (e *Executor) get(total int, main bool) (*types.Job, int) {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()

	if e.state.failed {
		return nil, 0
	}
	queue := &e.state.queue
	if main {
		queue = &e.state.mainQueue
	}
	if len(*queue) == 0 {
		return nil, 0
	}
	job := (*queue)[0]
	*queue = (*queue)[1:]
	return job, total - (len(e.state.queue) + len(e.state.mainQueue))
}

// runTestSuites runs jobs until its queue is exhausted or the latch is set.
// Every result is pushed to results, followed by a nil sentinel.
func (e *Executor) runTestSuites(ctx context.Context, total, startIndex int, results chan<- *types.Result, worker types.WorkerContext) {
	defer func() { results <- nil }()

	for {
		job, index := e.get(total, worker.IsMain())
		if job == nil {
			return
		}
		result := e.runJob(ctx, job, startIndex+index, startIndex+total, worker)
		if !result.Success && !e.continueOnFailure {
			e.setFailed()
		}
		if worker.IsMain() {
			e.report(result)
		}
		results <- result
	}
}

// runJob runs one job and never panics: a panic of the runner is recorded
// as a failure of the suite.
func (e *Executor) runJob(ctx context.Context, job *types.Job, index, total int, worker types.WorkerContext) (result *types.Result) {
	result = types.NewResult(job.Suite, index, total, worker)
	cur := types.NewCurrent(job.Suite, result, index, total, worker, e.host)

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("suite %s", job.Suite))
	span.SetAttributes(
		attribute.Int("index", index),
		attribute.String("worker", worker.String()),
	)
	defer span.End()

	metrics.RecordWorkerBusy()
	defer metrics.RecordWorkerIdle()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Suite panicked", "suite", job.Suite, "worker", worker, "panic", r)
			result.Writef("panic: %v", r)
			result.Fail(job.Suite.String(), fmt.Errorf("panic: %v", r))
		}
		result.Finish(time.Since(start))
		if !result.Success {
			span.SetStatus(codes.Error, "suite failed")
		}
		metrics.RecordSuite(result)
	}()

	e.log.Debug("Running suite", "suite", job.Suite, "index", index, "total", total, "worker", worker)
	runner.RunSuite(ctx, e.runner, cur, job)
	return result
}

func (e *Executor) report(result *types.Result) {
	if e.out != nil {
		_, _ = io.WriteString(e.out, result.Output())
	}
	e.log.Info("Suite finished",
		"suite", result.Name(),
		"progress", fmt.Sprintf("%d/%d", result.Index, result.Total),
		"worker", result.Worker,
		"status", result.Status(),
		"duration", result.Duration.Round(time.Millisecond),
	)
	if e.onResult != nil {
		e.onResult(result)
	}
}

// RunUntilCompleted runs every submitted job and returns their results.
// startIndex offsets the progress indices.
//
// Suites already running when ctx is cancelled complete normally; no new
// suite starts afterwards. The cancellation error is returned together with
// the results collected so far, after every worker has exited.
func (e *Executor) RunUntilCompleted(ctx context.Context, startIndex int) ([]*types.Result, error) {
	total := e.Pending()
	results := make(chan *types.Result, total+e.workers+1)
	runCtx := context.WithoutCancel(ctx)

	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			e.setFailed()
			e.log.Warn("Interrupted, waiting for running suites to complete")
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-watcherDone
	}()

	if ctx.Err() != nil {
		e.setFailed()
	}
	e.log.Info("Running suites", "total", total, "workers", e.workers)

	var wg conc.WaitGroup
	for i := 0; i < e.workers; i++ {
		worker := types.NewWorker(i)
		wg.Go(func() {
			e.runTestSuites(runCtx, total, startIndex, results, worker)
		})
	}
	e.runTestSuites(runCtx, total, startIndex, results, types.MainWorker)

	collected := make([]*types.Result, 0, total)
	for sentinels := 0; sentinels < e.workers+1; {
		result := <-results
		if result == nil {
			sentinels++
			continue
		}
		if !result.Worker.IsMain() {
			e.report(result)
		}
		collected = append(collected, result)
	}

	if recovered := wg.WaitAndRecover(); recovered != nil {
		return collected, fmt.Errorf("worker panicked: %w", recovered.AsError())
	}
	if err := ctx.Err(); err != nil {
		return collected, fmt.Errorf("run interrupted: %w", context.Cause(ctx))
	}
	return collected, nil
}
