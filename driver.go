package crosstest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-crosstest/controller"
	"github.com/ethereum-optimism/infra/op-crosstest/executor"
	"github.com/ethereum-optimism/infra/op-crosstest/logging"
	"github.com/ethereum-optimism/infra/op-crosstest/registry"
	"github.com/ethereum-optimism/infra/op-crosstest/runner"
	"github.com/ethereum-optimism/infra/op-crosstest/service"
	"github.com/ethereum-optimism/infra/op-crosstest/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// driver implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &driver{}

// driver collects the suites, builds the cross-mapping matrix and dispatches
// it to an executor, once or in a loop.
type driver struct {
	config   *Config
	version  string
	registry *registry.Registry
	runner   runner.Runner
	reporter MetricsReporter
	loop     *LoopScheduler
	out      io.Writer
	closers  []func()
	closed   sync.Once

	result  atomic.Pointer[RunSummary]
	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New creates the driver, loading the manifest and connecting to the
// controllers, if any.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*driver, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating driver with config",
		"manifest", config.ManifestFile,
		"workers", config.Workers,
		"continue", config.ContinueOnFailure,
		"loop", config.Loop,
		"cross", config.Cross,
		"allCross", config.AllCross,
		"remote", config.Remote())

	reg, err := registry.NewRegistry(registry.Config{
		Log:            config.Log,
		ManifestFile:   config.ManifestFile,
		DefaultTimeout: config.DefaultTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	r, closers, err := newRunner(ctx, config)
	if err != nil {
		return nil, err
	}

	svc := service.New(config.Log)
	if err := svc.StartMetrics(config.MetricsConfig); err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}
	closers = append(closers, func() {
		if err := svc.Shutdown(context.Background()); err != nil {
			config.Log.Warn("Failed to stop metrics server", "err", err)
		}
	})

	d := newDriver(config, version, reg, r, shutdownCallback)
	d.closers = closers
	return d, nil
}

func newDriver(config *Config, version string, reg *registry.Registry, r runner.Runner, shutdownCallback func(error)) *driver {
	return &driver{
		config:           config,
		version:          version,
		registry:         reg,
		runner:           r,
		reporter:         NewDefaultMetricsReporter(),
		loop:             NewLoopScheduler(config.Loop, config.LoopInterval, config.Log),
		out:              os.Stdout,
		shutdownCallback: shutdownCallback,
	}
}

// newRunner selects the runner once: Remote when a controller address is
// configured, Local otherwise.
func newRunner(ctx context.Context, config *Config) (runner.Runner, []func(), error) {
	local := runner.NewLocal(runner.LocalConfig{
		Log:             config.Log.New("component", "local"),
		ReadyTimeout:    config.ReadyTimeout,
		ShutdownTimeout: config.ShutdownTimeout,
	})
	if !config.Remote() {
		return local, nil, nil
	}

	var closers []func()
	dialed := make(map[string]*controller.Client)
	dial := func(addr string) (runner.Controller, error) {
		if addr == "" {
			return nil, nil
		}
		if c, ok := dialed[addr]; ok {
			return c, nil
		}
		c, err := controller.Dial(ctx, config.Log.New("controller", addr), addr)
		if err != nil {
			return nil, err
		}
		dialed[addr] = c
		closers = append(closers, c.Close)
		return c, nil
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	client, err := dial(config.ClientController)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("failed to connect to client controller: %w", err)
	}
	server, err := dial(config.ServerController)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("failed to connect to server controller: %w", err)
	}

	remote, err := runner.NewRemote(config.Log.New("component", "remote"), local, client, server)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return remote, closers, nil
}

// Start runs the suites, blocking until the last iteration completed.
// Start implements the cliapp.Lifecycle interface.
func (d *driver) Start(ctx context.Context) error {
	d.running.Store(true)
	d.config.Log.Info("Starting op-crosstest", "version", d.version, "workers", d.config.Workers, "loop", d.config.Loop)
	defer d.closeControllers()

	if err := d.loop.Run(ctx, d.runOnce); err != nil {
		d.config.Log.Error("Runtime error running suites", "error", err)
		return err
	}

	result := d.result.Load()
	switch {
	case result == nil:
		return NewRuntimeError(errors.New("no suites were run"))
	case result.Interrupted:
		return NewTestFailureError(result)
	case result.Failed > 0:
		d.config.Log.Warn("Run completed with failures", "failed", result.Failed)
		return NewTestFailureError(result)
	}

	d.config.Log.Info("All suites passed, exiting")
	go func() {
		d.shutdownCallback(nil)
	}()
	return nil
}

// runOnce runs one iteration. It returns false when the loop must end.
func (d *driver) runOnce(ctx context.Context, iteration int) (bool, error) {
	runID := uuid.New().String()
	start := time.Now()
	logger := d.config.Log.New("run_id", runID, "iteration", iteration)

	jobs, err := d.buildJobs(ctx, logger)
	if err != nil {
		return false, NewRuntimeError(err)
	}

	startIndex := 0
	if iteration == 1 {
		startIndex = d.config.Start - 1
	}
	if startIndex > len(jobs) {
		return false, NewRuntimeError(fmt.Errorf("start index %d is beyond the %d scheduled suites", d.config.Start, len(jobs)))
	}

	var fileLogger *logging.FileLogger
	if d.config.LogDir != "" {
		fileLogger, err = logging.NewFileLogger(d.config.LogDir, runID)
		if err != nil {
			return false, NewRuntimeError(fmt.Errorf("failed to create file logger: %w", err))
		}
	}

	exec, err := executor.New(executor.Config{
		Log:               logger,
		Runner:            d.runner,
		Workers:           d.config.Workers,
		ContinueOnFailure: d.config.ContinueOnFailure,
		Host:              d.config.Host,
		Output:            d.out,
		OnResult: func(result *types.Result) {
			if fileLogger == nil {
				return
			}
			if err := fileLogger.LogResult(result); err != nil {
				logger.Warn("Failed to write suite log", "suite", result.Name(), "error", err)
			}
		},
	})
	if err != nil {
		return false, NewRuntimeError(err)
	}
	for _, job := range jobs[startIndex:] {
		exec.Submit(job)
	}

	logger.Info("Running suites", "scheduled", len(jobs), "start", startIndex+1)
	results, runErr := exec.RunUntilCompleted(ctx, startIndex)
	interrupted := runErr != nil && ctx.Err() != nil

	summary := NewRunSummary(runID, iteration, len(jobs), results, time.Since(start), interrupted)
	d.result.Store(summary)
	d.report(logger, summary, fileLogger)

	if runErr != nil && !interrupted {
		return false, NewRuntimeError(runErr)
	}
	if interrupted {
		logger.Warn("Run interrupted", "error", runErr)
		return false, nil
	}
	return summary.Failed == 0 || d.config.ContinueOnFailure, nil
}

// buildJobs collects, filters, orders and expands the suites of one run.
func (d *driver) buildJobs(ctx context.Context, logger log.Logger) ([]*types.Job, error) {
	mappings := d.registry.Mappings()
	for _, name := range d.config.Mappings {
		if d.registry.Mapping(name) == nil {
			return nil, fmt.Errorf("unknown mapping %q", name)
		}
	}

	u, err := collectUniverse(ctx, d.runner, mappings)
	if err != nil {
		return nil, err
	}
	clients := selectSuites(mappings, u, suiteFilter{
		Mappings: d.config.Mappings,
		Include:  d.config.Include,
		Exclude:  d.config.Exclude,
	})
	jobs, err := buildMatrix(logger, mappings, clients, u, matrixConfig{
		Base:     d.config.Base,
		All:      d.config.All,
		Cross:    d.config.Cross,
		AllCross: d.config.AllCross,
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		logger.Warn("No suites selected")
	}
	return jobs, nil
}

func (d *driver) report(logger log.Logger, summary *RunSummary, fileLogger *logging.FileLogger) {
	PrintSummary(d.out, summary, d.config.ShowDurations)
	d.reporter.ReportResults(summary)

	if fileLogger != nil {
		var buf bytes.Buffer
		PrintSummary(&buf, summary, true)
		if err := fileLogger.LogSummary(buf.String()); err != nil {
			logger.Warn("Failed to write run summary", "error", err)
		}
		if err := fileLogger.Complete(); err != nil {
			logger.Warn("Failed to complete suite logs", "error", err)
		}
		logger.Info("Suite logs written", "dir", fileLogger.RunDir())
	}
	logger.Info("Run completed", "status", summary.Status(), "passed", summary.Passed, "failed", summary.Failed, "duration", summary.Duration)
}

// Stop prevents further loop iterations and releases the controllers.
// Stop implements the cliapp.Lifecycle interface.
func (d *driver) Stop(ctx context.Context) error {
	d.config.Log.Info("Stopping op-crosstest")

	if !d.running.Load() {
		d.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	d.running.Store(false)
	d.loop.Stop()
	d.closeControllers()

	d.config.Log.Info("op-crosstest stopped successfully")
	return nil
}

func (d *driver) closeControllers() {
	d.closed.Do(func() {
		for _, c := range d.closers {
			c()
		}
	})
}

// Stopped returns true if the driver is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (d *driver) Stopped() bool {
	return !d.running.Load()
}

// Result returns the summary of the last completed iteration.
func (d *driver) Result() *RunSummary {
	return d.result.Load()
}
