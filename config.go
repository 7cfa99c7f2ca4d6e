package crosstest

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-crosstest/flags"
	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

// Config holds the driver configuration
type Config struct {
	ManifestFile      string
	Workers           int           // Number of worker goroutines besides the main goroutine
	ContinueOnFailure bool          // Keep dispatching suites after a failure
	Loop              bool          // Repeat the run until interrupted or a suite fails
	LoopInterval      time.Duration // Pause between loop iterations
	Start             int           // 1-based index of the first suite to run
	All               bool          // Run every supported option combination
	Cross             string        // Mapping providing the server sides of the cross suites
	AllCross          bool          // Cross every mapping with every other mapping
	Host              string
	ClientController  string // Address of the controller running the client sides
	ServerController  string // Address of the controller running the server sides
	ShowDurations     bool
	Mappings          []string
	Include           []*regexp.Regexp
	Exclude           []*regexp.Regexp
	Base              types.Config // Options the suites run with unless All is set
	DefaultTimeout    time.Duration
	ReadyTimeout      time.Duration
	ShutdownTimeout   time.Duration
	LogDir            string // Directory to store suite logs, disabled if empty
	MetricsConfig     opmetrics.CLIConfig
	Log               log.Logger
}

// Remote reports whether any side runs through a controller.
func (c *Config) Remote() bool {
	return c.ClientController != "" || c.ServerController != ""
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	manifest, err := filepath.Abs(ctx.String(flags.Manifest.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for manifest '%s': %w", ctx.String(flags.Manifest.Name), err)
	}

	workers := ctx.Int(flags.Workers.Name)
	if workers < 0 {
		return nil, fmt.Errorf("invalid number of workers: %d", workers)
	}
	start := ctx.Int(flags.Start.Name)
	if start < 1 {
		return nil, fmt.Errorf("invalid start index %d, suites are numbered from 1", start)
	}

	include, err := compilePatterns(ctx.StringSlice(flags.Include.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	exclude, err := compilePatterns(ctx.StringSlice(flags.Exclude.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}

	base, err := baseConfig(ctx)
	if err != nil {
		return nil, err
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir != "" {
		logDir, err = filepath.Abs(logDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
		}
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	return &Config{
		ManifestFile:      manifest,
		Workers:           workers,
		ContinueOnFailure: ctx.Bool(flags.Continue.Name),
		Loop:              ctx.Bool(flags.Loop.Name),
		LoopInterval:      ctx.Duration(flags.LoopInterval.Name),
		Start:             start,
		All:               ctx.Bool(flags.All.Name),
		Cross:             ctx.String(flags.Cross.Name),
		AllCross:          ctx.Bool(flags.AllCross.Name),
		Host:              ctx.String(flags.Host.Name),
		ClientController:  ctx.String(flags.ClientController.Name),
		ServerController:  ctx.String(flags.ServerController.Name),
		ShowDurations:     ctx.Bool(flags.ShowDurations.Name),
		Mappings:          ctx.StringSlice(flags.Mapping.Name),
		Include:           include,
		Exclude:           exclude,
		Base:              base,
		DefaultTimeout:    ctx.Duration(flags.DefaultTimeout.Name),
		ReadyTimeout:      ctx.Duration(flags.ReadyTimeout.Name),
		ShutdownTimeout:   ctx.Duration(flags.ShutdownTimeout.Name),
		LogDir:            logDir,
		MetricsConfig:     metricsCfg,
		Log:               log,
	}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func baseConfig(ctx *cli.Context) (types.Config, error) {
	cfg := types.DefaultConfig()
	values := map[string]string{
		types.OptionProtocol:  ctx.String(flags.Protocol.Name),
		types.OptionCompress:  fmt.Sprint(ctx.Bool(flags.Compress.Name)),
		types.OptionIPv6:      fmt.Sprint(ctx.Bool(flags.IPv6.Name)),
		types.OptionSerialize: fmt.Sprint(ctx.Bool(flags.Serialize.Name)),
		types.OptionMx:        fmt.Sprint(ctx.Bool(flags.Mx.Name)),
	}
	var errs []error
	for _, opt := range types.Options {
		next, err := cfg.With(opt, values[opt])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfg = next
	}
	if err := errors.Join(errs...); err != nil {
		return types.Config{}, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}
