package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"

	"github.com/ethereum-optimism/infra/op-crosstest/flags"
)

// Config holds the configuration of the controller command
type Config struct {
	ManifestFile    string
	Host            string // Host server sides bind to and advertise
	Slots           int    // Maximum number of concurrently allocated test cases
	DefaultTimeout  time.Duration
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
	HealthzAddr     string
	HealthzPort     int

	RPCConfig     oprpc.CLIConfig
	LogConfig     oplog.CLIConfig
	MetricsConfig opmetrics.CLIConfig
	PprofConfig   oppprof.CLIConfig
}

func (c *Config) Check() error {
	if c.ManifestFile == "" {
		return errors.New("manifest file is required")
	}
	if c.Slots <= 0 {
		return fmt.Errorf("invalid number of slots: %d", c.Slots)
	}
	if err := c.RPCConfig.Check(); err != nil {
		return err
	}
	if err := c.MetricsConfig.Check(); err != nil {
		return err
	}
	if err := c.PprofConfig.Check(); err != nil {
		return err
	}
	return nil
}

// NewConfig reads the controller configuration from the cli context
func NewConfig(ctx *cli.Context) *Config {
	return &Config{
		ManifestFile:    ctx.String(flags.Manifest.Name),
		Host:            ctx.String(flags.ControllerHost.Name),
		Slots:           ctx.Int(flags.ControllerSlots.Name),
		DefaultTimeout:  ctx.Duration(flags.DefaultTimeout.Name),
		ReadyTimeout:    ctx.Duration(flags.ReadyTimeout.Name),
		ShutdownTimeout: ctx.Duration(flags.ShutdownTimeout.Name),
		HealthzAddr:     ctx.String(flags.HealthzAddr.Name),
		HealthzPort:     ctx.Int(flags.HealthzPort.Name),
		RPCConfig:       oprpc.ReadCLIConfig(ctx),
		LogConfig:       oplog.ReadCLIConfig(ctx),
		MetricsConfig:   opmetrics.ReadCLIConfig(ctx),
		PprofConfig:     oppprof.ReadCLIConfig(ctx),
	}
}
