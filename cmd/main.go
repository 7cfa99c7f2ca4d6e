package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	crosstest "github.com/ethereum-optimism/infra/op-crosstest"
	"github.com/ethereum-optimism/infra/op-crosstest/controller/server"
	"github.com/ethereum-optimism/infra/op-crosstest/exitcodes"
	"github.com/ethereum-optimism/infra/op-crosstest/flags"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-crosstest"
	app.Usage = "Cross-language test suite scheduler"
	app.Description = "op-crosstest runs the test suites of every language mapping, locally or through controllers"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.Commands = []*cli.Command{
		{
			Name:        "controller",
			Usage:       "Serve the suites of the manifest to remote drivers",
			Description: "Starts a controller running the client or server sides requested by a driver",
			Flags:       cliapp.ProtectFlags(flags.ControllerFlags),
			Action:      cliapp.LifecycleCmd(server.MainAppAction(Version)),
		},
	}
	app.ExitErrHandler = exitErrHandler

	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

// exitErrHandler maps typed errors to the documented exit codes.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitErr cli.ExitCoder
	switch {
	case errors.As(err, &exitErr):
		cli.HandleExitCoder(exitErr)
	case crosstest.IsRuntimeError(err):
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
	default:
		// Failed suites, interrupted runs and anything unclassified
		cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.TestFailure))
	}
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := crosstest.NewConfig(ctx, log)
	if err != nil {
		return nil, crosstest.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	d, err := crosstest.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, crosstest.NewRuntimeError(fmt.Errorf("failed to create driver: %w", err))
	}
	return d, nil
}
