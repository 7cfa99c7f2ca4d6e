package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"

	"github.com/ethereum-optimism/infra/op-crosstest/controller"
	"github.com/ethereum-optimism/infra/op-crosstest/registry"
	"github.com/ethereum-optimism/infra/op-crosstest/runner"
	"github.com/ethereum-optimism/infra/op-crosstest/service"
)

// App is the controller process: the controller API served over JSON-RPC
// plus the optional healthz, metrics and pprof endpoints.
type App struct {
	log     log.Logger
	version string

	pprofServer *oppprof.Service
	service     *service.Service

	api *API
	rpc *oprpc.Server

	stopped atomic.Bool
}

func InitFromConfig(ctx context.Context, log log.Logger, cfg *Config, version string) (*App, error) {
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	app := &App{log: log, version: version, service: service.New(log)}
	if err := app.init(cfg); err != nil {
		return nil, errors.Join(err, app.Stop(ctx)) // clean up the failed init attempt
	}
	return app, nil
}

func (a *App) init(cfg *Config) error {
	if err := a.initPprof(cfg); err != nil {
		return fmt.Errorf("pprof error: %w", err)
	}
	if err := a.service.StartMetrics(cfg.MetricsConfig); err != nil {
		return fmt.Errorf("metrics error: %w", err)
	}
	if err := a.initAPI(cfg); err != nil {
		return fmt.Errorf("api error: %w", err)
	}
	if err := a.service.StartHealthz(cfg.HealthzAddr, cfg.HealthzPort, a.healthy); err != nil {
		return fmt.Errorf("healthz error: %w", err)
	}
	return nil
}

func (a *App) initPprof(cfg *Config) error {
	if !cfg.PprofConfig.ListenEnabled {
		return nil
	}
	a.pprofServer = oppprof.New(
		cfg.PprofConfig.ListenEnabled,
		cfg.PprofConfig.ListenAddr,
		cfg.PprofConfig.ListenPort,
		cfg.PprofConfig.ProfileType,
		cfg.PprofConfig.ProfileDir,
		cfg.PprofConfig.ProfileFilename,
	)
	a.log.Info("Starting pprof server", "addr", cfg.PprofConfig.ListenAddr, "port", cfg.PprofConfig.ListenPort)
	if err := a.pprofServer.Start(); err != nil {
		return fmt.Errorf("failed to start pprof server: %w", err)
	}
	return nil
}

func (a *App) initAPI(cfg *Config) error {
	reg, err := registry.NewRegistry(registry.Config{
		Log:            a.log,
		ManifestFile:   cfg.ManifestFile,
		DefaultTimeout: cfg.DefaultTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	local := runner.NewLocal(runner.LocalConfig{
		Log:             a.log,
		ReadyTimeout:    cfg.ReadyTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	a.api, err = NewAPI(APIConfig{
		Log:         a.log,
		Registry:    reg,
		Runner:      local,
		Host:        cfg.Host,
		Slots:       cfg.Slots,
		SlotTimeout: cfg.DefaultTimeout,
	})
	if err != nil {
		return err
	}

	rpcCfg := cfg.RPCConfig
	a.rpc = oprpc.NewServer(
		rpcCfg.ListenAddr,
		rpcCfg.ListenPort,
		a.version,
		oprpc.WithLogger(a.log),
	)
	a.rpc.AddAPI(rpc.API{
		Namespace: controller.Namespace,
		Service:   a.api,
	})
	return nil
}

func (a *App) healthy() error {
	if a.Stopped() {
		return errors.New("controller stopped")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.rpc.Start(); err != nil {
		return fmt.Errorf("error starting RPC server: %w", err)
	}
	a.log.Info("Started controller RPC server", "endpoint", a.rpc.Endpoint(), "version", controller.ProtocolVersion)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var result error
	if a.rpc != nil {
		if err := a.rpc.Stop(); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop RPC server: %w", err))
		}
	}
	if a.api != nil {
		a.api.DestroyAll(ctx)
	}
	if a.pprofServer != nil {
		if err := a.pprofServer.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop pprof server: %w", err))
		}
	}
	if err := a.service.Shutdown(ctx); err != nil {
		result = errors.Join(result, err)
	}
	return result
}

func (a *App) Stopped() bool {
	return a.stopped.Load()
}

// Endpoint returns the URL of the controller RPC server.
func (a *App) Endpoint() string {
	return a.rpc.Endpoint()
}

var _ cliapp.Lifecycle = (*App)(nil)

func MainAppAction(version string) cliapp.LifecycleAction {
	return func(cliCtx *cli.Context, _ context.CancelCauseFunc) (cliapp.Lifecycle, error) {
		cfg := NewConfig(cliCtx)
		logger := oplog.NewLogger(oplog.AppOut(cliCtx), cfg.LogConfig)
		oplog.SetGlobalLogHandler(logger.Handler())
		return InitFromConfig(cliCtx.Context, logger, cfg, version)
	}
}
