package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethereum-optimism/infra/op-crosstest/metrics"
)

// Service bundles the optional HTTP endpoints of a process: the metrics
// server and the healthz server.
type Service struct {
	log     log.Logger
	Healthz *HealthzServer
	Metrics *httputil.HTTPServer
}

func New(logger log.Logger) *Service {
	return &Service{log: logger}
}

// StartMetrics serves the default prometheus registry, where the crosstest
// metrics are registered, when enabled in cfg.
func (s *Service) StartMetrics(cfg opmetrics.CLIConfig) error {
	if !cfg.Enabled {
		return nil
	}
	registry, ok := prometheus.DefaultRegisterer.(*prometheus.Registry)
	if !ok {
		return errors.New("default prometheus registerer is not a registry")
	}
	s.log.Info("Starting metrics server", "addr", cfg.ListenAddr, "port", cfg.ListenPort)
	server, err := opmetrics.StartServer(registry, cfg.ListenAddr, cfg.ListenPort)
	if err != nil {
		metrics.RecordErrorDetails("metrics_server", err)
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	s.log.Info("Started metrics server", "endpoint", server.Addr())
	s.Metrics = server
	return nil
}

// StartHealthz serves /healthz on host:port. Port 0 disables it.
func (s *Service) StartHealthz(host string, port int, check func() error) error {
	if port == 0 {
		return nil
	}
	healthz := NewHealthzServer(s.log, check)
	if err := healthz.Start(host, port); err != nil {
		metrics.RecordErrorDetails("healthz_server", err)
		return fmt.Errorf("failed to start healthz server: %w", err)
	}
	s.Healthz = healthz
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	var result error
	if s.Healthz != nil {
		if err := s.Healthz.Shutdown(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop healthz server: %w", err))
		}
	}
	if s.Metrics != nil {
		if err := s.Metrics.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	return result
}
