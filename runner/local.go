package runner

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

const (
	DefaultReadyTimeout    = time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// Environment passed to every spawned half in addition to the command line.
const (
	EnvHost     = "CROSSTEST_HOST"
	EnvPort     = "CROSSTEST_PORT"
	EnvPortLast = "CROSSTEST_PORT_LAST"
	EnvMapping  = "CROSSTEST_MAPPING"
	EnvSuite    = "CROSSTEST_SUITE"
	EnvCase     = "CROSSTEST_CASE"
	EnvWorker   = "CROSSTEST_WORKER"
)

// LocalConfig holds the configuration of the local runner
type LocalConfig struct {
	Log             log.Logger
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Local runs both halves of every case as child processes of this process.
type Local struct {
	log             log.Logger
	readyTimeout    time.Duration
	shutdownTimeout time.Duration
}

var _ Runner = (*Local)(nil)

// NewLocal creates a local runner
func NewLocal(cfg LocalConfig) *Local {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Local{
		log:             cfg.Log,
		readyTimeout:    cfg.ReadyTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (l *Local) TestSuites(_ context.Context, mapping *types.Mapping, _ types.Side) ([]string, error) {
	return mapping.SuiteIDs(), nil
}

func (l *Local) OptionOverrides(_ context.Context, mapping *types.Mapping, _ types.Side) (types.OptionOverrides, error) {
	return mapping.Options, nil
}

func (l *Local) StartServerSide(ctx context.Context, tc *types.TestCase, cur *types.Current) (string, error) {
	if tc.Server == nil {
		return "", fmt.Errorf("case %s has no server side", tc.Name)
	}
	host := bindHost(cur.Host, cur.Config)
	port, last := PortRange(cur.Worker)

	args := append(cur.Config.Args(types.SideServer), "--host="+host, "--port="+strconv.Itoa(port))
	p, err := startProcess(l.log, processName(tc, types.SideServer), tc.Server, args, l.env(tc, cur, host, port, last), cur.Result)
	if err != nil {
		return "", err
	}

	timeout := l.readyTimeout
	if tc.Server.Timeout > 0 && tc.Server.Timeout < timeout {
		timeout = tc.Server.Timeout
	}
	if err := p.waitReady(ctx, timeout); err != nil {
		p.kill()
		return "", p.failure(err)
	}
	if p.pid != 0 {
		l.log.Debug("Server ready", "case", tc.Name, "pid", p.pid)
	}

	cur.ServerHandle = p
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// StopServerSide joins the server of tc. The client is expected to drive the
// server to shutdown; a server that lingers is interrupted and then killed.
// After a failed client the server is killed at once.
func (l *Local) StopServerSide(_ context.Context, tc *types.TestCase, cur *types.Current, success bool) error {
	p, ok := cur.ServerHandle.(*process)
	if !ok {
		return fmt.Errorf("no server running for case %s", tc.Name)
	}
	cur.ServerHandle = nil

	if !success {
		p.kill()
		return nil
	}
	return p.failure(p.stop(l.shutdownTimeout))
}

func (l *Local) RunClientSide(ctx context.Context, tc *types.TestCase, cur *types.Current, host string) error {
	port, last := PortRange(cur.Worker)
	addr := bindHost(host, cur.Config)
	if h, p, err := net.SplitHostPort(host); err == nil {
		addr = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	args := append(cur.Config.Args(types.SideClient), "--host="+addr, "--port="+strconv.Itoa(port))
	p, err := runProcess(ctx, l.log, processName(tc, types.SideClient), tc.Client, args, l.env(tc, cur, addr, port, last), cur.Result)
	if err != nil {
		return err
	}
	return p.failure(p.waitErr)
}

func (l *Local) env(tc *types.TestCase, cur *types.Current, host string, port, last int) []string {
	env := []string{
		EnvHost + "=" + host,
		EnvPort + "=" + strconv.Itoa(port),
		EnvPortLast + "=" + strconv.Itoa(last),
		EnvCase + "=" + tc.Name,
		EnvWorker + "=" + cur.Worker.String(),
	}
	if tc.Suite != nil {
		env = append(env, EnvSuite+"="+tc.Suite.ID)
		if tc.Suite.Mapping != nil {
			env = append(env, EnvMapping+"="+tc.Suite.Mapping.Name)
		}
	}
	return env
}

// bindHost returns host, or the loopback address matching the address
// family of cfg when host is empty.
func bindHost(host string, cfg types.Config) string {
	if host != "" {
		return host
	}
	if cfg.IPv6 {
		return "::1"
	}
	return "127.0.0.1"
}

func processName(tc *types.TestCase, side types.Side) string {
	if tc.Suite == nil {
		return fmt.Sprintf("%s %s", tc.Name, side)
	}
	return fmt.Sprintf("%s %s %s", tc.Suite, tc.Name, side)
}
