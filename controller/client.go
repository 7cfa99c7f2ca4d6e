package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/mod/semver"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

const (
	// Namespace is the JSON-RPC namespace served by controllers.
	Namespace = "controller"
	// ProtocolVersion is the controller protocol implemented by this package.
	// Controllers reporting a different major version are rejected.
	ProtocolVersion = "v1.0.0"
)

// Client is a connection to a remote controller.
type Client struct {
	log  log.Logger
	addr string
	rpc  *rpc.Client

	overridesOnce sync.Once
	overrides     types.OptionOverrides
	overridesErr  error
}

// Dial connects to the controller at addr and verifies that it speaks a
// compatible protocol version.
func Dial(ctx context.Context, logger log.Logger, addr string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial controller %s: %w", addr, err)
	}
	c := NewClient(logger, addr, rpcClient)

	version, err := c.Version(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	if err := CheckVersion(version); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("controller %s: %w", addr, err)
	}
	logger.Info("Connected to controller", "addr", addr, "version", version)
	return c, nil
}

// NewClient wraps an established rpc client.
func NewClient(logger log.Logger, addr string, rpcClient *rpc.Client) *Client {
	return &Client{
		log:  logger.New("controller", addr),
		addr: addr,
		rpc:  rpcClient,
	}
}

// CheckVersion returns an error unless remote is a semantic version with the
// same major version as ProtocolVersion.
func CheckVersion(remote string) error {
	if !semver.IsValid(remote) {
		return fmt.Errorf("invalid protocol version %q", remote)
	}
	if semver.Major(remote) != semver.Major(ProtocolVersion) {
		return fmt.Errorf("incompatible protocol version %s, want %s.x", remote, semver.Major(ProtocolVersion))
	}
	return nil
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var version string
	if err := c.call(ctx, &version, "version"); err != nil {
		return "", err
	}
	return version, nil
}

// TestSuites returns the suites of mapping the controller can run.
func (c *Client) TestSuites(ctx context.Context, mapping string) ([]string, error) {
	var suites []string
	if err := c.call(ctx, &suites, "getTestSuites", mapping); err != nil {
		return nil, err
	}
	return suites, nil
}

// OptionOverrides returns the option values the controller supports. The
// answer is fetched once per client.
func (c *Client) OptionOverrides(ctx context.Context) (types.OptionOverrides, error) {
	c.overridesOnce.Do(func() {
		c.overridesErr = c.call(ctx, &c.overrides, "getOptionOverrides")
	})
	return c.overrides, c.overridesErr
}

// RunTestCase allocates a test case on the controller. cross names the
// mapping providing the server half, or is empty.
func (c *Client) RunTestCase(ctx context.Context, mapping, suite, testCase, cross string) (*Handle, error) {
	var id string
	if err := c.call(ctx, &id, "runTestCase", mapping, suite, testCase, cross); err != nil {
		return nil, err
	}
	return &Handle{client: c, ID: id}, nil
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	err := c.rpc.CallContext(ctx, result, Namespace+"_"+method, args...)
	if err != nil {
		c.log.Debug("Controller call failed", "method", method, "err", err)
	}
	return translateError(c.addr, method, err)
}

// translateError turns a reported test case failure back into a
// TestCaseFailedError carrying the controller output unchanged. Any other
// error is a communication fault.
func translateError(addr, method string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == types.TestCaseFailedCode {
		output := ""
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			if s, ok := dataErr.ErrorData().(string); ok {
				output = s
			}
		}
		return &types.TestCaseFailedError{Output: output}
	}
	return fmt.Errorf("controller %s: %s: %w", addr, method, err)
}

// Handle is a test case allocated on a controller.
type Handle struct {
	client *Client
	ID     string
}

// StartServerSide starts the server half and returns the address to connect to.
func (h *Handle) StartServerSide(ctx context.Context, cfg types.Config) (string, error) {
	var host string
	if err := h.client.call(ctx, &host, "startServerSide", h.ID, cfg); err != nil {
		return "", err
	}
	return host, nil
}

// StopServerSide stops the server half and returns its output.
func (h *Handle) StopServerSide(ctx context.Context, success bool) (string, error) {
	var out string
	err := h.client.call(ctx, &out, "stopServerSide", h.ID, success)
	return out, err
}

// RunClientSide runs the client half against host and returns its output.
func (h *Handle) RunClientSide(ctx context.Context, host string, cfg types.Config) (string, error) {
	var out string
	err := h.client.call(ctx, &out, "runClientSide", h.ID, host, cfg)
	return out, err
}

// Destroy releases the test case on the controller.
func (h *Handle) Destroy(ctx context.Context) error {
	return h.client.call(ctx, nil, "destroy", h.ID)
}
