package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-crosstest/controller"
	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

// Controller is the part of a controller client the remote runner needs.
type Controller interface {
	Addr() string
	TestSuites(ctx context.Context, mapping string) ([]string, error)
	OptionOverrides(ctx context.Context) (types.OptionOverrides, error)
	RunTestCase(ctx context.Context, mapping, suite, testCase, cross string) (*controller.Handle, error)
}

// Remote delegates the client half, the server half, or both to
// controllers. A half without a controller runs locally.
type Remote struct {
	log    log.Logger
	local  *Local
	client Controller
	server Controller
}

var _ Runner = (*Remote)(nil)

// NewRemote creates a remote runner. At least one of client and server must
// be set.
func NewRemote(logger log.Logger, local *Local, client, server Controller) (*Remote, error) {
	if client == nil && server == nil {
		return nil, errors.New("remote runner requires a client or server controller")
	}
	if local == nil {
		local = NewLocal(LocalConfig{Log: logger})
	}
	return &Remote{
		log:    logger,
		local:  local,
		client: client,
		server: server,
	}, nil
}

// controller returns the controller running side, or nil when it runs locally.
func (r *Remote) controller(side types.Side) Controller {
	if side == types.SideServer {
		return r.server
	}
	return r.client
}

// TestSuites intersects the locally known suites with what the controller
// running side supports.
func (r *Remote) TestSuites(ctx context.Context, mapping *types.Mapping, side types.Side) ([]string, error) {
	ids, err := r.local.TestSuites(ctx, mapping, side)
	if err != nil {
		return nil, err
	}
	c := r.controller(side)
	if c == nil {
		return ids, nil
	}
	remote, err := c.TestSuites(ctx, mapping.Name)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(ids, func(id string) bool {
		return !slices.Contains(remote, id)
	}), nil
}

func (r *Remote) OptionOverrides(ctx context.Context, mapping *types.Mapping, side types.Side) (types.OptionOverrides, error) {
	overrides, err := r.local.OptionOverrides(ctx, mapping, side)
	if err != nil {
		return nil, err
	}
	c := r.controller(side)
	if c == nil {
		return overrides, nil
	}
	remote, err := c.OptionOverrides(ctx)
	if err != nil {
		return nil, err
	}
	return overrides.Intersect(remote), nil
}

func (r *Remote) StartServerSide(ctx context.Context, tc *types.TestCase, cur *types.Current) (string, error) {
	if r.server == nil {
		return r.local.StartServerSide(ctx, tc, cur)
	}
	h, err := r.server.RunTestCase(ctx, cur.Suite.Mapping.Name, cur.Suite.ID, tc.Name, cur.Cross())
	if err != nil {
		return "", err
	}
	host, err := h.StartServerSide(ctx, cur.Config)
	if err != nil {
		writeFailureOutput(cur.Result, err)
		r.destroy(ctx, h)
		return "", err
	}
	cur.ServerHandle = h
	return host, nil
}

func (r *Remote) StopServerSide(ctx context.Context, tc *types.TestCase, cur *types.Current, success bool) error {
	h, ok := cur.ServerHandle.(*controller.Handle)
	if !ok {
		return r.local.StopServerSide(ctx, tc, cur, success)
	}
	cur.ServerHandle = nil
	defer r.destroy(ctx, h)

	out, err := h.StopServerSide(ctx, success)
	_, _ = io.WriteString(cur.Result, out)
	writeFailureOutput(cur.Result, err)
	return err
}

// RunClientSide runs the client half. When one controller serves both sides
// the client reuses the server's handle, so a case holds a single slot.
func (r *Remote) RunClientSide(ctx context.Context, tc *types.TestCase, cur *types.Current, host string) error {
	if r.client == nil {
		return r.local.RunClientSide(ctx, tc, cur, host)
	}
	h, shared := cur.ServerHandle.(*controller.Handle)
	if !shared || r.client != r.server {
		var err error
		h, err = r.client.RunTestCase(ctx, cur.Suite.Mapping.Name, cur.Suite.ID, tc.Name, cur.Cross())
		if err != nil {
			return err
		}
		defer r.destroy(ctx, h)
	}

	out, err := h.RunClientSide(ctx, host, cur.Config)
	_, _ = io.WriteString(cur.Result, out)
	writeFailureOutput(cur.Result, err)
	return err
}

func (r *Remote) destroy(ctx context.Context, h *controller.Handle) {
	if err := h.Destroy(ctx); err != nil {
		r.log.Warn("Failed to destroy remote test case", "id", h.ID, "err", err)
	}
}

// writeFailureOutput appends the output a controller attached to a test case
// failure to the result, exactly as received.
func writeFailureOutput(w io.Writer, err error) {
	var tcErr *types.TestCaseFailedError
	if errors.As(err, &tcErr) && tcErr.Output != "" {
		_, _ = io.WriteString(w, tcErr.Output)
		if tcErr.Output[len(tcErr.Output)-1] != '\n' {
			_, _ = fmt.Fprintln(w)
		}
	}
}
