package runner

import (
	"context"
	"fmt"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

// Runner executes the halves of test cases. Local spawns processes directly,
// Remote delegates to controllers. The scheduler only sees this interface.
type Runner interface {
	// TestSuites returns the ids of the suites of mapping this runner can
	// execute the given side of.
	TestSuites(ctx context.Context, mapping *types.Mapping, side types.Side) ([]string, error)

	// OptionOverrides returns the option values this runner supports for the
	// given side of mapping.
	OptionOverrides(ctx context.Context, mapping *types.Mapping, side types.Side) (types.OptionOverrides, error)

	// StartServerSide launches the server half of tc and returns the address
	// the client half must connect to.
	StartServerSide(ctx context.Context, tc *types.TestCase, cur *types.Current) (string, error)

	// StopServerSide shuts the server half down. With success false the
	// client already failed and the server is torn down without checks.
	StopServerSide(ctx context.Context, tc *types.TestCase, cur *types.Current, success bool) error

	// RunClientSide runs the client half of tc against host until it exits.
	RunClientSide(ctx context.Context, tc *types.TestCase, cur *types.Current, host string) error
}

// VariantKey identifies one execution variant of a suite: the mapping
// providing the server half, the case, and the option combination.
func VariantKey(server *types.TestSuite, tc *types.TestCase, cfg types.Config) string {
	mapping := ""
	if server != nil && server.Mapping != nil {
		mapping = server.Mapping.Name
	}
	return fmt.Sprintf("%s/%s [%s]", mapping, tc.Name, cfg.Key())
}

// RunSuite executes every case of job under every pairing and configuration,
// recording failures per variant in cur.Result. It never returns early on a
// failing variant.
func RunSuite(ctx context.Context, r Runner, cur *types.Current, job *types.Job) {
	suite := job.Suite
	for _, pairing := range job.Pairings {
		cur.Server = pairing.Server
		cross := pairing.Server != suite

		for _, tc := range suite.Cases {
			serverCase := tc
			if cross {
				serverCase = pairing.Server.FindCase(tc.Name)
				if tc.Standalone() || serverCase == nil || serverCase.Standalone() {
					cur.Result.Writef("skipping %s: no server side in %s", tc.Name, pairing.Server.Mapping.Name)
					continue
				}
			}
			for _, cfg := range pairing.Configs {
				runCase(ctx, r, cur, tc, serverCase, cfg)
			}
		}
	}
}

func runCase(ctx context.Context, r Runner, cur *types.Current, tc, serverCase *types.TestCase, cfg types.Config) {
	cur.Case = tc
	cur.Config = cfg.Clone()
	cur.ServerHandle = nil
	variant := VariantKey(cur.Server, tc, cfg)

	if cross := cur.Cross(); cross != "" {
		cur.Result.Writef("[%d/%d] %s: %s (client %s, server %s) %s", cur.Index, cur.Total, cur.Suite.ID, tc.Name, cur.Suite.Mapping.Name, cross, cfg.Key())
	} else {
		cur.Result.Writef("[%d/%d] %s: %s %s", cur.Index, cur.Total, cur.Suite, tc.Name, cfg.Key())
	}

	host := cur.Host
	if !serverCase.Standalone() {
		addr, err := r.StartServerSide(ctx, serverCase, cur)
		if err != nil {
			cur.Result.Writef("failed to start server side: %v", err)
			cur.Result.Fail(variant, err)
			return
		}
		host = addr
	}

	clientErr := r.RunClientSide(ctx, tc, cur, host)
	if clientErr != nil {
		cur.Result.Writef("client side failed: %v", clientErr)
		cur.Result.Fail(variant, clientErr)
	}

	if !serverCase.Standalone() {
		if err := r.StopServerSide(ctx, serverCase, cur, clientErr == nil); err != nil {
			cur.Result.Writef("server side failed: %v", err)
			cur.Result.Fail(variant, err)
		}
	}
	cur.ServerHandle = nil
}
