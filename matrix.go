package crosstest

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-crosstest/runner"
	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

// sideUniverse is what the active runner can execute on one side of a test
// case, per mapping name.
type sideUniverse struct {
	suites    map[string]map[string]bool
	overrides map[string]types.OptionOverrides
}

func newSideUniverse() *sideUniverse {
	return &sideUniverse{
		suites:    make(map[string]map[string]bool),
		overrides: make(map[string]types.OptionOverrides),
	}
}

func (u *sideUniverse) has(suite *types.TestSuite) bool {
	return suite != nil && u.suites[suite.Mapping.Name][suite.ID]
}

// supported returns the options this side can honor for suite.
func (u *sideUniverse) supported(suite *types.TestSuite) types.OptionOverrides {
	return u.overrides[suite.Mapping.Name].Intersect(suite.Mapping.Options).Intersect(suite.Options)
}

// universe gates client suites and their server counterparts separately, as
// each side may be served by a different controller.
type universe struct {
	client *sideUniverse
	server *sideUniverse
}

// collectUniverse asks r for the suites and options of every mapping, once
// per side.
func collectUniverse(ctx context.Context, r runner.Runner, mappings []*types.Mapping) (*universe, error) {
	u := &universe{client: newSideUniverse(), server: newSideUniverse()}
	for _, side := range []types.Side{types.SideClient, types.SideServer} {
		su := u.client
		if side == types.SideServer {
			su = u.server
		}
		for _, m := range mappings {
			ids, err := r.TestSuites(ctx, m, side)
			if err != nil {
				return nil, fmt.Errorf("failed to list the %s suites of %s: %w", side, m.Name, err)
			}
			set := make(map[string]bool, len(ids))
			for _, id := range ids {
				set[id] = true
			}
			su.suites[m.Name] = set

			overrides, err := r.OptionOverrides(ctx, m, side)
			if err != nil {
				return nil, fmt.Errorf("failed to get the %s options of %s: %w", side, m.Name, err)
			}
			su.overrides[m.Name] = overrides
		}
	}
	return u, nil
}

// suiteFilter selects the client suites of a run.
type suiteFilter struct {
	Mappings []string
	Include  []*regexp.Regexp
	Exclude  []*regexp.Regexp
}

func (f suiteFilter) matches(suite *types.TestSuite) bool {
	if len(f.Mappings) > 0 && !slices.Contains(f.Mappings, suite.Mapping.Name) {
		return false
	}
	if len(f.Include) > 0 && !slices.ContainsFunc(f.Include, func(re *regexp.Regexp) bool { return re.MatchString(suite.ID) }) {
		return false
	}
	return !slices.ContainsFunc(f.Exclude, func(re *regexp.Regexp) bool { return re.MatchString(suite.ID) })
}

// selectSuites returns the suites of the universe passing f, ordered by
// mapping, then by the mapping's run order, then by id.
func selectSuites(mappings []*types.Mapping, u *universe, f suiteFilter) []*types.TestSuite {
	var out []*types.TestSuite
	for _, m := range mappings {
		var suites []*types.TestSuite
		for _, s := range m.Suites() {
			if u.client.has(s) && f.matches(s) {
				suites = append(suites, s)
			}
		}
		sort.SliceStable(suites, func(i, j int) bool {
			pi, pj := runOrderPriority(m, suites[i].ID), runOrderPriority(m, suites[j].ID)
			if pi != pj {
				return pi < pj
			}
			return suites[i].ID < suites[j].ID
		})
		out = append(out, suites...)
	}
	return out
}

// runOrderPriority is the position of the first run order entry prefixing id,
// or the length of the run order when none does.
func runOrderPriority(m *types.Mapping, id string) int {
	for i, prefix := range m.RunOrder {
		if id == prefix || strings.HasPrefix(id, strings.TrimSuffix(prefix, "/")+"/") {
			return i
		}
	}
	return len(m.RunOrder)
}

type matrixConfig struct {
	Base     types.Config
	All      bool
	Cross    string
	AllCross bool
}

func (c matrixConfig) crossMode() bool {
	return c.Cross != "" || c.AllCross
}

// buildMatrix turns the ordered client suites into jobs. It is a pure
// function of its inputs.
func buildMatrix(logger log.Logger, mappings []*types.Mapping, clients []*types.TestSuite, u *universe, cfg matrixConfig) ([]*types.Job, error) {
	var servers []*types.Mapping
	switch {
	case cfg.Cross != "":
		idx := slices.IndexFunc(mappings, func(m *types.Mapping) bool { return m.Name == cfg.Cross })
		if idx < 0 {
			return nil, fmt.Errorf("unknown cross mapping %q", cfg.Cross)
		}
		servers = []*types.Mapping{mappings[idx]}
	case cfg.AllCross:
		servers = mappings
	}

	var jobs []*types.Job
	for _, suite := range clients {
		if cfg.crossMode() && !suite.Cross {
			continue
		}

		var counterparts []*types.TestSuite
		if !cfg.crossMode() && u.server.has(suite) {
			counterparts = []*types.TestSuite{suite}
		}
		for _, m := range servers {
			if m == suite.Mapping {
				continue
			}
			server := m.FindSuite(suite.ID)
			if !u.server.has(server) {
				logger.Debug("Skipping pairing without server counterpart", "suite", suite, "server", m.Name)
				continue
			}
			counterparts = append(counterparts, server)
		}

		job := &types.Job{Suite: suite}
		for _, server := range counterparts {
			overrides := u.client.supported(suite).Intersect(u.server.supported(server))
			configs := types.Variants(cfg.Base, cfg.All, overrides)
			if len(configs) == 0 {
				logger.Debug("Skipping pairing without supported configuration", "suite", suite, "server", server)
				continue
			}
			job.Pairings = append(job.Pairings, types.Pairing{Server: server, Configs: configs})
		}
		if len(job.Pairings) == 0 {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
