package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

// Registry holds every mapping of the manifest and the suites they contribute
type Registry struct {
	config   Config
	mappings []*types.Mapping
	byName   map[string]*types.Mapping
	mu       sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log            log.Logger
	ManifestFile   string
	DefaultTimeout time.Duration
}

// NewRegistry creates a new registry instance
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.ManifestFile == "" {
		return nil, fmt.Errorf("manifest file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	r := &Registry{
		config: cfg,
		byName: make(map[string]*types.Mapping),
	}

	if err := r.load(cfg.ManifestFile); err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	cfg.Log.Debug("Registry loaded", "len(mappings)", len(r.mappings))

	return r, nil
}

// load reads the manifest and builds the mappings
func (r *Registry) load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	manifest, err := loadManifest(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve manifest path '%s': %w", path, err)
	}
	baseDir := filepath.Dir(absPath)

	for _, mc := range manifest.Mappings {
		if mc.Name == "" {
			return fmt.Errorf("mapping without a name")
		}
		if _, exists := r.byName[mc.Name]; exists {
			return fmt.Errorf("duplicate mapping %q", mc.Name)
		}
		m, err := r.buildMapping(baseDir, mc)
		if err != nil {
			return fmt.Errorf("mapping %s: %w", mc.Name, err)
		}
		r.mappings = append(r.mappings, m)
		r.byName[m.Name] = m
	}

	return nil
}

func (r *Registry) buildMapping(baseDir string, mc types.MappingConfig) (*types.Mapping, error) {
	dir := resolveDir(baseDir, mc.Dir)
	m := types.NewMapping(mc.Name, dir, mc.RunOrder, types.OptionOverrides(mc.Options))

	for _, sc := range mc.Suites {
		if sc.ID == "" {
			return nil, fmt.Errorf("suite without an id")
		}
		if m.FindSuite(sc.ID) != nil {
			return nil, fmt.Errorf("duplicate suite %q", sc.ID)
		}
		suite := &types.TestSuite{
			ID:             sc.ID,
			MainThreadOnly: sc.MainThreadOnly,
			Cross:          sc.Cross,
			Options:        types.OptionOverrides(sc.Options),
		}
		m.AddSuite(suite)

		cases, err := r.buildCases(dir, suite, sc.Cases)
		if err != nil {
			return nil, fmt.Errorf("suite %s: %w", sc.ID, err)
		}
		suite.Cases = cases
	}
	return m, nil
}

// buildCases converts case configs into test cases, resolving parents.
func (r *Registry) buildCases(dir string, suite *types.TestSuite, configs []types.CaseConfig) ([]*types.TestCase, error) {
	byName := make(map[string]types.CaseConfig, len(configs))
	for _, cc := range configs {
		if cc.Name == "" {
			return nil, fmt.Errorf("case without a name")
		}
		if _, exists := byName[cc.Name]; exists {
			return nil, fmt.Errorf("duplicate case %q", cc.Name)
		}
		byName[cc.Name] = cc
	}

	for _, cc := range configs {
		if err := checkCircularParents(cc.Name, byName, make(map[string]bool)); err != nil {
			return nil, err
		}
	}

	built := make(map[string]*types.TestCase, len(configs))
	var build func(name string) (*types.TestCase, error)
	build = func(name string) (*types.TestCase, error) {
		if tc, ok := built[name]; ok {
			return tc, nil
		}
		cc := byName[name]
		tc := &types.TestCase{Name: cc.Name, Suite: suite}

		var parentServer, parentClient *types.ProcessSpec
		if cc.Parent != "" {
			parent, err := build(cc.Parent)
			if err != nil {
				return nil, err
			}
			tc.Parent = parent
			parentServer, parentClient = parent.Server, parent.Client
		}

		tc.Client = parentClient
		if cc.Client != nil {
			spec, err := r.buildProcess(dir, cc.Client)
			if err != nil {
				return nil, fmt.Errorf("case %s client: %w", cc.Name, err)
			}
			tc.Client = spec
		}
		tc.Server = parentServer
		if cc.Server != nil {
			spec, err := r.buildProcess(dir, cc.Server)
			if err != nil {
				return nil, fmt.Errorf("case %s server: %w", cc.Name, err)
			}
			tc.Server = spec
		}
		if cc.Standalone {
			tc.Server = nil
		}
		if tc.Client == nil {
			return nil, fmt.Errorf("case %s has no client", cc.Name)
		}
		built[name] = tc
		return tc, nil
	}

	cases := make([]*types.TestCase, 0, len(configs))
	for _, cc := range configs {
		tc, err := build(cc.Name)
		if err != nil {
			return nil, err
		}
		cases = append(cases, tc)
	}
	return cases, nil
}

// checkCircularParents detects parent cycles and dangling parent references
func checkCircularParents(current string, cases map[string]types.CaseConfig, visited map[string]bool) error {
	if visited[current] {
		return fmt.Errorf("circular parent detected at case %s", current)
	}
	visited[current] = true
	defer delete(visited, current)

	parent := cases[current].Parent
	if parent == "" {
		return nil
	}
	if _, exists := cases[parent]; !exists {
		return fmt.Errorf("case %s has non-existent parent %s", current, parent)
	}
	return checkCircularParents(parent, cases, visited)
}

func (r *Registry) buildProcess(dir string, pc *types.ProcessConfig) (*types.ProcessSpec, error) {
	if len(pc.Cmd) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	mode := types.ReadyMode(pc.ReadyMode)
	switch mode {
	case "":
		mode = types.ReadyToken
	case types.ReadyToken, types.ReadyPid:
	default:
		return nil, fmt.Errorf("unknown ready mode %q", pc.ReadyMode)
	}
	ready := pc.Ready
	if ready == "" && mode == types.ReadyToken {
		ready = types.DefaultReadyToken
	}
	timeout := r.config.DefaultTimeout
	if pc.Timeout != nil {
		timeout = *pc.Timeout
	}
	return &types.ProcessSpec{
		Exe:       pc.Cmd[0],
		Args:      pc.Cmd[1:],
		Env:       pc.Env,
		Dir:       resolveDir(dir, pc.Dir),
		Ready:     ready,
		ReadyMode: mode,
		Timeout:   timeout,
	}, nil
}

func resolveDir(base, dir string) string {
	if dir == "" {
		return base
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

// Mappings returns every mapping in manifest order
func (r *Registry) Mappings() []*types.Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mappings
}

// Mapping returns the mapping with the given name, or nil
func (r *Registry) Mapping(name string) *types.Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Suite returns the suite id of the given mapping, or nil
func (r *Registry) Suite(mapping, id string) *types.TestSuite {
	return r.Mapping(mapping).FindSuite(id)
}

// GetConfig returns the registry configuration
func (r *Registry) GetConfig() Config {
	return r.config
}

// loadManifest loads a manifest from a file
func loadManifest(path string) (*types.Manifest, error) {
	log.Debug("Reading manifest file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file: %w", err)
	}

	var manifest types.Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest file: %w", err)
	}

	return &manifest, nil
}
