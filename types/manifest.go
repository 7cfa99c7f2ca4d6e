package types

import "time"

// Manifest is the on-disk description of every mapping and its suites.
type Manifest struct {
	Mappings []MappingConfig `yaml:"mappings"`
}

// MappingConfig represents one mapping of the manifest
type MappingConfig struct {
	Name     string              `yaml:"name"`
	Dir      string              `yaml:"dir,omitempty"`
	RunOrder []string            `yaml:"run_order,omitempty"`
	Options  map[string][]string `yaml:"options,omitempty"`
	Suites   []SuiteConfig       `yaml:"suites"`
}

// SuiteConfig represents a test suite of a mapping
type SuiteConfig struct {
	ID             string              `yaml:"id"`
	MainThreadOnly bool                `yaml:"main_thread_only,omitempty"`
	Cross          bool                `yaml:"cross,omitempty"`
	Options        map[string][]string `yaml:"options,omitempty"`
	Cases          []CaseConfig        `yaml:"cases"`
}

// CaseConfig represents a test case. A case naming a parent inherits the
// parent's halves unless it overrides them.
type CaseConfig struct {
	Name       string         `yaml:"name"`
	Parent     string         `yaml:"parent,omitempty"`
	Standalone bool           `yaml:"standalone,omitempty"`
	Server     *ProcessConfig `yaml:"server,omitempty"`
	Client     *ProcessConfig `yaml:"client,omitempty"`
}

// ProcessConfig represents the launch description of one half.
type ProcessConfig struct {
	Cmd       []string          `yaml:"cmd"`
	Env       map[string]string `yaml:"env,omitempty"`
	Dir       string            `yaml:"dir,omitempty"`
	Ready     string            `yaml:"ready,omitempty"`
	ReadyMode string            `yaml:"ready_mode,omitempty"`
	Timeout   *time.Duration    `yaml:"timeout,omitempty"`
}
