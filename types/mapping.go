package types

import (
	"time"
)

// ReadyMode selects how a server process announces that it is listening.
type ReadyMode string

const (
	// ReadyToken waits for a line equal to the configured token.
	ReadyToken ReadyMode = "token"
	// ReadyPid waits for a line holding the process id.
	ReadyPid ReadyMode = "pid"
)

// DefaultReadyToken is printed by servers that do not configure a token.
const DefaultReadyToken = "ready"

// ProcessSpec describes how to launch one half of a test case.
type ProcessSpec struct {
	Exe       string
	Args      []string
	Env       map[string]string
	Dir       string
	Ready     string
	ReadyMode ReadyMode
	Timeout   time.Duration
}

// Mapping is one language implementation of the protocol under test.
type Mapping struct {
	Name     string
	Dir      string
	RunOrder []string
	Options  OptionOverrides

	suites []*TestSuite
	byID   map[string]*TestSuite
}

// NewMapping creates an empty mapping.
func NewMapping(name, dir string, runOrder []string, options OptionOverrides) *Mapping {
	return &Mapping{
		Name:     name,
		Dir:      dir,
		RunOrder: runOrder,
		Options:  options,
		byID:     make(map[string]*TestSuite),
	}
}

// AddSuite registers a suite with the mapping. It is only called while the
// registry is being loaded.
func (m *Mapping) AddSuite(s *TestSuite) {
	s.Mapping = m
	m.suites = append(m.suites, s)
	m.byID[s.ID] = s
}

// Suites returns the suites in declaration order.
func (m *Mapping) Suites() []*TestSuite {
	return m.suites
}

// SuiteIDs returns the ids of the suites in declaration order.
func (m *Mapping) SuiteIDs() []string {
	ids := make([]string, 0, len(m.suites))
	for _, s := range m.suites {
		ids = append(ids, s.ID)
	}
	return ids
}

// FindSuite returns the suite with the given id or nil.
func (m *Mapping) FindSuite(id string) *TestSuite {
	if m == nil {
		return nil
	}
	return m.byID[id]
}

// TestSuite is a path-like identified group of test cases of one mapping.
type TestSuite struct {
	ID             string
	Mapping        *Mapping
	Cases          []*TestCase
	MainThreadOnly bool
	Cross          bool
	Options        OptionOverrides
}

// FindCase returns the case with the given name or nil.
func (s *TestSuite) FindCase(name string) *TestCase {
	if s == nil {
		return nil
	}
	for _, c := range s.Cases {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (s *TestSuite) String() string {
	if s.Mapping == nil {
		return s.ID
	}
	return s.Mapping.Name + "/" + s.ID
}

// TestCase is a client/server pair, or a standalone client.
type TestCase struct {
	Name   string
	Suite  *TestSuite
	Parent *TestCase
	Server *ProcessSpec
	Client *ProcessSpec
}

// Standalone reports whether the case runs without a server half.
func (c *TestCase) Standalone() bool {
	return c.Server == nil
}

// Pairing binds a suite's client half to the suite providing the server half
// together with the configurations the pair is executed with.
type Pairing struct {
	Server  *TestSuite
	Configs []Config
}

// Job is one schedulable unit: a suite and its cross-mapping pairings.
type Job struct {
	Suite    *TestSuite
	Pairings []Pairing
}
