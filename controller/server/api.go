package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-crosstest/controller"
	"github.com/ethereum-optimism/infra/op-crosstest/metrics"
	"github.com/ethereum-optimism/infra/op-crosstest/registry"
	"github.com/ethereum-optimism/infra/op-crosstest/runner"
	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

var (
	ErrUnknownHandle = errors.New("unknown test case handle")
	ErrBusy          = errors.New("no free test case slot")
)

// DefaultSlotTimeout bounds how long RunTestCase waits for a free slot.
const DefaultSlotTimeout = 5 * time.Minute

// APIConfig holds the configuration of the controller API
type APIConfig struct {
	Log      log.Logger
	Registry *registry.Registry
	Runner   runner.Runner

	// Host is the address servers bind to and advertise to remote clients.
	Host string

	// Slots bounds the number of test cases allocated at the same time. Each
	// slot owns a disjoint port range.
	Slots int

	// SlotTimeout bounds the wait for a free slot before ErrBusy is returned.
	SlotTimeout time.Duration
}

// testCase is a test case allocated by RunTestCase. Calls on the same handle
// are serialized.
type testCase struct {
	id     string
	slot   int
	client *types.TestCase
	server *types.TestCase
	cur    *types.Current

	mu       sync.Mutex
	consumed int
}

// drain returns the output produced since the previous call.
func (tc *testCase) drain() string {
	out := tc.cur.Result.Output()
	if tc.consumed >= len(out) {
		return ""
	}
	fresh := out[tc.consumed:]
	tc.consumed = len(out)
	return fresh
}

// failure converts a runner error into what is returned over the wire. Test
// case failures carry the output of the call so far.
func (tc *testCase) failure(err error) error {
	var tcErr *types.TestCaseFailedError
	if !errors.As(err, &tcErr) {
		return err
	}
	out := tc.drain()
	if strings.TrimSpace(out) == "" {
		out = tcErr.Output
	}
	return &types.TestCaseFailedError{Output: out}
}

// API is the JSON-RPC service of a controller. It runs the halves of test
// cases on behalf of a remote driver.
type API struct {
	log      log.Logger
	registry *registry.Registry
	runner   runner.Runner
	host     string

	mu          sync.Mutex
	cases       map[string]*testCase
	slots       chan int
	slotTimeout time.Duration
}

// NewAPI creates the controller API
func NewAPI(cfg APIConfig) (*API, error) {
	if cfg.Registry == nil {
		return nil, errors.New("controller API requires a registry")
	}
	if cfg.Runner == nil {
		return nil, errors.New("controller API requires a runner")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = DefaultSlotTimeout
	}
	slots := make(chan int, cfg.Slots)
	for i := 0; i < cfg.Slots; i++ {
		slots <- i
	}
	return &API{
		log:         cfg.Log,
		registry:    cfg.Registry,
		runner:      cfg.Runner,
		host:        cfg.Host,
		cases:       make(map[string]*testCase),
		slots:       slots,
		slotTimeout: cfg.SlotTimeout,
	}, nil
}

// Version returns the controller protocol version.
func (a *API) Version() string {
	return controller.ProtocolVersion
}

// GetTestSuites returns the suites of mapping this controller can run. An
// unknown mapping has no suites.
func (a *API) GetTestSuites(ctx context.Context, mapping string) ([]string, error) {
	m := a.registry.Mapping(mapping)
	if m == nil {
		return []string{}, nil
	}
	suites, err := a.runner.TestSuites(ctx, m, types.SideClient)
	metrics.RecordControllerCall("getTestSuites", err)
	return suites, err
}

// GetOptionOverrides returns the option values supported by every mapping
// of this controller.
func (a *API) GetOptionOverrides(ctx context.Context) (types.OptionOverrides, error) {
	var result types.OptionOverrides
	for i, m := range a.registry.Mappings() {
		overrides, err := a.runner.OptionOverrides(ctx, m, types.SideClient)
		if err != nil {
			metrics.RecordControllerCall("getOptionOverrides", err)
			return nil, err
		}
		if i == 0 {
			result = overrides
			continue
		}
		result = result.Intersect(overrides)
	}
	metrics.RecordControllerCall("getOptionOverrides", nil)
	return result, nil
}

// RunTestCase allocates the case caseName of suite in mapping. cross names
// the mapping providing the server half. It waits for a free slot and returns
// the handle used by the other calls.
func (a *API) RunTestCase(ctx context.Context, mapping, suite, caseName, cross string) (string, error) {
	clientSuite := a.registry.Suite(mapping, suite)
	if clientSuite == nil {
		return "", fmt.Errorf("unknown suite %s/%s", mapping, suite)
	}
	client := clientSuite.FindCase(caseName)
	if client == nil {
		return "", fmt.Errorf("unknown case %s in %s", caseName, clientSuite)
	}
	serverSuite := clientSuite
	if cross != "" {
		serverSuite = a.registry.Suite(cross, suite)
		if serverSuite == nil {
			return "", fmt.Errorf("unknown suite %s/%s", cross, suite)
		}
	}

	slot, err := a.acquire(ctx)
	if err != nil {
		metrics.RecordControllerCall("runTestCase", err)
		return "", err
	}

	worker := types.NewWorker(slot)
	result := types.NewResult(clientSuite, 0, 0, worker)
	cur := types.NewCurrent(clientSuite, result, 0, 0, worker, a.host)
	cur.Server = serverSuite

	tc := &testCase{
		id:     uuid.New().String(),
		slot:   slot,
		client: client,
		server: serverSuite.FindCase(caseName),
		cur:    cur,
	}

	a.mu.Lock()
	a.cases[tc.id] = tc
	metrics.SetControllerCases(len(a.cases))
	a.mu.Unlock()

	a.log.Debug("Allocated test case", "id", tc.id, "suite", clientSuite, "case", caseName, "cross", cross, "slot", slot)
	metrics.RecordControllerCall("runTestCase", nil)
	return tc.id, nil
}

func (a *API) acquire(ctx context.Context) (int, error) {
	select {
	case slot := <-a.slots:
		return slot, nil
	default:
	}
	a.log.Debug("Waiting for a free test case slot", "timeout", a.slotTimeout)
	t := time.NewTimer(a.slotTimeout)
	defer t.Stop()
	select {
	case slot := <-a.slots:
		return slot, nil
	case <-t.C:
		return 0, ErrBusy
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
	}
}

func (a *API) lookup(id string) (*testCase, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tc, ok := a.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	return tc, nil
}

// StartServerSide starts the server half with cfg and returns the address
// clients connect to.
func (a *API) StartServerSide(ctx context.Context, id string, cfg types.Config) (string, error) {
	tc, err := a.lookup(id)
	if err != nil {
		return "", err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.server == nil || tc.server.Standalone() {
		return "", fmt.Errorf("case %s has no server side", tc.client.Name)
	}
	if tc.cur.ServerHandle != nil {
		return "", fmt.Errorf("server side of %s already started", id)
	}
	tc.cur.Config = cfg
	tc.cur.Case = tc.server
	host, err := a.runner.StartServerSide(ctx, tc.server, tc.cur)
	metrics.RecordControllerCall("startServerSide", err)
	if err != nil {
		return "", tc.failure(err)
	}
	return host, nil
}

// StopServerSide stops the server half and returns its output.
func (a *API) StopServerSide(ctx context.Context, id string, success bool) (string, error) {
	tc, err := a.lookup(id)
	if err != nil {
		return "", err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.cur.ServerHandle == nil {
		return "", fmt.Errorf("server side of %s is not running", id)
	}
	err = a.runner.StopServerSide(ctx, tc.server, tc.cur, success)
	metrics.RecordControllerCall("stopServerSide", err)
	if err != nil {
		return "", tc.failure(err)
	}
	return tc.drain(), nil
}

// RunClientSide runs the client half against host with cfg and returns its output.
func (a *API) RunClientSide(ctx context.Context, id string, host string, cfg types.Config) (string, error) {
	tc, err := a.lookup(id)
	if err != nil {
		return "", err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.cur.Config = cfg
	tc.cur.Case = tc.client
	err = a.runner.RunClientSide(ctx, tc.client, tc.cur, host)
	metrics.RecordControllerCall("runClientSide", err)
	if err != nil {
		return "", tc.failure(err)
	}
	return tc.drain(), nil
}

// Destroy releases the test case, killing its server half if still running.
func (a *API) Destroy(ctx context.Context, id string) error {
	a.mu.Lock()
	tc, ok := a.cases[id]
	delete(a.cases, id)
	metrics.SetControllerCases(len(a.cases))
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}

	a.release(ctx, tc)
	metrics.RecordControllerCall("destroy", nil)
	return nil
}

func (a *API) release(ctx context.Context, tc *testCase) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.cur.ServerHandle != nil {
		if err := a.runner.StopServerSide(ctx, tc.server, tc.cur, false); err != nil {
			a.log.Warn("Failed to stop server side", "id", tc.id, "err", err)
		}
	}
	a.slots <- tc.slot
	a.log.Debug("Released test case", "id", tc.id, "slot", tc.slot)
}

// DestroyAll releases every allocated test case.
func (a *API) DestroyAll(ctx context.Context) {
	a.mu.Lock()
	cases := make([]*testCase, 0, len(a.cases))
	for id, tc := range a.cases {
		cases = append(cases, tc)
		delete(a.cases, id)
	}
	metrics.SetControllerCases(0)
	a.mu.Unlock()

	for _, tc := range cases {
		a.release(ctx, tc)
	}
}

// Active returns the number of allocated test cases.
func (a *API) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cases)
}
