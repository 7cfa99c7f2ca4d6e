package crosstest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-crosstest/registry"
	"github.com/ethereum-optimism/infra/op-crosstest/runner"
	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

const driverManifest = `
mappings:
  - name: go
    run_order: [Ice/proxy]
    options:
      protocol: [tcp, ws]
    suites:
      - id: Ice/operations
        cross: true
        cases:
          - name: client/server
            server:
              cmd: [sh, -c, "echo ready; echo go server"]
            client:
              cmd: [sh, -c, "echo go client"]
      - id: Ice/proxy
        cases:
          - name: client
            client:
              cmd: [sh, -c, "echo proxy client"]
      - id: Ice/global
        main_thread_only: true
        cases:
          - name: client
            client:
              cmd: [sh, -c, "echo global client"]
  - name: python
    suites:
      - id: Ice/operations
        cross: true
        cases:
          - name: client/server
            server:
              cmd: [sh, -c, "echo ready; echo python server"]
            client:
              cmd: [sh, -c, "echo python client"]
`

const failingSuite = `
      - id: Ice/failing
        cases:
          - name: client
            client:
              cmd: [sh, -c, "echo 'assertion X failed'; exit 1"]
`

type testDriver struct {
	*driver
	out      *bytes.Buffer
	shutdown chan error
}

func newTestDriver(t *testing.T, manifest string, configure func(*Config)) *testDriver {
	t.Helper()
	logger := testlog.Logger(t, log.LevelInfo)

	path := filepath.Join(t.TempDir(), "crosstest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))

	cfg := &Config{
		ManifestFile: path,
		Workers:      2,
		Start:        1,
		Base:         types.DefaultConfig(),
		Log:          logger,
	}
	if configure != nil {
		configure(cfg)
	}

	reg, err := registry.NewRegistry(registry.Config{Log: logger, ManifestFile: path, DefaultTimeout: 30 * time.Second})
	require.NoError(t, err)
	r := runner.NewLocal(runner.LocalConfig{Log: logger, ReadyTimeout: 10 * time.Second, ShutdownTimeout: 10 * time.Second})

	shutdown := make(chan error, 1)
	d := newDriver(cfg, "test", reg, r, func(err error) { shutdown <- err })
	out := new(bytes.Buffer)
	d.out = out
	t.Cleanup(func() { require.NoError(t, d.Stop(context.Background())) })
	return &testDriver{driver: d, out: out, shutdown: shutdown}
}

func TestDriverRunsAllSuites(t *testing.T) {
	d := newTestDriver(t, driverManifest, nil)

	require.NoError(t, d.Start(context.Background()))
	select {
	case err := <-d.shutdown:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not called")
	}

	result := d.Result()
	require.NotNil(t, result)
	assert.Equal(t, 4, result.Passed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 4, result.Scheduled)
	assert.Equal(t, types.TestStatusPass, result.Status())

	out := d.out.String()
	assert.Contains(t, out, "go client")
	assert.Contains(t, out, "go server")
	assert.Contains(t, out, "python client")
	assert.Contains(t, out, "Ran 4 suites")

	for _, r := range result.Results {
		if r.Suite == "Ice/global" {
			assert.True(t, r.Worker.IsMain())
		}
	}
}

func TestDriverFailureReturnsTestFailure(t *testing.T) {
	d := newTestDriver(t, driverManifest+failingSuite, func(cfg *Config) {
		cfg.Mappings = []string{"python"}
		cfg.ContinueOnFailure = true
	})

	err := d.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.False(t, IsRuntimeError(err))

	result := d.Result()
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Passed)
	assert.Contains(t, d.out.String(), "python/Ice/failing")
	assert.Contains(t, d.out.String(), "assertion X failed")
	assert.Empty(t, d.shutdown)
}

func TestDriverCross(t *testing.T) {
	d := newTestDriver(t, driverManifest, func(cfg *Config) {
		cfg.Cross = "python"
	})

	require.NoError(t, d.Start(context.Background()))
	result := d.Result()
	require.Len(t, result.Results, 1)
	assert.Equal(t, "go/Ice/operations", result.Results[0].Name())

	out := d.out.String()
	assert.Contains(t, out, "(client go, server python)")
	assert.Contains(t, out, "python server")
	assert.Contains(t, out, "go client")
	assert.NotContains(t, out, "go server")
}

func TestDriverStartIndex(t *testing.T) {
	d := newTestDriver(t, driverManifest, func(cfg *Config) {
		cfg.Start = 3
		cfg.Workers = 0
	})

	require.NoError(t, d.Start(context.Background()))
	result := d.Result()
	require.Len(t, result.Results, 2)
	// go/Ice/proxy and go/Ice/global come first in dispatch order.
	assert.Equal(t, "go/Ice/operations", result.Results[0].Name())
	assert.Equal(t, "python/Ice/operations", result.Results[1].Name())
	assert.Equal(t, 3, result.Results[0].Index)
	assert.Equal(t, 4, result.Results[1].Index)
	assert.Equal(t, 4, result.Results[0].Total)
}

func TestDriverStartBeyondSuites(t *testing.T) {
	d := newTestDriver(t, driverManifest, func(cfg *Config) {
		cfg.Start = 10
	})
	err := d.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
}

func TestDriverUnknownMapping(t *testing.T) {
	d := newTestDriver(t, driverManifest, func(cfg *Config) {
		cfg.Mappings = []string{"cobol"}
	})
	err := d.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
}

func TestDriverLoopStopsOnFailure(t *testing.T) {
	d := newTestDriver(t, driverManifest+failingSuite, func(cfg *Config) {
		cfg.Loop = true
		cfg.Include = []*regexp.Regexp{regexp.MustCompile("failing")}
	})

	err := d.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.Equal(t, 1, d.Result().Iteration)
}

func TestDriverLoopUntilInterrupted(t *testing.T) {
	d := newTestDriver(t, driverManifest, func(cfg *Config) {
		cfg.Loop = true
		cfg.LoopInterval = 10 * time.Millisecond
		cfg.Include = []*regexp.Regexp{regexp.MustCompile("proxy")}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool {
		r := d.Result()
		return r != nil && r.Iteration >= 2
	}, 10*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		// Interrupted either while running or while waiting for the next
		// iteration.
		if err != nil {
			assert.True(t, IsTestFailureError(err))
			assert.True(t, d.Result().Interrupted)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("driver did not return after cancellation")
	}
}

func TestDriverWritesSuiteLogs(t *testing.T) {
	logDir := t.TempDir()
	d := newTestDriver(t, driverManifest, func(cfg *Config) {
		cfg.LogDir = logDir
		cfg.Mappings = []string{"go"}
	})

	require.NoError(t, d.Start(context.Background()))
	runDir := filepath.Join(logDir, d.Result().RunID)

	data, err := os.ReadFile(filepath.Join(runDir, "go", "Ice", "operations.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "go client")

	summary, err := os.ReadFile(filepath.Join(runDir, "summary.log"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(summary)), "Ran 3 suites"))
}
