package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-crosstest/controller"
	"github.com/ethereum-optimism/infra/op-crosstest/registry"
	"github.com/ethereum-optimism/infra/op-crosstest/runner"
	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

const testManifest = `
mappings:
  - name: go
    options:
      protocol: [tcp, ws]
      compress: ["false"]
    suites:
      - id: Ice/operations
        cross: true
        cases:
          - name: client/server
            server:
              cmd: [sh, -c, "echo ready"]
            client:
              cmd: [sh, -c, "echo client ran"]
          - name: broken
            server:
              cmd: [sh, -c, "echo ready"]
            client:
              cmd: [sh, -c, "echo 'assertion X failed'; exit 1"]
          - name: collocated
            client:
              cmd: [sh, -c, "echo collocated"]
  - name: python
    options:
      protocol: [tcp, ssl]
    suites:
      - id: Ice/operations
        cross: true
        cases:
          - name: client/server
            server:
              cmd: [sh, -c, "echo ready; echo python server"]
            client:
              cmd: [sh, -c, "echo python client"]
      - id: Ice/slicing
        cases:
          - name: client
            client:
              cmd: [sh, -c, "true"]
`

type testController struct {
	api    *API
	client *controller.Client
}

func setupController(t *testing.T, slots int) *testController {
	t.Helper()
	logger := testlog.Logger(t, log.LevelInfo)

	manifest := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(testManifest), 0644))
	reg, err := registry.NewRegistry(registry.Config{
		Log:            logger,
		ManifestFile:   manifest,
		DefaultTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	api, err := NewAPI(APIConfig{
		Log:         logger,
		Registry:    reg,
		Runner:      runner.NewLocal(runner.LocalConfig{Log: logger, ReadyTimeout: 10 * time.Second, ShutdownTimeout: 10 * time.Second}),
		Slots:       slots,
		SlotTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { api.DestroyAll(context.Background()) })

	srv := rpc.NewServer()
	t.Cleanup(func() { srv.Stop() })
	require.NoError(t, srv.RegisterName(controller.Namespace, api))

	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() { httpSrv.Close() })

	client, err := controller.Dial(context.Background(), logger, httpSrv.URL)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return &testController{api: api, client: client}
}

func TestVersionHandshake(t *testing.T) {
	tc := setupController(t, 1)
	version, err := tc.client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, controller.ProtocolVersion, version)
}

func TestGetTestSuites(t *testing.T) {
	tc := setupController(t, 1)
	ctx := context.Background()

	suites, err := tc.client.TestSuites(ctx, "python")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ice/operations", "Ice/slicing"}, suites)

	suites, err = tc.client.TestSuites(ctx, "java")
	require.NoError(t, err)
	assert.Empty(t, suites)
}

func TestGetOptionOverrides(t *testing.T) {
	tc := setupController(t, 1)

	overrides, err := tc.client.OptionOverrides(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp"}, overrides[types.OptionProtocol])
	assert.Equal(t, []string{"false"}, overrides[types.OptionCompress])
	assert.True(t, overrides.Allows(types.OptionMx, "true"))
}

func TestRunTestCaseRoundTrip(t *testing.T) {
	tc := setupController(t, 2)
	ctx := context.Background()

	server, err := tc.client.RunTestCase(ctx, "go", "Ice/operations", "client/server", "python")
	require.NoError(t, err)
	client, err := tc.client.RunTestCase(ctx, "go", "Ice/operations", "client/server", "python")
	require.NoError(t, err)
	assert.Equal(t, 2, tc.api.Active())

	host, err := server.StartServerSide(ctx, types.DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, host, "127.0.0.1:")

	out, err := client.RunClientSide(ctx, host, types.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "client ran\n", out)

	out, err = server.StopServerSide(ctx, true)
	require.NoError(t, err)
	assert.Contains(t, out, "python server")

	require.NoError(t, server.Destroy(ctx))
	require.NoError(t, client.Destroy(ctx))
	assert.Equal(t, 0, tc.api.Active())
}

func TestRunClientSideFailure(t *testing.T) {
	tc := setupController(t, 1)
	ctx := context.Background()

	h, err := tc.client.RunTestCase(ctx, "go", "Ice/operations", "broken", "")
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Destroy(ctx)) }()

	_, err = h.RunClientSide(ctx, "127.0.0.1:14000", types.DefaultConfig())
	require.Error(t, err)

	var tcErr *types.TestCaseFailedError
	require.True(t, errors.As(err, &tcErr), "expected a test case failure, got %v", err)
	assert.Equal(t, "assertion X failed\n", tcErr.Output)
}

func TestStartServerSideStandalone(t *testing.T) {
	tc := setupController(t, 1)
	ctx := context.Background()

	h, err := tc.client.RunTestCase(ctx, "go", "Ice/operations", "collocated", "")
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Destroy(ctx)) }()

	_, err = h.StartServerSide(ctx, types.DefaultConfig())
	require.Error(t, err)
	assert.False(t, types.IsTestCaseFailed(err))
	assert.Contains(t, err.Error(), "no server side")
}

func TestRunTestCaseErrors(t *testing.T) {
	tc := setupController(t, 1)
	ctx := context.Background()

	_, err := tc.client.RunTestCase(ctx, "go", "Ice/unknown", "client/server", "")
	require.Error(t, err)
	assert.False(t, types.IsTestCaseFailed(err))

	_, err = tc.client.RunTestCase(ctx, "go", "Ice/operations", "client/server", "java")
	require.Error(t, err)

	h, err := tc.client.RunTestCase(ctx, "go", "Ice/operations", "client/server", "")
	require.NoError(t, err)

	_, err = tc.client.RunTestCase(ctx, "go", "Ice/operations", "client/server", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrBusy.Error())

	require.NoError(t, h.Destroy(ctx))
	require.Error(t, h.Destroy(ctx), "handle already destroyed")

	h, err = tc.client.RunTestCase(ctx, "go", "Ice/operations", "client/server", "")
	require.NoError(t, err, "slot is released by destroy")
	require.NoError(t, h.Destroy(ctx))
}

func TestRunTestCaseWaitsForSlot(t *testing.T) {
	tc := setupController(t, 1)
	ctx := context.Background()

	id, err := tc.api.RunTestCase(ctx, "go", "Ice/operations", "client/server", "")
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tc.api.Destroy(ctx, id)
	}()

	next, err := tc.api.RunTestCase(ctx, "go", "Ice/operations", "client/server", "")
	require.NoError(t, err)
	require.NoError(t, tc.api.Destroy(ctx, next))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	id, err = tc.api.RunTestCase(ctx, "go", "Ice/operations", "client/server", "")
	require.NoError(t, err)
	_, err = tc.api.RunTestCase(cancelled, "go", "Ice/operations", "client/server", "")
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, tc.api.Destroy(ctx, id))
}

func TestDestroyStopsServer(t *testing.T) {
	tc := setupController(t, 1)
	ctx := context.Background()

	id, err := tc.api.RunTestCase(ctx, "go", "Ice/operations", "client/server", "")
	require.NoError(t, err)
	_, err = tc.api.StartServerSide(ctx, id, types.DefaultConfig())
	require.NoError(t, err)

	tc.api.DestroyAll(ctx)
	assert.Equal(t, 0, tc.api.Active())

	_, err = tc.api.StopServerSide(ctx, id, true)
	require.ErrorIs(t, err, ErrUnknownHandle)
}
