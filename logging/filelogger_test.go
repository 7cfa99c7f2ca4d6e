package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

func newResult(mapping, id string, fail bool) *types.Result {
	m := types.NewMapping(mapping, "", nil, nil)
	suite := &types.TestSuite{ID: id}
	m.AddSuite(suite)
	r := types.NewResult(suite, 2, 5, types.NewWorker(1))
	r.Writef("[2/5] %s: client/server protocol=tcp", suite)
	r.Writef("\x1b[32mok\x1b[0m")
	if fail {
		r.Fail("go/client/server [protocol=tcp]", &types.TestCaseFailedError{Output: "assertion X failed"})
	}
	r.Finish(1500 * time.Millisecond)
	return r
}

func TestNewFileLoggerValidation(t *testing.T) {
	_, err := NewFileLogger(t.TempDir(), "")
	require.Error(t, err)
	_, err = NewFileLogger("", "run")
	require.Error(t, err)
}

func TestFileLoggerWritesSuiteFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLogger(dir, "run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1"), l.RunDir())

	require.NoError(t, l.LogResult(newResult("go", "Ice/operations", false)))
	require.NoError(t, l.LogResult(newResult("python", "Ice/slicing/objects", true)))
	require.NoError(t, l.LogSummary("\x1b[31m1 failed\x1b[0m\n"))
	require.NoError(t, l.Complete())

	passed, err := os.ReadFile(filepath.Join(dir, "run-1", "go", "Ice", "operations.log"))
	require.NoError(t, err)
	assert.Contains(t, string(passed), "Status:   pass")
	assert.Contains(t, string(passed), "Worker:   worker-1")
	assert.Contains(t, string(passed), "\nok\n")

	failed, err := os.ReadFile(l.SuiteFile("python", "Ice/slicing/objects"))
	require.NoError(t, err)
	assert.Contains(t, string(failed), "Status:   fail")
	assert.Contains(t, string(failed), "assertion X failed")

	all, err := os.ReadFile(l.AllLogsFile())
	require.NoError(t, err)
	assert.Contains(t, string(all), "=== go/Ice/operations [2/5] PASS on worker-1 in 1.50s")
	assert.Contains(t, string(all), "=== python/Ice/slicing/objects [2/5] FAIL")
	assert.NotContains(t, string(all), "\x1b[")

	summary, err := os.ReadFile(l.SummaryFile())
	require.NoError(t, err)
	assert.Equal(t, "1 failed\n", string(summary))
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"operations", "operations"},
		{"a b:c", "a_b_c"},
		{"..", "_"},
		{"", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeFilename(tt.in), tt.in)
	}
}

func TestAsyncFileRejectsWritesAfterClose(t *testing.T) {
	af, err := NewAsyncFile(filepath.Join(t.TempDir(), "out.log"))
	require.NoError(t, err)
	require.NoError(t, af.Write([]byte("line\n")))
	require.NoError(t, af.Close())
	assert.Error(t, af.Write([]byte("late\n")))

	_, err = NewAsyncFile(filepath.Join(t.TempDir(), "missing", "out.log"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
