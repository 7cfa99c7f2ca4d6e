package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSuite() *TestSuite {
	m := NewMapping("go", "", nil, nil)
	s := &TestSuite{ID: "Ice/operations"}
	m.AddSuite(s)
	return s
}

func TestResultKeepsFirstFailurePerVariant(t *testing.T) {
	r := NewResult(newTestSuite(), 1, 3, MainWorker)
	require.True(t, r.Success)

	first := errors.New("first")
	r.Fail("tcp", first)
	r.Fail("tcp", errors.New("second"))
	r.Fail("ws", errors.New("third"))

	assert.False(t, r.Success)
	assert.Equal(t, TestStatusFail, r.Status())
	assert.Same(t, first, r.Failures["tcp"])
	assert.Equal(t, []string{"tcp", "ws"}, r.FailedVariants())
}

func TestResultDurationSetOnce(t *testing.T) {
	r := NewResult(newTestSuite(), 1, 1, MainWorker)
	r.Finish(time.Second)
	r.Finish(time.Minute)
	assert.True(t, r.Finished())
	assert.Equal(t, time.Second, r.Duration)
}

func TestResultOutput(t *testing.T) {
	r := NewResult(newTestSuite(), 1, 1, NewWorker(2))
	r.Writef("running %s", "client")
	_, err := r.Write([]byte("ok\n"))
	require.NoError(t, err)
	assert.Equal(t, "running client\nok\n", r.Output())
	assert.Equal(t, "go/Ice/operations", r.Name())
	assert.Equal(t, "worker-2", r.Worker.String())
}

func TestWorkerContext(t *testing.T) {
	assert.True(t, MainWorker.IsMain())
	w := NewWorker(0)
	assert.False(t, w.IsMain())
	assert.Equal(t, 0, *w.Index)
}

func TestTestCaseFailedError(t *testing.T) {
	err := &TestCaseFailedError{Output: "assertion X failed\nat line 3"}
	assert.Equal(t, "test case failed: assertion X failed", err.Error())
	assert.Equal(t, TestCaseFailedCode, err.ErrorCode())
	assert.Equal(t, "assertion X failed\nat line 3", err.ErrorData())

	wrapped := errors.Join(errors.New("ctx"), err)
	assert.True(t, IsTestCaseFailed(wrapped))
	assert.False(t, IsTestCaseFailed(errors.New("other")))
}
