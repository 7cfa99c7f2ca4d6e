package metrics

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "nil error",
			err:  nil,
		},
		{
			name: "simple error",
			err:  errors.New("test error"),
		},
		{
			name: "error with special chars",
			err:  errors.New("test@error#123"),
		},
		{
			name: "error with multiple spaces",
			err:  errors.New("test   error"),
		},
	}

	validLabelRegex := regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Regexp(t, validLabelRegex, errToLabel(tt.err))
		})
	}
}

func TestRecordSuite(t *testing.T) {
	suite := &types.TestSuite{ID: "Ice/metrics"}
	types.NewMapping("metrics-test", "", nil, nil).AddSuite(suite)

	pass := types.NewResult(suite, 1, 2, types.NewWorker(0))
	pass.Finish(time.Second)
	RecordSuite(pass)

	fail := types.NewResult(suite, 2, 2, types.MainWorker)
	fail.Fail("a", errors.New("boom"))
	fail.Fail("b", errors.New("boom"))
	fail.Finish(time.Second)
	RecordSuite(fail)

	assert.Equal(t, 1.0, testutil.ToFloat64(suitesTotal.WithLabelValues("metrics-test", "worker-0", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(suitesTotal.WithLabelValues("metrics-test", "main", "fail")))
	assert.Equal(t, 2.0, testutil.ToFloat64(variantFailures.WithLabelValues("metrics-test")))
}

func TestRecordControllerCall(t *testing.T) {
	RecordControllerCall("metricsTest", nil)
	RecordControllerCall("metricsTest", &types.TestCaseFailedError{Output: "x"})
	RecordControllerCall("metricsTest", errors.New("broken pipe"))

	for _, result := range []string{"ok", "failed", "error"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(controllerCalls.WithLabelValues("metricsTest", result)), result)
	}
}

func TestRecordRun(t *testing.T) {
	RecordRun("run-test", types.TestStatusFail, 10, 3, time.Minute)
	assert.Equal(t, 1.0, testutil.ToFloat64(runResults.WithLabelValues("run-test", "fail")))
	assert.Equal(t, 10.0, testutil.ToFloat64(runSuitesTotal.WithLabelValues("run-test")))
	assert.Equal(t, 3.0, testutil.ToFloat64(runSuitesFailed.WithLabelValues("run-test")))
	assert.Equal(t, 60.0, testutil.ToFloat64(runDuration.WithLabelValues("run-test")))
}
