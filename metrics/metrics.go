package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

const (
	MetricsNamespace = "crosstest"
)

var (
	Debug                bool = true
	validResults              = []types.TestStatus{types.TestStatusPass, types.TestStatusFail}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	suitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "suites_total",
		Help:      "Count of executed test suites",
	}, []string{
		"mapping",
		"worker",
		"result",
	})

	suiteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "suite_duration_seconds",
		Help:      "Duration of test suite executions",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{
		"mapping",
	})

	variantFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "variant_failures_total",
		Help:      "Count of failed test case variants",
	}, []string{
		"mapping",
	})

	busyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "busy_workers",
		Help:      "Number of workers currently executing a suite",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of test runs",
	}, []string{
		"run_id",
		"result",
	})

	runSuitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_suites_total",
		Help:      "Number of suites per run",
	}, []string{
		"run_id",
	})

	runSuitesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_suites_failed",
		Help:      "Number of failed suites per run",
	}, []string{
		"run_id",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of test runs",
	}, []string{
		"run_id",
	})

	controllerCases = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "controller_active_cases",
		Help:      "Number of test cases allocated on the controller",
	})

	controllerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "controller_calls_total",
		Help:      "Count of controller calls",
	}, []string{
		"method",
		"result",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordSuite records a finished suite execution
func RecordSuite(result *types.Result) {
	status := result.Status()
	if !isValidResult(status) {
		log.Error("RecordSuite - invalid result", "result", status)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "suites_total",
			"suite", result.Name(),
			"worker", result.Worker,
			"result", status)
	}
	suitesTotal.WithLabelValues(result.Mapping, result.Worker.String(), string(status)).Inc()
	suiteDuration.WithLabelValues(result.Mapping).Observe(result.Duration.Seconds())
	if n := len(result.Failures); n > 0 {
		variantFailures.WithLabelValues(result.Mapping).Add(float64(n))
	}
}

func RecordWorkerBusy() {
	busyWorkers.Inc()
}

func RecordWorkerIdle() {
	busyWorkers.Dec()
}

func RecordRun(runID string, result types.TestStatus, total int, failed int, duration time.Duration) {
	runResults.WithLabelValues(runID, string(result)).Set(1)
	runSuitesTotal.WithLabelValues(runID).Add(float64(total))
	runSuitesFailed.WithLabelValues(runID).Add(float64(failed))
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}

func RecordControllerCall(method string, err error) {
	result := "ok"
	switch {
	case types.IsTestCaseFailed(err):
		result = "failed"
	case err != nil:
		result = "error"
	}
	controllerCalls.WithLabelValues(method, result).Inc()
}

func SetControllerCases(n int) {
	controllerCases.Set(float64(n))
}

func isValidResult(result types.TestStatus) bool {
	return slices.Contains(validResults, result)
}
