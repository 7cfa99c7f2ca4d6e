package crosstest

import (
	"github.com/ethereum-optimism/infra/op-crosstest/metrics"
)

// MetricsReporter is responsible for reporting metrics from run summaries.
type MetricsReporter interface {
	ReportResults(summary *RunSummary)
}

// DefaultMetricsReporter implements the MetricsReporter interface.
type DefaultMetricsReporter struct{}

// NewDefaultMetricsReporter creates a new DefaultMetricsReporter.
func NewDefaultMetricsReporter() *DefaultMetricsReporter {
	return &DefaultMetricsReporter{}
}

// ReportResults reports the run totals to the metrics registry.
func (r *DefaultMetricsReporter) ReportResults(summary *RunSummary) {
	metrics.RecordRun(
		summary.RunID,
		summary.Status(),
		len(summary.Results),
		summary.Failed,
		summary.Duration,
	)
}
