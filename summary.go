package crosstest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

// Failure output longer than this many head plus tail lines is elided.
const (
	summaryHeadLines = 4
	summaryTailLines = 4
	elisionMarker    = "[...]"
)

// RunSummary aggregates the results of one iteration.
type RunSummary struct {
	RunID       string
	Iteration   int
	Scheduled   int // Suites in the matrix, including the ones skipped by the start index
	Results     []*types.Result
	Passed      int
	Failed      int
	Duration    time.Duration
	Interrupted bool
}

// NewRunSummary creates the summary of results ordered by progress index.
func NewRunSummary(runID string, iteration, scheduled int, results []*types.Result, duration time.Duration, interrupted bool) *RunSummary {
	sorted := append([]*types.Result(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	s := &RunSummary{
		RunID:       runID,
		Iteration:   iteration,
		Scheduled:   scheduled,
		Results:     sorted,
		Duration:    duration,
		Interrupted: interrupted,
	}
	for _, r := range sorted {
		if r.Success {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}

// Status is pass only if every suite ran and passed.
func (s *RunSummary) Status() types.TestStatus {
	if s.Failed > 0 || s.Interrupted {
		return types.TestStatusFail
	}
	return types.TestStatusPass
}

// FailedResults returns the failed results ordered by progress index.
func (s *RunSummary) FailedResults() []*types.Result {
	var out []*types.Result
	for _, r := range s.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

func (s *RunSummary) String() string {
	msg := fmt.Sprintf("ran %d suites in %s: %d passed, %d failed", len(s.Results), formatDuration(s.Duration), s.Passed, s.Failed)
	if s.Interrupted {
		msg += " (interrupted)"
	}
	return msg
}

// PrintSummary writes the run totals, the failures and optionally the suites
// ranked by duration to w.
func PrintSummary(w io.Writer, s *RunSummary, showDurations bool) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.ToUpper(s.String()[:1])+s.String()[1:])

	if failed := s.FailedResults(); len(failed) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetTitle(fmt.Sprintf("Failures (%d of %d suites)", len(failed), len(s.Results)))
		t.AppendHeader(table.Row{"#", "Suite", "Variant", "Output"})
		t.SetColumnConfigs([]table.ColumnConfig{
			{Name: "#", Align: text.AlignRight, AutoMerge: true},
			{Name: "Suite", AutoMerge: true},
			{Name: "Variant", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		})
		for _, r := range failed {
			for _, variant := range r.FailedVariants() {
				t.AppendRow(table.Row{
					fmt.Sprintf("%d/%d", r.Index, r.Total),
					r.Name(),
					variant,
					truncateOutput(failureOutput(r.Failures[variant])),
				})
			}
			t.AppendSeparator()
		}
		t.SetStyle(table.StyleLight)
		t.Render()
	}

	if showDurations && len(s.Results) > 0 {
		ranked := append([]*types.Result(nil), s.Results...)
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Duration > ranked[j].Duration })

		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetTitle("Durations")
		t.AppendHeader(table.Row{"Rank", "Suite", "Worker", "Status", "Duration"})
		t.SetColumnConfigs([]table.ColumnConfig{
			{Name: "Rank", Align: text.AlignRight},
			{Name: "Duration", Align: text.AlignRight},
		})
		for i, r := range ranked {
			t.AppendRow(table.Row{i + 1, r.Name(), r.Worker.String(), getResultString(r.Status()), formatDuration(r.Duration)})
		}
		t.AppendFooter(table.Row{"", "TOTAL", "", getResultString(s.Status()), formatDuration(s.Duration)})
		t.SetStyle(table.StyleLight)
		t.Render()
	}
}

// failureOutput returns the captured output of a test case failure, or the
// error text of any other failure.
func failureOutput(err error) string {
	if err == nil {
		return ""
	}
	var tcErr *types.TestCaseFailedError
	if errors.As(err, &tcErr) {
		return tcErr.Output
	}
	return err.Error()
}

// truncateOutput keeps the first and last lines of long output around an
// elision marker.
func truncateOutput(out string) string {
	lines := strings.Split(strings.TrimRight(stripansi.Strip(out), "\n"), "\n")
	if len(lines) <= summaryHeadLines+summaryTailLines {
		return strings.Join(lines, "\n")
	}
	kept := append([]string{}, lines[:summaryHeadLines]...)
	kept = append(kept, elisionMarker)
	kept = append(kept, lines[len(lines)-summaryTailLines:]...)
	return strings.Join(kept, "\n")
}

// getResultString returns a string representing the suite result
func getResultString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPass:
		return "✓ pass"
	default:
		return "✗ fail"
	}
}

// formatDuration formats a duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
