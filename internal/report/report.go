// Package report renders quarantine outcomes into the JSON report, the raw attempt log and
// the sparkline artifact.
package report

import (
	"encoding/json"
	"fmt"

	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/utils"
)

// Params are the run parameters echoed into every report.
type Params struct {
	Repeat          int
	CleanThreshold  int
	DemoteThreshold float64
	HistoryWindows  int
}

// Skipped builds the report of an invocation that ran nothing.
func Skipped(reason string, patterns []string, p Params) *models.Report {
	r := &models.Report{
		Skipped:         true,
		Reason:          reason,
		Patterns:        patterns,
		Repeat:          p.Repeat,
		CleanThreshold:  p.CleanThreshold,
		DemoteThreshold: p.DemoteThreshold,
		HistoryWindows:  p.HistoryWindows,
	}
	r.Normalize()
	return r
}

// Completed builds the report of an invocation that sampled tests.
func Completed(patterns, selected []string, perTest map[string]models.TestStats, aggregate int, removed []string, status map[string]models.PatternStatus, p Params) *models.Report {
	r := &models.Report{
		Patterns:          patterns,
		SelectedTests:     selected,
		Repeat:            p.Repeat,
		PerTest:           perTest,
		AggregateFailures: aggregate,
		RemovedPatterns:   removed,
		PatternStatus:     status,
		CleanThreshold:    p.CleanThreshold,
		DemoteThreshold:   p.DemoteThreshold,
		HistoryWindows:    p.HistoryWindows,
	}
	r.Normalize()
	return r
}

// Encode renders r as indented JSON.
func Encode(r *models.Report) ([]byte, error) {
	r.Normalize()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteJSON writes r to path atomically.
func WriteJSON(path string, r *models.Report) error {
	data, err := Encode(r)
	if err != nil {
		return utils.NewAppError(utils.OpWriteReport, path, err)
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return utils.NewAppError(utils.OpWriteReport, path, err)
	}
	return nil
}

// WriteRawLog writes the captured attempt output.
func WriteRawLog(path string, data []byte) error {
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return utils.NewAppError(utils.OpWriteArtifact, path, err)
	}
	return nil
}

// Summary is the one-line console verdict of a completed run.
func Summary(r *models.Report) string {
	if r.Skipped {
		return fmt.Sprintf("Flaky quarantine skipped: %s", r.Reason)
	}
	if r.AggregateFailures > 0 {
		return fmt.Sprintf("Flaky quarantine: %d failures across %d tests (non-blocking)", r.AggregateFailures, len(r.SelectedTests))
	}
	return "Flaky quarantine: all selected tests passed in quarantine attempts"
}
