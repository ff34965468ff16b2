package models

// Report is the machine-readable outcome of one quarantine invocation.
type Report struct {
	Skipped           bool                     `json:"skipped"`
	Reason            string                   `json:"reason,omitempty"`
	Patterns          []string                 `json:"patterns"`
	SelectedTests     []string                 `json:"selected_tests"`
	Repeat            int                      `json:"repeat"`
	PerTest           map[string]TestStats     `json:"per_test"`
	AggregateFailures int                      `json:"aggregate_failures"`
	RemovedPatterns   []string                 `json:"removed_patterns"`
	PatternStatus     map[string]PatternStatus `json:"pattern_status"`
	CleanThreshold    int                      `json:"clean_threshold"`
	DemoteThreshold   float64                  `json:"demote_threshold"`
	HistoryWindows    int                      `json:"history_windows"`
}

// Skip reasons recorded in skipped reports.
const (
	ReasonNoFile          = "no file"
	ReasonEmptyPatterns   = "empty patterns"
	ReasonNoTestsResolved = "no test names resolved"
	ReasonLocked          = "another invocation holds the quarantine lock"
	ReasonUnreadableFile  = "flaky file unreadable"
	ReasonInterrupted     = "run interrupted"
)

// Normalize replaces nil collections so the JSON shape is stable across outcomes.
func (r *Report) Normalize() {
	if r.Patterns == nil {
		r.Patterns = []string{}
	}
	if r.SelectedTests == nil {
		r.SelectedTests = []string{}
	}
	if r.PerTest == nil {
		r.PerTest = map[string]TestStats{}
	}
	if r.RemovedPatterns == nil {
		r.RemovedPatterns = []string{}
	}
	if r.PatternStatus == nil {
		r.PatternStatus = map[string]PatternStatus{}
	}
}

// PatternNames returns the Raw strings of the given patterns in order.
func PatternNames(patterns []Pattern) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p.Raw)
	}
	return out
}
