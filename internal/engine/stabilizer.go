package engine

import (
	"github.com/miradorstack/flakeguard/internal/models"
)

// minHistoryCap is the smallest number of history entries retained per pattern.
const minHistoryCap = 10

// Policy holds the hysteresis parameters.
type Policy struct {
	CleanThreshold  int
	DemoteThreshold float64
	HistoryWindows  int
}

// HistoryCap is the bound on persisted history length.
func (p Policy) HistoryCap() int {
	if p.HistoryWindows > minHistoryCap {
		return p.HistoryWindows
	}
	return minHistoryCap
}

// Decision is the state machine's verdict for one pattern in one run.
type Decision struct {
	Pattern   string
	State     models.PatternState
	AvgRecent float64
	Demote    bool
}

// Status returns the report view of the decision.
func (d Decision) Status() models.PatternStatus {
	return models.PatternStatus{CleanStreak: d.State.CleanStreak, AvgRecentInstability: Round4(d.AvgRecent)}
}

// Step advances one pattern's record with this run's score. It never mutates rec.
func (p Policy) Step(pattern string, rec models.PatternState, score PatternScore) Decision {
	next := rec.Clone()
	if score.AllClean {
		next.CleanStreak++
	} else {
		next.CleanStreak = 0
	}

	next.InstabilityHistory = append(next.InstabilityHistory, score.Instability)
	if limit := p.HistoryCap(); len(next.InstabilityHistory) > limit {
		next.InstabilityHistory = append([]float64(nil), next.InstabilityHistory[len(next.InstabilityHistory)-limit:]...)
	}

	avg := p.AvgRecent(next.InstabilityHistory)
	return Decision{
		Pattern:   pattern,
		State:     next,
		AvgRecent: avg,
		Demote:    next.CleanStreak >= p.CleanThreshold && avg < p.DemoteThreshold,
	}
}

// AvgRecent is the mean of the last HistoryWindows entries (all entries when the window is
// not positive). An empty history averages to 0.
func (p Policy) AvgRecent(history []float64) float64 {
	window := history
	if p.HistoryWindows > 0 && len(history) > p.HistoryWindows {
		window = history[len(history)-p.HistoryWindows:]
	}
	if len(window) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

// Stabilizer applies Policy to every scored pattern of a run.
type Stabilizer struct {
	policy Policy
}

// NewStabilizer constructs a Stabilizer.
func NewStabilizer(policy Policy) *Stabilizer {
	return &Stabilizer{policy: policy}
}

// Policy returns the configured hysteresis parameters.
func (s *Stabilizer) Policy() Policy { return s.policy }

// Apply returns the next state and the per-pattern decisions, in the order of scores.
// Patterns absent from scores, or scored with no related tests, keep their previous record.
func (s *Stabilizer) Apply(prev models.State, order []string, scores map[string]PatternScore) (models.State, []Decision) {
	next := prev.Clone()
	decisions := make([]Decision, 0, len(order))
	for _, pattern := range order {
		score, ok := scores[pattern]
		if !ok || len(score.Related) == 0 {
			continue
		}
		d := s.policy.Step(pattern, next[pattern], score)
		next[pattern] = d.State
		decisions = append(decisions, d)
	}
	return next, decisions
}
