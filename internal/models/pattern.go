package models

// Pattern is one entry of the flaky list. Raw is the line as written in the file and is the
// pattern's identity for state and removal; Candidates are the strings tried as match sources.
type Pattern struct {
	Raw        string
	Candidates []string
}

// PatternState is the persisted stabilization record of a single pattern.
type PatternState struct {
	CleanStreak        int       `json:"clean_streak"`
	InstabilityHistory []float64 `json:"instability_history"`
}

// Clone returns a deep copy so history slices are never shared between states.
func (s PatternState) Clone() PatternState {
	return PatternState{
		CleanStreak:        s.CleanStreak,
		InstabilityHistory: append([]float64(nil), s.InstabilityHistory...),
	}
}

// State maps pattern Raw strings to their stabilization record.
type State map[string]PatternState

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v.Clone()
	}
	return out
}

// PatternStatus is the per-pattern summary emitted in reports.
type PatternStatus struct {
	CleanStreak          int     `json:"clean_streak"`
	AvgRecentInstability float64 `json:"avg_recent_instability"`
}
