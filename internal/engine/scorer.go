package engine

import (
	"math"

	"github.com/miradorstack/flakeguard/internal/models"
)

// Instability returns failures/attempts, or 0 when nothing ran.
func Instability(failures, attempts int) float64 {
	if attempts <= 0 {
		return 0
	}
	return float64(failures) / float64(attempts)
}

// Round4 rounds to the four decimals used in reports and persisted history.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// PatternScore is the aggregate of a pattern's related tests for one run.
type PatternScore struct {
	Related     []string
	Instability float64
	AllClean    bool
}

// ScorePattern averages the instability of related tests. The mean is unweighted: each
// test counts once regardless of how many attempts it consumed.
func ScorePattern(related []string, stats map[string]models.TestStats) PatternScore {
	score := PatternScore{Related: related, AllClean: true}
	if len(related) == 0 {
		return score
	}
	sum := 0.0
	for _, name := range related {
		st := stats[name]
		if st.Failures > 0 {
			score.AllClean = false
		}
		sum += st.Instability
	}
	score.Instability = Round4(sum / float64(len(related)))
	return score
}
