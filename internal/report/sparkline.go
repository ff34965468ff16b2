package report

import (
	"sort"
	"strconv"
	"strings"

	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/utils"
)

// Ramp is the eight-level glyph scale, lowest first.
var Ramp = []rune("▁▂▃▄▅▆▇█")

// flatSpan replaces a zero span so constant histories render at the lowest glyph.
const flatSpan = 1e-9

// Levels maps each value onto a Ramp index, normalized by the series' own min and max.
func Levels(values []float64) []int {
	if len(values) == 0 {
		return nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = flatSpan
	}
	top := len(Ramp) - 1
	out := make([]int, len(values))
	for i, v := range values {
		idx := int((v-lo)/span*float64(top) + 0.5)
		out[i] = max(0, min(top, idx))
	}
	return out
}

// Spark renders values as a glyph string.
func Spark(values []float64) string {
	var b strings.Builder
	for _, lvl := range Levels(values) {
		b.WriteRune(Ramp[lvl])
	}
	return b.String()
}

// FormatValue prints v the way history values appear in the artifact: shortest
// round-trip form, always with a fractional part ("0.0", "0.2", "1.0").
func FormatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// SparklineLine renders one artifact line: "<pattern>: <glyphs> (<v1>,<v2>,...)".
func SparklineLine(pattern string, history []float64) string {
	vals := make([]string, len(history))
	for i, v := range history {
		vals[i] = FormatValue(v)
	}
	return pattern + ": " + Spark(history) + " (" + strings.Join(vals, ",") + ")"
}

// Sparklines renders every pattern of state, ordered by pattern.
func Sparklines(state models.State) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(SparklineLine(k, state[k].InstabilityHistory))
		b.WriteByte('\n')
	}
	if len(keys) == 0 {
		b.WriteByte('\n')
	}
	return b.String()
}

// WriteSparklines writes the sparkline artifact for state.
func WriteSparklines(path string, state models.State) error {
	if err := utils.WriteFileAtomic(path, []byte(Sparklines(state)), 0o644); err != nil {
		return utils.NewAppError(utils.OpWriteArtifact, path, err)
	}
	return nil
}
