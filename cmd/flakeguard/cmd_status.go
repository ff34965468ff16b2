package main

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/miradorstack/flakeguard/internal/config"
	"github.com/miradorstack/flakeguard/internal/engine"
	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/report"
)

var statusFlags struct {
	stateFile    string
	stateBackend string
	plain        bool
}

var (
	colorRed    = lipgloss.Color("#FF5555")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorGray   = lipgloss.Color("#6272A4")

	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(colorGray)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	critStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show clean streaks, recent instability and sparklines per pattern",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusFlags.stateFile, "state-file", "", "Stabilization state file (default .flaky_quarantine_state.json)")
	f.StringVar(&statusFlags.stateBackend, "state-backend", "", "State backend: file or valkey")
	f.BoolVar(&statusFlags.plain, "plain", false, "Disable colors")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, cfgErr := loadConfig(cmd)
	if cmd.Flags().Changed("state-file") {
		cfg.State.File = statusFlags.stateFile
	}
	if cmd.Flags().Changed("state-backend") {
		cfg.State.Backend = statusFlags.stateBackend
	}
	cfg.Normalize()
	logger := newLogger(cmd, cfg)
	if cfgErr != nil {
		logger.Warn("config unreadable, using defaults", slog.Any("error", cfgErr))
	}

	backend := openStateBackend(cmd.Context(), logger, cfg)
	defer backend.closer()

	state, err := backend.store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load state from %s: %w", backend.store.Location(), err)
	}

	out := cmd.OutOrStdout()
	if len(state) == 0 {
		fmt.Fprintf(out, "No stabilization history in %s\n", backend.store.Location())
		return nil
	}
	fmt.Fprint(out, renderStatus(cfg, state, statusFlags.plain))
	return nil
}

// renderStatus formats one row per pattern, ordered by pattern.
func renderStatus(cfg *config.Config, state models.State, plain bool) string {
	policy := engine.Policy{
		CleanThreshold:  cfg.Quarantine.CleanThreshold,
		DemoteThreshold: cfg.Quarantine.DemoteThreshold,
		HistoryWindows:  cfg.Quarantine.HistoryWindows,
	}
	style := func(s lipgloss.Style, text string) string {
		if plain {
			return text
		}
		return s.Render(text)
	}

	keys := make([]string, 0, len(state))
	width := len("PATTERN")
	for k := range state {
		keys = append(keys, k)
		width = max(width, len(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(style(headerStyle, fmt.Sprintf("%-*s  %6s  %10s  %s", width, "PATTERN", "STREAK", "AVG_RECENT", "HISTORY")))
	b.WriteByte('\n')
	for _, k := range keys {
		rec := state[k]
		avg := engine.Round4(policy.AvgRecent(rec.InstabilityHistory))
		streak := fmt.Sprintf("%d/%d", rec.CleanStreak, policy.CleanThreshold)

		avgStyle := okStyle
		switch {
		case avg >= 0.5:
			avgStyle = critStyle
		case avg >= policy.DemoteThreshold:
			avgStyle = warnStyle
		}

		b.WriteString(fmt.Sprintf("%-*s  %6s  ", width, k, streak))
		b.WriteString(style(avgStyle, fmt.Sprintf("%10s", report.FormatValue(avg))))
		b.WriteString("  ")
		b.WriteString(colorSpark(rec.InstabilityHistory, style))
		b.WriteByte('\n')
	}
	b.WriteString(style(dimStyle, fmt.Sprintf("demote when streak >= %d and avg_recent < %s over %d runs",
		policy.CleanThreshold, report.FormatValue(policy.DemoteThreshold), policy.HistoryWindows)))
	b.WriteByte('\n')
	return b.String()
}

// colorSpark renders the sparkline with each glyph colored by its absolute instability.
func colorSpark(history []float64, style func(lipgloss.Style, string) string) string {
	var b strings.Builder
	for i, lvl := range report.Levels(history) {
		glyph := string(report.Ramp[lvl])
		switch v := history[i]; {
		case v >= 0.5:
			b.WriteString(style(critStyle, glyph))
		case v > 0:
			b.WriteString(style(warnStyle, glyph))
		default:
			b.WriteString(style(okStyle, glyph))
		}
	}
	return b.String()
}
