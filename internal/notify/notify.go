// Package notify posts the quarantine digest to a pull request. Delivery is best effort:
// errors are logged by Deliver and never returned to the run.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/report"
)

// Sink delivers a composed digest to a discussion thread.
type Sink interface {
	Name() string
	Post(ctx context.Context, body string) error
}

// Nop discards digests.
type Nop struct{}

// Name implements Sink.
func (Nop) Name() string { return "none" }

// Post implements Sink.
func (Nop) Post(context.Context, string) error { return nil }

// Compose renders the digest body for r. sparklines is the artifact text and may be empty.
func Compose(r *models.Report, sparklines string) string {
	lines := []string{
		fmt.Sprintf("Flaky quarantine report: %d failures across %d tests.", r.AggregateFailures, len(r.SelectedTests)),
		"Instability summary (failures/attempts | instability):",
	}
	for _, name := range r.SelectedTests {
		st, ok := r.PerTest[name]
		if !ok || st.Failures == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %d/%d (%s)", name, st.Failures, st.Attempts, report.FormatValue(st.Instability)))
	}
	if len(r.RemovedPatterns) > 0 {
		lines = append(lines, "Removed patterns (now stable): "+strings.Join(r.RemovedPatterns, ", "))
	}
	lines = append(lines, "Pattern status (clean_streak avg_recent):")
	seen := make(map[string]struct{}, len(r.Patterns))
	for _, pat := range r.Patterns {
		if _, dup := seen[pat]; dup {
			continue
		}
		seen[pat] = struct{}{}
		st, ok := r.PatternStatus[pat]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: streak=%d avg_recent=%s", pat, st.CleanStreak, report.FormatValue(st.AvgRecentInstability)))
	}
	if sparklines != "" {
		lines = append(lines, "\nInstability sparklines:\n"+sparklines)
	}
	return strings.Join(lines, "\n")
}

// Gate decides whether a digest should be posted at all.
type Gate struct {
	CommentPersistFailures bool
	PRNumber               int
	HasCredentials         bool
}

// Allows reports whether r qualifies for a digest.
func (g Gate) Allows(r *models.Report) bool {
	return g.CommentPersistFailures && g.PRNumber > 0 && g.HasCredentials && !r.Skipped && r.AggregateFailures > 0
}

// Deliver posts the digest when gate allows it. Failures are logged and swallowed; the
// return value only reports whether a digest was posted.
func Deliver(ctx context.Context, logger *slog.Logger, sink Sink, gate Gate, r *models.Report, sparklines string) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil || !gate.Allows(r) {
		return false
	}
	if err := sink.Post(ctx, Compose(r, sparklines)); err != nil {
		logger.Warn("PR comment failed", slog.String("sink", sink.Name()), slog.Int("pr", gate.PRNumber), slog.Any("error", err))
		return false
	}
	logger.Info("PR comment posted", slog.String("sink", sink.Name()), slog.Int("pr", gate.PRNumber))
	return true
}
