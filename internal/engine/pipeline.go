package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/patterns"
	"github.com/miradorstack/flakeguard/internal/utils"
)

// Pipeline orchestrates resolve, sample, score and stabilize for one invocation.
type Pipeline struct {
	logger     *slog.Logger
	resolver   *patterns.Resolver
	runner     *Runner
	stabilizer *Stabilizer
}

// NewPipeline constructs a new quarantine pipeline.
func NewPipeline(logger *slog.Logger, resolver *patterns.Resolver, runner *Runner, stabilizer *Stabilizer) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = patterns.NewResolver(logger)
	}
	return &Pipeline{
		logger:     logger,
		resolver:   resolver,
		runner:     runner,
		stabilizer: stabilizer,
	}
}

// Input is everything an evaluation needs besides configuration.
type Input struct {
	Patterns  []models.Pattern
	Inventory models.Inventory
	State     models.State
	RawLog    io.Writer
}

// Outcome is the result of one evaluation. When Resolution is empty nothing ran and State
// equals the input state.
type Outcome struct {
	Resolution patterns.Resolution
	Run        RunResult
	Scores     map[string]PatternScore
	Decisions  []Decision
	State      models.State
	Removed    []string
	Status     map[string]models.PatternStatus
}

// AttemptDurations exposes the runner's latency samples.
func (p *Pipeline) AttemptDurations() *utils.DurationTracker {
	if p.runner == nil {
		return utils.NewDurationTracker(0)
	}
	return p.runner.Durations()
}

// Resolve maps patterns onto the inventory without running anything.
func (p *Pipeline) Resolve(pats []models.Pattern, inv models.Inventory) patterns.Resolution {
	return p.resolver.Resolve(pats, inv.Names())
}

// Evaluate runs the full matrix and returns the next state. The input state is not modified.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	if p.runner == nil || p.stabilizer == nil {
		return Outcome{}, fmt.Errorf("pipeline not configured")
	}

	out := Outcome{
		Resolution: p.Resolve(in.Patterns, in.Inventory),
		State:      in.State.Clone(),
		Status:     map[string]models.PatternStatus{},
	}
	if out.Resolution.Empty() {
		p.logger.Info("no tests resolved from flaky patterns", slog.Int("patterns", len(in.Patterns)))
		return out, nil
	}

	tests := make([]models.TestCase, 0, len(out.Resolution.Tests))
	for _, name := range out.Resolution.Tests {
		tc, ok := in.Inventory[name]
		if !ok {
			tc = models.TestCase{Name: name}
		}
		tests = append(tests, tc)
	}

	p.logger.Info("sampling quarantined tests",
		slog.Int("tests", len(tests)),
		slog.Int("repeat", p.runner.Repeat()),
	)
	run, err := p.runner.Run(ctx, tests, in.RawLog)
	if err != nil {
		return Outcome{}, fmt.Errorf("run tests: %w", err)
	}
	out.Run = run

	order := make([]string, 0, len(in.Patterns))
	out.Scores = make(map[string]PatternScore, len(in.Patterns))
	for _, pat := range in.Patterns {
		if _, seen := out.Scores[pat.Raw]; seen {
			continue
		}
		related, _ := p.resolver.Match(pat, out.Resolution.Tests)
		out.Scores[pat.Raw] = ScorePattern(related, run.Stats)
		order = append(order, pat.Raw)
	}

	out.State, out.Decisions = p.stabilizer.Apply(in.State, order, out.Scores)
	for _, d := range out.Decisions {
		out.Status[d.Pattern] = d.Status()
		if d.Demote {
			out.Removed = append(out.Removed, d.Pattern)
			p.logger.Info("pattern stabilized",
				slog.String("pattern", d.Pattern),
				slog.Int("clean_streak", d.State.CleanStreak),
				slog.Float64("avg_recent_instability", d.Status().AvgRecentInstability),
			)
		}
	}
	return out, nil
}
