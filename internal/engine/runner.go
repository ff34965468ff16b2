package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/miradorstack/flakeguard/internal/metrics"
	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/utils"
)

// RunResult holds the per-test outcome of one sampling run.
type RunResult struct {
	Stats             map[string]models.TestStats
	Attempts          map[string][]models.Attempt
	AggregateFailures int
}

// Runner executes every selected test Repeat times, strictly sequentially.
type Runner struct {
	logger    *slog.Logger
	executor  Executor
	repeat    int
	durations *utils.DurationTracker
}

// NewRunner constructs a Runner. repeat values below one are treated as one.
func NewRunner(logger *slog.Logger, executor Executor, repeat int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if repeat < 1 {
		repeat = 1
	}
	return &Runner{
		logger:    logger,
		executor:  executor,
		repeat:    repeat,
		durations: utils.NewDurationTracker(4096),
	}
}

// Repeat returns the number of attempts per test.
func (r *Runner) Repeat() int { return r.repeat }

// Durations exposes the attempt latency tracker.
func (r *Runner) Durations() *utils.DurationTracker { return r.durations }

// Run samples tests in order. Each attempt's combined output is appended to rawLog under an
// "=== Attempt i/repeat : name ===" header. Attempts that cannot start count as failures.
// A cancelled context aborts the run; no partial result is returned.
func (r *Runner) Run(ctx context.Context, tests []models.TestCase, rawLog io.Writer) (RunResult, error) {
	if rawLog == nil {
		rawLog = io.Discard
	}
	result := RunResult{
		Stats:    make(map[string]models.TestStats, len(tests)),
		Attempts: make(map[string][]models.Attempt, len(tests)),
	}

	for _, test := range tests {
		stats := models.TestStats{}
		if test.Command != "" {
			command := test.Command
			stats.Command = &command
		}
		attempts := make([]models.Attempt, 0, r.repeat)

		for i := 1; i <= r.repeat; i++ {
			if err := ctx.Err(); err != nil {
				return RunResult{}, err
			}

			res, err := r.executor.Run(ctx, test)
			if cerr := ctx.Err(); cerr != nil {
				// an attempt killed by cancellation says nothing about the test
				return RunResult{}, cerr
			}
			if err != nil {
				r.logger.Warn("attempt could not start", slog.String("test", test.Name), slog.Int("attempt", i), slog.Any("error", err))
				res.Passed = false
				if res.Output == "" {
					res.Output = err.Error()
				}
			}

			stats.Attempts++
			if !res.Passed {
				stats.Failures++
			}
			attempts = append(attempts, models.Attempt{Index: i, Passed: res.Passed, Duration: res.Duration})
			r.durations.Observe(res.Duration)
			metrics.ObserveAttempt(res.Duration, attemptOutcome(res))

			if _, err := fmt.Fprintf(rawLog, "=== Attempt %d/%d : %s ===\n%s\n\n", i, r.repeat, test.Name, res.Output); err != nil {
				r.logger.Warn("raw log write failed", slog.Any("error", err))
				rawLog = io.Discard
			}

			r.logger.Debug("attempt finished",
				slog.String("test", test.Name),
				slog.Int("attempt", i),
				slog.Bool("passed", res.Passed),
				slog.Duration("duration", res.Duration),
			)
		}

		stats.Instability = Round4(Instability(stats.Failures, stats.Attempts))
		result.Stats[test.Name] = stats
		result.Attempts[test.Name] = attempts
		result.AggregateFailures += stats.Failures

		r.logger.Info("test sampled",
			slog.String("test", test.Name),
			slog.Int("attempts", stats.Attempts),
			slog.Int("failures", stats.Failures),
			slog.Float64("instability", stats.Instability),
		)
	}

	return result, nil
}

func attemptOutcome(res AttemptResult) string {
	switch {
	case res.TimedOut:
		return metrics.OutcomeTimeout
	case res.Passed:
		return metrics.OutcomePass
	default:
		return metrics.OutcomeFail
	}
}
