package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	// OutcomePass labels attempts that exited zero.
	OutcomePass = "pass"
	// OutcomeFail labels attempts that exited non-zero or could not start.
	OutcomeFail = "fail"
	// OutcomeTimeout labels attempts killed by the attempt timeout.
	OutcomeTimeout = "timeout"

	// RunCompleted labels invocations that sampled tests.
	RunCompleted = "completed"
	// RunSkipped labels invocations that ended with a skipped report.
	RunSkipped = "skipped"
)

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flakeguard",
			Name:      "attempts_total",
			Help:      "Total number of test attempts executed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	attemptDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flakeguard",
			Name:      "attempt_seconds",
			Help:      "Wall time of a single test attempt in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flakeguard",
			Name:      "runs_total",
			Help:      "Quarantine invocations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	demotionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flakeguard",
			Name:      "demotions_total",
			Help:      "Patterns removed from the flaky list after stabilizing.",
		},
	)

	patternInstability = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flakeguard",
			Name:      "pattern_avg_recent_instability",
			Help:      "Average instability over the recent window, per pattern.",
		},
		[]string{"pattern"},
	)

	patternCleanStreak = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flakeguard",
			Name:      "pattern_clean_streak",
			Help:      "Consecutive fully clean runs, per pattern.",
		},
		[]string{"pattern"},
	)
)

// Register attaches flakeguard collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		attemptsTotal,
		attemptDurationSeconds,
		runsTotal,
		demotionsTotal,
		patternInstability,
		patternCleanStreak,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAttempt records an attempt duration and outcome label.
func ObserveAttempt(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomePass && label != OutcomeTimeout {
		label = OutcomeFail
	}
	attemptsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	attemptDurationSeconds.Observe(duration.Seconds())
}

// ObserveRun counts one invocation.
func ObserveRun(outcome string) {
	if outcome != RunSkipped {
		outcome = RunCompleted
	}
	runsTotal.WithLabelValues(outcome).Inc()
}

// ObservePattern publishes a pattern's post-run status.
func ObservePattern(pattern string, cleanStreak int, avgRecent float64) {
	patternCleanStreak.WithLabelValues(pattern).Set(float64(cleanStreak))
	patternInstability.WithLabelValues(pattern).Set(avgRecent)
}

// ObserveDemotions adds n removed patterns.
func ObserveDemotions(n int) {
	if n > 0 {
		demotionsTotal.Add(float64(n))
	}
}

// ExportOptions selects the export targets; empty fields disable the target.
type ExportOptions struct {
	Textfile       string
	PushgatewayURL string
	Job            string
}

// Export writes the gathered metrics to a node_exporter textfile and/or pushes them to a
// Pushgateway. Both targets are attempted; their errors are joined.
func Export(ctx context.Context, g prometheus.Gatherer, opts ExportOptions) error {
	var errs []error
	if opts.Textfile != "" {
		if err := prometheus.WriteToTextfile(opts.Textfile, g); err != nil {
			errs = append(errs, fmt.Errorf("write textfile %s: %w", opts.Textfile, err))
		}
	}
	if opts.PushgatewayURL != "" {
		job := opts.Job
		if job == "" {
			job = "flakeguard"
		}
		if err := push.New(opts.PushgatewayURL, job).Gatherer(g).PushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", opts.PushgatewayURL, err))
		}
	}
	return errors.Join(errs...)
}
