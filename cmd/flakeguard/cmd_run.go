package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/miradorstack/flakeguard/internal/config"
	"github.com/miradorstack/flakeguard/internal/report"
)

var runFlags struct {
	flakyFile              string
	repeat                 int
	buildDir               string
	ctestPreset            string
	stateFile              string
	stateBackend           string
	cleanThreshold         int
	demoteThreshold        float64
	historyWindows         int
	attemptTimeout         time.Duration
	reportPath             string
	outputPath             string
	sparklineFile          string
	commentPersistFailures bool
	prNumber               int
	notifyMode             string
	metricsTextfile        string
	pushgatewayURL         string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Re-measure quarantined tests and demote stabilized patterns",
	Long: "run resolves the flaky list against the CTest inventory, executes each selected test\n" +
		"--repeat times, updates the hysteresis state and writes the report artifacts.\n" +
		"It always exits 0; problems are logged and reflected in the report.",
	Args:               cobra.NoArgs,
	// Unknown flags from newer pipeline definitions must not fail the job.
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE:               runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.flakyFile, "flaky-file", "", "Flaky pattern list (default tests/FLAKY_TESTS.txt)")
	f.IntVar(&runFlags.repeat, "repeat", 0, "Attempts per selected test (default 5)")
	f.StringVar(&runFlags.buildDir, "build-dir", "", "CTest build tree (default build/dev-debug)")
	f.StringVar(&runFlags.ctestPreset, "ctest-preset", "", "CTest preset; empty runs against --build-dir (default dev-debug-tests)")
	f.StringVar(&runFlags.stateFile, "state-file", "", "Stabilization state file (default .flaky_quarantine_state.json)")
	f.StringVar(&runFlags.stateBackend, "state-backend", "", "State backend: file or valkey")
	f.IntVar(&runFlags.cleanThreshold, "clean-threshold", 0, "Consecutive clean runs required for removal (default 3)")
	f.Float64Var(&runFlags.demoteThreshold, "demote-threshold", 0, "Average recent instability below which removal is allowed (default 0.05)")
	f.IntVar(&runFlags.historyWindows, "history-windows", 0, "Runs averaged for the removal decision (default 5)")
	f.DurationVar(&runFlags.attemptTimeout, "attempt-timeout", 0, "Kill a single attempt after this long; 0 disables (default 30m)")
	f.StringVar(&runFlags.reportPath, "report", "", "JSON report path (default flaky_quarantine_report.json)")
	f.StringVar(&runFlags.outputPath, "output", "", "Raw attempt log path (default flaky_quarantine_output.txt)")
	f.StringVar(&runFlags.sparklineFile, "sparkline-file", "", "Sparkline artifact path (default flaky_instability_sparkline.txt)")
	f.BoolVar(&runFlags.commentPersistFailures, "comment-persist-failures", false, "Post a PR digest when quarantined tests failed")
	f.IntVar(&runFlags.prNumber, "pr-number", 0, "Pull request to comment on")
	f.StringVar(&runFlags.notifyMode, "notify-mode", "", "Digest transport: api or cli")
	f.StringVar(&runFlags.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this textfile")
	f.StringVar(&runFlags.pushgatewayURL, "pushgateway-url", "", "Push Prometheus metrics to this Pushgateway")

	f.VisitAll(func(fl *pflag.Flag) {
		fl.Value = &lenientValue{Value: fl.Value, name: fl.Name}
	})
}

// rejectedFlags maps flag names to the parse errors of values that were ignored.
var rejectedFlags = map[string]error{}

// lenientValue records a malformed value and keeps the flag unset, so the config or
// default value applies instead.
type lenientValue struct {
	pflag.Value
	name string
}

func (v *lenientValue) Set(s string) error {
	if err := v.Value.Set(s); err != nil {
		rejectedFlags[v.name] = err
		return nil
	}
	delete(rejectedFlags, v.name)
	return nil
}

// applyRunFlags overrides config values with the flags the user set explicitly.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		_, rejected := rejectedFlags[name]
		return cmd.Flags().Changed(name) && !rejected
	}
	if changed("flaky-file") {
		cfg.Quarantine.FlakyFile = runFlags.flakyFile
	}
	if changed("repeat") {
		cfg.Quarantine.Repeat = runFlags.repeat
	}
	if changed("build-dir") {
		cfg.CTest.BuildDir = runFlags.buildDir
	}
	if changed("ctest-preset") {
		cfg.CTest.Preset = runFlags.ctestPreset
	}
	if changed("state-file") {
		cfg.State.File = runFlags.stateFile
	}
	if changed("state-backend") {
		cfg.State.Backend = runFlags.stateBackend
	}
	if changed("clean-threshold") {
		cfg.Quarantine.CleanThreshold = runFlags.cleanThreshold
	}
	if changed("demote-threshold") {
		cfg.Quarantine.DemoteThreshold = runFlags.demoteThreshold
	}
	if changed("history-windows") {
		cfg.Quarantine.HistoryWindows = runFlags.historyWindows
	}
	if changed("attempt-timeout") {
		cfg.Quarantine.AttemptTimeout = runFlags.attemptTimeout
	}
	if changed("report") {
		cfg.Artifacts.Report = runFlags.reportPath
	}
	if changed("output") {
		cfg.Artifacts.Output = runFlags.outputPath
	}
	if changed("sparkline-file") {
		cfg.Artifacts.Sparkline = runFlags.sparklineFile
	}
	if changed("comment-persist-failures") {
		cfg.Notify.CommentPersistFailures = runFlags.commentPersistFailures
	}
	if changed("pr-number") {
		cfg.Notify.PRNumber = runFlags.prNumber
	}
	if changed("notify-mode") {
		cfg.Notify.Mode = runFlags.notifyMode
	}
	if changed("metrics-textfile") {
		cfg.Metrics.Textfile = runFlags.metricsTextfile
	}
	if changed("pushgateway-url") {
		cfg.Metrics.PushgatewayURL = runFlags.pushgatewayURL
	}
	cfg.Normalize()
}

// runRun never returns an error: the quarantine job must not break the pipeline it monitors.
func runRun(cmd *cobra.Command, _ []string) error {
	cfg, cfgErr := loadConfig(cmd)
	applyRunFlags(cmd, cfg)
	logger := newLogger(cmd, cfg)
	if cfgErr != nil {
		logger.Error("config unreadable, using defaults", slog.Any("error", cfgErr))
	}
	for name, err := range rejectedFlags {
		logger.Warn("ignoring malformed flag value", slog.String("flag", name), slog.Any("error", err))
	}
	clear(rejectedFlags)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeBackend := newService(ctx, logger, cfg)
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("close state backend", slog.Any("error", err))
		}
	}()

	logger.Info("starting flakeguard run",
		slog.String("flaky_file", cfg.Quarantine.FlakyFile),
		slog.Int("repeat", cfg.Quarantine.Repeat),
		slog.String("state_backend", cfg.State.Backend),
	)
	rep := svc.Run(ctx)
	fmt.Fprintln(cmd.OutOrStdout(), report.Summary(rep))
	return nil
}

