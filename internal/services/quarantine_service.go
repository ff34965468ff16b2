package services

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/miradorstack/flakeguard/internal/engine"
	"github.com/miradorstack/flakeguard/internal/inventory"
	"github.com/miradorstack/flakeguard/internal/lock"
	"github.com/miradorstack/flakeguard/internal/metrics"
	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/notify"
	"github.com/miradorstack/flakeguard/internal/repo"
	"github.com/miradorstack/flakeguard/internal/report"
	"github.com/miradorstack/flakeguard/internal/utils"
)

// PatternList is the flaky list the service reads and prunes.
type PatternList interface {
	Path() string
	Load() ([]models.Pattern, error)
	Remove(removed []string) error
}

// Exporter publishes collected metrics after a run.
type Exporter func(ctx context.Context) error

// Artifacts locates the files written by every invocation.
type Artifacts struct {
	Report    string
	Output    string
	Sparkline string
}

// Dependencies wires the service's collaborators. Locker, Sink and Exporter are optional.
type Dependencies struct {
	Patterns  PatternList
	Inventory inventory.Source
	Pipeline  *engine.Pipeline
	State     repo.StateStore
	Locker    lock.Locker
	Sink      notify.Sink
	Gate      notify.Gate
	Exporter  Exporter
}

// QuarantineService runs one quarantine invocation end to end. It never fails the caller:
// every problem ends up in the log and, where relevant, in the report.
type QuarantineService struct {
	logger    *slog.Logger
	deps      Dependencies
	artifacts Artifacts
	params    report.Params
}

// NewQuarantineService constructs the service facade.
func NewQuarantineService(logger *slog.Logger, deps Dependencies, artifacts Artifacts, params report.Params) *QuarantineService {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = lock.Nop{}
	}
	if deps.Sink == nil {
		deps.Sink = notify.Nop{}
	}
	return &QuarantineService{logger: logger, deps: deps, artifacts: artifacts, params: params}
}

// Run executes the invocation and returns the report that was written.
func (s *QuarantineService) Run(ctx context.Context) *models.Report {
	start := time.Now()

	release, err := s.deps.Locker.Acquire(ctx)
	switch {
	case errors.Is(err, lock.ErrLocked):
		s.logger.Warn("quarantine lock held elsewhere, skipping")
		return s.skip(ctx, models.ReasonLocked, nil)
	case err != nil:
		s.logger.Warn("quarantine lock unavailable, continuing unlocked", slog.Any("error", err))
	default:
		defer func() {
			if err := release(); err != nil {
				s.logger.Warn("release quarantine lock", slog.Any("error", err))
			}
		}()
	}

	pats, err := s.deps.Patterns.Load()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("no flaky list; nothing to quarantine", slog.String("path", s.deps.Patterns.Path()))
			return s.skip(ctx, models.ReasonNoFile, nil)
		}
		s.logger.Error("flaky list unreadable", slog.String("path", s.deps.Patterns.Path()), slog.Any("error", err))
		return s.skip(ctx, models.ReasonUnreadableFile, nil)
	}
	names := models.PatternNames(pats)
	if len(pats) == 0 {
		s.logger.Info("flaky list has no patterns", slog.String("path", s.deps.Patterns.Path()))
		return s.skip(ctx, models.ReasonEmptyPatterns, names)
	}

	inv, err := s.deps.Inventory.Discover(ctx)
	if err != nil {
		s.logger.Warn("test discovery failed", slog.Any("error", err))
		inv = models.Inventory{}
	}
	s.logger.Info("discovered tests", slog.Int("tests", len(inv)), slog.Int("patterns", len(pats)))

	if s.deps.Pipeline.Resolve(pats, inv).Empty() {
		s.logger.Info("no test names resolved from flaky patterns", slog.Any("patterns", names))
		return s.skip(ctx, models.ReasonNoTestsResolved, names)
	}

	prev, canPersist := s.loadState(ctx)

	var rawLog bytes.Buffer
	out, err := s.deps.Pipeline.Evaluate(ctx, engine.Input{
		Patterns:  pats,
		Inventory: inv,
		State:     prev,
		RawLog:    &rawLog,
	})
	if err != nil {
		s.logger.Error("quarantine run aborted; nothing persisted", slog.Any("error", err))
		return s.skip(context.WithoutCancel(ctx), models.ReasonInterrupted, names)
	}

	removed := s.persist(context.WithoutCancel(ctx), canPersist, out)

	rep := report.Completed(names, out.Resolution.Tests, out.Run.Stats, out.Run.AggregateFailures, removed, out.Status, s.params)
	s.writeReport(rep)
	if err := report.WriteRawLog(s.artifacts.Output, rawLog.Bytes()); err != nil {
		s.logger.Error("write raw output", slog.Any("error", err), slog.String("op", utils.OpOf(err)))
	}
	sparklines := report.Sparklines(out.State)
	if err := report.WriteSparklines(s.artifacts.Sparkline, out.State); err != nil {
		s.logger.Error("write sparklines", slog.Any("error", err), slog.String("op", utils.OpOf(err)))
	}

	for pattern, st := range out.Status {
		metrics.ObservePattern(pattern, st.CleanStreak, st.AvgRecentInstability)
	}
	metrics.ObserveDemotions(len(removed))
	metrics.ObserveRun(metrics.RunCompleted)
	s.export(ctx)

	notify.Deliver(ctx, s.logger, s.deps.Sink, s.deps.Gate, rep, sparklines)

	durations := s.deps.Pipeline.AttemptDurations()
	s.logger.Info("quarantine run finished",
		slog.Int("tests", len(rep.SelectedTests)),
		slog.Int("aggregate_failures", rep.AggregateFailures),
		slog.Int("removed", len(removed)),
		slog.Int("attempts", durations.Count()),
		slog.Duration("attempt_p95", durations.Percentile(95)),
		slog.Duration("attempt_total", durations.Total()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return rep
}

// loadState returns the previous state and whether the next one may be saved. A corrupt
// record restarts history; an unreachable store blocks persistence so history is not lost.
func (s *QuarantineService) loadState(ctx context.Context) (models.State, bool) {
	state, err := s.deps.State.Load(ctx)
	switch {
	case err == nil:
		return state, true
	case errors.Is(err, repo.ErrCorruptState):
		s.logger.Error("persisted state corrupt; starting fresh", slog.String("location", s.deps.State.Location()), slog.Any("error", err))
		return models.State{}, true
	default:
		s.logger.Error("persisted state unreachable; results will not be saved", slog.String("location", s.deps.State.Location()), slog.Any("error", err))
		return models.State{}, false
	}
}

// persist prunes the flaky list and saves state. It returns the patterns actually removed.
func (s *QuarantineService) persist(ctx context.Context, allowed bool, out engine.Outcome) []string {
	if !allowed {
		return nil
	}

	var removed []string
	if len(out.Removed) > 0 {
		if err := s.deps.Patterns.Remove(out.Removed); err != nil {
			s.logger.Error("rewrite flaky list", slog.Any("error", err), slog.String("op", utils.OpOf(err)))
		} else {
			removed = out.Removed
			s.logger.Info("removed stabilized patterns", slog.Any("patterns", removed), slog.String("path", s.deps.Patterns.Path()))
		}
	}

	if err := s.deps.State.Save(ctx, out.State); err != nil {
		s.logger.Error("save quarantine state", slog.String("location", s.deps.State.Location()), slog.Any("error", err), slog.String("op", utils.OpOf(err)))
	}
	return removed
}

func (s *QuarantineService) skip(ctx context.Context, reason string, patterns []string) *models.Report {
	rep := report.Skipped(reason, patterns, s.params)
	s.writeReport(rep)
	metrics.ObserveRun(metrics.RunSkipped)
	s.export(ctx)
	return rep
}

func (s *QuarantineService) writeReport(rep *models.Report) {
	if err := report.WriteJSON(s.artifacts.Report, rep); err != nil {
		s.logger.Error("write report", slog.Any("error", err), slog.String("op", utils.OpOf(err)))
	}
}

func (s *QuarantineService) export(ctx context.Context) {
	if s.deps.Exporter == nil {
		return
	}
	if err := s.deps.Exporter(ctx); err != nil {
		err = utils.NewAppError(utils.OpExportMetrics, "post-run export", err)
		s.logger.Warn("metrics export failed", slog.Any("error", err))
	}
}
