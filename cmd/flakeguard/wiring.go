package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/flakeguard/internal/cache"
	"github.com/miradorstack/flakeguard/internal/config"
	"github.com/miradorstack/flakeguard/internal/engine"
	"github.com/miradorstack/flakeguard/internal/inventory"
	"github.com/miradorstack/flakeguard/internal/lock"
	"github.com/miradorstack/flakeguard/internal/metrics"
	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/notify"
	"github.com/miradorstack/flakeguard/internal/patterns"
	"github.com/miradorstack/flakeguard/internal/repo"
	"github.com/miradorstack/flakeguard/internal/report"
	"github.com/miradorstack/flakeguard/internal/services"
)

// stateBackend bundles the state store with the lock guarding it.
type stateBackend struct {
	store  repo.StateStore
	locker lock.Locker
	closer func() error
}

func openStateBackend(ctx context.Context, logger *slog.Logger, cfg *config.Config) stateBackend {
	if cfg.State.Backend != config.BackendValkey {
		b := stateBackend{store: repo.NewFileStateStore(cfg.State.File), locker: lock.Nop{}, closer: func() error { return nil }}
		if cfg.State.Lock {
			b.locker = lock.NewFileLock(cfg.State.File + ".lock")
		}
		return b
	}

	provider, err := cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
		Addr:         cfg.Cache.Addr,
		Username:     cfg.Cache.Username,
		Password:     cfg.Cache.Password,
		DB:           cfg.Cache.DB,
		DialTimeout:  cfg.Cache.DialTimeout,
		ReadTimeout:  cfg.Cache.ReadTimeout,
		WriteTimeout: cfg.Cache.WriteTimeout,
		MaxRetries:   cfg.Cache.MaxRetries,
		TLS:          cfg.Cache.TLS,
	})
	if err != nil {
		logger.Error("valkey state backend unavailable", slog.String("addr", cfg.Cache.Addr), slog.Any("error", err))
		return stateBackend{store: unavailableStore{key: cfg.State.Key, err: err}, locker: lock.Nop{}, closer: func() error { return nil }}
	}

	b := stateBackend{store: repo.NewCacheStateStore(provider, cfg.State.Key), locker: lock.Nop{}, closer: provider.Close}
	if cfg.State.Lock {
		b.locker = lock.NewCacheLock(provider, cfg.State.Key+":lock", cfg.State.LockTTL)
	}
	return b
}

// unavailableStore reports a backend that could not be reached at startup.
type unavailableStore struct {
	key string
	err error
}

func (s unavailableStore) Load(context.Context) (models.State, error) { return nil, s.err }

func (s unavailableStore) Save(context.Context, models.State) error {
	return errors.New("state backend unavailable")
}

func (s unavailableStore) Location() string { return "cache:" + s.key }

func newPipeline(logger *slog.Logger, cfg *config.Config) *engine.Pipeline {
	executor := &engine.CTestExecutor{
		Binary:    cfg.CTest.Binary,
		Preset:    cfg.CTest.Preset,
		BuildDir:  cfg.CTest.BuildDir,
		WorkDir:   cfg.CTest.WorkDir,
		ExtraArgs: cfg.CTest.ExtraArgs,
		Timeout:   cfg.Quarantine.AttemptTimeout,
	}
	return engine.NewPipeline(
		logger,
		patterns.NewResolver(logger),
		engine.NewRunner(logger, executor, cfg.Quarantine.Repeat),
		engine.NewStabilizer(engine.Policy{
			CleanThreshold:  cfg.Quarantine.CleanThreshold,
			DemoteThreshold: cfg.Quarantine.DemoteThreshold,
			HistoryWindows:  cfg.Quarantine.HistoryWindows,
		}),
	)
}

func newSink(logger *slog.Logger, cfg *config.Config) notify.Sink {
	n := cfg.Notify
	if !n.CommentPersistFailures || n.PRNumber <= 0 {
		return notify.Nop{}
	}
	if n.Mode == config.NotifyModeCLI {
		return notify.NewGHCLISink("gh", n.PRNumber, n.Token)
	}
	client, err := repo.NewGitHubClient(n.APIURL, n.Repository, n.Token, n.Timeout)
	if err != nil {
		logger.Warn("PR comments disabled", slog.Any("error", err))
		return notify.Nop{}
	}
	return notify.NewGitHubSink(client, n.PRNumber)
}

func newExporter(logger *slog.Logger, cfg *config.Config) services.Exporter {
	if cfg.Metrics.Textfile == "" && cfg.Metrics.PushgatewayURL == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		logger.Warn("metrics registration failed", slog.Any("error", err))
		return nil
	}
	opts := metrics.ExportOptions{
		Textfile:       cfg.Metrics.Textfile,
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		Job:            cfg.Metrics.Job,
	}
	return func(ctx context.Context) error {
		return metrics.Export(ctx, reg, opts)
	}
}

func newService(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*services.QuarantineService, func() error) {
	backend := openStateBackend(ctx, logger, cfg)
	svc := services.NewQuarantineService(logger, services.Dependencies{
		Patterns:  patterns.NewFileStore(cfg.Quarantine.FlakyFile),
		Inventory: inventory.NewCTestSource(cfg.CTest.BuildDir, logger),
		Pipeline:  newPipeline(logger, cfg),
		State:     backend.store,
		Locker:    backend.locker,
		Sink:      newSink(logger, cfg),
		Gate: notify.Gate{
			CommentPersistFailures: cfg.Notify.CommentPersistFailures,
			PRNumber:               cfg.Notify.PRNumber,
			HasCredentials:         cfg.Notify.Token != "",
		},
		Exporter: newExporter(logger, cfg),
	}, services.Artifacts{
		Report:    cfg.Artifacts.Report,
		Output:    cfg.Artifacts.Output,
		Sparkline: cfg.Artifacts.Sparkline,
	}, reportParams(cfg))
	return svc, backend.closer
}

func reportParams(cfg *config.Config) report.Params {
	return report.Params{
		Repeat:          cfg.Quarantine.Repeat,
		CleanThreshold:  cfg.Quarantine.CleanThreshold,
		DemoteThreshold: cfg.Quarantine.DemoteThreshold,
		HistoryWindows:  cfg.Quarantine.HistoryWindows,
	}
}
