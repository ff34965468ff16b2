package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miradorstack/flakeguard/internal/cache"
	"github.com/miradorstack/flakeguard/internal/engine"
	"github.com/miradorstack/flakeguard/internal/inventory"
	"github.com/miradorstack/flakeguard/internal/lock"
	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/notify"
	"github.com/miradorstack/flakeguard/internal/patterns"
	"github.com/miradorstack/flakeguard/internal/repo"
	"github.com/miradorstack/flakeguard/internal/report"
)

const ctestFile = `add_test([=[test_foo_case1]=] "/build/bin/test_foo_case1")
add_test([=[test_bar]=] "/build/bin/test_bar")
`

var testParams = report.Params{Repeat: 5, CleanThreshold: 3, DemoteThreshold: 0.05, HistoryWindows: 5}

type fixture struct {
	dir       string
	flaky     string
	buildDir  string
	artifacts Artifacts
	state     *repo.FileStateStore
}

func newFixture(t *testing.T, flaky string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		flaky:    filepath.Join(dir, "tests", "FLAKY_TESTS.txt"),
		buildDir: filepath.Join(dir, "build", "dev-debug"),
		artifacts: Artifacts{
			Report:    filepath.Join(dir, "flaky_quarantine_report.json"),
			Output:    filepath.Join(dir, "flaky_quarantine_output.txt"),
			Sparkline: filepath.Join(dir, "flaky_instability_sparkline.txt"),
		},
		state: repo.NewFileStateStore(filepath.Join(dir, ".flaky_quarantine_state.json")),
	}
	require.NoError(t, os.MkdirAll(f.buildDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.buildDir, inventory.CTestFileName), []byte(ctestFile), 0o644))
	if flaky != "" {
		require.NoError(t, os.MkdirAll(filepath.Dir(f.flaky), 0o755))
		require.NoError(t, os.WriteFile(f.flaky, []byte(flaky), 0o644))
	}
	return f
}

// service builds a QuarantineService whose executor fails every attempt of the named tests.
func (f *fixture) service(failing map[string]bool, sink notify.Sink, gate notify.Gate) *QuarantineService {
	exec := engine.ExecutorFunc(func(ctx context.Context, test models.TestCase) (engine.AttemptResult, error) {
		if failing[test.Name] {
			return engine.AttemptResult{Passed: false, Output: "FAILED " + test.Name}, nil
		}
		return engine.AttemptResult{Passed: true, Output: "ok " + test.Name}, nil
	})
	pipeline := engine.NewPipeline(nil, patterns.NewResolver(nil), engine.NewRunner(nil, exec, testParams.Repeat), engine.NewStabilizer(engine.Policy{
		CleanThreshold:  testParams.CleanThreshold,
		DemoteThreshold: testParams.DemoteThreshold,
		HistoryWindows:  testParams.HistoryWindows,
	}))
	return NewQuarantineService(nil, Dependencies{
		Patterns:  patterns.NewFileStore(f.flaky),
		Inventory: inventory.NewCTestSource(f.buildDir, nil),
		Pipeline:  pipeline,
		State:     f.state,
		Locker:    lock.NewFileLock(filepath.Join(f.dir, ".flaky_quarantine_state.lock")),
		Sink:      sink,
		Gate:      gate,
	}, f.artifacts, testParams)
}

func readReport(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestRunSkipsWithoutFlakyFile(t *testing.T) {
	f := newFixture(t, "")
	rep := f.service(nil, nil, notify.Gate{}).Run(context.Background())

	require.True(t, rep.Skipped)
	require.Equal(t, models.ReasonNoFile, rep.Reason)
	doc := readReport(t, f.artifacts.Report)
	require.Equal(t, "no file", doc["reason"])
	_, err := os.Stat(f.state.Location())
	require.True(t, errors.Is(err, os.ErrNotExist), "state must not be written on skip")
}

func TestRunSkipsEmptyList(t *testing.T) {
	f := newFixture(t, "# nothing quarantined\n\n")
	rep := f.service(nil, nil, notify.Gate{}).Run(context.Background())
	require.True(t, rep.Skipped)
	require.Equal(t, models.ReasonEmptyPatterns, rep.Reason)
}

func TestRunSkipsWhenNothingResolves(t *testing.T) {
	f := newFixture(t, "ghost_test\n")
	rep := f.service(nil, nil, notify.Gate{}).Run(context.Background())

	require.True(t, rep.Skipped)
	require.Equal(t, models.ReasonNoTestsResolved, rep.Reason)
	require.Equal(t, []string{"ghost_test"}, rep.Patterns)
	doc := readReport(t, f.artifacts.Report)
	require.Equal(t, []any{"ghost_test"}, doc["patterns"])
}

func TestRunSkipsWhenLocked(t *testing.T) {
	f := newFixture(t, "test_bar\n")
	held, err := lock.NewFileLock(filepath.Join(f.dir, ".flaky_quarantine_state.lock")).Acquire(context.Background())
	require.NoError(t, err)
	defer held()

	rep := f.service(nil, nil, notify.Gate{}).Run(context.Background())
	require.True(t, rep.Skipped)
	require.Equal(t, models.ReasonLocked, rep.Reason)
}

func TestRunDemotesStablePatternAfterThreeRuns(t *testing.T) {
	f := newFixture(t, "# quarantined tests\ntest_foo.cpp\n\ntest_bar\n")
	ctx := context.Background()
	failing := map[string]bool{"test_bar": true}

	for run := 1; run <= 2; run++ {
		rep := f.service(failing, nil, notify.Gate{}).Run(ctx)
		require.False(t, rep.Skipped)
		require.Empty(t, rep.RemovedPatterns, "run %d", run)
		require.Equal(t, run, rep.PatternStatus["test_foo.cpp"].CleanStreak)
	}

	rep := f.service(failing, nil, notify.Gate{}).Run(ctx)
	require.Equal(t, []string{"test_foo.cpp"}, rep.RemovedPatterns)
	require.Equal(t, []string{"test_bar", "test_foo_case1"}, rep.SelectedTests)
	require.Equal(t, 5, rep.AggregateFailures)
	wantCommand := "/build/bin/test_bar"
	require.Equal(t, models.TestStats{Attempts: 5, Failures: 5, Instability: 1, Command: &wantCommand}, rep.PerTest["test_bar"])

	list, err := os.ReadFile(f.flaky)
	require.NoError(t, err)
	require.Equal(t, "# quarantined tests\n\ntest_bar\n", string(list))

	state, err := f.state.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, models.PatternState{CleanStreak: 3, InstabilityHistory: []float64{0, 0, 0}}, state["test_foo.cpp"])
	require.Equal(t, models.PatternState{CleanStreak: 0, InstabilityHistory: []float64{1, 1, 1}}, state["test_bar"])

	spark, err := os.ReadFile(f.artifacts.Sparkline)
	require.NoError(t, err)
	require.Equal(t, "test_bar: ▁▁▁ (1.0,1.0,1.0)\ntest_foo.cpp: ▁▁▁ (0.0,0.0,0.0)\n", string(spark))

	raw, err := os.ReadFile(f.artifacts.Output)
	require.NoError(t, err)
	require.Contains(t, string(raw), "=== Attempt 5/5 : test_foo_case1 ===\nok test_foo_case1\n")

	rep = f.service(failing, nil, notify.Gate{}).Run(ctx)
	require.Equal(t, []string{"test_bar"}, rep.Patterns)
	require.Equal(t, []string{"test_bar"}, rep.SelectedTests)
}

func TestRunPostsDigestOnFailures(t *testing.T) {
	f := newFixture(t, "test_bar\n")
	sink := &capturingSink{}
	gate := notify.Gate{CommentPersistFailures: true, PRNumber: 5, HasCredentials: true}

	f.service(map[string]bool{"test_bar": true}, sink, gate).Run(context.Background())
	require.Len(t, sink.bodies, 1)
	require.True(t, strings.HasPrefix(sink.bodies[0], "Flaky quarantine report: 5 failures across 1 tests."))
	require.Contains(t, sink.bodies[0], "test_bar: ▁ (1.0)")
}

func TestRunSurvivesFailingSink(t *testing.T) {
	f := newFixture(t, "test_bar\n")
	sink := &capturingSink{err: errors.New("gh: not logged in")}
	gate := notify.Gate{CommentPersistFailures: true, PRNumber: 5, HasCredentials: true}

	rep := f.service(map[string]bool{"test_bar": true}, sink, gate).Run(context.Background())
	require.False(t, rep.Skipped)
	_, err := os.Stat(f.state.Location())
	require.NoError(t, err)
}

type capturingSink struct {
	bodies []string
	err    error
}

func (s *capturingSink) Name() string { return "capture" }

func (s *capturingSink) Post(_ context.Context, body string) error {
	s.bodies = append(s.bodies, body)
	return s.err
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) (models.State, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) Save(context.Context, models.State) error {
	panic("save must not be called when load failed")
}

func (brokenStore) Location() string { return "cache:broken" }

func TestRunDoesNotPersistWhenStateUnreachable(t *testing.T) {
	f := newFixture(t, "test_foo.cpp\n")
	svc := f.service(nil, nil, notify.Gate{})
	svc.deps.State = brokenStore{}

	rep := svc.Run(context.Background())
	require.False(t, rep.Skipped)
	require.Empty(t, rep.RemovedPatterns)

	list, err := os.ReadFile(f.flaky)
	require.NoError(t, err)
	require.Equal(t, "test_foo.cpp\n", string(list))
}

func TestRunWithCacheBackend(t *testing.T) {
	f := newFixture(t, "test_foo.cpp\n")
	provider := cache.NewMemoryProvider()
	ctx := context.Background()

	svc := f.service(nil, nil, notify.Gate{})
	svc.deps.State = repo.NewCacheStateStore(provider, "flakeguard:state")
	svc.deps.Locker = lock.NewCacheLock(provider, "flakeguard:state:lock", time.Hour)

	rep := svc.Run(ctx)
	require.False(t, rep.Skipped)

	state, err := repo.NewCacheStateStore(provider, "flakeguard:state").Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, state["test_foo.cpp"].CleanStreak)

	_, err = provider.Get(ctx, "flakeguard:state:lock")
	require.ErrorIs(t, err, cache.ErrCacheMiss, "lock must be released after the run")

	held, err := lock.NewCacheLock(provider, "flakeguard:state:lock", time.Hour).Acquire(ctx)
	require.NoError(t, err)
	defer held()
	rep = svc.Run(ctx)
	require.Equal(t, models.ReasonLocked, rep.Reason)
}
