package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/flakeguard/internal/models"
	"github.com/miradorstack/flakeguard/internal/patterns"
)

// scriptedExecutor fails the listed attempt numbers (1-based) per test and records call order.
type scriptedExecutor struct {
	fail  map[string]map[int]bool
	seen  map[string]int
	calls []string
	err   error
}

func newScriptedExecutor(fail map[string][]int) *scriptedExecutor {
	f := &scriptedExecutor{fail: make(map[string]map[int]bool), seen: make(map[string]int)}
	for name, attempts := range fail {
		f.fail[name] = make(map[int]bool)
		for _, a := range attempts {
			f.fail[name][a] = true
		}
	}
	return f
}

func (f *scriptedExecutor) Run(ctx context.Context, test models.TestCase) (AttemptResult, error) {
	f.seen[test.Name]++
	n := f.seen[test.Name]
	f.calls = append(f.calls, fmt.Sprintf("%s#%d", test.Name, n))
	if f.err != nil {
		return AttemptResult{}, f.err
	}
	passed := !f.fail[test.Name][n]
	return AttemptResult{Passed: passed, Output: fmt.Sprintf("output %s %d", test.Name, n)}, nil
}

func strPtr(s string) *string { return &s }

func inventoryOf(names ...string) models.Inventory {
	inv := make(models.Inventory, len(names))
	for _, n := range names {
		inv[n] = models.TestCase{Name: n, Command: "/build/bin/" + n}
	}
	return inv
}

func newTestPipeline(exec Executor, repeat int) *Pipeline {
	return NewPipeline(nil, patterns.NewResolver(nil), NewRunner(nil, exec, repeat), NewStabilizer(defaultPolicy))
}

func TestRunnerSequentialAndLogged(t *testing.T) {
	exec := newScriptedExecutor(map[string][]int{"b": {2}})
	runner := NewRunner(nil, exec, 3)

	var raw bytes.Buffer
	res, err := runner.Run(context.Background(), []models.TestCase{{Name: "a"}, {Name: "b", Command: "/bin/b"}}, &raw)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	wantCalls := []string{"a#1", "a#2", "a#3", "b#1", "b#2", "b#3"}
	if diff := cmp.Diff(wantCalls, exec.calls); diff != "" {
		t.Fatalf("attempts interleaved (-want +got):\n%s", diff)
	}

	want := map[string]models.TestStats{
		"a": {Attempts: 3, Failures: 0, Instability: 0},
		"b": {Attempts: 3, Failures: 1, Instability: 0.3333, Command: strPtr("/bin/b")},
	}
	if diff := cmp.Diff(want, res.Stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if res.AggregateFailures != 1 {
		t.Fatalf("expected 1 aggregate failure, got %d", res.AggregateFailures)
	}
	if !strings.Contains(raw.String(), "=== Attempt 2/3 : b ===\noutput b 2\n") {
		t.Fatalf("raw log missing attempt header:\n%s", raw.String())
	}
	if runner.Durations().Count() != 6 {
		t.Fatalf("expected 6 duration samples, got %d", runner.Durations().Count())
	}
}

func TestRunnerCountsStartErrorsAsFailures(t *testing.T) {
	exec := newScriptedExecutor(nil)
	exec.err = errors.New("exec: \"ctest\": executable file not found")

	res, err := NewRunner(nil, exec, 2).Run(context.Background(), []models.TestCase{{Name: "a"}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := res.Stats["a"]; st.Failures != 2 || st.Instability != 1 {
		t.Fatalf("expected every attempt failed, got %+v", st)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRunner(nil, newScriptedExecutor(nil), 2).Run(ctx, []models.TestCase{{Name: "a"}}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPipelineEvaluateSourceFilePattern(t *testing.T) {
	exec := newScriptedExecutor(nil)
	p := newTestPipeline(exec, 5)

	out, err := p.Evaluate(context.Background(), Input{
		Patterns:  []models.Pattern{patterns.NewPattern("test_foo.cpp")},
		Inventory: inventoryOf("test_foo_case1", "test_bar"),
		State:     models.State{},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if diff := cmp.Diff([]string{"test_foo_case1"}, out.Resolution.Tests); diff != "" {
		t.Fatalf("resolution mismatch (-want +got):\n%s", diff)
	}
	st := out.Run.Stats["test_foo_case1"]
	if st.Attempts != 5 || st.Failures != 0 || st.Instability != 0 || st.Command == nil || *st.Command != "/build/bin/test_foo_case1" {
		t.Fatalf("unexpected stats %+v", st)
	}
	want := models.PatternState{CleanStreak: 1, InstabilityHistory: []float64{0}}
	if diff := cmp.Diff(want, out.State["test_foo.cpp"]); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if len(out.Removed) != 0 {
		t.Fatalf("expected no removal after one run, got %v", out.Removed)
	}
}

func TestPipelineCancelledDuringLastAttemptReturnsNoState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the signal lands while the only attempt runs; the killed attempt looks like a failure.
	exec := ExecutorFunc(func(context.Context, models.TestCase) (AttemptResult, error) {
		cancel()
		return AttemptResult{Passed: false, ExitCode: -1}, nil
	})
	prev := models.State{"foo": {CleanStreak: 2, InstabilityHistory: []float64{0, 0}}}

	out, err := newTestPipeline(exec, 1).Evaluate(ctx, Input{
		Patterns:  []models.Pattern{patterns.NewPattern("foo")},
		Inventory: inventoryOf("foo"),
		State:     prev,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v (outcome %+v)", err, out)
	}
	if out.State != nil || len(out.Removed) != 0 {
		t.Fatalf("expected no next state, got %+v", out)
	}
	if diff := cmp.Diff(models.PatternState{CleanStreak: 2, InstabilityHistory: []float64{0, 0}}, prev["foo"]); diff != "" {
		t.Fatalf("previous state mutated (-want +got):\n%s", diff)
	}
}

func TestPipelineDemotesAfterThreeCleanRuns(t *testing.T) {
	state := models.State{}
	in := Input{
		Patterns:  []models.Pattern{patterns.NewPattern("test_foo.cpp"), patterns.NewPattern("test_bar")},
		Inventory: inventoryOf("test_foo_case1", "test_bar"),
	}

	var out Outcome
	for run := 1; run <= 3; run++ {
		// test_bar fails once every run and must stay quarantined.
		exec := newScriptedExecutor(map[string][]int{"test_bar": {1}})
		in.State = state

		var err error
		out, err = newTestPipeline(exec, 5).Evaluate(context.Background(), in)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if run < 3 && len(out.Removed) != 0 {
			t.Fatalf("run %d removed %v too early", run, out.Removed)
		}
		state = out.State
	}

	if diff := cmp.Diff([]string{"test_foo.cpp"}, out.Removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	wantStatus := map[string]models.PatternStatus{
		"test_foo.cpp": {CleanStreak: 3, AvgRecentInstability: 0},
		"test_bar":     {CleanStreak: 0, AvgRecentInstability: 0.2},
	}
	if diff := cmp.Diff(wantStatus, out.Status); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
	if out.Run.AggregateFailures != 1 {
		t.Fatalf("expected one failure, got %d", out.Run.AggregateFailures)
	}
}

func TestPipelineFailureResetsStreak(t *testing.T) {
	prev := models.State{"test_foo.cpp": {CleanStreak: 2, InstabilityHistory: []float64{0, 0}}}
	exec := newScriptedExecutor(map[string][]int{"test_foo_case1": {4}})

	out, err := newTestPipeline(exec, 5).Evaluate(context.Background(), Input{
		Patterns:  []models.Pattern{patterns.NewPattern("test_foo.cpp")},
		Inventory: inventoryOf("test_foo_case1"),
		State:     prev,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	want := models.PatternState{CleanStreak: 0, InstabilityHistory: []float64{0, 0, 0.2}}
	if diff := cmp.Diff(want, out.State["test_foo.cpp"]); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if len(out.Removed) != 0 {
		t.Fatalf("expected no removal, got %v", out.Removed)
	}
	if prev["test_foo.cpp"].CleanStreak != 2 {
		t.Fatalf("input state mutated")
	}
}

func TestPipelineNothingResolved(t *testing.T) {
	exec := newScriptedExecutor(nil)
	prev := models.State{"old": {CleanStreak: 1, InstabilityHistory: []float64{0}}}

	out, err := newTestPipeline(exec, 5).Evaluate(context.Background(), Input{
		Patterns:  []models.Pattern{patterns.NewPattern("does_not_exist")},
		Inventory: inventoryOf("test_bar"),
		State:     prev,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Resolution.Empty() {
		t.Fatalf("expected empty resolution, got %v", out.Resolution.Tests)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("expected no attempts, got %v", exec.calls)
	}
	if diff := cmp.Diff(prev, out.State); diff != "" {
		t.Fatalf("state changed (-want +got):\n%s", diff)
	}
}

func TestPipelineSharedTestScoredPerPattern(t *testing.T) {
	exec := newScriptedExecutor(map[string][]int{"net_retry": {1, 2}})

	out, err := newTestPipeline(exec, 4).Evaluate(context.Background(), Input{
		Patterns: []models.Pattern{
			patterns.NewPattern("^net_"),
			patterns.NewPattern("retry"),
			patterns.NewPattern("^net_"),
		},
		Inventory: inventoryOf("net_retry", "net_dns", "disk_io"),
		State:     models.State{},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if diff := cmp.Diff([]string{"net_dns", "net_retry"}, out.Resolution.Tests); diff != "" {
		t.Fatalf("resolution mismatch (-want +got):\n%s", diff)
	}
	if got := out.Status["^net_"].AvgRecentInstability; got != 0.25 {
		t.Fatalf("expected unweighted mean 0.25 for ^net_, got %v", got)
	}
	if got := out.Status["retry"].AvgRecentInstability; got != 0.5 {
		t.Fatalf("expected 0.5 for retry, got %v", got)
	}
	if got := len(out.State["^net_"].InstabilityHistory); got != 1 {
		t.Fatalf("duplicate pattern line must be scored once, history len %d", got)
	}
	if len(exec.calls) != 8 {
		t.Fatalf("expected each test run once per attempt, got %d calls", len(exec.calls))
	}
}
