package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/miradorstack/flakeguard/internal/models"
)

// AttemptResult is the outcome of one execution of one test.
type AttemptResult struct {
	Passed   bool
	ExitCode int
	TimedOut bool
	Output   string
	Duration time.Duration
}

// Executor runs a single test once. Implementations must not batch attempts.
type Executor interface {
	Run(ctx context.Context, test models.TestCase) (AttemptResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, test models.TestCase) (AttemptResult, error)

// Run implements Executor.
func (f ExecutorFunc) Run(ctx context.Context, test models.TestCase) (AttemptResult, error) {
	return f(ctx, test)
}

// CTestExecutor runs one test through ctest, selected by an anchored name regex.
type CTestExecutor struct {
	Binary    string
	Preset    string
	BuildDir  string
	WorkDir   string
	ExtraArgs []string
	Timeout   time.Duration
}

// Args returns the ctest arguments used for test.
func (e *CTestExecutor) Args(test models.TestCase) []string {
	args := make([]string, 0, 8+len(e.ExtraArgs))
	if e.Preset != "" {
		args = append(args, "--preset", e.Preset)
	} else {
		args = append(args, "--test-dir", e.BuildDir)
	}
	args = append(args, "-R", "^"+regexp.QuoteMeta(test.Name)+"$", "--output-on-failure")
	return append(args, e.ExtraArgs...)
}

// Run implements Executor. A non-zero exit is a failed attempt, not an error; errors are
// reserved for attempts that could not be started at all and for a cancelled ctx. The
// attempt runs in its own process group so a timeout also stops the tests ctest spawned.
func (e *CTestExecutor) Run(ctx context.Context, test models.TestCase) (AttemptResult, error) {
	parent := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	binary := e.Binary
	if binary == "" {
		binary = "ctest"
	}
	cmd := exec.CommandContext(ctx, binary, e.Args(test)...)
	cmd.Dir = e.WorkDir
	cmd.WaitDelay = 5 * time.Second
	killProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := AttemptResult{
		Duration: time.Since(start),
		Output:   stdout.String() + "\n" + stderr.String(),
	}

	if perr := parent.Err(); perr != nil {
		return result, perr
	}
	if err == nil {
		result.Passed = true
		return result, nil
	}

	result.ExitCode = -1
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Output += fmt.Sprintf("\n[attempt exceeded timeout of %s]\n", e.Timeout)
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("start %s: %w", binary, err)
}
