package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

// ErrHarness reports that the test command itself could not run: the
// container failed to start or the declared command was missing. This is
// distinct from tests running and failing, and re-enters the build failure
// path instead of being scored as a 0% result.
var ErrHarness = errors.New("test harness failed to run")

var (
	passedRe = regexp.MustCompile(`Tests Passed:\s*(\d+)`)
	failedRe = regexp.MustCompile(`Tests Failed:\s*(\d+)`)
)

// TestOutcome holds parsed test counters from one container run. Passed and
// Failed are both zero when the run emitted no counters at all; the pass
// percentage is undefined in that case, never 0 or 100.
type TestOutcome struct {
	Passed   int
	Failed   int
	Output   string
	Duration time.Duration
}

// Tester runs a recipe's functional test inside a built image.
type Tester struct {
	engine  string
	timeout time.Duration
}

// NewTester creates a Tester for the given engine binary and per-run timeout.
func NewTester(engine string, timeout time.Duration) *Tester {
	return &Tester{engine: engine, timeout: timeout}
}

// Run executes the image's test entrypoint (or testCommand when the recipe
// declares one) and parses the pass/fail counters from its output.
//
// Engine exit codes 125-127 mean the container or command could not start;
// those and spawn failures return an error wrapping ErrHarness.
func (t *Tester) Run(ctx context.Context, tag, testCommand string) (*TestOutcome, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	args := []string{"run", "--rm", tag}
	if testCommand != "" {
		args = append(args, "sh", "-c", testCommand)
	}
	cmd := exec.CommandContext(ctx, t.engine, args...)
	out := NewTailBuffer(tailBufSize)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	output := out.String()
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: timed out after %s", ErrHarness, t.timeout)
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrHarness, err)
		}
		// 125: engine error, 126: command not executable, 127: not found.
		if code := exitErr.ExitCode(); code >= 125 && code <= 127 {
			return nil, fmt.Errorf("%w: exit code %d: %s", ErrHarness, code, LastLines(output, 5))
		}
		// Any other non-zero exit is the test process reporting failures;
		// fall through and trust the counters.
	}

	outcome := &TestOutcome{Output: output, Duration: duration}
	if m := passedRe.FindStringSubmatch(output); m != nil {
		outcome.Passed, _ = strconv.Atoi(m[1])
	}
	if m := failedRe.FindStringSubmatch(output); m != nil {
		outcome.Failed, _ = strconv.Atoi(m[1])
	}
	return outcome, nil
}
