package engine

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// BuildResult holds the outcome of one image build.
type BuildResult struct {
	Success  bool
	Output   string
	TimedOut bool
	Duration time.Duration
}

// Builder invokes the container engine to build recipe images.
type Builder struct {
	engine  string
	timeout time.Duration
}

// NewBuilder creates a Builder for the given engine binary ("docker",
// "podman") and per-build timeout.
func NewBuilder(engine string, timeout time.Duration) *Builder {
	return &Builder{engine: engine, timeout: timeout}
}

// Build builds the image for dockerfile within contextDir, tagged tag.
// A non-zero engine exit or timeout expiry is a failed (not errored) result;
// the returned error is reserved for the engine binary being unrunnable.
// Built images are left in place; cleanup is the operator's concern.
func (b *Builder) Build(ctx context.Context, dockerfile, contextDir, tag string) (*BuildResult, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, b.engine, "build", "-f", dockerfile, "-t", tag, contextDir)
	out := NewTailBuffer(tailBufSize)
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	res := &BuildResult{
		Success:  err == nil,
		Output:   out.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			// Flag timeouts in the captured text so downstream triage does
			// not mistake the truncated tail for a normal build error.
			res.TimedOut = true
			res.Output += fmt.Sprintf("\n[build timed out after %s; output truncated]", b.timeout)
			return res, nil
		}
		if _, ok := err.(*exec.ExitError); ok {
			return res, nil
		}
		return nil, fmt.Errorf("running %s build: %w", b.engine, err)
	}
	return res, nil
}
