package verify

import (
	"context"
	"os/exec"
	"time"
)

// CommandRunner abstracts gate command execution so tests can substitute
// canned outcomes for real processes.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (output string, err error)
}

// ExecCommandRunner runs commands with os/exec in a fixed directory,
// applying a per-invocation timeout on top of the caller's context.
type ExecCommandRunner struct {
	// Dir is the working directory for every command.
	Dir string

	// Timeout bounds each invocation. Zero means no extra bound beyond
	// the caller's context.
	Timeout time.Duration
}

// Run implements CommandRunner. Combined stdout/stderr is always returned,
// including on failure, since gate output is what failure attribution and
// fix prompts consume.
func (e *ExecCommandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.Dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

var _ CommandRunner = (*ExecCommandRunner)(nil)
