package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/logging"
)

// eventBuffer bounds in-flight events between the scanner and the
// consumer. The consumer contract is to drain, so this only smooths
// bursts.
const eventBuffer = 256

// terminateGrace is how long a terminated agent gets between SIGTERM and
// SIGKILL to flush and exit on its own.
const terminateGrace = 2 * time.Second

// ExecRunner drives a one-shot CLI agent (for example `claude -p` or
// `codex exec`) as a child process, streaming its stdout lines as events.
// The prompt is appended as the final argument.
type ExecRunner struct {
	command string
	args    []string
	timeout time.Duration
	logger  *logging.Logger
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithLogger attaches a logger. Nil is ignored.
func WithLogger(logger *logging.Logger) Option {
	return func(r *ExecRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTimeout overrides the configured per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *ExecRunner) {
		r.timeout = d
	}
}

// NewExecRunner builds a runner from agent configuration.
func NewExecRunner(cfg config.AgentConfig, opts ...Option) *ExecRunner {
	r := &ExecRunner{
		command: cfg.Command,
		args:    slices.Clone(cfg.Args),
		timeout: time.Duration(cfg.TimeoutMinutes) * time.Minute,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start implements Runner.
func (r *ExecRunner) Start(ctx context.Context, req Request) (Task, error) {
	prompt := req.Prompt
	if prompt == "" {
		if req.Issue == nil {
			return nil, errors.NewValidationError("agent request needs an issue or a prompt")
		}
		prompt = BuildPrompt(req)
	}

	cmd := exec.Command(r.command, append(slices.Clone(r.args), prompt)...)
	cmd.Dir = req.WorkDir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewAgentError("open agent stdout",
			fmt.Errorf("%w: %v", errors.ErrAgentStartFailed, err))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewAgentError("start agent process",
			fmt.Errorf("%w: %v", errors.ErrAgentStartFailed, err))
	}
	r.logger.Debug("agent started", "command", r.command, "pid", cmd.Process.Pid)

	t := &execTask{
		cmd:    cmd,
		stderr: &stderr,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go t.run(ctx, r.timeout, stdout)
	return t, nil
}

var _ Runner = (*ExecRunner)(nil)

// execTask is the Task behind ExecRunner.
type execTask struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	events chan Event
	done   chan struct{}

	cancelOnce sync.Once
	canceled   atomic.Bool
	timedOut   atomic.Bool

	result *Result
	err    error
}

// Events implements Task.
func (t *execTask) Events() <-chan Event { return t.events }

// Wait implements Task.
func (t *execTask) Wait() (*Result, error) {
	<-t.done
	return t.result, t.err
}

// Cancel implements Task. It signals the whole process group so shells
// and editors the agent spawned die with it.
func (t *execTask) Cancel() {
	t.cancelOnce.Do(func() {
		t.canceled.Store(true)
		terminateProcess(t.cmd, terminateGrace)
	})
}

func (t *execTask) run(ctx context.Context, timeout time.Duration, stdout io.Reader) {
	t.emit(EventProgress, "agent started")

	procDone := make(chan struct{})
	go func() {
		var timer <-chan time.Time
		if timeout > 0 {
			tm := time.NewTimer(timeout)
			defer tm.Stop()
			timer = tm.C
		}
		select {
		case <-procDone:
		case <-ctx.Done():
			t.Cancel()
		case <-timer:
			t.timedOut.Store(true)
			terminateProcess(t.cmd, terminateGrace)
		}
	}()

	var modified []string
	summary := ""
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.emit(EventOutput, line)

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if payload, ok := strings.CutPrefix(trimmed, modifiedMarker); ok {
			modified = parseModified(payload)
			continue
		}
		summary = trimmed
	}

	// The pipe must be fully drained before Wait closes it.
	waitErr := t.cmd.Wait()
	close(procDone)

	switch {
	case waitErr == nil:
		t.result = &Result{FilesModified: modified, Summary: summary}
		t.emit(EventProgress, "agent finished")
	case t.timedOut.Load():
		t.err = errors.NewAgentError("agent timed out",
			fmt.Errorf("%w: no result after %s", errors.ErrTimeout, timeout))
	case t.canceled.Load():
		t.err = errors.NewAgentError("agent invocation canceled", errors.ErrAgentCanceled)
	default:
		detail := strings.TrimSpace(t.stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		t.err = errors.NewAgentError(tail(detail, 512),
			fmt.Errorf("%w: %v", errors.ErrAgentExited, waitErr))
	}

	close(t.events)
	close(t.done)
}

func (t *execTask) emit(kind EventKind, message string) {
	t.events <- Event{Kind: kind, Message: message, Time: time.Now()}
}

// tail keeps the last n bytes of s; failure detail lives at the end of
// agent stderr.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
