// Package agent defines the coding-agent capability workers consume and
// provides an exec-backed runner driving one-shot CLI agents. The
// orchestrator never depends on which agent binary is behind the
// interface; anything that can take a prompt and edit the tree fits.
package agent

import (
	"context"
	"time"

	"github.com/autobuildhq/autobuild/internal/issue"
)

// EventKind classifies task events.
type EventKind string

const (
	// EventProgress marks runner lifecycle notes such as start and exit.
	EventProgress EventKind = "progress"
	// EventOutput carries one raw line of agent output.
	EventOutput EventKind = "output"
)

// Event is one observation from a running agent task.
type Event struct {
	Kind    EventKind
	Message string
	Time    time.Time
}

// Request describes one agent invocation.
type Request struct {
	// Issue is the unit of work; its title and description seed the prompt.
	Issue *issue.Issue

	// WorkDir is the working tree the agent operates in.
	WorkDir string

	// Prompt overrides the generated prompt when non-empty.
	Prompt string

	// Fix marks a remediation pass after failed verification.
	Fix bool

	// FailureOutput carries the failing gate output into fix prompts.
	FailureOutput string
}

// Result is what a finished agent run reports.
type Result struct {
	// FilesModified is the agent's self-reported list of changed paths,
	// parsed from its closing MODIFIED: line. Workers merge this with
	// watcher attribution; neither source alone is trusted.
	FilesModified []string

	// Summary is the agent's final line of ordinary output.
	Summary string
}

// Task is a cancellable handle on one running invocation. Callers must
// drain Events; Wait returns only after the events channel has closed.
type Task interface {
	// Events streams progress and output while the task runs. The channel
	// closes when the task finishes.
	Events() <-chan Event

	// Wait blocks until the task finishes and returns its result. A
	// cancelled task reports ErrAgentCanceled.
	Wait() (*Result, error)

	// Cancel terminates the invocation, including any processes the agent
	// spawned. Safe to call more than once.
	Cancel()
}

// Runner launches agent tasks.
type Runner interface {
	Start(ctx context.Context, req Request) (Task, error)
}
