package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/logging"
)

// sessionControl is the slice of the orchestrator the review loop needs.
type sessionControl interface {
	Approve(ctx context.Context, issueID string, approved, requeue bool, feedback string) error
	CommitIssue(ctx context.Context, issueID string) error
}

type promptKind int

const (
	promptReview promptKind = iota
	promptCommit
)

type pendingPrompt struct {
	kind    promptKind
	issueID string
	worker  int
	summary string
}

// reviewLoop turns parked workers into terminal prompts. Workers publish
// review.requested when an issue needs approval and a committing phase
// change when autoCommit is off; the loop answers both through the
// orchestrator's command surface. Bus handlers run on worker goroutines,
// so they only enqueue; all prompting happens on the loop goroutine.
type reviewLoop struct {
	ctrl       sessionControl
	bus        *event.Bus
	in         io.Reader
	out        io.Writer
	logger     *logging.Logger
	autoCommit bool

	prompts chan pendingPrompt
	lines   chan string
	subs    []string
	closed  bool // stdin reached EOF
}

// newReviewLoop subscribes immediately so a worker parking before Run is
// scheduled still lands in the prompt buffer.
func newReviewLoop(ctrl sessionControl, bus *event.Bus, in io.Reader, out io.Writer, logger *logging.Logger, autoCommit bool) *reviewLoop {
	rl := &reviewLoop{
		ctrl:       ctrl,
		bus:        bus,
		in:         in,
		out:        out,
		logger:     logger,
		autoCommit: autoCommit,
		prompts:    make(chan pendingPrompt, 32),
		lines:      make(chan string),
	}

	rl.subs = append(rl.subs, bus.Subscribe("review.requested", func(e event.Event) {
		if ev, ok := e.(event.ReviewRequestedEvent); ok {
			rl.enqueue(pendingPrompt{kind: promptReview, issueID: ev.IssueID, worker: ev.WorkerID, summary: ev.Summary})
		}
	}))
	if !autoCommit {
		rl.subs = append(rl.subs, bus.Subscribe("worker.phase_changed", func(e event.Event) {
			ev, ok := e.(event.WorkerPhaseEvent)
			if !ok || ev.CurrentPhase != event.PhaseCommitting {
				return
			}
			rl.enqueue(pendingPrompt{kind: promptCommit, issueID: ev.IssueID, worker: ev.WorkerID})
		}))
	}
	return rl
}

// Run blocks until ctx is done. The stdin reader goroutine cannot be
// unblocked and is abandoned on shutdown; the process is exiting anyway.
func (rl *reviewLoop) Run(ctx context.Context) {
	go func() {
		sc := bufio.NewScanner(rl.in)
		for sc.Scan() {
			rl.lines <- sc.Text()
		}
		close(rl.lines)
	}()

	defer func() {
		for _, id := range rl.subs {
			rl.bus.Unsubscribe(id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-rl.prompts:
			rl.handle(ctx, p)
		}
	}
}

func (rl *reviewLoop) enqueue(p pendingPrompt) {
	select {
	case rl.prompts <- p:
	default:
		if rl.logger != nil {
			rl.logger.Warn("review prompt dropped", "issue_id", p.issueID)
		}
	}
}

func (rl *reviewLoop) handle(ctx context.Context, p pendingPrompt) {
	if rl.closed {
		fmt.Fprintf(rl.out, "stdin closed; %s stays parked until the session stops\n", p.issueID)
		return
	}
	switch p.kind {
	case promptReview:
		rl.handleReview(ctx, p)
	case promptCommit:
		rl.handleCommit(ctx, p)
	}
}

func (rl *reviewLoop) handleReview(ctx context.Context, p pendingPrompt) {
	fmt.Fprintf(rl.out, "\nreview  %s (worker %d): %s\n", p.issueID, p.worker, p.summary)
	for {
		fmt.Fprint(rl.out, "  [a]pprove, [r]eject, reject and re[q]ueue > ")
		answer, ok := rl.read(ctx)
		if !ok {
			fmt.Fprintf(rl.out, "\n%s stays parked\n", p.issueID)
			return
		}
		switch strings.ToLower(answer) {
		case "a", "approve", "y", "yes":
			rl.decide(ctx, p.issueID, true, false)
			return
		case "r", "reject":
			rl.decide(ctx, p.issueID, false, false)
			return
		case "q", "requeue":
			rl.decide(ctx, p.issueID, false, true)
			return
		}
	}
}

func (rl *reviewLoop) decide(ctx context.Context, issueID string, approved, requeue bool) {
	feedback := ""
	if !approved {
		fmt.Fprint(rl.out, "  feedback (optional) > ")
		fb, ok := rl.read(ctx)
		if !ok {
			return
		}
		feedback = fb
	}
	if err := rl.ctrl.Approve(ctx, issueID, approved, requeue, feedback); err != nil {
		fmt.Fprintf(rl.out, "review of %s failed: %v\n", issueID, err)
	}
}

func (rl *reviewLoop) handleCommit(ctx context.Context, p pendingPrompt) {
	fmt.Fprintf(rl.out, "\ncommit  %s is ready (worker %d)\n", p.issueID, p.worker)
	for {
		fmt.Fprint(rl.out, "  [c]ommit, [s]kip > ")
		answer, ok := rl.read(ctx)
		if !ok {
			fmt.Fprintf(rl.out, "\n%s stays at the commit boundary\n", p.issueID)
			return
		}
		switch strings.ToLower(answer) {
		case "c", "commit", "y", "yes":
			if err := rl.ctrl.CommitIssue(ctx, p.issueID); err != nil {
				fmt.Fprintf(rl.out, "commit of %s failed: %v\n", p.issueID, err)
			}
			return
		case "s", "skip":
			fmt.Fprintf(rl.out, "%s left at the commit boundary\n", p.issueID)
			return
		}
	}
}

// read returns the next operator line. ok is false when ctx is done or
// stdin reached EOF.
func (rl *reviewLoop) read(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case ln, open := <-rl.lines:
		if !open {
			rl.closed = true
			return "", false
		}
		return strings.TrimSpace(ln), true
	}
}
