package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a session and drain the backlog",
	Long: `Run loads the backlog, starts a session, and processes issues until
the queue is empty or the session is stopped. Issues that need approval
are prompted for on stdin; Ctrl-C stops the session gracefully,
releasing file leases and persisting a resumable snapshot.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("session", "", "session ID to create (default: generated)")
}

func runRun(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		sessionID = session.NewID()
	}

	st, err := buildStack(sessionID)
	if err != nil {
		return err
	}
	defer st.Close()

	queued, err := st.seedQueue(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s: %d issues loaded from %s\n", sessionID, queued, st.tracker.Path())
	fmt.Fprintf(out, "lock service on %s, press Ctrl-C to stop\n", st.cfg.Coordinator.Addr())

	return superviseSession(cmd, st)
}

// superviseSession runs the session until it finishes or a signal arrives.
// The errgroup holds three members: the orchestrator loop, the lock
// service, and the watcher. When the orchestrator loop returns the whole
// group unwinds, so a session stopped from the review prompt tears down
// the lock service too.
func superviseSession(cmd *cobra.Command, st *runtimeStack) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	unsub := printEventFeed(st.bus, out)
	defer unsub()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return st.orch.Run(gctx)
	})
	g.Go(func() error {
		return st.server.ListenAndServe(gctx)
	})
	if st.watcher != nil {
		g.Go(func() error {
			if err := st.watcher.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return nil
		})
	}

	// The review loop subscribes at construction, so prompts from workers
	// that park early are buffered even before the loop goroutine runs.
	loop := newReviewLoop(st.orch, st.bus, cmd.InOrStdin(), out, st.logger, st.cfg.Session.AutoCommit)
	go loop.Run(gctx)

	// Start blocks until the session goroutine picks the command up, so
	// dispatch begins only once the loop above is live.
	if err := st.orch.Start(gctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	err := g.Wait()
	printSessionSummary(out, st)
	return err
}

// printEventFeed mirrors the session's activity onto the terminal, one
// line per event. Returns an unsubscribe func.
func printEventFeed(bus *event.Bus, out io.Writer) func() {
	ids := []string{
		bus.Subscribe("queue.claimed", func(e event.Event) {
			if ev, ok := e.(event.IssueClaimedEvent); ok {
				fmt.Fprintf(out, "claim   %s -> worker %d (priority %d)\n", ev.IssueID, ev.WorkerID, ev.Priority)
			}
		}),
		bus.Subscribe("queue.requeued", func(e event.Event) {
			if ev, ok := e.(event.IssueRequeuedEvent); ok {
				fmt.Fprintf(out, "requeue %s: %s\n", ev.IssueID, ev.Reason)
			}
		}),
		bus.Subscribe("issue.completed", func(e event.Event) {
			if ev, ok := e.(event.IssueCompletedEvent); ok {
				fmt.Fprintf(out, "done    %s: %s\n", ev.IssueID, ev.Summary)
			}
		}),
		bus.Subscribe("issue.human_review", func(e event.Event) {
			if ev, ok := e.(event.IssueEscalatedEvent); ok {
				fmt.Fprintf(out, "parked  %s: %s\n", ev.IssueID, ev.Reason)
			}
		}),
		bus.Subscribe("worker.failed", func(e event.Event) {
			if ev, ok := e.(event.WorkerFailedEvent); ok {
				fmt.Fprintf(out, "failed  worker %d on %s: %s\n", ev.WorkerID, ev.IssueID, ev.Reason)
			}
		}),
		bus.Subscribe("verify.completed", func(e event.Event) {
			ev, ok := e.(event.VerificationEvent)
			if !ok || ev.Skipped {
				return
			}
			verdict := "pass"
			if !ev.Passed {
				verdict = "fail"
			}
			fmt.Fprintf(out, "gate    %s %s: %s\n", ev.IssueID, ev.Gate, verdict)
		}),
		bus.Subscribe("session.status_changed", func(e event.Event) {
			if ev, ok := e.(event.SessionStatusEvent); ok {
				if ev.Reason != "" {
					fmt.Fprintf(out, "session %s (%s)\n", ev.CurrentStatus, ev.Reason)
				} else {
					fmt.Fprintf(out, "session %s\n", ev.CurrentStatus)
				}
			}
		}),
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}

// printSessionSummary reports the final partition counts from the
// persisted snapshot once the session has wound down.
func printSessionSummary(out io.Writer, st *runtimeStack) {
	snap, err := st.store.Load(st.sessionID)
	if err != nil {
		return
	}
	fmt.Fprintf(out, "session %s %s: %d completed, %d awaiting review, %d still queued\n",
		snap.ID, snap.Status,
		len(snap.Queue.Completed), len(snap.Queue.HumanReview), len(snap.Queue.Queued))
}
