package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/issue"
	"github.com/autobuildhq/autobuild/internal/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session status",
	Long: `Status reads persisted session snapshots without starting anything.
With no argument it lists every session under the data directory; with a
session ID it prints the full snapshot, including per-worker state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := session.NewStore(cfg.Paths.ResolveDataDir(workDir))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return printSessionDetail(out, store, args[0])
	}
	return printSessionList(out, store)
}

func printSessionList(out io.Writer, store *session.Store) error {
	infos, err := store.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}

	fmt.Fprintf(out, "%-28s %-8s %6s %6s %6s %6s  %s\n",
		"SESSION", "STATUS", "QUEUED", "ACTIVE", "DONE", "REVIEW", "LOCK")
	for _, info := range infos {
		lock := "-"
		if info.Locked {
			lock = fmt.Sprintf("pid %d", info.LockPID)
		}
		fmt.Fprintf(out, "%-28s %-8s %6d %6d %6d %6d  %s\n",
			info.ID, info.Status, info.Queued, info.Claimed, info.Completed, info.Review, lock)
	}
	return nil
}

func printSessionDetail(out io.Writer, store *session.Store, sessionID string) error {
	snap, err := store.Load(sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	fmt.Fprintf(out, "Session:   %s\n", snap.ID)
	status := snap.Status
	if lock, locked := session.IsLocked(store.Dir(sessionID)); locked {
		status = fmt.Sprintf("%s (locked by pid %d)", status, lock.PID)
	}
	fmt.Fprintf(out, "Status:    %s\n", status)
	if !snap.StartedAt.IsZero() {
		fmt.Fprintf(out, "Started:   %s\n", snap.StartedAt.Format(time.RFC822))
	}
	if !snap.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "Updated:   %s\n", snap.UpdatedAt.Format(time.RFC822))
	}
	fmt.Fprintf(out, "Issues:    %d queued, %d active, %d completed, %d awaiting review\n",
		len(snap.Queue.Queued), len(snap.Queue.Claimed),
		len(snap.Queue.Completed), len(snap.Queue.HumanReview))
	fmt.Fprintf(out, "Settings:  autoCommit=%t review=%t retries=%d threshold=%s concurrency=%d\n",
		snap.Settings.AutoCommit, snap.Settings.RequireHumanReview, snap.Settings.MaxRetries,
		issue.Priority(snap.Settings.PriorityThreshold), snap.Settings.MaxConcurrentIssues)

	if len(snap.Workers) > 0 {
		fmt.Fprintln(out, "Workers:")
		for _, w := range snap.Workers {
			line := fmt.Sprintf("  slot %d: %s", w.Slot, w.Phase)
			if w.IssueID != "" {
				line += fmt.Sprintf(" %s", w.IssueID)
				if w.RetryCount > 0 {
					line += fmt.Sprintf(" (retry %d)", w.RetryCount)
				}
			}
			fmt.Fprintln(out, line)
		}
	}
	for _, id := range snap.Queue.HumanReview {
		fmt.Fprintf(out, "Review:    %s needs a human decision\n", id)
	}
	return nil
}
