package cmd

import (
	"fmt"
	"os"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/session"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a stopped session",
	Long: `Resume restores a session from its persisted snapshot. Issues that
were in flight when the session stopped return to the queue, completed
and parked issues keep their partition, and the backlog is re-read so
issues added since the stop are picked up too.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	// Look the snapshot up before taking the session lock so a typo'd ID
	// does not leave an empty session directory behind.
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	probe, err := session.NewStore(cfg.Paths.ResolveDataDir(workDir))
	if err != nil {
		return err
	}
	if !probe.Exists(sessionID) {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	st, err := buildStack(sessionID)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.store.Load(sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	// Restore re-reads the backlog and requeues whatever was claimed when
	// the session stopped. It must run before the session loop starts.
	if err := st.orch.Restore(cmd.Context(), snap); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s restored: %d completed, %d awaiting review, %d requeued from flight\n",
		sessionID, len(snap.Queue.Completed), len(snap.Queue.HumanReview), len(snap.InFlight()))
	fmt.Fprintf(out, "lock service on %s, press Ctrl-C to stop\n", st.cfg.Coordinator.Addr())

	return superviseSession(cmd, st)
}
