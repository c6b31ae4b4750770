package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/issue"
	"github.com/autobuildhq/autobuild/internal/queue"
	"github.com/spf13/cobra"
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List the backlog in claim order",
	Long: `Issues reads the backlog file and prints every issue with the order
a fresh session would claim it in. Issues a session would skip are
listed with the reason: wrong status, a priority the threshold filters
out, or an unresolved blocking dependency.`,
	RunE: runIssues,
}

func init() {
	rootCmd.AddCommand(issuesCmd)
}

func runIssues(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	backlogPath := cfg.Tracker.ResolveBacklogFile(workDir)
	backlog, err := issue.LoadBacklog(backlogPath)
	if err != nil {
		return fmt.Errorf("load backlog %s: %w", backlogPath, err)
	}

	out := cmd.OutOrStdout()
	if len(backlog) == 0 {
		fmt.Fprintf(out, "backlog %s is empty\n", backlogPath)
		return nil
	}

	threshold := issue.Priority(cfg.Session.PriorityThreshold)
	printBacklog(out, backlog, threshold)
	return nil
}

// printBacklog renders the claim order a fresh session would follow.
// Eligibility comes from a throwaway queue seeded with the backlog, so
// the annotations match what the session would actually do.
func printBacklog(out io.Writer, backlog []*issue.Issue, threshold issue.Priority) {
	m := queue.NewManager(threshold)
	m.Add(backlog...)
	eligible := m.Eligible()

	rank := make(map[string]int, len(eligible))
	for i, is := range eligible {
		rank[is.ID] = i + 1
	}
	closed := make(map[string]bool, len(backlog))
	for _, is := range backlog {
		if is.Status == issue.StatusClosed {
			closed[is.ID] = true
		}
	}

	sorted := make([]*issue.Issue, len(backlog))
	copy(sorted, backlog)
	sort.Slice(sorted, func(i, j int) bool {
		ri, iOK := rank[sorted[i].ID]
		rj, jOK := rank[sorted[j].ID]
		if iOK != jOK {
			return iOK
		}
		if iOK {
			return ri < rj
		}
		return sorted[i].ID < sorted[j].ID
	})

	fmt.Fprintf(out, "%-6s %-12s %-9s %-6s %-40s %s\n",
		"ORDER", "ISSUE", "PRIORITY", "PHASE", "TITLE", "NOTE")
	for _, is := range sorted {
		order := "-"
		if r, ok := rank[is.ID]; ok {
			order = fmt.Sprintf("%d", r)
		}
		phase := "-"
		if is.HasPhase() {
			phase = fmt.Sprintf("%d", is.Phase)
		}
		title := is.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		fmt.Fprintf(out, "%-6s %-12s %-9s %-6s %-40s %s\n",
			order, is.ID, is.Priority, phase, title, skipReason(is, threshold, closed))
	}
}

// skipReason explains why an issue is not in the claim order. Empty for
// eligible issues.
func skipReason(is *issue.Issue, threshold issue.Priority, closed map[string]bool) string {
	if is.Status != issue.StatusOpen {
		return fmt.Sprintf("status %s", is.Status)
	}
	if is.Priority > threshold {
		return fmt.Sprintf("filtered by threshold %s", threshold)
	}
	var blocked []string
	for _, target := range is.BlocksDeps() {
		if !closed[target] {
			blocked = append(blocked, target)
		}
	}
	if len(blocked) > 0 {
		return "blocked by " + strings.Join(blocked, ", ")
	}
	return ""
}
