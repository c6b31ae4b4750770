package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/issue"
	"github.com/autobuildhq/autobuild/internal/logging"
	"github.com/autobuildhq/autobuild/internal/verify"
)

// Committer records finished work in version control.
type Committer interface {
	// Commit stages the files attributed to the issue and commits them.
	// A tree with nothing to commit is not an error.
	Commit(ctx context.Context, is *issue.Issue, summary string, files []string) error
}

// GitCommitter commits through the git CLI in a fixed working tree.
//
// Only the files attributed to the calling worker are staged, so parallel
// workers sharing one tree do not sweep each other's in-progress edits
// into the commit. With no attributed files the whole tree is staged,
// the fallback for agents that report nothing.
type GitCommitter struct {
	runner verify.CommandRunner
	logger *logging.Logger
}

// GitOption configures a GitCommitter.
type GitOption func(*GitCommitter)

// WithGitRunner replaces the command runner. Tests script git through it.
func WithGitRunner(runner verify.CommandRunner) GitOption {
	return func(g *GitCommitter) {
		if runner != nil {
			g.runner = runner
		}
	}
}

// WithGitLogger attaches a logger.
func WithGitLogger(logger *logging.Logger) GitOption {
	return func(g *GitCommitter) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGitCommitter creates a committer operating in workDir.
func NewGitCommitter(workDir string, opts ...GitOption) *GitCommitter {
	g := &GitCommitter{
		runner: &verify.ExecCommandRunner{Dir: workDir, Timeout: 2 * time.Minute},
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Commit implements Committer. The message leads with the issue ID so the
// history reads as a work log; the agent's summary rides in the body.
func (g *GitCommitter) Commit(ctx context.Context, is *issue.Issue, summary string, files []string) error {
	status, err := g.runner.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return g.wrap("git status", status, err)
	}
	if strings.TrimSpace(status) == "" {
		g.logger.Info("working tree clean, nothing to commit", "issue", is.ID)
		return nil
	}

	if len(files) == 0 {
		if out, err := g.runner.Run(ctx, "git", "add", "-A"); err != nil {
			return g.wrap("git add", out, err)
		}
	} else {
		for _, f := range files {
			// Per-path add so one unstageable path (an agent typo, a
			// path outside the tree) does not sink the whole commit.
			if out, err := g.runner.Run(ctx, "git", "add", "-A", "--", f); err != nil {
				g.logger.Warn("skipping unstageable path",
					"issue", is.ID, "path", f, "detail", strings.TrimSpace(out))
			}
		}
	}

	// The staged set can come up empty when the tree's dirt belongs to
	// other workers.
	if _, err := g.runner.Run(ctx, "git", "diff", "--cached", "--quiet"); err == nil {
		g.logger.Info("no staged changes for issue", "issue", is.ID)
		return nil
	}

	commitArgs := []string{"commit", "-m", fmt.Sprintf("%s: %s", is.ID, is.Title)}
	if summary != "" && summary != is.Title {
		commitArgs = append(commitArgs, "-m", summary)
	}
	if out, err := g.runner.Run(ctx, "git", commitArgs...); err != nil {
		return g.wrap("git commit", out, err)
	}
	g.logger.Info("changes committed", "issue", is.ID, "staged", len(files))
	return nil
}

func (g *GitCommitter) wrap(op, output string, err error) error {
	output = strings.TrimSpace(output)
	if output != "" {
		return errors.Wrapf(err, "%s: %s", op, output)
	}
	return errors.Wrap(err, op)
}
