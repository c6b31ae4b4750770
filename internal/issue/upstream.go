package issue

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strings"

	"github.com/autobuildhq/autobuild/internal/logging"
)

// Provider identifies the upstream tracking service behind an issue URL.
type Provider string

const (
	ProviderGitHub  Provider = "github"
	ProviderLinear  Provider = "linear"
	ProviderNotion  Provider = "notion"
	ProviderUnknown Provider = "unknown"
)

// Upstream URL parsing regexes.
var (
	githubIssueRe = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/issues/(\d+)$`)
	linearIssueRe = regexp.MustCompile(`linear\.app/[^/]+/issue/([A-Z]+-\d+)`)
)

// Syncer mirrors terminal issue status to the upstream tracker referenced
// by an issue's URL. Sync failures are logged and swallowed: an unreachable
// upstream must never fail local completion.
type Syncer struct {
	logger *logging.Logger
}

// NewSyncer creates a Syncer. A nil logger is replaced with a no-op logger.
func NewSyncer(logger *logging.Logger) *Syncer {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Syncer{logger: logger}
}

// CloseUpstream closes the upstream issue behind issueURL. A blank URL or
// an unrecognized provider is a no-op.
func (s *Syncer) CloseUpstream(ctx context.Context, issueURL string) error {
	if issueURL == "" {
		return nil
	}

	provider, err := DetectProvider(issueURL)
	if err != nil {
		s.logger.Warn("could not detect upstream provider", "url", issueURL, "error", err)
		return nil
	}

	switch provider {
	case ProviderGitHub:
		return s.closeGitHub(ctx, issueURL)
	case ProviderLinear:
		return s.closeLinear(ctx, issueURL)
	case ProviderNotion:
		return s.closeNotion(ctx, issueURL)
	default:
		s.logger.Debug("unsupported upstream provider", "url", issueURL, "provider", provider)
		return nil
	}
}

// DetectProvider reports which upstream service an issue URL belongs to.
func DetectProvider(issueURL string) (Provider, error) {
	parsed, err := url.Parse(issueURL)
	if err != nil {
		return ProviderUnknown, fmt.Errorf("invalid URL: %w", err)
	}

	host := strings.ToLower(parsed.Host)

	switch {
	case strings.Contains(host, "github.com"):
		return ProviderGitHub, nil
	case strings.Contains(host, "linear.app"):
		return ProviderLinear, nil
	case strings.Contains(host, "notion.so") || strings.Contains(host, "notion.site"):
		return ProviderNotion, nil
	default:
		return ProviderUnknown, nil
	}
}

// closeGitHub closes a GitHub issue with the gh CLI.
// URL format: https://github.com/owner/repo/issues/123
func (s *Syncer) closeGitHub(ctx context.Context, issueURL string) error {
	matches := githubIssueRe.FindStringSubmatch(issueURL)
	if len(matches) != 4 {
		return fmt.Errorf("invalid GitHub issue URL: %s", issueURL)
	}

	owner, repo, number := matches[1], matches[2], matches[3]
	repoPath := fmt.Sprintf("%s/%s", owner, repo)

	s.logger.Info("closing upstream GitHub issue", "repo", repoPath, "issue", number)

	cmd := exec.CommandContext(ctx, "gh", "issue", "close", number, "--repo", repoPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("close GitHub issue #%s: %w\noutput: %s", number, err, string(output))
	}

	s.logger.Info("closed upstream GitHub issue", "repo", repoPath, "issue", number)
	return nil
}

// closeLinear closes a Linear issue with the linear CLI when installed.
// URL format: https://linear.app/team/issue/TEAM-123/title
func (s *Syncer) closeLinear(ctx context.Context, issueURL string) error {
	matches := linearIssueRe.FindStringSubmatch(issueURL)
	if len(matches) != 2 {
		return fmt.Errorf("invalid Linear issue URL: %s", issueURL)
	}

	issueID := matches[1]
	s.logger.Info("closing upstream Linear issue", "issue", issueID)

	cmd := exec.CommandContext(ctx, "linear", "issue", "close", issueID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// The linear CLI may not be installed. Log and move on.
		s.logger.Warn("could not close Linear issue",
			"issue", issueID, "error", err, "output", string(output))
		return nil
	}

	s.logger.Info("closed upstream Linear issue", "issue", issueID)
	return nil
}

// closeNotion would mark a Notion page as complete. Notion has no CLI, so
// the URL is recognized but sync is a no-op until an API client is wired.
func (s *Syncer) closeNotion(ctx context.Context, issueURL string) error {
	s.logger.Debug("Notion upstream sync not implemented", "url", issueURL)
	return nil
}
