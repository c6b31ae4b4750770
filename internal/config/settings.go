package config

import "fmt"

// Settings is the runtime-adjustable slice of the configuration. The
// orchestrator holds a live copy in session state and may update it
// between issues without restarting; SessionConfig and VerificationConfig
// only seed the initial values.
type Settings struct {
	// AutoCommit commits changes automatically after verification and review pass
	AutoCommit bool `json:"auto_commit"`
	// RunLint enables the lint verification gate
	RunLint bool `json:"run_lint"`
	// RunTests enables the test verification gate
	RunTests bool `json:"run_tests"`
	// RunBuild enables the build verification gate
	RunBuild bool `json:"run_build"`
	// MaxRetries is the number of fix cycles after a failed verification
	MaxRetries int `json:"max_retries"`
	// PriorityThreshold is the least-urgent priority workers will claim (0-4)
	PriorityThreshold int `json:"priority_threshold"`
	// RequireHumanReview parks passing issues for approval before commit
	RequireHumanReview bool `json:"require_human_review"`
	// MaxConcurrentIssues is the number of parallel worker slots
	MaxConcurrentIssues int `json:"max_concurrent_issues"`
	// IgnoreUnrelatedFailures passes gates whose failures touch no modified file
	IgnoreUnrelatedFailures bool `json:"ignore_unrelated_failures"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		AutoCommit:              true,
		RunLint:                 true,
		RunTests:                true,
		RunBuild:                true,
		MaxRetries:              1,
		PriorityThreshold:       4,
		RequireHumanReview:      true,
		MaxConcurrentIssues:     3,
		IgnoreUnrelatedFailures: true,
	}
}

// Settings derives the initial runtime settings from the loaded configuration.
func (c *Config) Settings() Settings {
	return Settings{
		AutoCommit:              c.Session.AutoCommit,
		RunLint:                 c.Verification.RunLint,
		RunTests:                c.Verification.RunTests,
		RunBuild:                c.Verification.RunBuild,
		MaxRetries:              c.Session.MaxRetries,
		PriorityThreshold:       c.Session.PriorityThreshold,
		RequireHumanReview:      c.Session.RequireHumanReview,
		MaxConcurrentIssues:     c.Session.MaxConcurrentIssues,
		IgnoreUnrelatedFailures: c.Session.IgnoreUnrelatedFailures,
	}
}

// Validate checks runtime settings and returns all validation errors found.
// Used both at load time and when settings change mid-session.
func (s Settings) Validate() []ValidationError {
	var errors []ValidationError

	if s.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.max_retries",
			Value:   s.MaxRetries,
			Message: "must be non-negative (0 disables fix cycles)",
		})
	}
	const maxRetriesLimit = 10
	if s.MaxRetries > maxRetriesLimit {
		errors = append(errors, ValidationError{
			Field:   "session.max_retries",
			Value:   s.MaxRetries,
			Message: fmt.Sprintf("exceeds maximum of %d", maxRetriesLimit),
		})
	}

	if s.PriorityThreshold < 0 || s.PriorityThreshold > 4 {
		errors = append(errors, ValidationError{
			Field:   "session.priority_threshold",
			Value:   s.PriorityThreshold,
			Message: "must be between 0 (critical only) and 4 (all issues)",
		})
	}

	const minConcurrent = 1
	const maxConcurrent = 20
	if s.MaxConcurrentIssues < minConcurrent {
		errors = append(errors, ValidationError{
			Field:   "session.max_concurrent_issues",
			Value:   s.MaxConcurrentIssues,
			Message: fmt.Sprintf("must be at least %d", minConcurrent),
		})
	}
	if s.MaxConcurrentIssues > maxConcurrent {
		errors = append(errors, ValidationError{
			Field:   "session.max_concurrent_issues",
			Value:   s.MaxConcurrentIssues,
			Message: fmt.Sprintf("exceeds maximum of %d", maxConcurrent),
		})
	}

	return errors
}
