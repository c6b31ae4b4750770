package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete AutoBuild configuration
type Config struct {
	Session      SessionConfig      `mapstructure:"session"`
	Verification VerificationConfig `mapstructure:"verification"`
	Coordinator  CoordinatorConfig  `mapstructure:"coordinator"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	Watch        WatchConfig        `mapstructure:"watch"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Paths        PathsConfig        `mapstructure:"paths"`
}

// SessionConfig controls the issue-processing pipeline behavior
type SessionConfig struct {
	// AutoCommit commits changes automatically after verification and review pass.
	// When false, the pipeline stops at the commit boundary and leaves changes
	// uncommitted in the working tree (default: true)
	AutoCommit bool `mapstructure:"auto_commit"`
	// MaxRetries is the number of fix cycles a worker runs after a failed
	// verification before routing the issue to human review (default: 1)
	MaxRetries int `mapstructure:"max_retries"`
	// PriorityThreshold is the least-urgent priority workers will claim.
	// Priorities run 0 (critical) through 4 (trivial); an issue is eligible
	// only when its priority is <= this value (default: 4, all issues)
	PriorityThreshold int `mapstructure:"priority_threshold"`
	// RequireHumanReview parks passing issues for approval before commit (default: true)
	RequireHumanReview bool `mapstructure:"require_human_review"`
	// MaxConcurrentIssues is the number of worker slots processing issues in
	// parallel (default: 3)
	MaxConcurrentIssues int `mapstructure:"max_concurrent_issues"`
	// IgnoreUnrelatedFailures treats verification failures as passing when the
	// failure output does not reference any file the worker modified (default: true)
	IgnoreUnrelatedFailures bool `mapstructure:"ignore_unrelated_failures"`
}

// VerificationConfig controls the lint, test, and build gates
type VerificationConfig struct {
	// RunLint enables the lint gate (default: true)
	RunLint bool `mapstructure:"run_lint"`
	// RunTests enables the test gate (default: true)
	RunTests bool `mapstructure:"run_tests"`
	// RunBuild enables the build gate (default: true)
	RunBuild bool `mapstructure:"run_build"`
	// LintCommand is the shell command for the lint gate (default: "make lint")
	LintCommand string `mapstructure:"lint_command"`
	// TestCommand is the shell command for the test gate (default: "make test")
	TestCommand string `mapstructure:"test_command"`
	// BuildCommand is the shell command for the build gate (default: "make build")
	BuildCommand string `mapstructure:"build_command"`
	// TimeoutSeconds is the per-gate timeout in seconds, 0 = no timeout (default: 600)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// CoordinatorConfig controls the file-lock coordination service
type CoordinatorConfig struct {
	// Host is the interface the coordinator listens on (default: "127.0.0.1")
	Host string `mapstructure:"host"`
	// Port is the coordinator's TCP port. 0 picks an ephemeral port (default: 7420)
	Port int `mapstructure:"port"`
	// LeaseTTLMinutes is how long granted locks live without renewal before
	// the coordinator reclaims them (default: 10)
	LeaseTTLMinutes int `mapstructure:"lease_ttl_minutes"`
	// RenewIntervalSeconds is how often workers renew held leases (default: 60)
	RenewIntervalSeconds int `mapstructure:"renew_interval_seconds"`
}

// AgentConfig controls how coding agent processes are launched
type AgentConfig struct {
	// Command is the agent executable (default: "claude")
	Command string `mapstructure:"command"`
	// Args are extra arguments passed before the prompt
	Args []string `mapstructure:"args"`
	// TimeoutMinutes is the maximum agent runtime per issue, 0 = no timeout (default: 30)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
}

// TrackerConfig controls where issues are loaded from
type TrackerConfig struct {
	// BacklogFile is the YAML file holding the issue backlog, resolved
	// relative to the working directory when not absolute
	// (default: ".autobuild/backlog.yaml")
	BacklogFile string `mapstructure:"backlog_file"`
}

// WatchConfig controls filesystem watching for modified-file attribution
type WatchConfig struct {
	// Enabled turns the watcher on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// DebounceMs coalesces bursts of change events within this window (default: 50)
	DebounceMs int `mapstructure:"debounce_ms"`
	// Ignore lists directory names the watcher skips
	// (default: [".git", "node_modules", ".autobuild"])
	Ignore []string `mapstructure:"ignore"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where AutoBuild stores session data
type PathsConfig struct {
	// DataDir is the directory for session state, logs, and progress files.
	// If empty, defaults to ".autobuild" relative to the working directory.
	// Can be an absolute path. Supports ~ for home directory expansion.
	DataDir string `mapstructure:"data_dir"`
}

// ResolveDataDir returns the resolved data directory path.
// If DataDir is empty, it returns the default path relative to baseDir.
// If DataDir starts with ~, it expands to the user's home directory.
// If DataDir is a relative path, it's resolved relative to baseDir.
func (p *PathsConfig) ResolveDataDir(baseDir string) string {
	if p.DataDir == "" {
		return filepath.Join(baseDir, ".autobuild")
	}

	path := p.DataDir

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	// If relative path, resolve relative to baseDir
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// ResolveBacklogFile returns the backlog file path resolved against baseDir
// when it is not absolute.
func (t *TrackerConfig) ResolveBacklogFile(baseDir string) string {
	if t.BacklogFile == "" {
		return filepath.Join(baseDir, ".autobuild", "backlog.yaml")
	}
	if filepath.IsAbs(t.BacklogFile) {
		return t.BacklogFile
	}
	return filepath.Join(baseDir, t.BacklogFile)
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			AutoCommit:              true,
			MaxRetries:              1,
			PriorityThreshold:       4, // All priorities eligible
			RequireHumanReview:      true,
			MaxConcurrentIssues:     3,
			IgnoreUnrelatedFailures: true,
		},
		Verification: VerificationConfig{
			RunLint:        true,
			RunTests:       true,
			RunBuild:       true,
			LintCommand:    "make lint",
			TestCommand:    "make test",
			BuildCommand:   "make build",
			TimeoutSeconds: 600, // 10 minutes per gate
		},
		Coordinator: CoordinatorConfig{
			Host:                 "127.0.0.1",
			Port:                 7420,
			LeaseTTLMinutes:      10,
			RenewIntervalSeconds: 60,
		},
		Agent: AgentConfig{
			Command:        "claude",
			Args:           []string{},
			TimeoutMinutes: 30,
		},
		Tracker: TrackerConfig{
			BacklogFile: ".autobuild/backlog.yaml",
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMs: 50,
			Ignore:     []string{".git", "node_modules", ".autobuild"},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			DataDir: "", // Empty means use default: .autobuild
		},
	}
}

// Timeout returns the per-gate timeout as a time.Duration (0 means disabled)
func (c *VerificationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LeaseTTL returns the lock lease lifetime as a time.Duration
func (c *CoordinatorConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMinutes) * time.Minute
}

// RenewInterval returns the lease renewal interval as a time.Duration
func (c *CoordinatorConfig) RenewInterval() time.Duration {
	return time.Duration(c.RenewIntervalSeconds) * time.Second
}

// Addr returns the coordinator's listen address in host:port form
func (c *CoordinatorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the agent runtime limit as a time.Duration (0 means disabled)
func (c *AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Debounce returns the watch debounce window as a time.Duration
func (c *WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Session defaults
	viper.SetDefault("session.auto_commit", defaults.Session.AutoCommit)
	viper.SetDefault("session.max_retries", defaults.Session.MaxRetries)
	viper.SetDefault("session.priority_threshold", defaults.Session.PriorityThreshold)
	viper.SetDefault("session.require_human_review", defaults.Session.RequireHumanReview)
	viper.SetDefault("session.max_concurrent_issues", defaults.Session.MaxConcurrentIssues)
	viper.SetDefault("session.ignore_unrelated_failures", defaults.Session.IgnoreUnrelatedFailures)

	// Verification defaults
	viper.SetDefault("verification.run_lint", defaults.Verification.RunLint)
	viper.SetDefault("verification.run_tests", defaults.Verification.RunTests)
	viper.SetDefault("verification.run_build", defaults.Verification.RunBuild)
	viper.SetDefault("verification.lint_command", defaults.Verification.LintCommand)
	viper.SetDefault("verification.test_command", defaults.Verification.TestCommand)
	viper.SetDefault("verification.build_command", defaults.Verification.BuildCommand)
	viper.SetDefault("verification.timeout_seconds", defaults.Verification.TimeoutSeconds)

	// Coordinator defaults
	viper.SetDefault("coordinator.host", defaults.Coordinator.Host)
	viper.SetDefault("coordinator.port", defaults.Coordinator.Port)
	viper.SetDefault("coordinator.lease_ttl_minutes", defaults.Coordinator.LeaseTTLMinutes)
	viper.SetDefault("coordinator.renew_interval_seconds", defaults.Coordinator.RenewIntervalSeconds)

	// Agent defaults
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.args", defaults.Agent.Args)
	viper.SetDefault("agent.timeout_minutes", defaults.Agent.TimeoutMinutes)

	// Tracker defaults
	viper.SetDefault("tracker.backlog_file", defaults.Tracker.BacklogFile)

	// Watch defaults
	viper.SetDefault("watch.enabled", defaults.Watch.Enabled)
	viper.SetDefault("watch.debounce_ms", defaults.Watch.DebounceMs)
	viper.SetDefault("watch.ignore", defaults.Watch.Ignore)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "autobuild")
	}
	// Fall back to ~/.config/autobuild
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autobuild"
	}
	return filepath.Join(home, ".config", "autobuild")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
