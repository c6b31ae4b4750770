package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "session.max_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate Session config (shared with runtime settings validation)
	errors = append(errors, c.Settings().Validate()...)

	// Validate Verification config
	errors = append(errors, c.validateVerification()...)

	// Validate Coordinator config
	errors = append(errors, c.validateCoordinator()...)

	// Validate Agent config
	errors = append(errors, c.validateAgent()...)

	// Validate Watch config
	errors = append(errors, c.validateWatch()...)

	// Validate Logging config
	errors = append(errors, c.validateLogging()...)

	// Validate Paths config
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validateVerification validates the VerificationConfig
func (c *Config) validateVerification() []ValidationError {
	var errors []ValidationError

	// Each enabled gate needs a command to run
	if c.Verification.RunLint && strings.TrimSpace(c.Verification.LintCommand) == "" {
		errors = append(errors, ValidationError{
			Field:   "verification.lint_command",
			Value:   c.Verification.LintCommand,
			Message: "cannot be empty when run_lint is enabled",
		})
	}
	if c.Verification.RunTests && strings.TrimSpace(c.Verification.TestCommand) == "" {
		errors = append(errors, ValidationError{
			Field:   "verification.test_command",
			Value:   c.Verification.TestCommand,
			Message: "cannot be empty when run_tests is enabled",
		})
	}
	if c.Verification.RunBuild && strings.TrimSpace(c.Verification.BuildCommand) == "" {
		errors = append(errors, ValidationError{
			Field:   "verification.build_command",
			Value:   c.Verification.BuildCommand,
			Message: "cannot be empty when run_build is enabled",
		})
	}

	// Timeout validation (0 means disabled, which is valid; negative is invalid)
	if c.Verification.TimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "verification.timeout_seconds",
			Value:   c.Verification.TimeoutSeconds,
			Message: "must be non-negative (0 disables timeout)",
		})
	}

	// Reasonable upper bound so a typo cannot stall a worker for days
	const maxTimeoutSeconds = 7200 // 2 hours
	if c.Verification.TimeoutSeconds > maxTimeoutSeconds {
		errors = append(errors, ValidationError{
			Field:   "verification.timeout_seconds",
			Value:   c.Verification.TimeoutSeconds,
			Message: fmt.Sprintf("exceeds maximum of %d seconds", maxTimeoutSeconds),
		})
	}

	return errors
}

// validateCoordinator validates the CoordinatorConfig
func (c *Config) validateCoordinator() []ValidationError {
	var errors []ValidationError

	if c.Coordinator.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "coordinator.host",
			Value:   c.Coordinator.Host,
			Message: "cannot be empty",
		})
	}

	// Port 0 asks the OS for an ephemeral port, which is valid
	if c.Coordinator.Port < 0 || c.Coordinator.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "coordinator.port",
			Value:   c.Coordinator.Port,
			Message: "must be between 0 and 65535 (0 picks an ephemeral port)",
		})
	}

	if c.Coordinator.LeaseTTLMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "coordinator.lease_ttl_minutes",
			Value:   c.Coordinator.LeaseTTLMinutes,
			Message: "must be positive",
		})
	}

	if c.Coordinator.RenewIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "coordinator.renew_interval_seconds",
			Value:   c.Coordinator.RenewIntervalSeconds,
			Message: "must be positive",
		})
	}

	// Renewal must land well before the lease expires or locks will be
	// reclaimed mid-work
	if c.Coordinator.LeaseTTLMinutes > 0 && c.Coordinator.RenewIntervalSeconds > 0 {
		ttlSeconds := c.Coordinator.LeaseTTLMinutes * 60
		if c.Coordinator.RenewIntervalSeconds >= ttlSeconds {
			errors = append(errors, ValidationError{
				Field:   "coordinator.renew_interval_seconds",
				Value:   c.Coordinator.RenewIntervalSeconds,
				Message: fmt.Sprintf("must be less than the lease TTL (%d seconds)", ttlSeconds),
			})
		}
	}

	return errors
}

// validateAgent validates the AgentConfig
func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "cannot be empty",
		})
	}

	if c.Agent.TimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.timeout_minutes",
			Value:   c.Agent.TimeoutMinutes,
			Message: "must be non-negative (0 disables timeout)",
		})
	}

	return errors
}

// validateWatch validates the WatchConfig
func (c *Config) validateWatch() []ValidationError {
	var errors []ValidationError

	if c.Watch.DebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "watch.debounce_ms",
			Value:   c.Watch.DebounceMs,
			Message: "must be non-negative",
		})
	}

	const maxDebounceMs = 5000
	if c.Watch.DebounceMs > maxDebounceMs {
		errors = append(errors, ValidationError{
			Field:   "watch.debounce_ms",
			Value:   c.Watch.DebounceMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxDebounceMs),
		})
	}

	for i, dir := range c.Watch.Ignore {
		if strings.TrimSpace(dir) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("watch.ignore[%d]", i),
				Value:   dir,
				Message: "directory name cannot be empty",
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	// DataDir validation - if set, check for invalid characters
	if c.Paths.DataDir != "" {
		path := c.Paths.DataDir

		// Check for null bytes which are invalid in paths
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "paths.data_dir",
				Value:   path,
				Message: "path contains invalid null character",
			})
		}

		// Reasonable path length limit (most filesystems have limits around 4096)
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "paths.data_dir",
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}
