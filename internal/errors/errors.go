// Package errors provides centralized error definitions and error handling utilities
// for the AutoBuild codebase. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - AgentError: transient faults from the coding-agent capability
//   - VerificationError: lint/test/build gate failures
//   - CoordinatorError: lock service unreachable or broken
//   - TrackerError: issue tracker read/update failures
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewAgentError("agent exited non-zero", cause)
//
//	// Semantic error
//	err := errors.NewNotFoundError("session", "abc123")
//
//	// With context wrapping
//	err := errors.NewVerificationError("gate failed", cause).WithGate("tests")
//
// Checking errors:
//
//	// Check for specific sentinel errors
//	if errors.Is(err, errors.ErrSessionNotFound) { ... }
//
//	// Check for error types
//	var coordErr *errors.CoordinatorError
//	if errors.As(err, &coordErr) { ... }
//
//	// Use classification helpers
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to operators (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionLocked indicates that a session is locked by another process.
	ErrSessionLocked = New("session is locked")
	// ErrSessionCorrupted indicates that session data is corrupted.
	ErrSessionCorrupted = New("session data corrupted")
	// ErrSessionNotRunning indicates an operation that requires a running session.
	ErrSessionNotRunning = New("session is not running")
	// ErrSessionNotPaused indicates a resume of a session that is not paused.
	ErrSessionNotPaused = New("session is not paused")
	// ErrSessionAlreadyRunning indicates that a session is already running.
	ErrSessionAlreadyRunning = New("session already running")
)

// Agent-related sentinel errors
var (
	// ErrAgentStartFailed indicates that the agent process failed to start.
	ErrAgentStartFailed = New("agent failed to start")
	// ErrAgentExited indicates that the agent process exited with an error.
	ErrAgentExited = New("agent exited with error")
	// ErrAgentCanceled indicates that an agent invocation was canceled.
	ErrAgentCanceled = New("agent invocation canceled")
)

// Coordinator-related sentinel errors
var (
	// ErrCoordinatorUnavailable indicates that the lock service cannot be reached.
	ErrCoordinatorUnavailable = New("coordinator unavailable")
	// ErrCoordinatorProtocol indicates a malformed coordinator response.
	ErrCoordinatorProtocol = New("coordinator protocol error")
)

// Tracker-related sentinel errors
var (
	// ErrTrackerConflict indicates that an issue was modified externally.
	ErrTrackerConflict = New("tracker update conflict")
	// ErrTrackerUnavailable indicates that the issue tracker cannot be reached.
	ErrTrackerUnavailable = New("tracker unavailable")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// AutoBuildError is the base interface for all AutoBuild errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type AutoBuildError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to operators.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show operators.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// AgentError represents a fault reported by the coding-agent capability.
// Agent faults are transient by default: the worker's fixing loop may
// recover them within the retry budget.
//
// Example:
//
//	err := errors.NewAgentError("agent exited non-zero", errors.ErrAgentExited)
//	err = err.WithWorkerID(2).WithIssueID("AB-17")
type AgentError struct {
	baseError
	WorkerID int
	IssueID  string
	Stage    string
}

// NewAgentError creates a new AgentError.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		WorkerID: -1, // -1 indicates not set
	}
}

// WithWorkerID adds a worker slot to the error context.
func (e *AgentError) WithWorkerID(id int) *AgentError {
	e.WorkerID = id
	return e
}

// WithIssueID adds an issue ID to the error context.
func (e *AgentError) WithIssueID(id string) *AgentError {
	e.IssueID = id
	return e
}

// WithStage adds the agent stage (initial, fix) to the error context.
func (e *AgentError) WithStage(stage string) *AgentError {
	e.Stage = stage
	return e
}

// WithSeverity sets the error severity.
func (e *AgentError) WithSeverity(s Severity) *AgentError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *AgentError) WithRetryable(r bool) *AgentError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.WorkerID >= 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.WorkerID))
	}
	if e.IssueID != "" {
		parts = append(parts, fmt.Sprintf("issue=%s", e.IssueID))
	}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}

	prefix := "agent error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("agent error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// VerificationError represents a failing lint/test/build gate.
// Routing is retry-policy driven: retryable until the worker's retry
// budget is exhausted, at which point the issue goes to human review.
//
// Example:
//
//	err := errors.NewVerificationError("gate failed", cause).
//		WithGate("tests").WithIssueID("AB-17")
type VerificationError struct {
	baseError
	IssueID string
	Gate    string
	Output  string // Captured gate command output
}

// NewVerificationError creates a new VerificationError.
func NewVerificationError(message string, cause error) *VerificationError {
	return &VerificationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithIssueID adds an issue ID to the error context.
func (e *VerificationError) WithIssueID(id string) *VerificationError {
	e.IssueID = id
	return e
}

// WithGate adds the failing gate name (lint, tests, build) to the error context.
func (e *VerificationError) WithGate(gate string) *VerificationError {
	e.Gate = gate
	return e
}

// WithOutput adds captured gate output to the error context.
func (e *VerificationError) WithOutput(output string) *VerificationError {
	e.Output = output
	return e
}

// WithSeverity sets the error severity.
func (e *VerificationError) WithSeverity(s Severity) *VerificationError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *VerificationError) WithRetryable(r bool) *VerificationError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *VerificationError) Error() string {
	var parts []string
	if e.IssueID != "" {
		parts = append(parts, fmt.Sprintf("issue=%s", e.IssueID))
	}
	if e.Gate != "" {
		parts = append(parts, fmt.Sprintf("gate=%s", e.Gate))
	}

	prefix := "verification error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("verification error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Output != "" {
		msg = fmt.Sprintf("%s\ngate output: %s", msg, e.Output)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *VerificationError) Is(target error) bool {
	if _, ok := target.(*VerificationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CoordinatorError represents a lock service infrastructure fault.
// These are never retryable at the worker level: the orchestrator
// escalates the session to error status and drains active workers.
//
// Example:
//
//	err := errors.NewCoordinatorError("acquire request failed", cause).
//		WithEndpoint("127.0.0.1:7440").WithOp("acquire")
type CoordinatorError struct {
	baseError
	Endpoint string
	Op       string
}

// NewCoordinatorError creates a new CoordinatorError.
func NewCoordinatorError(message string, cause error) *CoordinatorError {
	return &CoordinatorError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithEndpoint adds the service endpoint to the error context.
func (e *CoordinatorError) WithEndpoint(endpoint string) *CoordinatorError {
	e.Endpoint = endpoint
	return e
}

// WithOp adds the attempted operation (acquire, release, renew) to the error context.
func (e *CoordinatorError) WithOp(op string) *CoordinatorError {
	e.Op = op
	return e
}

// WithSeverity sets the error severity.
func (e *CoordinatorError) WithSeverity(s Severity) *CoordinatorError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *CoordinatorError) Error() string {
	var parts []string
	if e.Endpoint != "" {
		parts = append(parts, fmt.Sprintf("endpoint=%s", e.Endpoint))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	prefix := "coordinator error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("coordinator error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *CoordinatorError) Is(target error) bool {
	if _, ok := target.(*CoordinatorError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TrackerError represents an issue tracker read/update failure.
// Conflict errors mean the issue was modified externally: the orchestrator
// requeues the issue and re-fetches tracker state.
//
// Example:
//
//	err := errors.NewTrackerError("status update rejected", errors.ErrTrackerConflict).
//		WithIssueID("AB-17").WithConflict(true)
type TrackerError struct {
	baseError
	IssueID  string
	Conflict bool
}

// NewTrackerError creates a new TrackerError.
func NewTrackerError(message string, cause error) *TrackerError {
	return &TrackerError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithIssueID adds an issue ID to the error context.
func (e *TrackerError) WithIssueID(id string) *TrackerError {
	e.IssueID = id
	return e
}

// WithConflict marks the error as an external-modification conflict.
// Conflicts are retryable after a requeue and re-fetch.
func (e *TrackerError) WithConflict(conflict bool) *TrackerError {
	e.Conflict = conflict
	e.retryable = conflict
	return e
}

// WithSeverity sets the error severity.
func (e *TrackerError) WithSeverity(s Severity) *TrackerError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *TrackerError) Error() string {
	var parts []string
	if e.IssueID != "" {
		parts = append(parts, fmt.Sprintf("issue=%s", e.IssueID))
	}
	if e.Conflict {
		parts = append(parts, "conflict")
	}

	prefix := "tracker error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("tracker error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TrackerError) Is(target error) bool {
	if _, ok := target.(*TrackerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "abc123")
//	fmt.Println(err) // "session 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
//
// Example:
//
//	err := errors.NewAlreadyExistsError("session", "abc123")
//	fmt.Println(err) // "session 'abc123' already exists"
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("max retries cannot be negative")
//	err = err.WithField("max_retries").WithValue(-1)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for agent completion", 30*time.Second)
//	fmt.Println(err) // "timeout error: waiting for agent completion (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing AutoBuildError with IsRetryable() returning true
//   - TimeoutError instances
//   - Errors wrapping ErrTimeout
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    time.Sleep(backoff)
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Check if error implements AutoBuildError
	var abErr AutoBuildError
	if As(err, &abErr) {
		return abErr.IsRetryable()
	}

	// Check for known retryable sentinel errors
	if Is(err, ErrTimeout) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to operators.
// This checks for:
//   - Errors implementing AutoBuildError with IsUserFacing() returning true
//   - Semantic errors (NotFoundError, AlreadyExistsError, ValidationError, TimeoutError)
//
// Example:
//
//	if errors.IsUserFacing(err) {
//	    displayToUser(err.Error())
//	} else {
//	    displayToUser("An internal error occurred")
//	    log.Error("internal error", "err", err)
//	}
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	// Check if error implements AutoBuildError
	var abErr AutoBuildError
	if As(err, &abErr) {
		return abErr.IsUserFacing()
	}

	// Semantic errors are always user-facing
	var notFound *NotFoundError
	var alreadyExists *AlreadyExistsError
	var validation *ValidationError
	var timeout *TimeoutError

	if As(err, &notFound) || As(err, &alreadyExists) ||
		As(err, &validation) || As(err, &timeout) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement AutoBuildError.
//
// Example:
//
//	switch errors.GetSeverity(err) {
//	case errors.SeverityCritical:
//	    escalateSession(err)
//	case errors.SeverityError:
//	    log.Error("error occurred", "err", err)
//	case errors.SeverityWarning:
//	    log.Warn("warning", "err", err)
//	}
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	// Check if error implements AutoBuildError
	var abErr AutoBuildError
	if As(err, &abErr) {
		return abErr.Severity()
	}

	// Default to Error severity for unknown errors
	return SeverityError
}

// IsDomainError returns true if the error is a domain-specific error
// (AgentError, VerificationError, CoordinatorError, or TrackerError).
func IsDomainError(err error) bool {
	if err == nil {
		return false
	}

	var agentErr *AgentError
	var verifyErr *VerificationError
	var coordErr *CoordinatorError
	var trackerErr *TrackerError

	return As(err, &agentErr) || As(err, &verifyErr) ||
		As(err, &coordErr) || As(err, &trackerErr)
}

// IsSemanticError returns true if the error is a semantic error
// (NotFoundError, AlreadyExistsError, ValidationError, or TimeoutError).
func IsSemanticError(err error) bool {
	if err == nil {
		return false
	}

	var notFound *NotFoundError
	var alreadyExists *AlreadyExistsError
	var validation *ValidationError
	var timeout *TimeoutError

	return As(err, &notFound) || As(err, &alreadyExists) ||
		As(err, &validation) || As(err, &timeout)
}

// IsConflict returns true if the error is a tracker update conflict,
// meaning the issue should be requeued and tracker state re-fetched.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}

	if Is(err, ErrTrackerConflict) {
		return true
	}

	var trackerErr *TrackerError
	if As(err, &trackerErr) {
		return trackerErr.Conflict
	}

	return false
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to process claim")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to persist session %s", sessionID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
