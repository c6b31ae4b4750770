package worker

import "github.com/autobuildhq/autobuild/internal/verify"

// Outcome classifies how a RunOnce call ended.
type Outcome string

const (
	// OutcomeNoWork means no eligible issue was available to claim.
	OutcomeNoWork Outcome = "no_work"

	// OutcomeCompleted means the issue reached the completed partition.
	OutcomeCompleted Outcome = "completed"

	// OutcomeReview means the issue is parked in human review awaiting a
	// decision, or was left there by a rejection without requeue.
	OutcomeReview Outcome = "human_review"

	// OutcomeRequeued means the issue went back to the queue for another
	// attempt, for example after a park signal or a rejected review.
	OutcomeRequeued Outcome = "requeued"

	// OutcomeFailed means an unrecoverable error escalated the issue.
	OutcomeFailed Outcome = "failed"
)

// Report is what one RunOnce call hands back to the orchestrator.
type Report struct {
	// WorkerID is the reporting slot.
	WorkerID int

	// IssueID is empty when Outcome is OutcomeNoWork.
	IssueID string

	// Outcome classifies the run.
	Outcome Outcome

	// Reason is a short explanation for outcomes other than completed.
	Reason string

	// Summary is the agent's closing summary, when one was produced.
	Summary string

	// Committed reports whether a commit was recorded for the issue.
	Committed bool

	// RetryCount is the number of fix attempts consumed.
	RetryCount int

	// FilesModified is the merged modified-file set: the agent's
	// self-report unioned with watcher attribution.
	FilesModified []string

	// Verification is the final gate result, when gates ran.
	Verification *verify.Result

	// Err carries the underlying error for requeued and failed outcomes.
	Err error
}
