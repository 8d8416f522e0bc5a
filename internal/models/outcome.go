package models

import "fmt"

// Classification tags a terminal failure with why it happened, which drives
// the retry decision. Unknown classifications are never retried.
type Classification string

const (
	// ClassNone is the zero value; it appears only on success and aborts.
	ClassNone Classification = ""
	// ClassTransientRemote covers remote-reported causes that plausibly
	// succeed on retry: spot reclaim, host failure.
	ClassTransientRemote Classification = "transient_remote"
	// ClassTaskFailure covers nonzero exits and missing declared outputs.
	ClassTaskFailure Classification = "task_failure"
	// ClassSubmissionRejected means the provider refused the job spec
	// outright; retrying the same spec cannot help.
	ClassSubmissionRejected Classification = "submission_rejected"
	// ClassInfrastructure covers persistent inability to submit or observe a
	// job despite bounded local retries.
	ClassInfrastructure Classification = "infrastructure"
)

// OutcomeKind is the engine-facing terminal result category.
type OutcomeKind string

const (
	OutcomeSucceeded           OutcomeKind = "succeeded"
	OutcomeFailed              OutcomeKind = "failed"
	OutcomeAborted             OutcomeKind = "aborted"
	OutcomeInfrastructureError OutcomeKind = "infrastructure_error"
)

// Outcome is the terminal result delivered to the engine for one TaskSpec.
// Failures carry the last known remote reason and a log locator so a human
// can diagnose without re-deriving backend internals.
type Outcome struct {
	Kind           OutcomeKind    `json:"kind"`
	ExitCode       int            `json:"exit_code"`
	Classification Classification `json:"classification,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	LogLocator     string         `json:"log_locator,omitempty"`

	// Attempts is the number of remote submissions actually performed.
	Attempts int `json:"attempts"`
	// RemoteJobID identifies the final attempt's remote job.
	RemoteJobID string `json:"remote_job_id,omitempty"`

	// Outputs holds the absolute host paths of the declared outputs,
	// verified present on the shared mount. Set only on success.
	Outputs []string `json:"outputs,omitempty"`
	// Uploaded holds the object keys written by the output uploader, when
	// one is configured. Set only on success.
	Uploaded []string `json:"uploaded,omitempty"`
}

func (o *Outcome) String() string {
	return fmt.Sprintf("%s (exit=%d, attempts=%d, class=%s)", o.Kind, o.ExitCode, o.Attempts, o.Classification)
}

// Success reports whether the task produced its outputs with exit code 0.
func (o *Outcome) Success() bool {
	return o.Kind == OutcomeSucceeded
}
