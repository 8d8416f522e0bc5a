package models

import "time"

// JobState is the local lifecycle vocabulary for a remote job. Provider
// status strings are translated into this variant at the provider boundary;
// nothing downstream ever sees a raw provider state.
type JobState string

const (
	// JobStatePending covers everything between submission and container
	// start (queued, runnable, starting).
	JobStatePending JobState = "pending"
	// JobStateRunning means the container has started on a remote host.
	JobStateRunning JobState = "running"
	// JobStateSucceeded is terminal: the container exited 0.
	JobStateSucceeded JobState = "succeeded"
	// JobStateFailed is terminal: nonzero exit or a remote-reported failure.
	JobStateFailed JobState = "failed"
	// JobStateNotFound means the provider does not (yet) know the job id.
	// Within the post-submission grace window this is treated as pending;
	// past it, it is an infrastructure error.
	JobStateNotFound JobState = "not_found"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// JobStatus is one observation of a remote job, as returned by a describe
// call and translated at the provider boundary.
type JobStatus struct {
	State JobState
	// Reason is the provider's human-readable status reason, if any.
	Reason string
	// LogLocator points at the full remote log stream for the attempt.
	LogLocator string
	// ExitCode is set only when the provider reported one for a terminal
	// state.
	ExitCode *int
	// Interrupted marks a terminal failure whose remote-reported cause is a
	// known transient condition (spot reclaim, host failure) rather than the
	// task's own doing.
	Interrupted bool
}

// RemoteJob is one attempt at executing a TaskSpec on the remote service.
// It is owned exclusively by the runner driving that TaskSpec; at most one
// RemoteJob is active (non-terminal) per TaskSpec at any time.
type RemoteJob struct {
	ID          string    `json:"id"`
	Attempt     int       `json:"attempt"` // 1-based
	SubmittedAt time.Time `json:"submitted_at"`

	State      JobState `json:"state"`
	Reason     string   `json:"reason,omitempty"`
	LogLocator string   `json:"log_locator,omitempty"`
}

// Observe folds a describe result into the job's recorded state.
func (j *RemoteJob) Observe(st *JobStatus) {
	j.State = st.State
	if st.Reason != "" {
		j.Reason = st.Reason
	}
	if st.LogLocator != "" {
		j.LogLocator = st.LogLocator
	}
}
