package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/events"
	"github.com/genomehub/wdlbatch/internal/fsio"
	"github.com/genomehub/wdlbatch/internal/gate"
	"github.com/genomehub/wdlbatch/internal/models"
	"github.com/genomehub/wdlbatch/internal/poller"
	"github.com/genomehub/wdlbatch/internal/provider"
	"github.com/genomehub/wdlbatch/internal/retry"
	"github.com/genomehub/wdlbatch/internal/submit"
)

// State is the runner's lifecycle state. Pending → Submitting → Running →
// {Succeeded, Retrying, Failed, Aborted}; Retrying loops back to Submitting
// with the next attempt number until the budget is exhausted.
type State string

const (
	StatePending    State = "pending"
	StateSubmitting State = "submitting"
	StateRunning    State = "running"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
)

// Terminal reports whether the runner has finalized.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}

// Uploader copies verified outputs to object storage after success. A nil
// Uploader disables uploading.
type Uploader interface {
	UploadOutputs(ctx context.Context, taskName string, hostPaths []string, adapter *fsio.Adapter) ([]string, error)
}

// deps are the shared collaborators every runner drives. The gate and rate
// limiter inside the submitter/poller are the only shared mutable state
// between runners.
type deps struct {
	client    provider.Client
	submitter *submit.Submitter
	poll      *poller.Poller
	policy    *retry.Policy
	gate      *gate.Gate
	fs        *fsio.Adapter
	events    events.Publisher
	uploader  Uploader
}

// terminateTimeout bounds the best-effort terminate call issued on abort,
// which runs on its own context because the runner's is already cancelled.
const terminateTimeout = 10 * time.Second

// Runner owns one TaskSpec's state machine. At most one remote job is
// active per runner at any time; a retry creates the next job only after
// the previous one is terminal.
type Runner struct {
	handle models.TaskHandle
	spec   *models.TaskSpec
	d      *deps
	logger *zap.Logger

	// attachJobID re-enters Running against an existing remote job instead
	// of submitting attempt 1 (restart reconciliation).
	attachJobID string

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	attempt int
	job     *models.RemoteJob
	outcome *models.Outcome
}

func newRunner(handle models.TaskHandle, spec *models.TaskSpec, d *deps, logger *zap.Logger) *Runner {
	return &Runner{
		handle: handle,
		spec:   spec,
		d:      d,
		logger: logger.With(zap.String("task", spec.Name), zap.String("handle", string(handle))),
		done:   make(chan struct{}),
		state:  StatePending,
	}
}

// run drives the full lifecycle. It is the goroutine body started by the
// Backend and always finalizes exactly one outcome.
func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	r.transition(StatePending, 0, "")
	if err := r.d.gate.Acquire(ctx, r.spec.Download); err != nil {
		r.finalize(&models.Outcome{
			Kind:   models.OutcomeAborted,
			Reason: "cancelled while waiting for a concurrency slot",
		})
		return
	}
	// The slot is held across retries until finalization.
	defer r.d.gate.Release(r.spec.Download)

	maxAttempts := r.d.policy.MaxAttempts(r.spec)

	for attempt := 1; ; attempt++ {
		job, err := r.startAttempt(ctx, attempt)
		if err != nil {
			r.finalizeSubmitError(err, attempt)
			return
		}

		st, err := r.d.poll.Await(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				r.abort(job, attempt)
				return
			}
			r.finalize(&models.Outcome{
				Kind:           models.OutcomeInfrastructureError,
				ExitCode:       -1,
				Classification: models.ClassInfrastructure,
				Reason:         err.Error(),
				Attempts:       attempt,
				RemoteJobID:    job.ID,
				LogLocator:     job.LogLocator,
			})
			return
		}

		if st.State == models.JobStateSucceeded {
			present, missing := r.d.fs.VerifyOutputs(r.spec.Outputs)
			if len(missing) == 0 {
				r.succeed(ctx, job, attempt, present)
				return
			}
			// Exit 0 but the declared outputs never appeared on the shared
			// filesystem: a task failure, not an infrastructure one, and it
			// takes the same retry path.
			st = &models.JobStatus{
				State:  models.JobStateFailed,
				Reason: fmt.Sprintf("declared outputs missing from shared filesystem: %s", strings.Join(missing, ", ")),
			}
		}

		class := retry.Classify(st)
		exitCode := -1
		if st.ExitCode != nil {
			exitCode = *st.ExitCode
		}
		r.logger.Info("Attempt finished",
			zap.Int("attempt", attempt),
			zap.String("job_id", job.ID),
			zap.String("state", string(st.State)),
			zap.String("classification", string(class)),
			zap.Int("exit_code", exitCode),
			zap.String("reason", st.Reason),
		)

		decision := r.d.policy.Decide(class, attempt, maxAttempts)
		if !decision.Retry {
			r.finalize(&models.Outcome{
				Kind:           models.OutcomeFailed,
				ExitCode:       exitCode,
				Classification: class,
				Reason:         st.Reason,
				LogLocator:     job.LogLocator,
				Attempts:       attempt,
				RemoteJobID:    job.ID,
			})
			return
		}

		r.transition(StateRetrying, attempt, st.Reason)
		select {
		case <-ctx.Done():
			// The previous job is already terminal; nothing to terminate.
			r.finalize(&models.Outcome{
				Kind:        models.OutcomeAborted,
				Reason:      "cancelled while waiting to retry",
				Attempts:    attempt,
				RemoteJobID: job.ID,
			})
			return
		case <-time.After(decision.Wait):
		}
	}
}

// startAttempt either submits a new remote job or, on the first attempt of
// an attached runner, adopts the existing one.
func (r *Runner) startAttempt(ctx context.Context, attempt int) (*models.RemoteJob, error) {
	if attempt == 1 && r.attachJobID != "" {
		job := &models.RemoteJob{
			ID:          r.attachJobID,
			Attempt:     1,
			SubmittedAt: time.Now(),
			State:       models.JobStateRunning,
		}
		r.setJob(job)
		r.logger.Info("Re-attached to existing remote job", zap.String("job_id", job.ID))
		r.transition(StateRunning, attempt, "")
		return job, nil
	}

	r.transition(StateSubmitting, attempt, "")
	jobID, err := r.d.submitter.Submit(ctx, r.spec, attempt)
	if err != nil {
		return nil, err
	}
	job := &models.RemoteJob{
		ID:          jobID,
		Attempt:     attempt,
		SubmittedAt: time.Now(),
		State:       models.JobStatePending,
	}
	r.setJob(job)
	r.transition(StateRunning, attempt, "")
	return job, nil
}

func (r *Runner) finalizeSubmitError(err error, attempt int) {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		r.finalize(&models.Outcome{
			Kind:     models.OutcomeAborted,
			Reason:   "cancelled during submission",
			Attempts: attempt - 1,
		})
	case errors.Is(err, submit.ErrRejected):
		r.finalize(&models.Outcome{
			Kind:           models.OutcomeFailed,
			ExitCode:       -1,
			Classification: models.ClassSubmissionRejected,
			Reason:         err.Error(),
			Attempts:       attempt - 1,
		})
	default:
		r.finalize(&models.Outcome{
			Kind:           models.OutcomeInfrastructureError,
			ExitCode:       -1,
			Classification: models.ClassInfrastructure,
			Reason:         err.Error(),
			Attempts:       attempt - 1,
		})
	}
}

func (r *Runner) succeed(ctx context.Context, job *models.RemoteJob, attempt int, outputs []string) {
	out := &models.Outcome{
		Kind:        models.OutcomeSucceeded,
		ExitCode:    0,
		Attempts:    attempt,
		RemoteJobID: job.ID,
		LogLocator:  job.LogLocator,
		Outputs:     outputs,
	}
	if r.d.uploader != nil {
		keys, err := r.d.uploader.UploadOutputs(ctx, r.spec.Name, outputs, r.d.fs)
		if err != nil {
			// The task itself succeeded; the copy to object storage is
			// advisory and its failure is surfaced through logs only.
			r.logger.Error("Failed to upload task outputs", zap.Error(err))
		}
		out.Uploaded = keys
	}
	r.finalize(out)
}

// abort issues one best-effort terminate for a still-active remote job,
// then finalizes Aborted.
func (r *Runner) abort(job *models.RemoteJob, attempt int) {
	if job != nil && !job.State.Terminal() {
		termCtx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer cancel()
		if err := r.d.client.TerminateJob(termCtx, job.ID, "terminated by workflow engine"); err != nil {
			r.logger.Warn("Best-effort terminate failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		} else {
			r.logger.Info("Remote job terminated", zap.String("job_id", job.ID))
		}
	}
	out := &models.Outcome{
		Kind:     models.OutcomeAborted,
		Reason:   "cancelled by workflow engine",
		Attempts: attempt,
	}
	if job != nil {
		out.RemoteJobID = job.ID
		out.LogLocator = job.LogLocator
	}
	r.finalize(out)
}

// transition records a state change and publishes it. Every transition logs
// the attempt, remote job id, and reason so the task's history can be
// reconstructed from logs alone.
func (r *Runner) transition(state State, attempt int, reason string) {
	r.mu.Lock()
	r.state = state
	if attempt > 0 {
		r.attempt = attempt
	}
	jobID := ""
	if r.job != nil {
		jobID = r.job.ID
	}
	r.mu.Unlock()

	r.logger.Info("Task state change",
		zap.String("state", string(state)),
		zap.Int("attempt", attempt),
		zap.String("job_id", jobID),
		zap.String("reason", reason),
	)
	r.publish(string(state), attempt, jobID, reason)
}

func (r *Runner) finalize(out *models.Outcome) {
	r.mu.Lock()
	if out.Attempts == 0 {
		out.Attempts = r.attempt
	}
	r.outcome = out
	switch out.Kind {
	case models.OutcomeSucceeded:
		r.state = StateSucceeded
	case models.OutcomeAborted:
		r.state = StateAborted
	default:
		r.state = StateFailed
	}
	state := r.state
	r.mu.Unlock()

	r.logger.Info("Task finalized",
		zap.String("state", string(state)),
		zap.String("kind", string(out.Kind)),
		zap.Int("exit_code", out.ExitCode),
		zap.Int("attempts", out.Attempts),
		zap.String("classification", string(out.Classification)),
		zap.String("job_id", out.RemoteJobID),
		zap.String("reason", out.Reason),
		zap.String("log_locator", out.LogLocator),
	)
	r.publish(string(state), out.Attempts, out.RemoteJobID, out.Reason)
}

func (r *Runner) publish(state string, attempt int, jobID, reason string) {
	if r.d.events == nil {
		return
	}
	update := models.NewTaskStatusUpdate(r.spec.Name, r.handle, state, attempt)
	update.RemoteJobID = jobID
	update.Reason = reason
	if err := r.d.events.PublishTaskStatus(update); err != nil {
		r.logger.Warn("Failed to publish task status update", zap.Error(err))
	}
}

func (r *Runner) setJob(job *models.RemoteJob) {
	r.mu.Lock()
	r.job = job
	r.mu.Unlock()
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outcome returns the terminal result once the runner has finalized.
func (r *Runner) Outcome() (*models.Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.outcome != nil
}

// Done is closed when the runner finalizes.
func (r *Runner) Done() <-chan struct{} { return r.done }

// View snapshots the runner for the operational listing.
func (r *Runner) View() TaskView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := TaskView{
		Handle:   r.handle,
		TaskName: r.spec.Name,
		State:    string(r.state),
		Attempt:  r.attempt,
		Download: r.spec.Download,
	}
	if r.job != nil {
		v.RemoteJobID = r.job.ID
	}
	return v
}
