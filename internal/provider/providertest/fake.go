// Package providertest provides a scripted in-memory provider.Client for
// exercising the backend without a remote control plane.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/genomehub/wdlbatch/internal/models"
	"github.com/genomehub/wdlbatch/internal/provider"
)

// SubmitResult scripts one SubmitJob call.
type SubmitResult struct {
	JobID string
	Err   error
}

// Fake is a provider.Client whose answers are scripted per call. Submit
// results are consumed in order (the last repeats); describe scripts are
// consumed in order per job id (the last repeats).
type Fake struct {
	mu sync.Mutex

	Submits  []SubmitResult
	Statuses map[string][]*models.JobStatus

	SubmitCalls   int
	DescribeCalls int
	SubmitSpecs   []*provider.JobSpec
	Terminated    []string
	TerminateErr  error

	statusIdx map[string]int
}

func (f *Fake) SubmitJob(ctx context.Context, spec *provider.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitCalls++
	f.SubmitSpecs = append(f.SubmitSpecs, spec)

	if len(f.Submits) == 0 {
		return fmt.Sprintf("job-%d", f.SubmitCalls), nil
	}
	idx := f.SubmitCalls - 1
	if idx >= len(f.Submits) {
		idx = len(f.Submits) - 1
	}
	res := f.Submits[idx]
	return res.JobID, res.Err
}

func (f *Fake) DescribeJob(ctx context.Context, jobID string) (*models.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeCalls++

	script, ok := f.Statuses[jobID]
	if !ok || len(script) == 0 {
		return &models.JobStatus{State: models.JobStateNotFound}, nil
	}
	if f.statusIdx == nil {
		f.statusIdx = make(map[string]int)
	}
	idx := f.statusIdx[jobID]
	if idx >= len(script) {
		idx = len(script) - 1
	} else {
		f.statusIdx[jobID] = idx + 1
	}
	st := script[idx]
	return &models.JobStatus{
		State:       st.State,
		Reason:      st.Reason,
		LogLocator:  st.LogLocator,
		ExitCode:    st.ExitCode,
		Interrupted: st.Interrupted,
	}, nil
}

func (f *Fake) TerminateJob(ctx context.Context, jobID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	f.Terminated = append(f.Terminated, jobID)
	return nil
}

// TerminatedJobs returns a copy of the terminate call log.
func (f *Fake) TerminatedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Terminated))
	copy(out, f.Terminated)
	return out
}

// Calls reports the submit and describe call counts.
func (f *Fake) Calls() (submits, describes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SubmitCalls, f.DescribeCalls
}
