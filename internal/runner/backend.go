// Package runner orchestrates per-task lifecycles against a remote batch
// provider and exposes the engine-facing backend surface.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/events"
	"github.com/genomehub/wdlbatch/internal/fsio"
	"github.com/genomehub/wdlbatch/internal/gate"
	"github.com/genomehub/wdlbatch/internal/models"
	"github.com/genomehub/wdlbatch/internal/poller"
	"github.com/genomehub/wdlbatch/internal/provider"
	"github.com/genomehub/wdlbatch/internal/ratelimit"
	"github.com/genomehub/wdlbatch/internal/retry"
	"github.com/genomehub/wdlbatch/internal/submit"
)

// ErrUnknownHandle means the handle does not belong to any live task.
var ErrUnknownHandle = errors.New("unknown task handle")

// Options assembles the backend. The zero value of any duration or count
// falls back to the component defaults.
type Options struct {
	// Pool sizes for regular and download-class tasks.
	TaskSlots     int64
	DownloadSlots int64

	PollInterval   time.Duration
	SubmitPeriod   time.Duration
	DescribePeriod time.Duration
	NotFoundGrace  time.Duration

	MaxAttempts         int
	DownloadMaxAttempts int
	Cooldown            time.Duration
	SubmitRetryLimit    int
	SubmitRetryBackoff  time.Duration

	MountRoot     string
	FileSystemID  string
	AccessPointID string

	MemoryOverheadMiB int
	DefaultGPUCount   int
	JobTimeout        time.Duration

	// Events and Uploader are optional; nil disables them.
	Events   events.Publisher
	Uploader Uploader
}

// TaskView is one row of the operational in-flight listing.
type TaskView struct {
	Handle      models.TaskHandle `json:"handle"`
	TaskName    string            `json:"task_name"`
	State       string            `json:"state"`
	Attempt     int               `json:"attempt"`
	RemoteJobID string            `json:"remote_job_id,omitempty"`
	Download    bool              `json:"download,omitempty"`
}

// Backend is the execution backend handed to the workflow engine. It is
// stateless across process restarts; in-flight retry counters live only in
// memory, and Attach re-adopts already-running remote jobs after a restart.
type Backend struct {
	d      *deps
	logger *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.RWMutex
	tasks map[models.TaskHandle]*Runner
}

// New wires the backend's shared gate, rate limiter, submitter, and poller
// around the given provider client.
func New(client provider.Client, opts Options, logger *zap.Logger) (*Backend, error) {
	if opts.TaskSlots <= 0 {
		opts.TaskSlots = 100
	}
	if opts.DownloadSlots <= 0 {
		opts.DownloadSlots = 10
	}
	g, err := gate.New(opts.TaskSlots, opts.DownloadSlots)
	if err != nil {
		return nil, err
	}
	fs, err := fsio.New(opts.MountRoot)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(opts.SubmitPeriod, opts.DescribePeriod)
	submitter := submit.New(client, limiter, submit.Options{
		MountRoot:         fs.Root(),
		FileSystemID:      opts.FileSystemID,
		AccessPointID:     opts.AccessPointID,
		MemoryOverheadMiB: opts.MemoryOverheadMiB,
		DefaultGPUCount:   opts.DefaultGPUCount,
		DefaultTimeout:    opts.JobTimeout,
		RetryLimit:        opts.SubmitRetryLimit,
		RetryBackoff:      opts.SubmitRetryBackoff,
	}, logger)
	poll := poller.New(client, limiter, poller.Options{
		Interval:      opts.PollInterval,
		NotFoundGrace: opts.NotFoundGrace,
	}, logger)
	policy := &retry.Policy{
		DefaultMaxAttempts:  opts.MaxAttempts,
		DownloadMaxAttempts: opts.DownloadMaxAttempts,
		Cooldown:            opts.Cooldown,
		Logger:              logger.Named("retry"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		d: &deps{
			client:    client,
			submitter: submitter,
			poll:      poll,
			policy:    policy,
			gate:      g,
			fs:        fs,
			events:    opts.Events,
			uploader:  opts.Uploader,
		},
		logger:     logger.Named("backend"),
		rootCtx:    ctx,
		rootCancel: cancel,
		tasks:      make(map[models.TaskHandle]*Runner),
	}, nil
}

// Submit starts driving a task and returns immediately with its handle.
func (b *Backend) Submit(spec *models.TaskSpec) (models.TaskHandle, error) {
	return b.start(spec, "")
}

// Attach adopts an already-running remote job for the given spec, treating
// it as freshly entering Running. Used for engine-level reconciliation
// after a restart.
func (b *Backend) Attach(spec *models.TaskSpec, jobID string) (models.TaskHandle, error) {
	if jobID == "" {
		return "", fmt.Errorf("attach requires a remote job id")
	}
	return b.start(spec, jobID)
}

func (b *Backend) start(spec *models.TaskSpec, attachJobID string) (models.TaskHandle, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if b.rootCtx.Err() != nil {
		return "", fmt.Errorf("backend is shut down")
	}

	handle := models.TaskHandle(uuid.NewString())
	r := newRunner(handle, spec, b.d, b.logger)
	r.attachJobID = attachJobID

	ctx, cancel := context.WithCancel(b.rootCtx)
	r.cancel = cancel

	b.mu.Lock()
	b.tasks[handle] = r
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		r.run(ctx)
	}()

	return handle, nil
}

// Poll reports the task's outcome if it has finalized. A nil outcome with
// done == false means the task is still in flight.
func (b *Backend) Poll(handle models.TaskHandle) (*models.Outcome, bool, error) {
	r, err := b.runner(handle)
	if err != nil {
		return nil, false, err
	}
	out, done := r.Outcome()
	return out, done, nil
}

// Wait blocks until the task finalizes or ctx is done.
func (b *Backend) Wait(ctx context.Context, handle models.TaskHandle) (*models.Outcome, error) {
	r, err := b.runner(handle)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.Done():
		out, _ := r.Outcome()
		return out, nil
	}
}

// Cancel requests cancellation of one task. The runner observes it at its
// next poll iteration or sleep boundary, issues a best-effort terminate for
// a still-active remote job, and finalizes Aborted.
func (b *Backend) Cancel(handle models.TaskHandle) error {
	r, err := b.runner(handle)
	if err != nil {
		return err
	}
	b.logger.Info("Cancellation requested", zap.String("handle", string(handle)))
	r.cancel()
	return nil
}

// Forget drops a finalized task from the handle table once the engine has
// consumed its outcome.
func (b *Backend) Forget(handle models.TaskHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.tasks[handle]
	if !ok {
		return ErrUnknownHandle
	}
	if !r.State().Terminal() {
		return fmt.Errorf("task %s is still in flight", handle)
	}
	delete(b.tasks, handle)
	return nil
}

// Snapshot lists all tracked tasks for the operational endpoint.
func (b *Backend) Snapshot() []TaskView {
	b.mu.RLock()
	views := make([]TaskView, 0, len(b.tasks))
	for _, r := range b.tasks {
		views = append(views, r.View())
	}
	b.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool { return views[i].TaskName < views[j].TaskName })
	return views
}

// Shutdown cancels every in-flight runner and waits for them to finalize.
// Each runner with an active remote job issues one best-effort terminate on
// the way out, so cancellation never leaves a job orphaned without at least
// one termination attempt.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.logger.Info("Shutting down backend, cancelling in-flight tasks")
	b.rootCancel()

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with runners still in flight: %w", ctx.Err())
	case <-finished:
		return nil
	}
}

func (b *Backend) runner(handle models.TaskHandle) (*Runner, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.tasks[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return r, nil
}
