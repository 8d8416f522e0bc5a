// Package submit builds provider job specifications from task specs and
// performs the rate-limited, transport-retried submission call.
package submit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/models"
	"github.com/genomehub/wdlbatch/internal/provider"
	"github.com/genomehub/wdlbatch/internal/ratelimit"
)

// ErrRejected means the provider refused the job specification; the task
// spec is malformed and resubmitting the same spec cannot help.
var ErrRejected = errors.New("job specification rejected by provider")

// ErrExhausted means transient submission trouble persisted past the local
// retry bound. It is an infrastructure fault, distinct from task failure.
var ErrExhausted = errors.New("job submission retries exhausted")

const minMemoryMiB = 1024

// Options fixes the deterministic resource-mapping rules and the transport
// retry bound.
type Options struct {
	// MountRoot is the shared filesystem mount point, identical on the
	// local host and inside remote containers.
	MountRoot string
	// FileSystemID and AccessPointID select a managed network filesystem
	// for the mount; when empty the mount is a remote-host path.
	FileSystemID  string
	AccessPointID string

	// MemoryOverheadMiB is subtracted from the converted memory request to
	// account for provider-reserved overhead on the allocation unit.
	MemoryOverheadMiB int
	// DefaultGPUCount expands a bare gpu=true request.
	DefaultGPUCount int
	// DefaultTimeout is the provider-enforced ceiling for specs that do not
	// set one.
	DefaultTimeout time.Duration

	// RetryLimit bounds transport-level submit retries. These are separate
	// from, and uncapped by, the task retry budget.
	RetryLimit int
	// RetryBackoff is the initial backoff between transport retries; it
	// doubles per retry.
	RetryBackoff time.Duration
}

// Submitter turns a TaskSpec attempt into one remote job.
type Submitter struct {
	client  provider.Client
	limiter *ratelimit.Limiter
	opts    Options
	logger  *zap.Logger
}

// New creates a Submitter sharing the given rate limiter.
func New(client provider.Client, limiter *ratelimit.Limiter, opts Options, logger *zap.Logger) *Submitter {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 4
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Submitter{
		client:  client,
		limiter: limiter,
		opts:    opts,
		logger:  logger.Named("submit"),
	}
}

// BuildJobSpec maps a task attempt onto provider job parameters. The
// mapping is deterministic: memory bytes round up to MiB, floor 1024,
// minus the configured overhead; a bare GPU requirement expands to the
// configured default count.
func (s *Submitter) BuildJobSpec(task *models.TaskSpec, attempt int) *provider.JobSpec {
	vcpu := task.Resources.VCPU
	if vcpu < 1 {
		vcpu = 1
	}

	memMiB := int((task.Resources.MemoryBytes + (1 << 20) - 1) >> 20)
	if memMiB < minMemoryMiB {
		memMiB = minMemoryMiB
	}
	if s.opts.MemoryOverheadMiB > 0 && memMiB-s.opts.MemoryOverheadMiB >= minMemoryMiB {
		memMiB -= s.opts.MemoryOverheadMiB
	}

	gpus := 0
	if task.Resources.GPUCount > 0 {
		gpus = task.Resources.GPUCount
	} else if task.Resources.GPU {
		gpus = s.opts.DefaultGPUCount
		if gpus < 1 {
			gpus = 1
		}
	}

	timeout := task.TimeoutSeconds
	if timeout <= 0 {
		timeout = int64(s.opts.DefaultTimeout / time.Second)
	}

	return &provider.JobSpec{
		Name:        jobName(task.Name, attempt),
		ClientToken: uuid.NewString(),
		Image:       task.Image,
		Command:     task.Command,
		Env:         task.Env,
		VCPU:        vcpu,
		MemoryMiB:   memMiB,
		GPUs:        gpus,
		Mounts: []provider.Mount{{
			ContainerPath: s.opts.MountRoot,
			HostPath:      hostPathUnlessManaged(s.opts),
			FileSystemID:  s.opts.FileSystemID,
			AccessPointID: s.opts.AccessPointID,
		}},
		Tags: map[string]string{
			"wdlbatch-task":    task.Name,
			"wdlbatch-attempt": strconv.Itoa(attempt),
		},
		TimeoutSeconds: timeout,
	}
}

// Submit performs one task-level submission attempt. Throttling and
// connection-level errors are retried here with exponential backoff, reusing
// the same job spec and client token so a transparently retried call cannot
// create a second remote job.
func (s *Submitter) Submit(ctx context.Context, task *models.TaskSpec, attempt int) (string, error) {
	spec := s.BuildJobSpec(task, attempt)
	backoff := s.opts.RetryBackoff

	var lastErr error
	for try := 1; try <= s.opts.RetryLimit; try++ {
		if err := s.limiter.Wait(ctx, ratelimit.ClassSubmit); err != nil {
			return "", err
		}

		jobID, err := s.client.SubmitJob(ctx, spec)
		if err == nil {
			s.logger.Info("Remote job submitted",
				zap.String("task", task.Name),
				zap.Int("attempt", attempt),
				zap.String("job_id", jobID),
				zap.String("job_name", spec.Name),
			)
			return jobID, nil
		}
		lastErr = err

		if provider.IsInvalidSpec(err) {
			return "", fmt.Errorf("%w: %s", ErrRejected, err)
		}
		if !provider.IsTransient(err) {
			return "", fmt.Errorf("submitting task %q: %w", task.Name, err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		s.logger.Warn("Transient submission error, backing off",
			zap.String("task", task.Name),
			zap.Int("attempt", attempt),
			zap.Int("submit_try", try),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return "", fmt.Errorf("%w after %d tries: %s", ErrExhausted, s.opts.RetryLimit, lastErr)
}

func hostPathUnlessManaged(opts Options) string {
	if opts.FileSystemID != "" {
		return ""
	}
	return opts.MountRoot
}

// jobName builds the remote job name: the stable task name, the attempt
// number past the first, and a random suffix so concurrent registrations of
// the same task can never collide.
func jobName(task string, attempt int) string {
	name := sanitizeName(task)
	if attempt > 1 {
		name = fmt.Sprintf("%s-try%d", name, attempt)
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	const maxNameLen = 128
	if len(name)+9 > maxNameLen {
		name = name[:maxNameLen-9]
	}
	return name + "-" + suffix
}

// sanitizeName keeps the characters providers commonly allow in job names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return b.String()
}
