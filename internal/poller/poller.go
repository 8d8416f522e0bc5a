// Package poller watches one remote job until it reaches a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/models"
	"github.com/genomehub/wdlbatch/internal/provider"
	"github.com/genomehub/wdlbatch/internal/ratelimit"
)

// ErrJobInvisible means the provider still did not know the job id after the
// post-submission grace window. Persistent invisibility is an infrastructure
// fault, not a task failure.
var ErrJobInvisible = errors.New("remote job not visible after grace period")

// Options sets the poll cadence and the eventual-consistency allowance.
type Options struct {
	// Interval is the spacing between describe iterations for one job.
	Interval time.Duration
	// NotFoundGrace is how long after submission a NotFound answer is still
	// treated as pending rather than an error.
	NotFoundGrace time.Duration
}

// Poller drives describe calls through the shared rate limiter.
type Poller struct {
	client  provider.Client
	limiter *ratelimit.Limiter
	opts    Options
	logger  *zap.Logger
}

// New creates a Poller sharing the given rate limiter.
func New(client provider.Client, limiter *ratelimit.Limiter, opts Options, logger *zap.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.NotFoundGrace <= 0 {
		opts.NotFoundGrace = time.Minute
	}
	return &Poller{
		client:  client,
		limiter: limiter,
		opts:    opts,
		logger:  logger.Named("poll"),
	}
}

// Await polls the job until a terminal state, folding each observation into
// job and reporting state changes through the log. It returns ctx.Err() when
// cancelled — the caller owns the best-effort terminate that follows — and
// ErrJobInvisible when the job stays unknown past the grace window.
func (p *Poller) Await(ctx context.Context, job *models.RemoteJob) (*models.JobStatus, error) {
	lastState := models.JobState("")
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.Interval):
		}

		st, err := p.Describe(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transient describe trouble is absorbed by the loop itself;
			// the next interval retries. Anything else is control-plane
			// breakage worth surfacing.
			if provider.IsTransient(err) {
				p.logger.Warn("Transient describe error",
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
				continue
			}
			return nil, fmt.Errorf("describing job %s: %w", job.ID, err)
		}

		if st.State == models.JobStateNotFound {
			if time.Since(job.SubmittedAt) > p.opts.NotFoundGrace {
				return nil, fmt.Errorf("%w (job_id=%s, grace=%s)", ErrJobInvisible, job.ID, p.opts.NotFoundGrace)
			}
			// Eventual consistency window right after submission; the job
			// will surface shortly.
			continue
		}

		job.Observe(st)
		if st.State != lastState {
			p.logger.Info("Remote job state change",
				zap.String("job_id", job.ID),
				zap.Int("attempt", job.Attempt),
				zap.String("state", string(st.State)),
				zap.String("reason", st.Reason),
				zap.String("log_locator", st.LogLocator),
			)
			lastState = st.State
		}

		if st.State.Terminal() {
			return st, nil
		}
	}
}

// Describe performs one rate-limited describe call.
func (p *Poller) Describe(ctx context.Context, jobID string) (*models.JobStatus, error) {
	if err := p.limiter.Wait(ctx, ratelimit.ClassDescribe); err != nil {
		return nil, err
	}
	return p.client.DescribeJob(ctx, jobID)
}
