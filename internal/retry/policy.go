// Package retry decides whether a failed attempt gets another try and how
// long to wait first.
package retry

import (
	"time"

	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/models"
)

// Policy holds the task-class retry defaults and the cooldown applied
// between attempts. The cooldown gives eventually-consistent infrastructure
// (shared filesystem, log system) time to converge before the work
// directory is reused.
type Policy struct {
	// DefaultMaxAttempts applies to regular tasks whose spec leaves
	// MaxAttempts at zero.
	DefaultMaxAttempts int
	// DownloadMaxAttempts applies to download-class tasks; fetches hit
	// transient network trouble often enough to warrant their own default.
	DownloadMaxAttempts int
	// Cooldown is the wait before a resubmission.
	Cooldown time.Duration

	Logger *zap.Logger
}

// Decision is the policy's answer for one failed attempt.
type Decision struct {
	Retry bool
	// Wait applies only when Retry is true.
	Wait time.Duration
}

// MaxAttempts resolves the effective attempt budget for a spec. The bound
// is inclusive: attempt == MaxAttempts is the last allowed try.
func (p *Policy) MaxAttempts(spec *models.TaskSpec) int {
	if spec.MaxAttempts > 0 {
		return spec.MaxAttempts
	}
	if spec.Download && p.DownloadMaxAttempts > 0 {
		return p.DownloadMaxAttempts
	}
	if p.DefaultMaxAttempts > 0 {
		return p.DefaultMaxAttempts
	}
	return 1
}

// Decide rules on one terminal failure. Only the two retryable
// classifications ever get another attempt; anything else, including an
// unknown classification from an unexpected provider response, fails closed
// so a malformed status can never produce an infinite loop.
func (p *Policy) Decide(class models.Classification, attempt, maxAttempts int) Decision {
	retryable := class == models.ClassTransientRemote || class == models.ClassTaskFailure
	if !retryable {
		return Decision{}
	}
	if attempt >= maxAttempts {
		if p.Logger != nil {
			p.Logger.Info("Retry budget exhausted",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.String("classification", string(class)),
			)
		}
		return Decision{}
	}
	return Decision{Retry: true, Wait: p.Cooldown}
}

// Classify maps a terminal remote status onto a failure classification.
// Success and non-terminal states classify as ClassNone.
func Classify(st *models.JobStatus) models.Classification {
	if st == nil || !st.State.Terminal() || st.State == models.JobStateSucceeded {
		return models.ClassNone
	}
	if st.Interrupted {
		return models.ClassTransientRemote
	}
	return models.ClassTaskFailure
}
