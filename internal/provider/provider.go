// Package provider defines the narrow surface the backend consumes from a
// remote batch-computing service. Concrete implementations translate their
// provider-specific status vocabulary into models.JobState at this boundary.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/genomehub/wdlbatch/internal/models"
)

// Mount maps a shared-filesystem location into the remote container.
type Mount struct {
	// ContainerPath is where the volume appears inside the container. The
	// backend mounts the shared filesystem at the same path it is mounted
	// locally, so host and container paths coincide.
	ContainerPath string
	// HostPath is the source path on the remote host, for host-volume
	// providers. Empty when FileSystemID is set.
	HostPath string
	// FileSystemID names a managed network filesystem to attach instead of
	// a host path.
	FileSystemID string
	// AccessPointID optionally scopes the network filesystem mount.
	AccessPointID string
}

// JobSpec is the provider-neutral job description built by the submitter.
type JobSpec struct {
	// Name is the remote job name: stable task name + attempt + entropy.
	Name string
	// ClientToken makes transparent transport-level retries of the submit
	// call idempotent on providers that support it.
	ClientToken string

	Image   string
	Command []string
	Env     map[string]string

	VCPU      int
	MemoryMiB int
	GPUs      int

	Mounts []Mount
	// Tags correlate the remote job back to the task and attempt.
	Tags map[string]string

	// TimeoutSeconds is enforced by the provider as a last resort.
	TimeoutSeconds int64
}

// Client is the remote control-plane surface consumed by the backend.
type Client interface {
	// SubmitJob submits one job and returns the remote job identifier.
	SubmitJob(ctx context.Context, spec *JobSpec) (string, error)
	// DescribeJob reports the job's current status. A job the provider does
	// not know is reported as models.JobStateNotFound, not an error; the
	// caller owns the eventual-consistency grace window.
	DescribeJob(ctx context.Context, jobID string) (*models.JobStatus, error)
	// TerminateJob requests best-effort termination of a job.
	TerminateJob(ctx context.Context, jobID string, reason string) error
}

// APIError repackages a provider control-plane error with its code and
// message so callers can classify it without depending on the provider SDK.
type APIError struct {
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

var throttleCodes = map[string]bool{
	"TooManyRequestsException": true,
	"ThrottlingException":      true,
	"Throttling":               true,
	"RequestLimitExceeded":     true,
}

var validationCodes = map[string]bool{
	"ClientException":     true,
	"ValidationException": true,
	"ValidationError":     true,
}

// IsThrottle reports whether the provider rejected the call for rate
// reasons; the same call should be retried after backing off.
func IsThrottle(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if throttleCodes[apiErr.Code] {
			return true
		}
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "throttl") || strings.Contains(msg, "rate exceeded")
	}
	return false
}

// IsInvalidSpec reports whether the provider rejected the job specification
// itself. Retrying the same spec cannot help.
func IsInvalidSpec(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return validationCodes[apiErr.Code]
	}
	return false
}

// IsTransient reports whether a control-plane call failed in a way worth
// retrying at the transport layer: throttling, or connection-level trouble.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsThrottle(err) {
		return true
	}
	if IsInvalidSpec(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") &&
		(strings.Contains(msg, "reset") ||
			strings.Contains(msg, "closed") ||
			strings.Contains(msg, "refused") ||
			strings.Contains(msg, "timeout"))
}
