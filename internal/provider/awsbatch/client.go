// Package awsbatch implements the provider.Client surface on AWS Batch.
// Each submission registers a transient job definition and submits a job
// referencing it; the definition is deregistered best-effort afterwards.
package awsbatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/models"
	"github.com/genomehub/wdlbatch/internal/provider"
)

// Options configures the AWS Batch client.
type Options struct {
	Region   string
	JobQueue string
}

// Client talks to the AWS Batch control plane.
type Client struct {
	api    batchAPI
	queue  string
	logger *zap.Logger
}

// batchAPI is the subset of the Batch SDK client we call, split out so tests
// can substitute a scripted implementation.
type batchAPI interface {
	RegisterJobDefinition(ctx context.Context, in *batch.RegisterJobDefinitionInput, opts ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
	DeregisterJobDefinition(ctx context.Context, in *batch.DeregisterJobDefinitionInput, opts ...func(*batch.Options)) (*batch.DeregisterJobDefinitionOutput, error)
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, opts ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, opts ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
	TerminateJob(ctx context.Context, in *batch.TerminateJobInput, opts ...func(*batch.Options)) (*batch.TerminateJobOutput, error)
}

// New creates a Batch client using the ambient AWS credential chain.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	if opts.JobQueue == "" {
		return nil, fmt.Errorf("aws batch: job queue is not configured")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	logger.Info("Initialized AWS Batch client",
		zap.String("region", opts.Region),
		zap.String("job_queue", opts.JobQueue),
	)
	return &Client{
		api:    batch.NewFromConfig(awsCfg),
		queue:  opts.JobQueue,
		logger: logger.Named("awsbatch"),
	}, nil
}

// SubmitJob registers a job definition for this attempt and submits it to
// the configured queue, returning the Batch job id.
func (c *Client) SubmitJob(ctx context.Context, spec *provider.JobSpec) (string, error) {
	props, err := containerProperties(spec)
	if err != nil {
		return "", err
	}

	def, err := c.api.RegisterJobDefinition(ctx, &batch.RegisterJobDefinitionInput{
		JobDefinitionName:   aws.String(spec.Name),
		Type:                types.JobDefinitionTypeContainer,
		ContainerProperties: props,
	})
	if err != nil {
		return "", wrapErr("register job definition", err)
	}
	defHandle := fmt.Sprintf("%s:%d", aws.ToString(def.JobDefinitionName), aws.ToInt32(def.Revision))
	c.logger.Debug("Registered Batch job definition", zap.String("job_definition", defHandle))

	in := &batch.SubmitJobInput{
		JobName:       aws.String(spec.Name),
		JobQueue:      aws.String(c.queue),
		JobDefinition: aws.String(defHandle),
		Tags:          spec.Tags,
	}
	if spec.TimeoutSeconds > 0 {
		in.Timeout = &types.JobTimeout{AttemptDurationSeconds: aws.Int32(int32(spec.TimeoutSeconds))}
	}
	out, err := c.api.SubmitJob(ctx, in)
	if err != nil {
		c.deregister(defHandle)
		return "", wrapErr("submit job", err)
	}

	// A submitted job keeps running after its definition is deregistered,
	// and Batch expires stale definitions anyway, so failure here is not
	// fatal.
	c.deregister(defHandle)

	jobID := aws.ToString(out.JobId)
	c.logger.Info("AWS Batch job submitted",
		zap.String("job_id", jobID),
		zap.String("job_name", spec.Name),
		zap.String("job_queue", c.queue),
	)
	return jobID, nil
}

func (c *Client) deregister(defHandle string) {
	_, err := c.api.DeregisterJobDefinition(context.Background(), &batch.DeregisterJobDefinitionInput{
		JobDefinition: aws.String(defHandle),
	})
	if err != nil {
		c.logger.Warn("Failed to deregister Batch job definition",
			zap.String("job_definition", defHandle),
			zap.Error(err),
		)
	}
}

// DescribeJob translates the Batch job detail into the local status variant.
func (c *Client) DescribeJob(ctx context.Context, jobID string) (*models.JobStatus, error) {
	out, err := c.api.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
	if err != nil {
		return nil, wrapErr("describe job", err)
	}
	if len(out.Jobs) == 0 {
		return &models.JobStatus{State: models.JobStateNotFound}, nil
	}
	return translateDetail(&out.Jobs[0]), nil
}

// TerminateJob requests termination; Batch applies it to whatever state the
// job is in, including still-queued.
func (c *Client) TerminateJob(ctx context.Context, jobID string, reason string) error {
	_, err := c.api.TerminateJob(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(jobID),
		Reason: aws.String(reason),
	})
	if err != nil {
		return wrapErr("terminate job", err)
	}
	return nil
}

func containerProperties(spec *provider.JobSpec) (*types.ContainerProperties, error) {
	resources := []types.ResourceRequirement{
		{Type: types.ResourceTypeVcpu, Value: aws.String(strconv.Itoa(spec.VCPU))},
		{Type: types.ResourceTypeMemory, Value: aws.String(strconv.Itoa(spec.MemoryMiB))},
	}
	if spec.GPUs > 0 {
		resources = append(resources, types.ResourceRequirement{
			Type:  types.ResourceTypeGpu,
			Value: aws.String(strconv.Itoa(spec.GPUs)),
		})
	}

	env := make([]types.KeyValuePair, 0, len(spec.Env))
	for name, value := range spec.Env {
		env = append(env, types.KeyValuePair{Name: aws.String(name), Value: aws.String(value)})
	}

	var mountPoints []types.MountPoint
	var volumes []types.Volume
	for i, m := range spec.Mounts {
		volName := fmt.Sprintf("vol%d", i)
		mountPoints = append(mountPoints, types.MountPoint{
			ContainerPath: aws.String(m.ContainerPath),
			SourceVolume:  aws.String(volName),
		})
		vol := types.Volume{Name: aws.String(volName)}
		switch {
		case m.FileSystemID != "":
			efs := &types.EFSVolumeConfiguration{
				FileSystemId:      aws.String(m.FileSystemID),
				TransitEncryption: types.EFSTransitEncryptionEnabled,
			}
			if m.AccessPointID != "" {
				efs.AuthorizationConfig = &types.EFSAuthorizationConfig{
					AccessPointId: aws.String(m.AccessPointID),
				}
			}
			vol.EfsVolumeConfiguration = efs
		case m.HostPath != "":
			vol.Host = &types.Host{SourcePath: aws.String(m.HostPath)}
		default:
			return nil, fmt.Errorf("mount %q has neither a host path nor a filesystem id", m.ContainerPath)
		}
		volumes = append(volumes, vol)
	}

	return &types.ContainerProperties{
		Image:                aws.String(spec.Image),
		Command:              spec.Command,
		Environment:          env,
		ResourceRequirements: resources,
		MountPoints:          mountPoints,
		Volumes:              volumes,
	}, nil
}

func translateDetail(detail *types.JobDetail) *models.JobStatus {
	st := &models.JobStatus{Reason: aws.ToString(detail.StatusReason)}

	switch detail.Status {
	case types.JobStatusSubmitted, types.JobStatusPending, types.JobStatusRunnable, types.JobStatusStarting:
		st.State = models.JobStatePending
	case types.JobStatusRunning:
		st.State = models.JobStateRunning
	case types.JobStatusSucceeded:
		st.State = models.JobStateSucceeded
	case types.JobStatusFailed:
		st.State = models.JobStateFailed
	default:
		// Unknown vocabulary from the provider is surfaced as pending so the
		// poll loop keeps observing rather than misclassifying.
		st.State = models.JobStatePending
	}

	if detail.Container != nil {
		if detail.Container.LogStreamName != nil {
			st.LogLocator = aws.ToString(detail.Container.LogStreamName)
		}
		if detail.Container.ExitCode != nil {
			code := int(aws.ToInt32(detail.Container.ExitCode))
			st.ExitCode = &code
		}
		if st.Reason == "" {
			st.Reason = aws.ToString(detail.Container.Reason)
		}
	}

	if st.State == models.JobStateFailed {
		st.Interrupted = interruptedReason(aws.ToString(detail.StatusReason))
	}
	return st
}

// interruptedReason matches the status reasons Batch reports when the
// underlying instance is reclaimed out from under the job.
func interruptedReason(statusReason string) bool {
	return strings.Contains(statusReason, "Host EC2") && strings.Contains(statusReason, "terminated")
}

func wrapErr(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, &provider.APIError{
			Code:    apiErr.ErrorCode(),
			Message: apiErr.ErrorMessage(),
			Err:     err,
		})
	}
	return fmt.Errorf("%s: %w", op, err)
}
