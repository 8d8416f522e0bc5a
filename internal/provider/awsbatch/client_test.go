package awsbatch

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/models"
	"github.com/genomehub/wdlbatch/internal/provider"
)

type fakeBatchAPI struct {
	registerIn   *batch.RegisterJobDefinitionInput
	registerErr  error
	submitIn     *batch.SubmitJobInput
	submitErr    error
	describeOut  *batch.DescribeJobsOutput
	describeErr  error
	deregistered []string
	terminateIn  *batch.TerminateJobInput
}

func (f *fakeBatchAPI) RegisterJobDefinition(ctx context.Context, in *batch.RegisterJobDefinitionInput, opts ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error) {
	f.registerIn = in
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &batch.RegisterJobDefinitionOutput{
		JobDefinitionName: in.JobDefinitionName,
		Revision:          aws.Int32(7),
	}, nil
}

func (f *fakeBatchAPI) DeregisterJobDefinition(ctx context.Context, in *batch.DeregisterJobDefinitionInput, opts ...func(*batch.Options)) (*batch.DeregisterJobDefinitionOutput, error) {
	f.deregistered = append(f.deregistered, aws.ToString(in.JobDefinition))
	return &batch.DeregisterJobDefinitionOutput{}, nil
}

func (f *fakeBatchAPI) SubmitJob(ctx context.Context, in *batch.SubmitJobInput, opts ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	f.submitIn = in
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &batch.SubmitJobOutput{JobId: aws.String("batch-job-id")}, nil
}

func (f *fakeBatchAPI) DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, opts ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if f.describeOut != nil {
		return f.describeOut, nil
	}
	return &batch.DescribeJobsOutput{}, nil
}

func (f *fakeBatchAPI) TerminateJob(ctx context.Context, in *batch.TerminateJobInput, opts ...func(*batch.Options)) (*batch.TerminateJobOutput, error) {
	f.terminateIn = in
	return &batch.TerminateJobOutput{}, nil
}

func newTestClient(api *fakeBatchAPI) *Client {
	return &Client{api: api, queue: "genomics-queue", logger: zap.NewNop()}
}

func testJobSpec() *provider.JobSpec {
	return &provider.JobSpec{
		Name:           "align_markdup-try1-a1b2c3d4",
		Image:          "ubuntu:20.04",
		Command:        []string{"/bin/bash", "-ec", "true"},
		VCPU:           2,
		MemoryMiB:      2048,
		Mounts:         []provider.Mount{{ContainerPath: "/mnt/efs", FileSystemID: "fs-123"}},
		Tags:           map[string]string{"wdlbatch-task": "align.markdup"},
		TimeoutSeconds: 3600,
	}
}

func TestSubmitJobRegistersAndDeregistersDefinition(t *testing.T) {
	api := &fakeBatchAPI{}
	c := newTestClient(api)

	jobID, err := c.SubmitJob(context.Background(), testJobSpec())
	require.NoError(t, err)
	assert.Equal(t, "batch-job-id", jobID)

	require.NotNil(t, api.registerIn)
	assert.Equal(t, "align_markdup-try1-a1b2c3d4", aws.ToString(api.registerIn.JobDefinitionName))

	require.NotNil(t, api.submitIn)
	assert.Equal(t, "genomics-queue", aws.ToString(api.submitIn.JobQueue))
	assert.Equal(t, "align_markdup-try1-a1b2c3d4:7", aws.ToString(api.submitIn.JobDefinition))
	require.NotNil(t, api.submitIn.Timeout)
	assert.Equal(t, int32(3600), aws.ToInt32(api.submitIn.Timeout.AttemptDurationSeconds))

	assert.Equal(t, []string{"align_markdup-try1-a1b2c3d4:7"}, api.deregistered,
		"the transient definition is deregistered after submission")
}

func TestSubmitJobDeregistersOnSubmitFailure(t *testing.T) {
	api := &fakeBatchAPI{
		submitErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"},
	}
	c := newTestClient(api)

	_, err := c.SubmitJob(context.Background(), testJobSpec())
	require.Error(t, err)
	assert.True(t, provider.IsThrottle(err))
	assert.Len(t, api.deregistered, 1)
}

func TestContainerPropertiesResources(t *testing.T) {
	spec := testJobSpec()
	spec.GPUs = 2
	spec.Env = map[string]string{"TMPDIR": "/tmp"}

	props, err := containerProperties(spec)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu:20.04", aws.ToString(props.Image))

	byType := map[types.ResourceType]string{}
	for _, r := range props.ResourceRequirements {
		byType[r.Type] = aws.ToString(r.Value)
	}
	assert.Equal(t, "2", byType[types.ResourceTypeVcpu])
	assert.Equal(t, "2048", byType[types.ResourceTypeMemory])
	assert.Equal(t, "2", byType[types.ResourceTypeGpu])

	require.Len(t, props.Environment, 1)
	assert.Equal(t, "TMPDIR", aws.ToString(props.Environment[0].Name))
}

func TestContainerPropertiesVolumes(t *testing.T) {
	spec := testJobSpec()
	props, err := containerProperties(spec)
	require.NoError(t, err)
	require.Len(t, props.Volumes, 1)
	require.NotNil(t, props.Volumes[0].EfsVolumeConfiguration)
	assert.Equal(t, "fs-123", aws.ToString(props.Volumes[0].EfsVolumeConfiguration.FileSystemId))
	require.Len(t, props.MountPoints, 1)
	assert.Equal(t, "/mnt/efs", aws.ToString(props.MountPoints[0].ContainerPath))

	spec.Mounts = []provider.Mount{{ContainerPath: "/mnt/shared", HostPath: "/mnt/shared"}}
	props, err = containerProperties(spec)
	require.NoError(t, err)
	require.NotNil(t, props.Volumes[0].Host)
	assert.Equal(t, "/mnt/shared", aws.ToString(props.Volumes[0].Host.SourcePath))

	spec.Mounts = []provider.Mount{{ContainerPath: "/mnt/shared"}}
	_, err = containerProperties(spec)
	assert.Error(t, err, "a mount needs either a host path or a filesystem id")
}

func TestDescribeJobTranslatesStates(t *testing.T) {
	cases := []struct {
		batchStatus types.JobStatus
		want        models.JobState
	}{
		{types.JobStatusSubmitted, models.JobStatePending},
		{types.JobStatusPending, models.JobStatePending},
		{types.JobStatusRunnable, models.JobStatePending},
		{types.JobStatusStarting, models.JobStatePending},
		{types.JobStatusRunning, models.JobStateRunning},
		{types.JobStatusSucceeded, models.JobStateSucceeded},
		{types.JobStatusFailed, models.JobStateFailed},
		{types.JobStatus("SOMETHING_NEW"), models.JobStatePending},
	}
	for _, tc := range cases {
		api := &fakeBatchAPI{describeOut: &batch.DescribeJobsOutput{
			Jobs: []types.JobDetail{{Status: tc.batchStatus}},
		}}
		st, err := newTestClient(api).DescribeJob(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, st.State, "batch status %s", tc.batchStatus)
	}
}

func TestDescribeJobUnknownJobIsNotFound(t *testing.T) {
	st, err := newTestClient(&fakeBatchAPI{}).DescribeJob(context.Background(), "job-ghost")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateNotFound, st.State)
}

func TestDescribeJobCarriesContainerDetail(t *testing.T) {
	exitCode := int32(137)
	api := &fakeBatchAPI{describeOut: &batch.DescribeJobsOutput{
		Jobs: []types.JobDetail{{
			Status:       types.JobStatusFailed,
			StatusReason: aws.String("Essential container in task exited"),
			Container: &types.ContainerDetail{
				ExitCode:      &exitCode,
				LogStreamName: aws.String("wdlbatch/default/abc"),
			},
		}},
	}}

	st, err := newTestClient(api).DescribeJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 137, *st.ExitCode)
	assert.Equal(t, "wdlbatch/default/abc", st.LogLocator)
	assert.Equal(t, "Essential container in task exited", st.Reason)
	assert.False(t, st.Interrupted)
}

func TestDescribeJobDetectsSpotInterruption(t *testing.T) {
	api := &fakeBatchAPI{describeOut: &batch.DescribeJobsOutput{
		Jobs: []types.JobDetail{{
			Status:       types.JobStatusFailed,
			StatusReason: aws.String("Host EC2 (instance i-0abc) terminated."),
		}},
	}}

	st, err := newTestClient(api).DescribeJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, st.Interrupted)
}

func TestInterruptedReason(t *testing.T) {
	assert.True(t, interruptedReason("Host EC2 (instance i-0abc) terminated."))
	assert.False(t, interruptedReason("Essential container in task exited"))
	assert.False(t, interruptedReason("Host EC2 rebooting"))
	assert.False(t, interruptedReason(""))
}

func TestTerminateJobPassesReason(t *testing.T) {
	api := &fakeBatchAPI{}
	c := newTestClient(api)
	require.NoError(t, c.TerminateJob(context.Background(), "job-1", "terminated by workflow engine"))
	require.NotNil(t, api.terminateIn)
	assert.Equal(t, "job-1", aws.ToString(api.terminateIn.JobId))
	assert.Equal(t, "terminated by workflow engine", aws.ToString(api.terminateIn.Reason))
}

func TestWrapErrExposesProviderClassification(t *testing.T) {
	api := &fakeBatchAPI{
		describeErr: &smithy.GenericAPIError{Code: "ClientException", Message: "no such queue"},
	}
	_, err := newTestClient(api).DescribeJob(context.Background(), "job-1")
	require.Error(t, err)

	var apiErr *provider.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "ClientException", apiErr.Code)
	assert.True(t, provider.IsInvalidSpec(err))
	assert.False(t, provider.IsTransient(err))
}
