package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/models"
)

func testPolicy() *Policy {
	return &Policy{
		DefaultMaxAttempts:  1,
		DownloadMaxAttempts: 3,
		Cooldown:            20 * time.Second,
		Logger:              zap.NewNop(),
	}
}

func TestMaxAttemptsResolution(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, 5, p.MaxAttempts(&models.TaskSpec{MaxAttempts: 5}))
	assert.Equal(t, 1, p.MaxAttempts(&models.TaskSpec{}))
	assert.Equal(t, 3, p.MaxAttempts(&models.TaskSpec{Download: true}))
	assert.Equal(t, 2, p.MaxAttempts(&models.TaskSpec{Download: true, MaxAttempts: 2}))
}

func TestDecideRetryableClassifications(t *testing.T) {
	p := testPolicy()

	d := p.Decide(models.ClassTransientRemote, 1, 3)
	assert.True(t, d.Retry)
	assert.Equal(t, 20*time.Second, d.Wait)

	d = p.Decide(models.ClassTaskFailure, 2, 3)
	assert.True(t, d.Retry)
}

func TestDecideInclusiveBudgetBound(t *testing.T) {
	p := testPolicy()

	// attempt == max_attempts is the last allowed try; no further retry.
	assert.False(t, p.Decide(models.ClassTransientRemote, 3, 3).Retry)
	assert.True(t, p.Decide(models.ClassTransientRemote, 2, 3).Retry)
	assert.False(t, p.Decide(models.ClassTaskFailure, 1, 1).Retry)
}

func TestDecideFailsClosed(t *testing.T) {
	p := testPolicy()

	assert.False(t, p.Decide(models.ClassInfrastructure, 1, 3).Retry)
	assert.False(t, p.Decide(models.ClassSubmissionRejected, 1, 3).Retry)
	assert.False(t, p.Decide(models.ClassNone, 1, 3).Retry)
	assert.False(t, p.Decide(models.Classification("gibberish"), 1, 3).Retry)
}

func TestClassify(t *testing.T) {
	exitOne := 1

	assert.Equal(t, models.ClassNone, Classify(&models.JobStatus{State: models.JobStateRunning}))
	assert.Equal(t, models.ClassNone, Classify(&models.JobStatus{State: models.JobStateSucceeded}))
	assert.Equal(t, models.ClassTaskFailure,
		Classify(&models.JobStatus{State: models.JobStateFailed, ExitCode: &exitOne}))
	assert.Equal(t, models.ClassTransientRemote,
		Classify(&models.JobStatus{State: models.JobStateFailed, Interrupted: true}))
	assert.Equal(t, models.ClassNone, Classify(nil))
}
