package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "config.yaml")

	cfg, err := LoadConfig(path, zap.NewNop())
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, int64(100), cfg.Scheduling.TaskSlots)
	assert.Equal(t, 20*time.Second, cfg.Retry.Cooldown)
	assert.Equal(t, "/mnt/shared", cfg.Provider.MountRoot)
	assert.False(t, cfg.Nats.Enabled)
}

func TestLoadConfigAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log_level: debug
provider:
  job_queue: genomics-queue
  mount_root: /mnt/efs
scheduling:
  task_slots: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "genomics-queue", cfg.Provider.JobQueue)
	assert.Equal(t, int64(8), cfg.Scheduling.TaskSlots)
	// Everything unset falls back to the defaults.
	assert.Equal(t, int64(10), cfg.Scheduling.DownloadSlots)
	assert.Equal(t, 2*time.Second, cfg.Scheduling.PollInterval)
	assert.Equal(t, 1, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.Retry.DownloadMaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Provider.JobTimeout)
}

func TestLoadConfigValidation(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		return p
	}

	_, err := LoadConfig(write("no-queue.yaml", "log_level: info\n"), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job_queue")

	_, err = LoadConfig(write("bad-root.yaml", `
provider:
  job_queue: q
  mount_root: /
`), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mount_root")

	_, err = LoadConfig(write("upload-no-bucket.yaml", `
provider:
  job_queue: q
upload:
  enabled: true
`), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload.bucket")
}
