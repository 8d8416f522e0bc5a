package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SchedulingConfig bounds concurrency and call pacing toward the provider.
type SchedulingConfig struct {
	// TaskSlots and DownloadSlots size the two concurrency pools.
	TaskSlots     int64 `yaml:"task_slots"`
	DownloadSlots int64 `yaml:"download_slots"`

	// PollInterval is the per-job describe cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
	// SubmitPeriod and DescribePeriod are the minimum spacings between
	// calls of each operation class, shared across all runners.
	SubmitPeriod   time.Duration `yaml:"submit_period"`
	DescribePeriod time.Duration `yaml:"describe_period"`
	// NotFoundGrace is how long a freshly submitted job may stay invisible
	// to describe calls before that counts as an infrastructure error.
	NotFoundGrace time.Duration `yaml:"not_found_grace"`
}

// RetryConfig holds task-level retry defaults.
type RetryConfig struct {
	MaxAttempts         int `yaml:"max_attempts"`
	DownloadMaxAttempts int `yaml:"download_max_attempts"`
	// Cooldown is the wait before resubmitting a failed attempt, giving the
	// shared filesystem and log system time to converge.
	Cooldown time.Duration `yaml:"cooldown"`
	// SubmitRetryLimit bounds transport-level submit retries.
	SubmitRetryLimit int `yaml:"submit_retry_limit"`
	// SubmitRetryBackoff is the initial transport retry backoff.
	SubmitRetryBackoff time.Duration `yaml:"submit_retry_backoff"`
}

// ProviderConfig describes the remote batch service and the shared mount.
type ProviderConfig struct {
	Region   string `yaml:"region"`
	JobQueue string `yaml:"job_queue"`

	// MountRoot is the shared filesystem mount point, identical locally and
	// inside remote containers.
	MountRoot     string `yaml:"mount_root"`
	FileSystemID  string `yaml:"filesystem_id,omitempty"`
	AccessPointID string `yaml:"access_point_id,omitempty"`

	// MemoryOverheadMiB is subtracted from converted memory requests to
	// account for provider-reserved overhead.
	MemoryOverheadMiB int `yaml:"memory_overhead_mib"`
	// DefaultGPUCount expands a boolean GPU requirement.
	DefaultGPUCount int `yaml:"default_gpu_count"`
	// JobTimeout is the provider-enforced last-resort ceiling.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// NatsConfig configures the optional task status event stream.
type NatsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
}

// UploadConfig configures the optional post-success output upload.
type UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
}

// Config is the full configuration surface of the backend daemon.
type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`

	Scheduling SchedulingConfig `yaml:"scheduling"`
	Retry      RetryConfig      `yaml:"retry"`
	Provider   ProviderConfig   `yaml:"provider"`
	Nats       NatsConfig       `yaml:"nats"`
	Upload     UploadConfig     `yaml:"upload"`

	Logger *zap.Logger `yaml:"-"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		HTTPAddr: ":8090",
		Scheduling: SchedulingConfig{
			TaskSlots:      100,
			DownloadSlots:  10,
			PollInterval:   2 * time.Second,
			SubmitPeriod:   time.Second,
			DescribePeriod: time.Second,
			NotFoundGrace:  time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:         1,
			DownloadMaxAttempts: 3,
			Cooldown:            20 * time.Second,
			SubmitRetryLimit:    4,
			SubmitRetryBackoff:  time.Second,
		},
		Provider: ProviderConfig{
			Region:            "us-east-1",
			MountRoot:         "/mnt/shared",
			MemoryOverheadMiB: 0,
			DefaultGPUCount:   1,
			JobTimeout:        24 * time.Hour,
		},
		Nats: NatsConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			SubjectPrefix:  "wdlbatch.tasks",
			ConnectTimeout: 5 * time.Second,
			ReconnectWait:  3 * time.Second,
		},
		Upload: UploadConfig{
			Enabled: false,
			Prefix:  "runs",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path, creating a
// default config file if one does not exist yet.
func LoadConfig(path string, logger *zap.Logger) (*Config, error) {
	defaults := defaultConfig()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaults)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		logger.Info("Default configuration file created", zap.String("path", path))
		defaults.Logger = logger
		return defaults, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaults)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Logger = logger
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Provider.JobQueue == "" {
		return fmt.Errorf("provider.job_queue must be set")
	}
	if c.Provider.MountRoot == "" || c.Provider.MountRoot == "/" {
		return fmt.Errorf("provider.mount_root must be an absolute path below /")
	}
	if c.Upload.Enabled && c.Upload.Bucket == "" {
		return fmt.Errorf("upload.bucket must be set when upload is enabled")
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return fmt.Errorf("nats.url must be set when nats is enabled")
	}
	return nil
}

// applyDefaultsIfNotSet fills zero-valued fields from the defaults.
func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}

	if cfg.Scheduling.TaskSlots == 0 {
		cfg.Scheduling.TaskSlots = defaults.Scheduling.TaskSlots
	}
	if cfg.Scheduling.DownloadSlots == 0 {
		cfg.Scheduling.DownloadSlots = defaults.Scheduling.DownloadSlots
	}
	if cfg.Scheduling.PollInterval == 0 {
		cfg.Scheduling.PollInterval = defaults.Scheduling.PollInterval
	}
	if cfg.Scheduling.SubmitPeriod == 0 {
		cfg.Scheduling.SubmitPeriod = defaults.Scheduling.SubmitPeriod
	}
	if cfg.Scheduling.DescribePeriod == 0 {
		cfg.Scheduling.DescribePeriod = defaults.Scheduling.DescribePeriod
	}
	if cfg.Scheduling.NotFoundGrace == 0 {
		cfg.Scheduling.NotFoundGrace = defaults.Scheduling.NotFoundGrace
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if cfg.Retry.DownloadMaxAttempts == 0 {
		cfg.Retry.DownloadMaxAttempts = defaults.Retry.DownloadMaxAttempts
	}
	if cfg.Retry.Cooldown == 0 {
		cfg.Retry.Cooldown = defaults.Retry.Cooldown
	}
	if cfg.Retry.SubmitRetryLimit == 0 {
		cfg.Retry.SubmitRetryLimit = defaults.Retry.SubmitRetryLimit
	}
	if cfg.Retry.SubmitRetryBackoff == 0 {
		cfg.Retry.SubmitRetryBackoff = defaults.Retry.SubmitRetryBackoff
	}

	if cfg.Provider.Region == "" {
		cfg.Provider.Region = defaults.Provider.Region
	}
	if cfg.Provider.MountRoot == "" {
		cfg.Provider.MountRoot = defaults.Provider.MountRoot
	}
	if cfg.Provider.DefaultGPUCount == 0 {
		cfg.Provider.DefaultGPUCount = defaults.Provider.DefaultGPUCount
	}
	if cfg.Provider.JobTimeout == 0 {
		cfg.Provider.JobTimeout = defaults.Provider.JobTimeout
	}

	if cfg.Nats.URL == "" {
		cfg.Nats.URL = defaults.Nats.URL
	}
	if cfg.Nats.SubjectPrefix == "" {
		cfg.Nats.SubjectPrefix = defaults.Nats.SubjectPrefix
	}
	if cfg.Nats.ConnectTimeout == 0 {
		cfg.Nats.ConnectTimeout = defaults.Nats.ConnectTimeout
	}
	if cfg.Nats.ReconnectWait == 0 {
		cfg.Nats.ReconnectWait = defaults.Nats.ReconnectWait
	}

	if cfg.Upload.Prefix == "" {
		cfg.Upload.Prefix = defaults.Upload.Prefix
	}
}
