package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/genomehub/wdlbatch/internal/config"
	"github.com/genomehub/wdlbatch/internal/events"
	"github.com/genomehub/wdlbatch/internal/provider/awsbatch"
	"github.com/genomehub/wdlbatch/internal/runner"
	"github.com/genomehub/wdlbatch/internal/server"
	"github.com/genomehub/wdlbatch/internal/upload"
)

var (
	Version   = "dev"     // Injected at build time
	BuildDate = "unknown" // Injected at build time
)

var configPath = flag.String("config", filepath.Join("configs", "config.yaml"), "Path to the configuration file")

func main() {
	flag.Parse()

	tempLogger, _ := setupLogger("info")
	cfg, err := config.LoadConfig(*configPath, tempLogger)
	if err != nil {
		tempLogger.Fatal("Failed to load configuration", zap.Error(err), zap.String("path", *configPath))
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		tempLogger.Fatal("Failed to setup logger with config level", zap.Error(err))
	}
	defer logger.Sync()
	cfg.Logger = logger

	logger.Info("Starting WDL batch backend",
		zap.String("version", Version),
		zap.String("build_date", BuildDate),
		zap.String("job_queue", cfg.Provider.JobQueue),
		zap.String("mount_root", cfg.Provider.MountRoot),
	)

	ctx := context.Background()

	client, err := awsbatch.New(ctx, awsbatch.Options{
		Region:   cfg.Provider.Region,
		JobQueue: cfg.Provider.JobQueue,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize batch provider", zap.Error(err))
	}

	var publisher events.Publisher
	if cfg.Nats.Enabled {
		p, err := events.NewNATSPublisher(events.Options{
			URL:            cfg.Nats.URL,
			SubjectPrefix:  cfg.Nats.SubjectPrefix,
			ConnectTimeout: cfg.Nats.ConnectTimeout,
			ReconnectWait:  cfg.Nats.ReconnectWait,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize NATS status publisher", zap.Error(err))
		}
		publisher = p
		defer p.Close()
	}

	var uploader runner.Uploader
	if cfg.Upload.Enabled {
		u, err := upload.New(ctx, upload.Options{
			Endpoint:        cfg.Upload.Endpoint,
			AccessKeyID:     cfg.Upload.AccessKeyID,
			SecretAccessKey: cfg.Upload.SecretAccessKey,
			UseSSL:          cfg.Upload.UseSSL,
			Region:          cfg.Upload.Region,
			Bucket:          cfg.Upload.Bucket,
			Prefix:          cfg.Upload.Prefix,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize output uploader", zap.Error(err))
		}
		uploader = u
	}

	backend, err := runner.New(client, runner.Options{
		TaskSlots:           cfg.Scheduling.TaskSlots,
		DownloadSlots:       cfg.Scheduling.DownloadSlots,
		PollInterval:        cfg.Scheduling.PollInterval,
		SubmitPeriod:        cfg.Scheduling.SubmitPeriod,
		DescribePeriod:      cfg.Scheduling.DescribePeriod,
		NotFoundGrace:       cfg.Scheduling.NotFoundGrace,
		MaxAttempts:         cfg.Retry.MaxAttempts,
		DownloadMaxAttempts: cfg.Retry.DownloadMaxAttempts,
		Cooldown:            cfg.Retry.Cooldown,
		SubmitRetryLimit:    cfg.Retry.SubmitRetryLimit,
		SubmitRetryBackoff:  cfg.Retry.SubmitRetryBackoff,
		MountRoot:           cfg.Provider.MountRoot,
		FileSystemID:        cfg.Provider.FileSystemID,
		AccessPointID:       cfg.Provider.AccessPointID,
		MemoryOverheadMiB:   cfg.Provider.MemoryOverheadMiB,
		DefaultGPUCount:     cfg.Provider.DefaultGPUCount,
		JobTimeout:          cfg.Provider.JobTimeout,
		Events:              publisher,
		Uploader:            uploader,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize backend", zap.Error(err))
	}

	srv := server.New(cfg.HTTPAddr, backend, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := backend.Shutdown(shutdownCtx); err != nil {
		logger.Error("Backend shutdown incomplete", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func setupLogger(level string) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		logLevel = zapcore.InfoLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		logLevel,
	)
	return zap.New(core, zap.AddCaller()), nil
}
