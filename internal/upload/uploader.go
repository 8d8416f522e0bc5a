// Package upload copies a succeeded task's declared outputs from the shared
// filesystem to S3-compatible object storage, mirroring their mount-relative
// layout under a configured key prefix.
package upload

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/genomehub/wdlbatch/internal/fsio"
)

// Options configures the object storage target.
type Options struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
	Bucket          string
	// Prefix is prepended to every object key, e.g. "runs".
	Prefix string
}

// Uploader writes task outputs into one bucket.
type Uploader struct {
	client *minio.Client
	opts   Options
	logger *zap.Logger
}

// New creates the uploader and verifies the target bucket exists.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Uploader, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("upload bucket is not configured")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check upload bucket %q: %w", opts.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("upload bucket %q does not exist", opts.Bucket)
	}

	logger.Info("Output uploader ready",
		zap.String("endpoint", opts.Endpoint),
		zap.String("bucket", opts.Bucket),
		zap.String("prefix", opts.Prefix),
	)
	return &Uploader{
		client: client,
		opts:   opts,
		logger: logger.Named("upload"),
	}, nil
}

// UploadOutputs copies each host path (already verified present on the
// mount) to <prefix>/<task>/<mount-relative path> and returns the object
// keys written.
func (u *Uploader) UploadOutputs(ctx context.Context, taskName string, hostPaths []string, adapter *fsio.Adapter) ([]string, error) {
	keys := make([]string, 0, len(hostPaths))
	for _, host := range hostPaths {
		rel, err := adapter.RelPath(host)
		if err != nil {
			return keys, err
		}
		key := path.Join(u.opts.Prefix, taskName, rel)
		info, err := u.client.FPutObject(ctx, u.opts.Bucket, key, host, minio.PutObjectOptions{})
		if err != nil {
			return keys, fmt.Errorf("failed to upload %s to %s/%s: %w", host, u.opts.Bucket, key, err)
		}
		u.logger.Info("Uploaded task output",
			zap.String("task", taskName),
			zap.String("key", key),
			zap.Int64("size", info.Size),
		)
		keys = append(keys, key)
	}
	return keys, nil
}
