package backup

import (
	"context"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
)

// S3Config holds the settings of an S3-compatible bucket (MinIO, R2, AWS).
type S3Config struct {
	Endpoint  string // host[:port], an http(s):// prefix is accepted
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string // object key prefix, default "backups/"
}

// Configured reports whether enough is set to build an uploader.
func (c S3Config) Configured() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// S3Uploader stores backups in an S3-compatible bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
	prefix string
	log    *logging.Logger

	mu    sync.Mutex
	ready bool
}

// NewS3Uploader creates a minio client for cfg.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if !cfg.Configured() {
		return nil, apperrors.New(apperrors.ErrNotConfigured, "backup bucket endpoint and name are required")
	}
	endpoint, secure := parseEndpoint(cfg.Endpoint, cfg.UseSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to initialize object storage client", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "backups/"
	}
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		log:    logging.WithComponent("backup"),
	}, nil
}

// Upload puts the file at path under the configured prefix.
func (u *S3Uploader) Upload(ctx context.Context, name, path string) error {
	if err := u.ensureBucket(ctx); err != nil {
		return err
	}

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if strings.HasSuffix(name, sumExt) {
		opts.ContentType = "text/plain"
	}
	info, err := u.client.FPutObject(ctx, u.bucket, u.prefix+name, path, opts)
	if err != nil {
		if resp, ok := err.(minio.ErrorResponse); ok {
			u.log.Warn("object storage rejected upload", map[string]interface{}{
				"code": resp.Code, "message": resp.Message, "key": resp.Key, "bucket": resp.BucketName,
			})
			return apperrors.Wrap(apperrors.ErrPermanent, "upload rejected", err)
		}
		return apperrors.Wrap(apperrors.ErrTransient, "upload failed", err)
	}
	u.log.Debug("object uploaded", map[string]interface{}{"key": info.Key, "size": info.Size})
	return nil
}

func (u *S3Uploader) ensureBucket(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ready {
		return nil
	}

	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, "failed to check bucket", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return apperrors.Wrap(apperrors.ErrPermanent, "failed to create bucket", err)
		}
	}
	u.ready = true
	return nil
}

// parseEndpoint strips a scheme from endpoint; an explicit scheme wins
// over useSSL.
func parseEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, useSSL = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, useSSL = strings.TrimPrefix(endpoint, "http://"), false
	}
	return strings.TrimSuffix(endpoint, "/"), useSSL
}
