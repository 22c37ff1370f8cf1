// Package backup ships rule database snapshots to S3-compatible storage.
// When no bucket is configured the NoopUploader is used and uploads are skipped,
// keeping the service in local-only mode.
package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/citytailor/internal/config"
)

// ErrNotConfigured is returned when no backup bucket is configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// CurrentObject is the object name that always holds the latest backup.
const CurrentObject = "rules/current.db"

// Uploader uploads backup files and generates pre-signed download URLs.
type Uploader interface {
	// Upload stores the file at filePath under object name (relative to the prefix).
	Upload(ctx context.Context, name, filePath string) error

	// PresignedURL returns a time-limited download URL for object name.
	PresignedURL(ctx context.Context, name string) (url string, expiry time.Time, err error)
}

// s3Client is the subset of *minio.Client the S3Uploader needs.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads backups to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
	now       func() time.Time
}

func (u *S3Uploader) Upload(ctx context.Context, name, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, u.objectKey(name), filePath); err != nil {
		return fmt.Errorf("upload backup to S3: %w", err)
	}
	return nil
}

func (u *S3Uploader) PresignedURL(ctx context.Context, name string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, u.objectKey(name), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), u.now().Add(u.urlExpiry), nil
}

// objectKey places name under the configured prefix.
func (u *S3Uploader) objectKey(name string) string {
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// NoopUploader is used when backup storage is not configured.
type NoopUploader struct{}

func (u *NoopUploader) Upload(ctx context.Context, name, filePath string) error {
	return nil
}

func (u *NoopUploader) PresignedURL(ctx context.Context, name string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader returns a NoopUploader when the bucket is empty, an S3Uploader otherwise.
func NewUploader(cfg config.BackupConfig) (Uploader, error) {
	if !cfg.Enabled() {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		urlExpiry: time.Duration(cfg.URLExpiry),
		now:       time.Now,
	}, nil
}

// SnapshotObject names a timestamped backup object.
func SnapshotObject(at time.Time) string {
	return "rules/" + at.UTC().Format("20060102T150405Z") + ".db"
}
