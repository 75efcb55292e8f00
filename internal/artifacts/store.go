// Package artifacts uploads job output media to object storage and removes it
// when the job is deleted.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"vigil/internal/config"
	"vigil/internal/logging"
)

// Store persists job artifacts remotely.
type Store interface {
	// Upload stores localPath under the job's prefix and returns its URL.
	Upload(ctx context.Context, jobID, localPath string) (string, error)
	// Remove deletes every object under the job's prefix.
	Remove(ctx context.Context, jobID string) error
}

// New returns a MinIO-backed store when artifacts are enabled and a no-op
// store otherwise.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	if cfg == nil || !cfg.Artifacts.Enabled {
		return Noop{}, nil
	}
	return NewMinioStore(ctx, cfg.Artifacts, logger)
}

// Noop discards uploads.
type Noop struct{}

func (Noop) Upload(context.Context, string, string) (string, error) { return "", nil }
func (Noop) Remove(context.Context, string) error                   { return nil }

// MinioStore writes objects to an S3-compatible bucket.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL *url.URL
	useSSL  bool
	logger  *slog.Logger
}

// NewMinioStore connects to the endpoint and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg config.Artifacts, logger *slog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	bucketCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.MakeBucket(bucketCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, existsErr := client.BucketExists(bucketCtx, cfg.Bucket)
		if existsErr != nil || !exists {
			return nil, fmt.Errorf("create or verify bucket %s: %w", cfg.Bucket, err)
		}
	}

	var base *url.URL
	if cfg.PublicBaseURL != "" {
		base, err = url.Parse(cfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse public_base_url: %w", err)
		}
	}
	logger = logging.NewComponentLogger(logger, "artifacts")
	logger.Info("artifact store connected",
		logging.String("endpoint", cfg.Endpoint),
		logging.String("bucket", cfg.Bucket),
	)
	return &MinioStore{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: base,
		useSSL:  cfg.UseSSL,
		logger:  logger,
	}, nil
}

// ObjectKey returns the object name for a job file.
func ObjectKey(jobID, localPath string) string {
	return path.Join("jobs", jobID, filepath.Base(localPath))
}

func jobPrefix(jobID string) string {
	return path.Join("jobs", jobID) + "/"
}

// Upload implements Store.
func (s *MinioStore) Upload(ctx context.Context, jobID, localPath string) (string, error) {
	key := ObjectKey(jobID, localPath)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Debug("artifact uploaded",
		logging.JobID(jobID),
		logging.String("key", key),
		logging.Int64("bytes", info.Size),
	)
	return PublicURL(s.baseURL, s.useSSL, s.client.EndpointURL().Host, s.bucket, key), nil
}

// Remove implements Store.
func (s *MinioStore) Remove(ctx context.Context, jobID string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: jobPrefix(jobID), Recursive: true})
	var firstErr error
	for object := range objects {
		if object.Err != nil {
			return fmt.Errorf("list artifacts for %s: %w", jobID, object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", object.Key, err)
		}
	}
	return firstErr
}

// PublicURL builds the URL clients use to fetch key. A configured base URL
// wins over the raw endpoint.
func PublicURL(base *url.URL, useSSL bool, host, bucket, key string) string {
	if base != nil {
		u := *base
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + key
		return u.String()
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, bucket, key)
}
