// Package archive mirrors submitted workflow requests and uploaded assets
// to an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/model"
)

// DefaultBucket is used when the configuration names none.
const DefaultBucket = "anvil-archive"

// Archiver stores objects by key.
type Archiver interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Put(context.Context, string, string, []byte) error { return nil }

// RequestKey returns a fresh key for a request submitted to jobID's engine.
func RequestKey(jobID string) string {
	return path.Join("jobs", jobID, "requests", model.NewID()+".json")
}

// AssetKey returns the key for an asset uploaded to jobID's engine.
func AssetKey(jobID, filename string) string {
	return path.Join("jobs", jobID, "assets", path.Base(strings.ReplaceAll(filename, "\\", "/")))
}

// New returns a MinIO archiver, or Nop when cfg has no endpoint.
func New(cfg config.ArchiveConfig, logger *slog.Logger) (Archiver, error) {
	if cfg.Endpoint == "" {
		return Nop{}, nil
	}
	return NewMinIO(cfg, logger)
}

// MinIO writes objects to one bucket, creating it on first use.
type MinIO struct {
	client *minio.Client
	bucket string
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
}

// NewMinIO connects to the endpoint in cfg. No request is made until the
// first Put.
func NewMinIO(cfg config.ArchiveConfig, logger *slog.Logger) (*MinIO, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &MinIO{client: client, bucket: bucket, logger: logger}, nil
}

// Bucket returns the target bucket name.
func (m *MinIO) Bucket() string {
	return m.bucket
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", m.bucket, err)
		}
		m.logger.Info("archive bucket created", "bucket", m.bucket)
	}
	m.ready = true
	return nil
}

// Put uploads data under key.
func (m *MinIO) Put(ctx context.Context, key, contentType string, data []byte) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", m.bucket, key, err)
	}
	m.logger.Debug("archived object", "bucket", m.bucket, "key", key, "bytes", len(data))
	return nil
}
