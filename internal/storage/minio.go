package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/bobarin/avatarvideo/internal/logging"
	"github.com/bobarin/avatarvideo/internal/models"
)

// MinioConfig describes an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// PublicURL overrides the base of returned URLs, e.g. a CDN in front of the bucket.
	PublicURL string
}

// MinioStorage stores videos in an S3-compatible object store.
type MinioStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
	logger    zerolog.Logger
	now       func() time.Time
}

var _ Drive = (*MinioStorage)(nil)

func NewMinio(cfg MinioConfig) (*MinioStorage, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &MinioStorage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicURL,
		logger:    logging.Component("storage"),
		now:       time.Now,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s *MinioStorage) UploadVideo(ctx context.Context, data []byte, tenantID, displayName, sourceJobID string) (*models.DriveFile, error) {
	path := videoObjectPath(tenantID, sourceJobID, s.now())

	info, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: videoContentType,
		UserMetadata: map[string]string{
			"display-name":  displayName,
			"source-job-id": sourceJobID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload object: %w", err)
	}

	file := &models.DriveFile{
		ID:   uuid.NewString(),
		URL:  s.publicURL + "/" + path,
		Size: info.Size,
	}
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("video_id", sourceJobID).
		Str("path", path).
		Int64("bytes", file.Size).
		Msg("Video uploaded")
	return file, nil
}
