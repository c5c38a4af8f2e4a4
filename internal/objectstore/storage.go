// Package objectstore wraps MinIO/S3 access to the raw source uploads and the
// renditions/thumbnails produced by the external media workers.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/reelworks/vodflow/internal/config"
)

// Storage holds the client plus the two bucket names. Objects are keyed by
// video id prefix ("<id>/...") so per-video cleanup is a prefix walk.
type Storage struct {
	client        *minio.Client
	sourceBucket  string
	derivedBucket string
	region        string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:        client,
		sourceBucket:  cfg.SourceBucket,
		derivedBucket: cfg.DerivedBucket,
		region:        cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure both buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.sourceBucket, s.derivedBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadSource streams the raw upload into the source bucket and returns the
// object key.
func (s *Storage) UploadSource(ctx context.Context, videoID, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	key := fmt.Sprintf("%s/source%s", videoID, filepath.Ext(filename))
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.sourceBucket, key, reader, size, opts); err != nil {
		return "", fmt.Errorf("upload source object: %w", err)
	}
	return key, nil
}

// RemoveSource deletes every source object for the video.
func (s *Storage) RemoveSource(ctx context.Context, videoID string) error {
	return s.removePrefix(ctx, s.sourceBucket, videoID+"/")
}

// RemoveDerived deletes every produced rendition and thumbnail for the video.
// The compensation sweep uses it to undo partial pipeline output.
func (s *Storage) RemoveDerived(ctx context.Context, videoID string) error {
	return s.removePrefix(ctx, s.derivedBucket, videoID+"/")
}

// PresignPlaybackURL returns a signed GET URL for a derived object.
func (s *Storage) PresignPlaybackURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.derivedBucket, objectKey, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign derived object: %w", err)
	}
	return u.String(), nil
}

func (s *Storage) removePrefix(ctx context.Context, bucket, prefix string) error {
	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s/%s: %w", bucket, obj.Key, err)
		}
	}
	return nil
}
