// Package storage stages fetched audio in object storage so URL-based
// transcription engines can reach it, and removes it when the job is done.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/castscribe/castscribe/cmd/internal/config"
)

// ObjectRef locates an uploaded object: URL for engines, Key for cleanup.
type ObjectRef struct {
	URL string
	Key string
}

// ObjectStore is the narrow storage contract the pipeline depends on.
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, name, mime string) (ObjectRef, error)
	Delete(ctx context.Context, key string) error
}

// NullStore is the stand-in when no storage is configured. Uploads fail, so
// jobs reach the staging stage and stop there with a clear error.
type NullStore struct{}

func (NullStore) Upload(ctx context.Context, data []byte, name, mime string) (ObjectRef, error) {
	return ObjectRef{}, fmt.Errorf("object storage is not configured")
}

func (NullStore) Delete(ctx context.Context, key string) error { return nil }

type minioStore struct {
	client *minio.Client
	bucket string
	host   string
}

// NewMinIOStore connects to the configured S3-compatible endpoint and
// verifies the bucket exists.
func NewMinIOStore(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	scheme := "http"
	if cfg.Secure {
		scheme = "https"
	}
	return &minioStore{
		client: client,
		bucket: cfg.Bucket,
		host:   fmt.Sprintf("%s://%s", scheme, cfg.Endpoint),
	}, nil
}

func (s *minioStore) Upload(ctx context.Context, data []byte, name, mime string) (ObjectRef, error) {
	key := fmt.Sprintf("audio/%s/%s", time.Now().UTC().Format("2006-01-02"), name)

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  mime,
		UserMetadata: map[string]string{"uploaded-at": time.Now().Format(time.RFC3339)},
	})
	if err != nil {
		return ObjectRef{}, fmt.Errorf("upload %s: %w", name, err)
	}

	escaped := make([]string, 0, 3)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return ObjectRef{
		URL: fmt.Sprintf("%s/%s/%s", s.host, s.bucket, strings.Join(escaped, "/")),
		Key: key,
	}, nil
}

func (s *minioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
