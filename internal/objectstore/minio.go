// Package objectstore adapts an S3-compatible bucket (R2, MinIO, S3) for
// job artifacts.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

// deleteBatchSize matches the S3 DeleteObjects limit.
const deleteBatchSize = 1000

// Store implements interfaces.ObjectStore with a minio client.
type Store struct {
	client *minio.Client
	bucket string
	logger arbor.ILogger
}

// New connects to the configured bucket and verifies it is reachable.
func New(ctx context.Context, config *common.ObjectStoreConfig, logger arbor.ILogger) (*Store, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, models.Errorf(models.ErrInvalidInput, "object store endpoint and bucket are required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, models.Errorf(models.ErrStorageUnavailable, "bucket check failed: %v", err)
	}
	if !exists {
		return nil, models.Errorf(models.ErrStorageUnavailable, "bucket %s does not exist", config.Bucket)
	}

	logger.Info().
		Str("endpoint", config.Endpoint).
		Str("bucket", config.Bucket).
		Msg("Object store connected")

	return &Store{client: client, bucket: config.Bucket, logger: logger}, nil
}

// Upload stores an object from a reader.
func (s *Store) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// UploadBytes stores an object from memory.
func (s *Store) UploadBytes(ctx context.Context, key string, data []byte, contentType string) error {
	return s.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// Download opens an object for reading. The caller closes the reader.
func (s *Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	// GetObject is lazy; stat to surface missing keys now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, models.Errorf(models.ErrNotFound, "object %s", key)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return obj, nil
}

// DownloadBytes reads a whole object into memory.
func (s *Store) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	r, err := s.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

// Stat returns object metadata.
func (s *Store) Stat(ctx context.Context, key string) (*interfaces.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, models.Errorf(models.ErrNotFound, "object %s", key)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return &interfaces.ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// List returns all objects under a prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	var out []interfaces.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		out = append(out, interfaces.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}

// Delete removes one object. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeleteBatch removes objects in batches of up to 1000 keys.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))

		objects := make(chan minio.ObjectInfo, end-start)
		for _, key := range keys[start:end] {
			objects <- minio.ObjectInfo{Key: key}
		}
		close(objects)

		for rmErr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
			if rmErr.Err != nil {
				return fmt.Errorf("failed to delete %s: %w", rmErr.ObjectName, rmErr.Err)
			}
		}
	}
	s.logger.Debug().Int("count", len(keys)).Msg("Deleted object batch")
	return nil
}

// PresignGet returns a time-limited download URL.
func (s *Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
