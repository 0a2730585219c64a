package images

import (
	"context"
	"errors"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"photocache/internal/logging"
)

// S3Storage implements Storage on an S3-compatible object store, for
// deployments where the cache directory should survive container restarts.
type S3Storage struct {
	client *minio.Client
	bucket string
	prefix string
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Endpoint string // S3_ENDPOINT
	KeyID    string // S3_KEY_ID
	Secret   string // S3_SECRET
	Bucket   string // S3_BUCKET
	Prefix   string // S3_PREFIX - optional folder prefix for all objects
}

// NewS3Storage creates a new S3-backed storage.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	logging.Storage.Printf("initializing s3 storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.Secret, ""),
		Secure: true,
	})
	if err != nil {
		logging.Storage.Printf("failed to create s3 client: %v", err)
		return nil, err
	}

	return &S3Storage{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Storage) Location(name string) string {
	return s.key(name)
}

func (s *S3Storage) Save(ctx context.Context, name string, data io.Reader) (int64, error) {
	return s.SaveWithProgress(ctx, name, data, -1, nil)
}

func (s *S3Storage) SaveWithProgress(ctx context.Context, name string, data io.Reader, size int64, onProgress ProgressFunc) (int64, error) {
	key := s.key(name)

	var reader io.Reader = data
	if onProgress != nil {
		reader = &progressReader{
			reader:     data,
			total:      size,
			onProgress: onProgress,
		}
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{})
	if err != nil {
		logging.Storage.Printf("upload failed for %s: %v", key, err)
		return 0, err
	}
	return info.Size, nil
}

func (s *S3Storage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; stat to surface missing objects now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		var respErr minio.ErrorResponse
		if errors.As(err, &respErr) && respErr.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3Storage) Delete(ctx context.Context, name string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
}
