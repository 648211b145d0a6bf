// Package media stores guide images in an S3-compatible object store.
// Images are opaque to the rest of the system: a guide records only the
// object key, and nothing here is ever re-validated after intake.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"buildboard/api/internal/util"
)

var (
	// ErrUnsupportedFormat rejects webp uploads at intake. This is the one
	// content rule the workflow owns; everything else about the file is the
	// storage collaborator's problem.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooLarge          = errors.New("image exceeds size limit")
)

var allowedContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
}

// ValidateContentType checks the declared content type against the intake
// rule before any byte reaches storage.
func ValidateContentType(contentType string) error {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	if semi := strings.Index(normalized, ";"); semi >= 0 {
		normalized = strings.TrimSpace(normalized[:semi])
	}
	if normalized == "image/webp" {
		return ErrUnsupportedFormat
	}
	if _, ok := allowedContentTypes[normalized]; !ok {
		return ErrUnsupportedFormat
	}
	return nil
}

// ObjectKey builds the storage key for a new upload.
func ObjectKey(contentType string) string {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	if semi := strings.Index(normalized, ";"); semi >= 0 {
		normalized = strings.TrimSpace(normalized[:semi])
	}
	ext := allowedContentTypes[normalized]
	return path.Join("build_pics", util.NewID("img")+ext)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	MaxBytes  int64
}

// Store is a MinIO-backed image store.
type Store struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
}

func NewStore(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, maxBytes: cfg.MaxBytes}, nil
}

// EnsureBucket creates the bucket if it does not already exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put validates the declared content type and size, streams the image into
// the bucket, and returns the object key to be recorded as the guide's
// image path.
func (s *Store) Put(ctx context.Context, reader io.Reader, size int64, contentType string) (string, error) {
	if err := ValidateContentType(contentType); err != nil {
		return "", err
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return "", ErrTooLarge
	}

	key := ObjectKey(contentType)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return key, nil
}

// Remove deletes a stored image. Used on the reject path; failures are
// logged and reported but do not roll the rejection back.
func (s *Store) Remove(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		log.Printf("media: remove object %s: %v", key, err)
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// PresignedURL returns a short-lived GET URL for the stored image.
func (s *Store) PresignedURL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, 15*time.Minute, nil)
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return u.String(), nil
}
