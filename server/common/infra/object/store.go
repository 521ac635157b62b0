package object

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// maxPresignTTL is the longest expiry S3-compatible stores accept for a
// presigned URL.
const maxPresignTTL = 7 * 24 * time.Hour

// Store reads and writes assets in a single bucket.
type Store struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// NewStore builds a Store. When publicBaseURL is set the bucket is expected
// to be publicly readable and URLs are stable {base}/{bucket}/{path}; without
// it URLs are presigned for the maximum allowed lifetime.
func NewStore(client *minio.Client, bucket, publicBaseURL string) *Store {
	return &Store{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

func (s *Store) Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, cleanPath(path), body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", path, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, cleanPath(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before any bytes are sent.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("stat object %s: %w", path, err)
	}
	return obj, nil
}

func (s *Store) URL(ctx context.Context, path string) (string, error) {
	key := cleanPath(path)
	if s.publicBaseURL != "" {
		return PublicURL(s.publicBaseURL, s.bucket, key), nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, maxPresignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", path, err)
	}
	return u.String(), nil
}

// Delete removes an object. A missing object is not an error so a retried
// delete can make progress past this step.
func (s *Store) Delete(ctx context.Context, path string) error {
	err := s.client.RemoveObject(ctx, s.bucket, cleanPath(path), minio.RemoveObjectOptions{})
	if err == nil {
		return nil
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return nil
	}
	return fmt.Errorf("remove object %s: %w", path, err)
}

func PublicURL(baseURL, bucket, key string) string {
	segments := strings.Split(cleanPath(key), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

func cleanPath(path string) string {
	return strings.TrimPrefix(strings.TrimSpace(path), "/")
}
