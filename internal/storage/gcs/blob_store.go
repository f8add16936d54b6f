// Package gcs stores extracted page content in a Google Cloud Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Config names the bucket that holds content objects.
type Config struct {
	Bucket string
}

// BlobStore reads and writes content objects in one bucket.
type BlobStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// New wraps an existing client. The store owns the client from then on.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

// object returns a handle whose writes are retried unconditionally. Keys are
// derived from content hashes, so replaying an upload is harmless.
func (s *BlobStore) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(key).Retryer(storage.WithPolicy(storage.RetryAlways))
}

// PutObject uploads data in a single request and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("object key is required")
	}
	w := s.object(key).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", key, err)
	}
	return "gs://" + s.name + "/" + key, nil
}

// GetObject downloads an object, mapping a missing object to ErrNotFound.
func (s *BlobStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return nil, fmt.Errorf("object %s: %w", key, pipeline.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close() //nolint:errcheck // read-only handle
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Close releases the storage client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
