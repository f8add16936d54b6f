// Package content persists extracted page text as JSON documents in a blob
// store, keyed by a digest of the normalized URL.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const contentType = "application/json"

// Store implements pipeline.ContentStore on top of a pipeline.BlobStore.
type Store struct {
	blobs  pipeline.BlobStore
	hasher pipeline.Hasher
	prefix string
}

// NewStore returns a Store writing under prefix (default "content").
func NewStore(blobs pipeline.BlobStore, hasher pipeline.Hasher, prefix string) *Store {
	if prefix == "" {
		prefix = "content"
	}
	return &Store{blobs: blobs, hasher: hasher, prefix: prefix}
}

// Path returns the object path for normalizedURL.
func (s *Store) Path(normalizedURL string) (string, error) {
	digest, err := s.hasher.Hash([]byte(normalizedURL))
	if err != nil {
		return "", fmt.Errorf("hash content key: %w", err)
	}
	return s.prefix + "/" + digest + ".json", nil
}

// PutContent overwrites the stored document for content.NormalizedURL.
func (s *Store) PutContent(ctx context.Context, content pipeline.Content) error {
	if content.NormalizedURL == "" {
		return fmt.Errorf("%w: content requires a normalized url", pipeline.ErrValidation)
	}
	path, err := s.Path(content.NormalizedURL)
	if err != nil {
		return err
	}
	body, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, path, contentType, body); err != nil {
		return fmt.Errorf("store content: %w", err)
	}
	return nil
}

// GetContent loads the stored document, reporting false when none exists.
func (s *Store) GetContent(ctx context.Context, normalizedURL string) (pipeline.Content, bool, error) {
	path, err := s.Path(normalizedURL)
	if err != nil {
		return pipeline.Content{}, false, err
	}
	body, err := s.blobs.GetObject(ctx, path)
	if errors.Is(err, pipeline.ErrNotFound) {
		return pipeline.Content{}, false, nil
	}
	if err != nil {
		return pipeline.Content{}, false, fmt.Errorf("load content: %w", err)
	}
	var out pipeline.Content
	if err := json.Unmarshal(body, &out); err != nil {
		return pipeline.Content{}, false, fmt.Errorf("decode content %s: %w", path, err)
	}
	return out, true, nil
}
