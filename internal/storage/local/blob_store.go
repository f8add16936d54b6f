// Package local stores extracted page content on the local filesystem.
package local

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is created if missing. Every object lives below it.
	BaseDir string `mapstructure:"dir" yaml:"dir"`
}

// BlobStore keeps objects as files under one directory. Writes go to a temp
// file first and are renamed into place, so readers never see partial text
// when a redelivered task rewrites the same key.
type BlobStore struct {
	root *os.Root
	dir  string
}

// New opens (creating if needed) the base directory.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &BlobStore{root: root, dir: abs}, nil
}

// Close releases the directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}

// PutObject writes data under key and returns its file:// URI.
func (s *BlobStore) PutObject(_ context.Context, key string, _ string, data []byte) (string, error) {
	name, err := objectName(key)
	if err != nil {
		return "", err
	}
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create object directory: %w", err)
		}
	}
	tmp := name + ".tmp-" + randomSuffix()
	if err := s.root.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if err := s.root.Rename(tmp, name); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("commit object %s: %w", key, err)
	}
	return "file://" + filepath.Join(s.dir, filepath.FromSlash(name)), nil
}

// GetObject reads a previously written object.
func (s *BlobStore) GetObject(_ context.Context, key string) ([]byte, error) {
	name, err := objectName(key)
	if err != nil {
		return nil, err
	}
	data, err := s.root.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", key, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// objectName validates a slash-separated key. os.Root rejects escapes on its
// own; this gives callers a clearer error first.
func objectName(key string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(key), "/")
	if name == "" {
		return "", errors.New("object key is required")
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("object key %q is not a clean relative path", key)
	}
	return name, nil
}

func randomSuffix() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
