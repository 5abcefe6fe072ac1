// Package local writes raw captures to a directory on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// Config captures the parameters for the local capture store.
type Config struct {
	// Dir is the root directory for captures. It is created when missing.
	Dir string
	// Prefix is joined under Dir for every object path.
	Prefix string
}

// BlobStore writes captures under a root directory.
type BlobStore struct {
	root string
}

var _ harvest.BlobStore = (*BlobStore)(nil)

// New prepares the root directory and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("capture directory is required")
	}
	root := filepath.Clean(filepath.Join(cfg.Dir, cfg.Prefix))
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create capture directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat capture directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("capture path %s is not a directory", root)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("capture directory is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}
	return &BlobStore{root: root}, nil
}

// PutObject streams data into place and returns a file:// URI. The object
// becomes visible only once fully written.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	full := filepath.Clean(filepath.Join(s.root, path))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the capture directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".capture-*")
	if err != nil {
		return "", fmt.Errorf("create temp capture: %w", err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write capture: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close capture: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("publish capture: %w", err)
	}
	return "file://" + full, nil
}
