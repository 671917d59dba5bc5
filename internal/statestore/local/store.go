// Package local persists session snapshots on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/imagecrawl/internal/statestore"
)

// Config locates the snapshot file.
type Config struct {
	// BaseDir is the root directory holding the state folder.
	BaseDir string `mapstructure:"base_dir"`
	Folder  string `mapstructure:"folder"`
	Name    string `mapstructure:"name"`
}

// Store writes the snapshot atomically via temp file and rename.
type Store struct {
	path string
}

// New prepares the state folder and verifies it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	name := cfg.Name
	if name == "" {
		name = statestore.DefaultName
	}
	if strings.ContainsRune(name, filepath.Separator) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid snapshot name %q", name)
	}
	dir := filepath.Join(cfg.BaseDir, cfg.Folder)
	cleanBase := filepath.Clean(cfg.BaseDir)
	if cleanDir := filepath.Clean(dir); cleanDir != cleanBase &&
		!strings.HasPrefix(cleanDir, cleanBase+string(filepath.Separator)) {
		return nil, fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	probe := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("state directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{path: filepath.Join(dir, name)}, nil
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot file.
func (s *Store) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, statestore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	return data, nil
}

// Save replaces the snapshot file atomically.
func (s *Store) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".imagecrawl-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", s.path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", s.path, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", s.path, err)
	}
	return nil
}

// Delete removes the snapshot file if present.
func (s *Store) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot %s: %w", s.path, err)
	}
	return nil
}
