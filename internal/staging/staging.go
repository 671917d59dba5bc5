// Package staging manages the per-session scratch directory that holds downloaded images.
package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures where staging directories are created.
type Config struct {
	// BaseDir is the parent of every session directory. Defaults to the OS temp dir.
	BaseDir string `mapstructure:"base_dir"`
}

// Stager creates, fills and releases session directories under one base directory.
type Stager struct {
	baseDir string
}

// New prepares the base directory and checks that it is writable.
func New(cfg Config) (*Stager, error) {
	base := strings.TrimSpace(cfg.BaseDir)
	if base == "" {
		base = filepath.Join(os.TempDir(), "imagecrawl")
	}

	info, err := os.Stat(base)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(base, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create staging base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat staging base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("staging base path is not a directory")
	}

	testFile := filepath.Join(base, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("staging base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Stager{baseDir: filepath.Clean(base)}, nil
}

// BaseDir returns the cleaned base directory.
func (s *Stager) BaseDir() string {
	return s.baseDir
}

// Create makes a fresh session directory.
func (s *Stager) Create(_ context.Context) (string, error) {
	dir, err := os.MkdirTemp(s.baseDir, "session_")
	if err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	return dir, nil
}

// Ensure recreates dir when a restored session points at a directory that no longer exists.
func (s *Stager) Ensure(_ context.Context, dir string) error {
	if err := s.within(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("ensure staging directory: %w", err)
	}
	return nil
}

// Put writes one file into dir and returns its path.
func (s *Stager) Put(_ context.Context, dir, name string, data []byte) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("file name is required")
	}
	if err := s.within(dir); err != nil {
		return "", err
	}
	full := filepath.Join(dir, name)
	if filepath.Dir(filepath.Clean(full)) != filepath.Clean(dir) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return full, nil
}

// Release deletes dir and everything in it. An empty or missing dir is a no-op.
func (s *Stager) Release(dir string) error {
	if dir == "" {
		return nil
	}
	if err := s.within(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("release staging directory: %w", err)
	}
	return nil
}

func (s *Stager) within(dir string) error {
	clean := filepath.Clean(dir)
	if !strings.HasPrefix(clean, s.baseDir+string(filepath.Separator)) {
		return fmt.Errorf("directory %q is outside staging base %q", dir, s.baseDir)
	}
	return nil
}
