// Package gcs persists session snapshots as a Google Cloud Storage object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/statestore"
)

// Config locates the snapshot object.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Folder string `mapstructure:"folder"`
	Name   string `mapstructure:"name"`
}

// ObjectName joins folder and name into the object key.
func (c Config) ObjectName() string {
	folder := strings.Trim(c.Folder, "/")
	name := c.Name
	if name == "" {
		name = statestore.DefaultName
	}
	if folder == "" {
		return name
	}
	return path.Join(folder, name)
}

// Store implements statestore.Store on a single GCS object.
type Store struct {
	Client     *storage.Client
	BucketName string
	ObjectName string
	Logger     *zap.Logger
}

// New creates a client using Application Default Credentials and verifies the bucket.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("Failed to close GCS client after bucket check failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket '%s' attributes: %w", cfg.Bucket, err)
	}

	return &Store{
		Client:     client,
		BucketName: cfg.Bucket,
		ObjectName: cfg.ObjectName(),
		Logger:     logger,
	}, nil
}

func (s *Store) object() *storage.ObjectHandle {
	return s.Client.Bucket(s.BucketName).Object(s.ObjectName)
}

// Load downloads the snapshot object.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	r, err := s.object().NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, statestore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open GCS object %s: %w", s.ObjectName, err)
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			s.logger().Warn("Failed to close GCS reader", zap.Error(cerr))
		}
	}()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read GCS object %s: %w", s.ObjectName, err)
	}
	return data, nil
}

// Save uploads data, replacing any previous snapshot.
func (s *Store) Save(ctx context.Context, data []byte) error {
	wc := s.object().NewWriter(ctx)
	wc.ContentType = "application/json"

	if _, err := wc.Write(data); err != nil {
		if cerr := wc.Close(); cerr != nil {
			s.logger().Warn("Failed to close GCS writer after write failure", zap.Error(err), zap.NamedError("close_error", cerr))
		}
		return fmt.Errorf("failed to write data to GCS object %s: %w", s.ObjectName, err)
	}

	// Close finalizes the upload.
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for object %s: %w", s.ObjectName, err)
	}
	return nil
}

// Delete removes the snapshot object.
func (s *Store) Delete(ctx context.Context) error {
	err := s.object().Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return fmt.Errorf("delete GCS object %s: %w", s.ObjectName, err)
}

// Close releases the GCS client.
func (s *Store) Close() error {
	if err := s.Client.Close(); err != nil {
		return fmt.Errorf("close GCS client: %w", err)
	}
	return nil
}

func (s *Store) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
