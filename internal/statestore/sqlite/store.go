// Package sqlite persists session snapshots in an embedded SQLite database.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JakeFAU/imagecrawl/internal/statestore"
)

// Config locates the database file.
type Config struct {
	Path string `mapstructure:"path"`
	Name string `mapstructure:"name"`
}

type snapshotRow struct {
	Name      string `gorm:"primaryKey"`
	Data      []byte `gorm:"not null"`
	UpdatedAt time.Time
}

func (snapshotRow) TableName() string {
	return "session_snapshots"
}

// Store keeps the snapshot as a single row keyed by name.
type Store struct {
	db   *gorm.DB
	name string
}

// New opens (or creates) the database and migrates the snapshot table.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot table: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = statestore.DefaultName
	}
	return &Store{db: db, name: name}, nil
}

// Load returns the stored snapshot.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).First(&row, "name = ?", s.name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, statestore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return row.Data, nil
}

// Save upserts the snapshot row.
func (s *Store) Save(ctx context.Context, data []byte) error {
	row := snapshotRow{Name: s.name, Data: data, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Delete removes the snapshot row.
func (s *Store) Delete(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Delete(&snapshotRow{}, "name = ?", s.name).Error; err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
