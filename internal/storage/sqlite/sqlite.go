// Package sqlite implements the crash archive using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver, with WAL mode enabled for concurrent reads.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/storage"
)

// Store implements storage.Archive backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates the SQLite-backed archive, migrating the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&storage.Row{}); err != nil {
		return nil, fmt.Errorf("migrating crash table: %w", err)
	}

	logger.Info("sqlite archive opened", slog.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Upsert inserts or replaces the archive row for the crash.
func (s *Store) Upsert(ctx context.Context, c *crash.Crash) error {
	row, err := storage.NewRow(c)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("upserting crash %s: %w", c.ID, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
