// Package postgres implements the crash archive using PostgreSQL via GORM,
// for deployments where archive rows from many runs are pooled centrally.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/storage"
)

// Store implements storage.Archive backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL and migrates the schema.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	if err := db.AutoMigrate(&storage.Row{}); err != nil {
		return nil, fmt.Errorf("migrating crash table: %w", err)
	}

	logger.Info("postgres archive opened")
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
