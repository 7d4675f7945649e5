// Package storage persists crash records: JSON hand-off files for the
// patch-publishing tooling, plus an archive database (SQLite by default,
// PostgreSQL optional) for offline inspection of every crash the run saw.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/tiba/internal/crash"
)

// Archive stores crash rows for inspection after the run.
type Archive interface {
	// Upsert inserts or replaces the archive row for the crash.
	Upsert(ctx context.Context, c *crash.Crash) error
	// Close releases the backend.
	Close() error
}

// Row is the archive representation of one crash. The full record rides
// along as a JSON document; the flat columns exist for querying.
type Row struct {
	ID           string `gorm:"primaryKey;column:id"`
	Stage        string `gorm:"column:stage;index"`
	Project      string `gorm:"column:project"`
	Reproducible *bool  `gorm:"column:reproducible"`
	RetryCount   int    `gorm:"column:retry_count"`
	Fixed        bool   `gorm:"column:fixed"`
	Record       string `gorm:"column:record;type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName keeps the table name stable across drivers.
func (Row) TableName() string { return "crashes" }

// NewRow converts a crash into its archive row.
func NewRow(c *crash.Crash) (*Row, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling crash %s: %w", c.ID, err)
	}
	return &Row{
		ID:           c.ID,
		Stage:        string(c.Stage),
		Project:      c.Project,
		Reproducible: c.Reproducible,
		RetryCount:   c.RetryCount,
		Fixed:        len(c.ValidPatches) > 0,
		Record:       string(doc),
	}, nil
}

// Records writes per-crash JSON documents under one directory, named by
// crash id. Byte fields serialize as base64.
type Records struct {
	dir string
}

// NewRecords creates the records directory if needed.
func NewRecords(dir string) (*Records, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating records directory %s: %w", dir, err)
	}
	return &Records{dir: dir}, nil
}

// Dir returns the records directory.
func (r *Records) Dir() string { return r.dir }

// WriteFull persists the complete crash record. This is the hand-off
// document produced when a fix is confirmed.
func (r *Records) WriteFull(c *crash.Crash) error {
	return r.write(c.ID, c)
}

// WriteSnapshot persists an intermediate record after a repair round,
// excluding the bulky fields that are reconstructible (report, requested
// content) and the retry counter.
func (r *Records) WriteSnapshot(c *crash.Crash) error {
	trimmed := c.Clone()
	trimmed.Report = nil
	trimmed.RequestedContent = nil
	trimmed.RetryCount = 0
	return r.write(c.ID, trimmed)
}

func (r *Records) write(id string, v any) error {
	doc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", id, err)
	}
	path := filepath.Join(r.dir, id+".json")
	if err := os.WriteFile(path, doc, 0644); err != nil {
		return fmt.Errorf("writing record %s: %w", path, err)
	}
	return nil
}
