package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "tiba.db"), logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsert_InsertThenUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := crash.New([]byte("input"))
	if err := s.Upsert(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	c.Stage = crash.StageReplay
	c.MarkReproducible(true)
	c.RetryCount = 3
	if err := s.Upsert(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	var rows []storage.Row
	if err := s.db.Find(&rows).Error; err != nil {
		t.Fatalf("querying rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(rows))
	}
	if rows[0].Stage != "replay" || rows[0].RetryCount != 3 {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Open("", logger); err == nil {
		t.Fatal("expected error for empty path")
	}
}
