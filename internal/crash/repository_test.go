package crash

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRepository_AddAndFind(t *testing.T) {
	repo := NewRepository(discardLogger())

	a := New([]byte{0x00})
	b := New([]byte{0x01})
	repo.Add(a)
	repo.Add(b)

	got := repo.Find(nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 crashes, got %d", len(got))
	}
	// Insertion order must be preserved.
	if got[0].ID != a.ID || got[1].ID != b.ID {
		t.Errorf("find order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, a.ID, b.ID)
	}
}

func TestRepository_DuplicateIDIgnored(t *testing.T) {
	repo := NewRepository(discardLogger())

	c := New([]byte("input"))
	repo.Add(c)

	dup := c.Clone()
	dup.Input = []byte("different")
	repo.Add(dup)

	if repo.Len() != 1 {
		t.Fatalf("expected 1 crash after duplicate add, got %d", repo.Len())
	}
	stored := repo.First(nil)
	if string(stored.Input) != "input" {
		t.Errorf("duplicate add replaced record: input = %q", stored.Input)
	}
}

func TestRepository_FindByStage(t *testing.T) {
	repo := NewRepository(discardLogger())

	a := New(nil)
	b := New(nil)
	b.Stage = StageReplay
	repo.Add(a)
	repo.Add(b)

	got := repo.Find(func(c *Crash) bool { return c.Stage == StageReplay })
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("expected only the replay-stage crash, got %d records", len(got))
	}
}

func TestRepository_Update(t *testing.T) {
	repo := NewRepository(discardLogger())

	c := New(nil)
	repo.Add(c)

	c.Stage = StageReplay
	c.MarkReproducible(true)
	repo.Update(c)

	stored := repo.First(nil)
	if stored.Stage != StageReplay {
		t.Errorf("stage = %q, want replay", stored.Stage)
	}
	if !stored.IsReproducible() {
		t.Error("expected reproducible after update")
	}
}

func TestRepository_UpdateMissingIsNoOp(t *testing.T) {
	repo := NewRepository(discardLogger())
	repo.Update(New(nil)) // must not panic or insert
	if repo.Len() != 0 {
		t.Fatalf("update of missing crash inserted a record")
	}
}

func TestRepository_FindReturnsClones(t *testing.T) {
	repo := NewRepository(discardLogger())
	repo.Add(New([]byte("x")))

	snapshot := repo.First(nil)
	snapshot.Stage = StageEvaluate

	if repo.First(nil).Stage != StageFuzz {
		t.Error("mutating a snapshot changed the stored record")
	}
}

func TestCrash_LatestPatches(t *testing.T) {
	c := New(nil)
	if c.LatestPatches() != nil {
		t.Error("expected nil patches for empty history")
	}

	c.History = append(c.History, Action{Kind: ActionMakeNote, Content: "thinking"})
	if c.LatestPatches() != nil {
		t.Error("expected nil patches when tail action is a note")
	}

	patches := []Patch{{File: "a.c", Diff: []ModifiedLine{{LineNumber: 1, Content: []string{"x"}}}}}
	c.History = append(c.History, Action{Kind: ActionProposedPatch, Patches: patches})
	got := c.LatestPatches()
	if len(got) != 1 || got[0].File != "a.c" {
		t.Fatalf("latest patches = %+v, want the proposed set", got)
	}
}
