package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/storage"
)

// patchedCrash returns a crash at the repair stage whose history ends in
// a one-line patch for /src/main.c.
func patchedCrash(line int, replacement string) *crash.Crash {
	c := crash.New([]byte{0x00, 0x01})
	c.Stage = crash.StageRepair
	c.MarkReproducible(true)
	c.Report = []byte("==1==ERROR: AddressSanitizer: heap-buffer-overflow")
	c.History = append(c.History, crash.Action{
		Kind:   crash.ActionProposedPatch,
		Reason: "bounds check",
		Patches: []crash.Patch{{
			File: "/src/main.c",
			Diff: []crash.ModifiedLine{{LineNumber: line, Content: []string{replacement}}},
		}},
	})
	return c
}

func TestEvaluateTask_ValidPatch(t *testing.T) {
	repo := crash.NewRepository(discardLogger())
	c := patchedCrash(2, "  if (i < n) buf[i] = 0;")
	repo.Add(c)

	sbx := newFakeInstance()
	sbx.files["/src/main.c"] = []byte("int main() {\n  buf[i] = 0;\n  return 0;\n}\n")
	sbx.handles = []*fakeHandle{
		{exit: 0}, // rebuild
		{exit: 0}, // patched replay: crash gone
	}

	dir := t.TempDir()
	records, err := storage.NewRecords(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task := NewEvaluateTask(repo, testTarget(), records, nil, launcherFor(t, sbx), discardLogger(), nil)
	ctx := context.Background()
	if err := task.Initialize(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer task.Close()

	// Tick 1: apply patch, start rebuild. Tick 2: build done, start
	// replay. Tick 3: replay done, verdict.
	for i := 0; i < 3; i++ {
		if err := task.Run(ctx); err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
	}

	got := repo.First(func(x *crash.Crash) bool { return x.ID == c.ID })
	if got.Stage != crash.StageEvaluate {
		t.Fatalf("stage = %q, want %q", got.Stage, crash.StageEvaluate)
	}
	if len(got.ValidPatches) != 1 {
		t.Fatalf("valid patches = %d, want 1", len(got.ValidPatches))
	}

	// The patched file was written back before the rebuild.
	patched := string(sbx.files["/src/main.c"])
	if !strings.Contains(patched, "if (i < n) buf[i] = 0;") {
		t.Errorf("patched file = %q, want replacement line", patched)
	}
	if strings.Contains(patched, "\n  buf[i] = 0;\n") {
		t.Errorf("patched file = %q, original line should be gone", patched)
	}

	// The crash input was re-run under the timeout wrapper.
	last := sbx.execs[len(sbx.execs)-1]
	if want := "timeout 10s ./target /eval/" + c.ID; last.command != want {
		t.Errorf("replay command = %q, want %q", last.command, want)
	}

	// A full record exists keyed by crash id.
	if _, err := os.Stat(filepath.Join(dir, c.ID+".json")); err != nil {
		t.Errorf("expected persisted record: %v", err)
	}
	if !sbx.closed {
		t.Error("sandbox should be closed after the verdict")
	}
}

func TestEvaluateTask_OutOfRangePatchReverts(t *testing.T) {
	repo := crash.NewRepository(discardLogger())
	c := patchedCrash(99, "nonsense")
	repo.Add(c)

	sbx := newFakeInstance()
	original := "int main() {\n  return 0;\n}\n"
	sbx.files["/src/main.c"] = []byte(original)

	task := NewEvaluateTask(repo, testTarget(), nil, nil, launcherFor(t, sbx), discardLogger(), nil)
	ctx := context.Background()
	if err := task.Initialize(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer task.Close()

	if err := task.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := repo.First(func(x *crash.Crash) bool { return x.ID == c.ID })
	if got.Stage != crash.StageReplay {
		t.Errorf("stage = %q, want %q after rejected patch", got.Stage, crash.StageReplay)
	}
	// Failure is detected before any write: the tree is untouched and no
	// build was attempted.
	if string(sbx.files["/src/main.c"]) != original {
		t.Error("source tree modified by a rejected patch")
	}
	if len(sbx.execs) != 0 {
		t.Errorf("executions = %d, want none", len(sbx.execs))
	}
	if !sbx.closed {
		t.Error("sandbox should be closed after rejection")
	}
}

func TestEvaluateTask_BuildFailureReverts(t *testing.T) {
	repo := crash.NewRepository(discardLogger())
	c := patchedCrash(1, "int main() { broken")
	repo.Add(c)

	sbx := newFakeInstance()
	sbx.files["/src/main.c"] = []byte("int main() {\n  return 0;\n}\n")
	sbx.handles = []*fakeHandle{{exit: 2, output: []byte("cc: syntax error")}}

	task := NewEvaluateTask(repo, testTarget(), nil, nil, launcherFor(t, sbx), discardLogger(), nil)
	ctx := context.Background()
	if err := task.Initialize(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer task.Close()

	for i := 0; i < 2; i++ {
		if err := task.Run(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := repo.First(func(x *crash.Crash) bool { return x.ID == c.ID })
	if got.Stage != crash.StageReplay {
		t.Errorf("stage = %q, want %q after failed build", got.Stage, crash.StageReplay)
	}
	if len(got.ValidPatches) != 0 {
		t.Error("no patches should be validated")
	}
}

func TestEvaluateTask_StillCrashingReverts(t *testing.T) {
	repo := crash.NewRepository(discardLogger())
	c := patchedCrash(2, "  buf[i] = 1;")
	repo.Add(c)

	sbx := newFakeInstance()
	sbx.files["/src/main.c"] = []byte("int main() {\n  buf[i] = 0;\n  return 0;\n}\n")
	sbx.handles = []*fakeHandle{
		{exit: 0},
		{exit: 1, output: []byte("==1==ERROR: AddressSanitizer")},
	}

	task := NewEvaluateTask(repo, testTarget(), nil, nil, launcherFor(t, sbx), discardLogger(), nil)
	ctx := context.Background()
	if err := task.Initialize(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer task.Close()

	for i := 0; i < 3; i++ {
		if err := task.Run(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := repo.First(func(x *crash.Crash) bool { return x.ID == c.ID })
	if got.Stage != crash.StageReplay {
		t.Errorf("stage = %q, want %q while the crash persists", got.Stage, crash.StageReplay)
	}
	if len(got.ValidPatches) != 0 {
		t.Error("a still-crashing build must not validate patches")
	}
}

func TestEvaluateTask_IdleWithoutWork(t *testing.T) {
	repo := crash.NewRepository(discardLogger())
	task := NewEvaluateTask(repo, testTarget(), nil, nil, launcherFor(t), discardLogger(), nil)
	ctx := context.Background()
	if err := task.Initialize(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer task.Close()

	for i := 0; i < 3; i++ {
		if err := task.Run(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}
