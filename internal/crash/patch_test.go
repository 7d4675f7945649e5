package crash

import (
	"errors"
	"testing"
)

func TestApplyPatch_SingleLine(t *testing.T) {
	src := []byte("one\ntwo\nthree\n")
	patch := Patch{
		File: "main.c",
		Diff: []ModifiedLine{{LineNumber: 2, Content: []string{"X"}}},
	}

	got, err := ApplyPatch(src, patch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "one\nX\nthree\n"; string(got) != want {
		t.Errorf("patched content = %q, want %q", got, want)
	}
}

func TestApplyPatch_MultiLineReplacement(t *testing.T) {
	src := []byte("a\nb\nc\n")
	patch := Patch{
		File: "buf.c",
		Diff: []ModifiedLine{{LineNumber: 2, Content: []string{"b1", "b2"}}},
	}

	got, err := ApplyPatch(src, patch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "a\nb1\nb2\nc\n"; string(got) != want {
		t.Errorf("patched content = %q, want %q", got, want)
	}
}

func TestApplyPatch_OutOfRange(t *testing.T) {
	src := []byte("only line\n")
	patch := Patch{
		File: "main.c",
		Diff: []ModifiedLine{{LineNumber: 5, Content: []string{"X"}}},
	}

	_, err := ApplyPatch(src, patch)
	var perr *PatchError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PatchError, got %v", err)
	}
	if perr.Kind != "out_of_range" {
		t.Errorf("kind = %q, want out_of_range", perr.Kind)
	}
	if perr.Line != 5 {
		t.Errorf("line = %d, want 5", perr.Line)
	}
}

func TestApplyPatch_ZeroLineNumber(t *testing.T) {
	src := []byte("a\n")
	patch := Patch{
		File: "main.c",
		Diff: []ModifiedLine{{LineNumber: 0, Content: []string{"X"}}},
	}

	if _, err := ApplyPatch(src, patch); err == nil {
		t.Fatal("expected out-of-range error for line 0")
	}
}

func TestApplyPatch_DoubleEditFails(t *testing.T) {
	src := []byte("a\nb\nc\n")
	patch := Patch{
		File: "main.c",
		Diff: []ModifiedLine{
			{LineNumber: 2, Content: []string{"first"}},
			{LineNumber: 2, Content: []string{"second"}},
		},
	}

	_, err := ApplyPatch(src, patch)
	var perr *PatchError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PatchError, got %v", err)
	}
	if perr.Kind != "double_edit" {
		t.Errorf("kind = %q, want double_edit", perr.Kind)
	}
	// The input must remain untouched on failure.
	if string(src) != "a\nb\nc\n" {
		t.Errorf("source mutated on failed application: %q", src)
	}
}

func TestApplyPatch_NoTrailingNewline(t *testing.T) {
	src := []byte("a\nb")
	patch := Patch{
		File: "main.c",
		Diff: []ModifiedLine{{LineNumber: 2, Content: []string{"B"}}},
	}

	got, err := ApplyPatch(src, patch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "a\nB\n"; string(got) != want {
		t.Errorf("patched content = %q, want %q", got, want)
	}
}
