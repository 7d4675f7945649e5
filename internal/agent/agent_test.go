package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider returns canned responses (or errors) in order.
type fakeProvider struct {
	responses []string
	errs      []error
	calls     int
	lastReq   *llm.Request
}

func (f *fakeProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.lastReq = req
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &llm.Response{Content: f.responses[i], StopReason: "end_turn"}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func TestParseAction_RequestCode(t *testing.T) {
	action, err := ParseAction(`{"kind":"request_code","reason":"overflow site","file":"src/buf.c","line":42}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Kind != crash.ActionRequestCode {
		t.Errorf("kind = %q", action.Kind)
	}
	if action.File != "src/buf.c" || action.Line != 42 {
		t.Errorf("file/line = %q/%d", action.File, action.Line)
	}
}

func TestParseAction_ProposedPatch(t *testing.T) {
	action, err := ParseAction(`{
		"kind": "proposed_patch",
		"reason": "bounds check",
		"confidence": 0.8,
		"patches": [{"file": "src/buf.c", "diff": [{"line_number": 42, "content": ["if (i < n) {", "  buf[i] = c;", "}"]}]}]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Kind != crash.ActionProposedPatch {
		t.Errorf("kind = %q", action.Kind)
	}
	if len(action.Patches) != 1 || len(action.Patches[0].Diff) != 1 {
		t.Fatalf("patches = %+v", action.Patches)
	}
	if action.Patches[0].Diff[0].LineNumber != 42 {
		t.Errorf("line number = %d", action.Patches[0].Diff[0].LineNumber)
	}
}

func TestParseAction_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown kind":          `{"kind":"give_up"}`,
		"not json":              `the patch is obvious`,
		"request without file":  `{"kind":"request_code","line":3}`,
		"patch without patches": `{"kind":"proposed_patch","reason":"x"}`,
		"note without content":  `{"kind":"make_note"}`,
	}
	for name, content := range cases {
		if _, err := ParseAction(content); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestComposePrompt_GapsAndPlaceholders(t *testing.T) {
	c := crash.New(nil)
	c.Report = []byte("ERROR: AddressSanitizer: heap-buffer-overflow")
	c.RequestedContent = map[string]map[int]string{
		"src/buf.c": {
			10: "line   10 : int n = len(s);",
			11: "",
			40: "line   40 : buf[i] = c;",
		},
	}
	c.Notes = []string{"suspect off-by-one"}

	prompt := ComposePrompt(c)

	if !strings.Contains(prompt, "heap-buffer-overflow") {
		t.Error("report missing from prompt")
	}
	if !strings.Contains(prompt, "- File: src/buf.c") {
		t.Error("file header missing")
	}
	if !strings.Contains(prompt, "...") {
		t.Error("expected gap marker between lines 11 and 40")
	}
	if !strings.Contains(prompt, "<No Content>") {
		t.Error("expected placeholder for blank line")
	}
	if !strings.Contains(prompt, "suspect off-by-one") {
		t.Error("notes missing from prompt")
	}
}

func TestComposePrompt_EmptySections(t *testing.T) {
	c := crash.New(nil)
	c.Report = []byte("report")

	prompt := ComposePrompt(c)
	if !strings.Contains(prompt, "## Requested code\n\nNone") {
		t.Error("expected None placeholder for requested code")
	}
	if !strings.Contains(prompt, "## Notes\n\nNone") {
		t.Error("expected None placeholder for notes")
	}
}

func TestAgent_ProposeUsesSchema(t *testing.T) {
	fp := &fakeProvider{responses: []string{`{"kind":"make_note","content":"hm"}`}}
	a := New(fp, discardLogger())

	action, err := a.Propose(context.Background(), crash.New(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Kind != crash.ActionMakeNote {
		t.Errorf("kind = %q", action.Kind)
	}
	if fp.lastReq.ResponseSchema == nil {
		t.Error("expected structured response schema on the request")
	}
	if fp.lastReq.SystemPrompt == "" {
		t.Error("expected a system prompt")
	}
}

func TestWorker_DeliversResult(t *testing.T) {
	fp := &fakeProvider{responses: []string{`{"kind":"make_note","content":"n"}`}}
	w := NewWorker(New(fp, discardLogger()), discardLogger())
	defer w.Close()

	res := w.Submit(context.Background(), crash.New(nil))

	deadline := time.Now().Add(5 * time.Second)
	for !res.Done() {
		if time.Now().After(deadline) {
			t.Fatal("result never completed")
		}
		time.Sleep(time.Millisecond)
	}

	action, err := res.Action()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.Kind != crash.ActionMakeNote {
		t.Errorf("kind = %q", action.Kind)
	}
}

func TestWorker_PropagatesFailure(t *testing.T) {
	fp := &fakeProvider{responses: []string{""}, errs: []error{errors.New("network down")}}
	w := NewWorker(New(fp, discardLogger()), discardLogger())
	defer w.Close()

	res := w.Submit(context.Background(), crash.New(nil))
	for !res.Done() {
		time.Sleep(time.Millisecond)
	}

	if _, err := res.Action(); err == nil {
		t.Fatal("expected error from failed provider call")
	}
}
