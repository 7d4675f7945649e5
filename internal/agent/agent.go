// Package agent drives the conversational repair loop: it renders a crash
// into a prompt, asks the LLM for its next action, and parses the
// structured reply into one of the three action variants.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/llm"
)

const systemPrompt = `You are an automated program repair agent. You are given the sanitizer
report of a reproducible crash in a C/C++ program, plus any source code you
previously requested and your own accumulated notes.

On every turn respond with exactly one action:
  - request_code: ask to see the source around one file/line you have not
    seen yet. Give the file path as it appears in the report and the line
    number, with a short reason.
  - proposed_patch: propose a minimal fix as line-level edits. Each edit
    replaces exactly one existing line (1-based) with one or more new
    lines. Include a confidence between 0 and 1.
  - make_note: record reasoning you want to keep for later turns.

Never request code you have already been shown. Prefer the smallest patch
that removes the memory error without changing behavior.`

// Agent composes prompts and interprets structured replies for one
// LLM provider.
type Agent struct {
	provider llm.Provider
	logger   *slog.Logger
}

// New creates a repair agent on top of the given provider.
func New(provider llm.Provider, logger *slog.Logger) *Agent {
	return &Agent{provider: provider, logger: logger}
}

// Propose runs one agent round-trip for the crash and returns the action
// it chose. Network failures and malformed replies surface as errors; the
// caller decides whether the crash is retried.
func (a *Agent) Propose(ctx context.Context, c *crash.Crash) (crash.Action, error) {
	resp, err := a.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt:   systemPrompt,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: ComposePrompt(c)}},
		ResponseSchema: actionSchema(),
	})
	if err != nil {
		return crash.Action{}, fmt.Errorf("agent request: %w", err)
	}

	action, err := ParseAction(resp.Content)
	if err != nil {
		return crash.Action{}, err
	}

	a.logger.DebugContext(ctx, "agent action",
		slog.String("crash_id", c.ID),
		slog.String("kind", string(action.Kind)),
	)
	return action, nil
}

// ComposePrompt renders the crash report, previously requested code, and
// notes into the user prompt. Requested code is grouped per file in line
// order, with "..." marking gaps between non-adjacent lines.
func ComposePrompt(c *crash.Crash) string {
	var b strings.Builder

	b.WriteString("## Crash report\n\n")
	b.WriteString(strings.TrimSpace(string(c.Report)))
	b.WriteString("\n\n## Requested code\n\n")
	b.WriteString(renderRequestedCode(c.RequestedContent))
	b.WriteString("\n\n## Notes\n\n")
	if len(c.Notes) == 0 {
		b.WriteString("None")
	} else {
		b.WriteString(strings.Join(c.Notes, "\n"))
	}

	return b.String()
}

func renderRequestedCode(content map[string]map[int]string) string {
	if len(content) == 0 {
		return "None"
	}

	files := make([]string, 0, len(content))
	for file := range content {
		files = append(files, file)
	}
	sort.Strings(files)

	var b strings.Builder
	for _, file := range files {
		fmt.Fprintf(&b, "- File: %s\n", file)

		lines := content[file]
		numbers := make([]int, 0, len(lines))
		for n := range lines {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)

		last := 0
		for _, n := range numbers {
			if n > last+1 {
				b.WriteString("...\n")
			}
			if strings.TrimSpace(lines[n]) == "" {
				b.WriteString("<No Content>\n")
			} else {
				b.WriteString(lines[n] + "\n")
			}
			last = n
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// ParseAction decodes a structured agent reply into an action, rejecting
// unknown kinds and payloads that do not carry the fields their kind
// requires.
func ParseAction(content string) (crash.Action, error) {
	var action crash.Action
	if err := json.Unmarshal([]byte(content), &action); err != nil {
		return crash.Action{}, fmt.Errorf("parsing agent reply: %w", err)
	}

	switch action.Kind {
	case crash.ActionRequestCode:
		if action.File == "" || action.Line <= 0 {
			return crash.Action{}, fmt.Errorf("request_code action missing file or line")
		}
	case crash.ActionProposedPatch:
		if len(action.Patches) == 0 {
			return crash.Action{}, fmt.Errorf("proposed_patch action carries no patches")
		}
		for _, p := range action.Patches {
			if p.File == "" || len(p.Diff) == 0 {
				return crash.Action{}, fmt.Errorf("proposed_patch has an empty patch entry")
			}
		}
	case crash.ActionMakeNote:
		if action.Content == "" {
			return crash.Action{}, fmt.Errorf("make_note action has no content")
		}
	default:
		return crash.Action{}, fmt.Errorf("unknown action kind %q", action.Kind)
	}

	return action, nil
}

// actionSchema is the JSON schema constraining the model's reply to the
// action union.
func actionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind": map[string]any{
				"type": "string",
				"enum": []string{
					string(crash.ActionRequestCode),
					string(crash.ActionProposedPatch),
					string(crash.ActionMakeNote),
				},
			},
			"reason":  map[string]any{"type": "string"},
			"file":    map[string]any{"type": "string"},
			"line":    map[string]any{"type": "integer"},
			"content": map[string]any{"type": "string"},
			"confidence": map[string]any{
				"type": "number",
			},
			"patches": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"file": map[string]any{"type": "string"},
						"diff": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"line_number": map[string]any{"type": "integer"},
									"content": map[string]any{
										"type":  "array",
										"items": map[string]any{"type": "string"},
									},
								},
								"required": []string{"line_number", "content"},
							},
						},
					},
					"required": []string{"file", "diff"},
				},
			},
		},
		"required": []string{"kind"},
	}
}
