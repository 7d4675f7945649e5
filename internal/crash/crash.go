// Package crash defines the unit of work flowing through the repair
// pipeline: a fuzz-discovered input, its sanitizer report, and the agent
// actions taken while trying to fix it.
package crash

import (
	"github.com/google/uuid"
)

// Stage is the pipeline phase a crash currently belongs to.
type Stage string

const (
	StageFuzz     Stage = "fuzz"
	StageReplay   Stage = "replay"
	StageRepair   Stage = "repair"
	StageEvaluate Stage = "evaluate"
)

// Valid reports whether s is one of the four pipeline stages.
func (s Stage) Valid() bool {
	switch s {
	case StageFuzz, StageReplay, StageRepair, StageEvaluate:
		return true
	}
	return false
}

// ActionKind discriminates the agent action union.
type ActionKind string

const (
	ActionRequestCode   ActionKind = "request_code"
	ActionProposedPatch ActionKind = "proposed_patch"
	ActionMakeNote      ActionKind = "make_note"
)

// Action is one agent decision recorded in a crash's history.
// The Kind field determines which other fields are meaningful
// (same shape as an API content block tagged union).
type Action struct {
	Kind ActionKind `json:"kind"`

	// Shared by request_code and proposed_patch.
	Reason string `json:"reason,omitempty"`

	// request_code fields.
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`

	// proposed_patch fields.
	Patches    []Patch `json:"patches,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// make_note fields.
	Content string `json:"content,omitempty"`
}

// ModifiedLine replaces exactly one source line (1-based) with the joined
// content lines.
type ModifiedLine struct {
	LineNumber int      `json:"line_number"`
	Content    []string `json:"content"`
}

// Patch is a set of line-level edits to a single file.
type Patch struct {
	File string         `json:"file"`
	Diff []ModifiedLine `json:"diff"`
}

// Crash is one fuzz-discovered input and its journey through replay,
// repair, and evaluation. Byte fields serialize as base64 (encoding/json
// default), which is the hand-off format for the record files.
type Crash struct {
	ID    string `json:"id"`
	Stage Stage  `json:"stage"`

	// Input is the raw triggering fuzz input.
	Input []byte `json:"input"`

	// Reproducible is nil until the replay stage has classified the crash.
	Reproducible *bool `json:"reproducible"`

	// Report holds the sanitizer output once the crash has been reproduced.
	Report []byte `json:"report,omitempty"`

	// RequestedContent maps file path -> line number -> rendered line,
	// accumulated from the agent's code requests.
	RequestedContent map[string]map[int]string `json:"requested_content,omitempty"`

	Notes   []string `json:"notes,omitempty"`
	History []Action `json:"history,omitempty"`

	// ValidPatches is set once the evaluate stage has confirmed a fix.
	ValidPatches []Patch `json:"valid_patches,omitempty"`

	RetryCount int `json:"retry_count,omitempty"`

	// Optional provenance for crashes seeded from a known-vulnerable
	// reference build (arvo-style corpora).
	RepoAddr  string `json:"repo_addr,omitempty"`
	FixCommit string `json:"fix_commit,omitempty"`
	Project   string `json:"project,omitempty"`

	// RefImage names a prebuilt container image that reproduces this
	// crash. When set, the repair stage pulls it instead of building the
	// local target.
	RefImage string `json:"ref_image,omitempty"`
}

// New creates a crash at the fuzz stage with a fresh identity.
func New(input []byte) *Crash {
	return &Crash{
		ID:    uuid.NewString(),
		Stage: StageFuzz,
		Input: input,
	}
}

// MarkReproducible records the replay verdict.
func (c *Crash) MarkReproducible(ok bool) {
	c.Reproducible = &ok
}

// IsReproducible reports whether replay confirmed the crash. False while
// the verdict is still unknown.
func (c *Crash) IsReproducible() bool {
	return c.Reproducible != nil && *c.Reproducible
}

// ReplayPending reports whether the crash still awaits a replay verdict.
func (c *Crash) ReplayPending() bool {
	return c.Reproducible == nil
}

// LatestPatches returns the patch set from the most recent proposed_patch
// action, or nil when the history holds none at its tail.
func (c *Crash) LatestPatches() []Patch {
	if len(c.History) == 0 {
		return nil
	}
	last := c.History[len(c.History)-1]
	if last.Kind != ActionProposedPatch {
		return nil
	}
	return last.Patches
}

// Clone returns a deep copy. Stages mutate their own copy and write it
// back by identity, never a record shared with another stage's snapshot.
func (c *Crash) Clone() *Crash {
	out := *c
	out.Input = append([]byte(nil), c.Input...)
	out.Report = append([]byte(nil), c.Report...)
	out.Notes = append([]string(nil), c.Notes...)
	out.History = append([]Action(nil), c.History...)
	out.ValidPatches = append([]Patch(nil), c.ValidPatches...)
	if c.Reproducible != nil {
		v := *c.Reproducible
		out.Reproducible = &v
	}
	if c.RequestedContent != nil {
		out.RequestedContent = make(map[string]map[int]string, len(c.RequestedContent))
		for file, lines := range c.RequestedContent {
			m := make(map[int]string, len(lines))
			for n, s := range lines {
				m[n] = s
			}
			out.RequestedContent[file] = m
		}
	}
	return &out
}
