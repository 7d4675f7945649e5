package crash

import (
	"fmt"
	"strings"
)

// PatchError reports why a patch could not be applied. Application is
// all-or-nothing: any error is raised before a single byte of the target
// is rewritten.
type PatchError struct {
	File string
	Line int    // 1-based line number from the offending edit.
	Kind string // "out_of_range" or "double_edit".
}

func (e *PatchError) Error() string {
	switch e.Kind {
	case "double_edit":
		return fmt.Sprintf("line %d in %s has already been modified by this patch", e.Line, e.File)
	default:
		return fmt.Sprintf("line %d in %s is out of range", e.Line, e.File)
	}
}

// ApplyPatch applies line-level edits to file content and returns the
// rewritten content. Each ModifiedLine replaces exactly one physical line
// (1-based) with its joined content lines plus a trailing newline. An
// out-of-range line number or a second edit to the same physical line
// aborts the whole application, leaving the input untouched.
func ApplyPatch(content []byte, patch Patch) ([]byte, error) {
	lines := splitAfterNewlines(string(content))

	edited := make(map[int]bool, len(patch.Diff))
	for _, ml := range patch.Diff {
		idx := ml.LineNumber - 1
		if idx < 0 || idx >= len(lines) {
			return nil, &PatchError{File: patch.File, Line: ml.LineNumber, Kind: "out_of_range"}
		}
		if edited[idx] {
			return nil, &PatchError{File: patch.File, Line: ml.LineNumber, Kind: "double_edit"}
		}
		edited[idx] = true
	}

	for _, ml := range patch.Diff {
		lines[ml.LineNumber-1] = strings.Join(ml.Content, "\n") + "\n"
	}
	return []byte(strings.Join(lines, "")), nil
}

// splitAfterNewlines splits on line boundaries with each line keeping its
// terminator, matching how line numbers in sanitizer reports count.
func splitAfterNewlines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			return lines
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
		if s == "" {
			return lines
		}
	}
}
