package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// recognized C/C++ standard tokens accepted in project.standard.
var recognizedStandards = map[string]bool{
	"c89": true, "c99": true, "c11": true, "c17": true, "c23": true,
	"c++11": true, "c++14": true, "c++17": true, "c++20": true, "c++23": true,
}

// Target describes one fuzz target directory: its config.toml plus the
// validated layout (build.sh, Dockerfile, src/, eval/).
type Target struct {
	Project     ProjectConfig     `toml:"project"`
	Environment EnvironmentConfig `toml:"environment"`

	// Path is the resolved absolute target directory; set by LoadTarget,
	// not read from the file.
	Path string `toml:"-"`
}

// ProjectConfig identifies the system under test.
type ProjectConfig struct {
	Standard   string `toml:"standard"`   // C/C++ standard token, e.g. "c++17".
	Executable string `toml:"executable"` // Binary name produced by build.sh.
}

// EnvironmentConfig holds extra environment maps merged with the
// stage-specific compiler and sanitizer flags.
type EnvironmentConfig struct {
	Build   map[string]string `toml:"build"`
	Runtime map[string]string `toml:"runtime"`
}

// IsCPlusPlus reports whether the project builds as C++.
func (p ProjectConfig) IsCPlusPlus() bool {
	return strings.HasPrefix(p.Standard, "c++")
}

// LoadTarget validates the target directory layout and parses its
// config.toml. All failures here are configuration errors and abort
// startup.
func LoadTarget(path string) (*Target, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving target path %s: %w", path, err)
	}
	if err := validateLayout(abs); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(abs, "config.toml"))
	if err != nil {
		return nil, fmt.Errorf("reading target config: %w", err)
	}

	var t Target
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing target config.toml: %w", err)
	}
	t.Path = abs

	if !recognizedStandards[t.Project.Standard] {
		return nil, fmt.Errorf("unrecognized project.standard %q", t.Project.Standard)
	}
	if t.Project.Executable == "" {
		return nil, fmt.Errorf("project.executable is required")
	}

	return &t, nil
}

// validateLayout checks the required target directory structure:
// config.toml, build.sh, Dockerfile files; non-empty src/ and eval/
// directories; eval/ holding only files (the seed corpus).
func validateLayout(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("target path %s is not a valid directory", path)
	}

	for _, name := range []string{"config.toml", "build.sh", "Dockerfile"} {
		fi, err := os.Stat(filepath.Join(path, name))
		if err != nil || fi.IsDir() {
			return fmt.Errorf("required file %s is missing in %s", name, path)
		}
	}

	for _, name := range []string{"src", "eval"} {
		dir := filepath.Join(path, name)
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("required directory %s is missing in %s", name, path)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("reading %s: %w", dir, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("required directory %s is empty", dir)
		}
	}

	// The seed corpus must be flat files.
	entries, err := os.ReadDir(filepath.Join(path, "eval"))
	if err != nil {
		return fmt.Errorf("reading eval directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return fmt.Errorf("eval directory must only contain files, found directory %s", e.Name())
		}
	}

	return nil
}
