// Package pipeline implements the cooperative repair pipeline: four
// polling stages (fuzz, replay, repair, evaluate) driven by a single
// scheduler loop over a shared crash repository.
//
// Crashes flow one way through the stages via their stage field; each
// stage discovers its own work with repository queries and never blocks a
// tick past a single non-blocking poll.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/tiba/internal/config"
	"github.com/jkaninda/tiba/internal/sandbox"
)

// ErrBuildFailure marks a non-zero exit from the target's build script.
// Fatal during stage initialization; during evaluation it only demotes
// the crash under test.
var ErrBuildFailure = errors.New("pipeline: build failed")

// Task is one pipeline stage. Run must be non-blocking and idempotent
// when the stage has no work.
type Task interface {
	// Name identifies the stage in logs.
	Name() string
	// Initialize acquires the stage's resources (sandboxes, workers).
	// A failure here aborts the whole run.
	Initialize(ctx context.Context) error
	// Run performs one cooperative tick.
	Run(ctx context.Context) error
	// Close releases the stage's resources. Safe to call after a failed
	// Initialize.
	Close() error
}

// Instance is the sandbox surface the stages drive. Satisfied by
// *sandbox.Sandbox; faked in tests.
type Instance interface {
	Execute(ctx context.Context, command, workdir string, env map[string]string) (sandbox.Handle, error)
	ReadPath(ctx context.Context, path string) ([]byte, error)
	WritePath(ctx context.Context, dir string, archive []byte) error
	Close() error
}

// Launcher acquires a sandbox. The default launcher wraps sandbox.New;
// tests substitute fakes.
type Launcher func(ctx context.Context, source string, mode sandbox.Mode, opts sandbox.Options) (Instance, error)

// DockerLauncher returns the production launcher backed by the docker
// CLI.
func DockerLauncher(logger *slog.Logger) Launcher {
	return func(ctx context.Context, source string, mode sandbox.Mode, opts sandbox.Options) (Instance, error) {
		return sandbox.New(ctx, source, mode, opts, logger)
	}
}

// replayTimeout bounds one execution of the target against a crash
// input, enforced by the shell-level timeout wrapper (exit code 124).
const replayTimeout = "10s"

// fuzzBuildEnv composes the AFL++ instrumented build environment on top
// of the target's own build variables.
func fuzzBuildEnv(t *config.Target) map[string]string {
	flags := fmt.Sprintf("-Wall -Wextra -std=%s", t.Project.Standard)
	ld := "afl-clang-fast"
	if t.Project.IsCPlusPlus() {
		ld = "afl-clang-fast++"
	}
	return mergeEnv(t.Environment.Build, map[string]string{
		"CC":           "afl-clang-fast",
		"CXX":          "afl-clang-fast++",
		"CFLAGS":       flags,
		"CXXFLAGS":     flags,
		"LD":           ld,
		"AFL_USE_ASAN": "1",
		"AFL_USE_UBSAN": "1",
	})
}

// sanitizerBuildEnv composes the plain sanitizer-instrumented build
// environment used by the replay and evaluate stages.
func sanitizerBuildEnv(t *config.Target) map[string]string {
	flags := fmt.Sprintf("-Wall -Wextra -std=%s -fsanitize=address,undefined -g", t.Project.Standard)
	ld := "gcc"
	if t.Project.IsCPlusPlus() {
		ld = "g++"
	}
	return mergeEnv(t.Environment.Build, map[string]string{
		"CC":       "gcc",
		"CXX":      "g++",
		"CFLAGS":   flags,
		"CXXFLAGS": flags,
		"LD":       ld,
	})
}

// mergeEnv overlays stage-specific variables on the target's base set.
func mergeEnv(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// buildTarget runs ./build.sh in /src and waits for completion. Used
// only from Initialize and the evaluate flow; the wait polls the handle
// rather than blocking on the process.
func buildTarget(ctx context.Context, sbx Instance, env map[string]string) error {
	h, err := sbx.Execute(ctx, "./build.sh", "/src", env)
	if err != nil {
		return fmt.Errorf("starting build: %w", err)
	}
	waitHandle(ctx, h)
	if code := h.ExitCode(); code != 0 {
		return fmt.Errorf("%w: build.sh exited %d", ErrBuildFailure, code)
	}
	return nil
}

// waitHandle polls the handle to completion, yielding between polls.
func waitHandle(ctx context.Context, h sandbox.Handle) {
	for h.Running() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// closeQuietly closes an instance if present, logging nothing here; the
// sandbox logs its own teardown.
func closeQuietly(sbx Instance) {
	if sbx != nil {
		_ = sbx.Close()
	}
}
