package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/tiba/internal/config"
	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/observability"
	"github.com/jkaninda/tiba/internal/sandbox"
)

// Verdict classifies one replay execution.
type Verdict int

const (
	// VerdictNotReproduced covers a clean exit or a failure without a
	// sanitizer report.
	VerdictNotReproduced Verdict = iota
	// VerdictReproduced means the target died with a sanitizer report.
	VerdictReproduced
	// VerdictTimeout means the shell-level timeout wrapper killed the
	// target (exit code 124).
	VerdictTimeout
)

func (v Verdict) String() string {
	switch v {
	case VerdictReproduced:
		return "reproduced"
	case VerdictTimeout:
		return "timeout"
	default:
		return "not_reproduced"
	}
}

var sanitizerBanners = [][]byte{
	[]byte("ERROR: AddressSanitizer"),
	[]byte("ERROR: UndefinedBehaviorSanitizer"),
}

// classifyReplay maps an execution result to a verdict. Exit 0 means the
// input no longer crashes; 124 is the timeout wrapper's distinguished
// code; any other failure counts only when a sanitizer banner confirms
// the crash.
func classifyReplay(exitCode int, output []byte) Verdict {
	switch {
	case exitCode == 0:
		return VerdictNotReproduced
	case exitCode == 124:
		return VerdictTimeout
	}
	for _, banner := range sanitizerBanners {
		if bytes.Contains(output, banner) {
			return VerdictReproduced
		}
	}
	return VerdictNotReproduced
}

// ReplayTask re-executes fuzz-discovered inputs under a sanitizer build
// and records a reproducibility verdict per crash.
type ReplayTask struct {
	repo    *crash.Repository
	target  *config.Target
	launch  Launcher
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	sbx       Instance
	handle    sandbox.Handle
	replaying *crash.Crash
}

func NewReplayTask(repo *crash.Repository, target *config.Target, launch Launcher, logger *slog.Logger, metrics *observability.MetricsCollector) *ReplayTask {
	return &ReplayTask{
		repo:    repo,
		target:  target,
		launch:  launch,
		logger:  logger.With("task", "replay"),
		metrics: metrics,
	}
}

func (t *ReplayTask) Name() string { return "replay" }

// Initialize builds the target once with plain sanitizers. Fatal on
// build failure.
func (t *ReplayTask) Initialize(ctx context.Context) error {
	sbx, err := t.launch(ctx, t.target.Path, sandbox.ModeBuild, sandbox.Options{})
	if err != nil {
		return fmt.Errorf("acquiring replay sandbox: %w", err)
	}
	t.sbx = sbx

	if err := buildTarget(ctx, t.sbx, sanitizerBuildEnv(t.target)); err != nil {
		return err
	}
	t.logger.Info("sanitizer build completed")
	return nil
}

func (t *ReplayTask) Run(ctx context.Context) error {
	if t.handle == nil {
		c := t.repo.First(func(c *crash.Crash) bool {
			return c.Stage == crash.StageFuzz && c.ReplayPending()
		})
		if c == nil {
			return nil
		}
		if err := t.start(ctx, c); err != nil {
			return err
		}
	}

	if t.handle.Running() {
		return nil
	}
	t.finish()
	return nil
}

// start writes the crash input into /eval and launches the target
// against it under the timeout wrapper.
func (t *ReplayTask) start(ctx context.Context, c *crash.Crash) error {
	archive, err := sandbox.FileArchive(c.ID, c.Input)
	if err != nil {
		return fmt.Errorf("packing crash input: %w", err)
	}
	if err := t.sbx.WritePath(ctx, "/eval", archive); err != nil {
		return fmt.Errorf("writing crash input: %w", err)
	}

	cmd := fmt.Sprintf("timeout %s ./%s /eval/%s", replayTimeout, t.target.Project.Executable, c.ID)
	h, err := t.sbx.Execute(ctx, cmd, "/exe", t.target.Environment.Runtime)
	if err != nil {
		return fmt.Errorf("launching replay: %w", err)
	}
	t.handle = h
	t.replaying = c
	t.logger.Info("replaying crash", "id", c.ID)
	return nil
}

// finish classifies the completed execution. The crash always advances
// to the replay stage; only the verdict varies.
func (t *ReplayTask) finish() {
	c := t.replaying
	verdict := classifyReplay(t.handle.ExitCode(), t.handle.Output())
	switch verdict {
	case VerdictReproduced:
		c.MarkReproducible(true)
		c.Report = append([]byte(nil), t.handle.Output()...)
		if t.metrics != nil {
			t.metrics.CrashesReproducedTotal.Inc()
		}
	default:
		c.MarkReproducible(false)
	}
	c.Stage = crash.StageReplay
	t.repo.Update(c)
	t.logger.Info("replay classified", "id", c.ID, "verdict", verdict.String(), "exit_code", t.handle.ExitCode())

	t.handle = nil
	t.replaying = nil
}

func (t *ReplayTask) Close() error {
	closeQuietly(t.sbx)
	t.sbx = nil
	return nil
}
