package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/jkaninda/tiba/internal/config"
	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/observability"
	"github.com/jkaninda/tiba/internal/sandbox"
	"github.com/jkaninda/tiba/internal/storage"
)

// EvaluateTask validates proposed patches: apply, rebuild with
// sanitizers, re-run the original input. Only an exit code of 0 counts
// as a fix; anything else sends the crash back to repair.
type EvaluateTask struct {
	repo    *crash.Repository
	target  *config.Target
	records *storage.Records
	archive storage.Archive
	launch  Launcher
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	sbx         Instance
	evaluating  *crash.Crash
	buildHandle sandbox.Handle
	evalHandle  sandbox.Handle
}

func NewEvaluateTask(repo *crash.Repository, target *config.Target, records *storage.Records, archive storage.Archive, launch Launcher, logger *slog.Logger, metrics *observability.MetricsCollector) *EvaluateTask {
	return &EvaluateTask{
		repo:    repo,
		target:  target,
		records: records,
		archive: archive,
		launch:  launch,
		logger:  logger.With("task", "evaluate"),
		metrics: metrics,
	}
}

func (t *EvaluateTask) Name() string { return "evaluate" }

// Initialize is a no-op; a fresh sandbox is acquired per patch set so
// every evaluation starts from pristine sources.
func (t *EvaluateTask) Initialize(ctx context.Context) error { return nil }

func (t *EvaluateTask) Run(ctx context.Context) error {
	if t.evaluating == nil {
		c := t.repo.First(func(c *crash.Crash) bool {
			return c.Stage == crash.StageRepair
		})
		if c == nil {
			return nil
		}
		return t.start(ctx, c)
	}

	if t.buildHandle != nil {
		if t.buildHandle.Running() {
			return nil
		}
		code := t.buildHandle.ExitCode()
		t.buildHandle = nil
		if code != 0 {
			t.logger.Info("patched build failed", "id", t.evaluating.ID, "exit_code", code)
			t.reject("build_failed")
			return nil
		}
		return t.launchReplay(ctx)
	}

	if t.evalHandle != nil {
		if t.evalHandle.Running() {
			return nil
		}
		t.finish(ctx)
	}
	return nil
}

// start acquires a fresh sandbox, applies the latest patch set, and
// kicks off the sanitizer rebuild.
func (t *EvaluateTask) start(ctx context.Context, c *crash.Crash) error {
	sbx, err := t.launch(ctx, t.target.Path, sandbox.ModeBuild, sandbox.Options{})
	if err != nil {
		return fmt.Errorf("acquiring evaluate sandbox: %w", err)
	}
	t.sbx = sbx
	t.evaluating = c
	t.logger.Info("evaluating crash", "id", c.ID)

	if err := t.applyPatches(ctx, c.LatestPatches()); err != nil {
		t.logger.Error("patch application failed", "id", c.ID, "error", err)
		t.reject("patch_failed")
		return nil
	}

	h, err := t.sbx.Execute(ctx, "./build.sh", "/src", sanitizerBuildEnv(t.target))
	if err != nil {
		t.reject("build_failed")
		return fmt.Errorf("starting patched build: %w", err)
	}
	t.buildHandle = h
	return nil
}

// applyPatches rewrites each patched file inside the sandbox. Validation
// happens before any write, so a rejected patch leaves the tree intact.
func (t *EvaluateTask) applyPatches(ctx context.Context, patches []crash.Patch) error {
	if len(patches) == 0 {
		return fmt.Errorf("no patches to apply")
	}
	for _, p := range patches {
		archive, err := t.sbx.ReadPath(ctx, p.File)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p.File, err)
		}
		content, err := sandbox.ExtractFile(archive)
		if err != nil {
			return fmt.Errorf("extracting %s: %w", p.File, err)
		}
		patched, err := crash.ApplyPatch(content, p)
		if err != nil {
			return err
		}
		out, err := sandbox.FileArchive(path.Base(p.File), patched)
		if err != nil {
			return fmt.Errorf("packing %s: %w", p.File, err)
		}
		if err := t.sbx.WritePath(ctx, path.Dir(p.File), out); err != nil {
			return fmt.Errorf("writing %s: %w", p.File, err)
		}
	}
	return nil
}

// launchReplay writes the original input back into the sandbox and runs
// the patched target against it.
func (t *EvaluateTask) launchReplay(ctx context.Context) error {
	c := t.evaluating
	archive, err := sandbox.FileArchive(c.ID, c.Input)
	if err != nil {
		t.reject("input_write_failed")
		return fmt.Errorf("packing crash input: %w", err)
	}
	if err := t.sbx.WritePath(ctx, "/eval", archive); err != nil {
		t.reject("input_write_failed")
		return fmt.Errorf("writing crash input: %w", err)
	}

	cmd := fmt.Sprintf("timeout %s ./%s /eval/%s", replayTimeout, t.target.Project.Executable, c.ID)
	h, err := t.sbx.Execute(ctx, cmd, "/exe", t.target.Environment.Runtime)
	if err != nil {
		t.reject("execution_failed")
		return fmt.Errorf("launching patched replay: %w", err)
	}
	t.evalHandle = h
	return nil
}

// finish records the verdict. Exit 0 under the patch is the pipeline's
// terminal success.
func (t *EvaluateTask) finish(ctx context.Context) {
	c := t.evaluating
	code := t.evalHandle.ExitCode()
	t.evalHandle = nil

	if code == 0 {
		c.ValidPatches = c.LatestPatches()
		c.Stage = crash.StageEvaluate
		t.repo.Update(c)
		if t.metrics != nil {
			t.metrics.PatchesValidatedTotal.Inc()
		}
		t.logger.Info("crash fixed", "id", c.ID, "patches", len(c.ValidPatches))
		t.persist(ctx, c)
	} else {
		t.logger.Info("crash not fixed", "id", c.ID, "exit_code", code)
		t.reject("still_crashes")
		return
	}

	closeQuietly(t.sbx)
	t.sbx = nil
	t.evaluating = nil
}

// persist writes the full record file and, when a database is
// configured, upserts the archival row.
func (t *EvaluateTask) persist(ctx context.Context, c *crash.Crash) {
	if t.records != nil {
		if err := t.records.WriteFull(c); err != nil {
			t.logger.Error("writing crash record", "id", c.ID, "error", err)
		}
	}
	if t.archive != nil {
		if err := t.archive.Upsert(ctx, c); err != nil {
			t.logger.Error("archiving crash", "id", c.ID, "error", err)
		}
	}
}

// reject demotes the crash back to the replay stage and tears down the
// sandbox so the next attempt starts clean.
func (t *EvaluateTask) reject(reason string) {
	c := t.evaluating
	c.Stage = crash.StageReplay
	t.repo.Update(c)
	if t.metrics != nil {
		t.metrics.PatchesRejectedTotal.WithLabelValues(reason).Inc()
	}

	closeQuietly(t.sbx)
	t.sbx = nil
	t.evaluating = nil
	t.buildHandle = nil
	t.evalHandle = nil
}

func (t *EvaluateTask) Close() error {
	closeQuietly(t.sbx)
	t.sbx = nil
	return nil
}
