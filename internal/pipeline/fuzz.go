package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/tiba/internal/config"
	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/observability"
	"github.com/jkaninda/tiba/internal/sandbox"
)

// fuzzSlice bounds one afl-fuzz invocation in seconds; the tick loop
// relaunches with campaign state preserved in /out.
const fuzzSlice = 60

// FuzzTask drives an AFL++ campaign against the target and feeds
// harvested crashing inputs into the repository.
type FuzzTask struct {
	repo    *crash.Repository
	target  *config.Target
	launch  Launcher
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	sbx      Instance
	handle   sandbox.Handle
	resuming bool
	seen     map[string]bool
}

func NewFuzzTask(repo *crash.Repository, target *config.Target, launch Launcher, logger *slog.Logger, metrics *observability.MetricsCollector) *FuzzTask {
	return &FuzzTask{
		repo:    repo,
		target:  target,
		launch:  launch,
		logger:  logger.With("task", "fuzz"),
		metrics: metrics,
		seen:    make(map[string]bool),
	}
}

func (t *FuzzTask) Name() string { return "fuzz" }

// Initialize acquires a cache-disabled sandbox and builds the target
// with AFL++ instrumentation. A failed build is fatal.
func (t *FuzzTask) Initialize(ctx context.Context) error {
	sbx, err := t.launch(ctx, t.target.Path, sandbox.ModeBuild, sandbox.Options{NoCache: true})
	if err != nil {
		return fmt.Errorf("acquiring fuzz sandbox: %w", err)
	}
	t.sbx = sbx

	if err := buildTarget(ctx, t.sbx, fuzzBuildEnv(t.target)); err != nil {
		return err
	}
	t.logger.Info("instrumented build completed")
	return nil
}

func (t *FuzzTask) Run(ctx context.Context) error {
	if t.handle == nil {
		seeds := "/eval"
		if t.resuming {
			seeds = "-"
		}
		cmd := fmt.Sprintf("afl-fuzz -i %s -o /out -V %d -- ./%s @@", seeds, fuzzSlice, t.target.Project.Executable)
		h, err := t.sbx.Execute(ctx, cmd, "/exe", t.target.Environment.Runtime)
		if err != nil {
			return fmt.Errorf("launching fuzz campaign: %w", err)
		}
		t.handle = h
		t.resuming = true
		t.logger.Info("fuzz campaign launched", "resume", seeds == "-")
		return nil
	}

	if t.handle.Running() {
		return nil
	}
	t.handle = nil
	return t.harvest(ctx)
}

// harvest pulls /out/default/crashes and registers every unseen crash
// artifact. AFL++ names crashing inputs "id:NNNNNN,...", keeping
// "README.txt" and the like out of the repository.
func (t *FuzzTask) harvest(ctx context.Context) error {
	archive, err := t.sbx.ReadPath(ctx, "/out/default/crashes")
	if err != nil {
		return fmt.Errorf("reading crash directory: %w", err)
	}
	return sandbox.WalkArchive(archive, func(name string, data []byte) error {
		if !strings.HasPrefix(name, "id:") || t.seen[name] {
			return nil
		}
		t.seen[name] = true
		c := crash.New(data)
		t.repo.Add(c)
		if t.metrics != nil {
			t.metrics.CrashesFoundTotal.Inc()
		}
		t.logger.Info("crash harvested", "id", c.ID, "artifact", name, "bytes", len(data))
		return nil
	})
}

func (t *FuzzTask) Close() error {
	closeQuietly(t.sbx)
	t.sbx = nil
	return nil
}
