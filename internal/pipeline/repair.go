package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/tiba/internal/agent"
	"github.com/jkaninda/tiba/internal/config"
	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/llm"
	"github.com/jkaninda/tiba/internal/observability"
	"github.com/jkaninda/tiba/internal/sandbox"
	"github.com/jkaninda/tiba/internal/storage"
)

// contextRadius is the number of source lines served on each side of a
// requested line.
const contextRadius = 30

// RepairTask hands reproducible crashes to the LLM agent and applies the
// agent's follow-up actions. Model calls run on a background worker so
// network latency never stalls the scheduler tick.
type RepairTask struct {
	repo     *crash.Repository
	target   *config.Target
	provider llm.Provider
	records  *storage.Records
	retries  int
	launch   Launcher
	logger   *slog.Logger
	metrics  *observability.MetricsCollector

	worker  *agent.Worker
	sbx     Instance
	pending *agent.Result
	fixing  *crash.Crash
}

func NewRepairTask(repo *crash.Repository, target *config.Target, provider llm.Provider, records *storage.Records, retries int, launch Launcher, logger *slog.Logger, metrics *observability.MetricsCollector) *RepairTask {
	return &RepairTask{
		repo:     repo,
		target:   target,
		provider: provider,
		records:  records,
		retries:  retries,
		launch:   launch,
		logger:   logger.With("task", "repair"),
		metrics:  metrics,
	}
}

func (t *RepairTask) Name() string { return "repair" }

// Initialize starts the background LLM worker. Sandboxes are acquired
// per crash, not here.
func (t *RepairTask) Initialize(ctx context.Context) error {
	t.worker = agent.NewWorker(agent.New(t.provider, t.logger), t.logger)
	return nil
}

func (t *RepairTask) Run(ctx context.Context) error {
	if t.pending == nil {
		c := t.repo.First(func(c *crash.Crash) bool {
			return c.Stage == crash.StageReplay && c.IsReproducible() && c.RetryCount < t.retries
		})
		if c == nil {
			return nil
		}
		if err := t.start(ctx, c); err != nil {
			return err
		}
	}

	if !t.pending.Done() {
		return nil
	}
	t.finish(ctx)
	return nil
}

// start acquires a sandbox holding the crash's source tree and submits
// the repair prompt. Crashes seeded from a reference corpus pull their
// prebuilt image; locally fuzzed crashes rebuild the target directory.
func (t *RepairTask) start(ctx context.Context, c *crash.Crash) error {
	var (
		sbx Instance
		err error
	)
	if c.RefImage != "" {
		sbx, err = t.launch(ctx, c.RefImage, sandbox.ModePull, sandbox.Options{})
	} else {
		sbx, err = t.launch(ctx, t.target.Path, sandbox.ModeBuild, sandbox.Options{})
	}
	if err != nil {
		return fmt.Errorf("acquiring repair sandbox: %w", err)
	}
	t.sbx = sbx
	t.fixing = c
	t.pending = t.worker.Submit(ctx, c)
	t.logger.Info("repairing crash", "id", c.ID, "retry", c.RetryCount)
	return nil
}

// finish applies the agent's action. Every completed round-trip, handled
// failure included, consumes one retry so a wedged crash cannot starve
// the pipeline.
func (t *RepairTask) finish(ctx context.Context) {
	c := t.fixing
	action, err := t.pending.Action()
	if err != nil {
		t.logger.Error("agent request failed", "id", c.ID, "error", err)
		if t.metrics != nil {
			t.metrics.RepairRoundsTotal.WithLabelValues("failed").Inc()
		}
	} else {
		t.apply(ctx, c, action)
		if t.metrics != nil {
			t.metrics.RepairRoundsTotal.WithLabelValues(string(action.Kind)).Inc()
		}
	}

	c.RetryCount++
	t.repo.Update(c)
	if t.records != nil {
		if err := t.records.WriteSnapshot(c); err != nil {
			t.logger.Error("writing crash snapshot", "id", c.ID, "error", err)
		}
	}

	closeQuietly(t.sbx)
	t.sbx = nil
	t.pending = nil
	t.fixing = nil
}

func (t *RepairTask) apply(ctx context.Context, c *crash.Crash, action crash.Action) {
	c.History = append(c.History, action)

	switch action.Kind {
	case crash.ActionRequestCode:
		if _, ok := c.RequestedContent[action.File][action.Line]; ok {
			t.logger.Warn("redundant code request", "id", c.ID, "file", action.File, "line", action.Line)
			return
		}
		window, err := t.sourceWindow(ctx, action.File, action.Line)
		if err != nil {
			t.logger.Warn("code request failed", "id", c.ID, "file", action.File, "line", action.Line, "error", err)
			return
		}
		if c.RequestedContent == nil {
			c.RequestedContent = make(map[string]map[int]string)
		}
		if c.RequestedContent[action.File] == nil {
			c.RequestedContent[action.File] = make(map[int]string)
		}
		for n, line := range window {
			c.RequestedContent[action.File][n] = line
		}
		c.Notes = append(c.Notes, fmt.Sprintf("Reason for requesting line %d of %s: %s", action.Line, action.File, action.Reason))
		t.logger.Info("code requested", "id", c.ID, "file", action.File, "line", action.Line)

	case crash.ActionProposedPatch:
		c.Stage = crash.StageRepair
		if t.metrics != nil {
			t.metrics.PatchesProposedTotal.Inc()
		}
		t.logger.Info("patch proposed", "id", c.ID, "patches", len(action.Patches))

	case crash.ActionMakeNote:
		c.Notes = append(c.Notes, action.Content)
		t.logger.Info("note recorded", "id", c.ID)
	}
}

// sourceWindow reads file from the sandbox and returns the rendered
// lines within contextRadius of line, keyed by 1-based line number. A
// synthetic end-of-file marker trails the last line so the agent can
// tell a short window from a short file.
func (t *RepairTask) sourceWindow(ctx context.Context, file string, line int) (map[int]string, error) {
	archive, err := t.sbx.ReadPath(ctx, file)
	if err != nil {
		return nil, err
	}
	data, err := sandbox.ExtractFile(archive)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	lines = append(lines, "<End of File>")

	window := make(map[int]string)
	for i, text := range lines {
		n := i + 1
		if (n >= line-contextRadius && n < line+contextRadius) || text == "<End of File>" {
			window[n] = fmt.Sprintf("line %4d : %s", n, text)
		}
	}
	return window, nil
}

func (t *RepairTask) Close() error {
	if t.worker != nil {
		t.worker.Close()
		t.worker = nil
	}
	closeQuietly(t.sbx)
	t.sbx = nil
	return nil
}
