package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path"
	"testing"
	"time"

	"github.com/jkaninda/tiba/internal/config"
	"github.com/jkaninda/tiba/internal/llm"
	"github.com/jkaninda/tiba/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTarget() *config.Target {
	return &config.Target{
		Project: config.ProjectConfig{Standard: "c11", Executable: "target"},
		Environment: config.EnvironmentConfig{
			Build:   map[string]string{"EXTRA_DEP": "1"},
			Runtime: map[string]string{"ASAN_OPTIONS": "abort_on_error=1"},
		},
		Path: "/tmp/target",
	}
}

// fakeHandle is a pre-completed command result unless running is set.
type fakeHandle struct {
	running bool
	exit    int
	output  []byte
}

func (h *fakeHandle) Running() bool { return h.running }

func (h *fakeHandle) ExitCode() int {
	if h.running {
		return -1
	}
	return h.exit
}

func (h *fakeHandle) Output() []byte {
	if h.running {
		return nil
	}
	return h.output
}

type execCall struct {
	command string
	workdir string
	env     map[string]string
}

// fakeInstance implements Instance with an in-memory file tree.
type fakeInstance struct {
	// files maps an absolute path to a single file's content; ReadPath
	// wraps it in a tar archive on demand.
	files map[string][]byte
	// archives maps a path to a ready-made tar archive, used for
	// directory reads.
	archives map[string][]byte

	execs   []execCall
	handles []*fakeHandle
	closed  bool
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{
		files:    make(map[string][]byte),
		archives: make(map[string][]byte),
	}
}

func (f *fakeInstance) Execute(_ context.Context, command, workdir string, env map[string]string) (sandbox.Handle, error) {
	f.execs = append(f.execs, execCall{command: command, workdir: workdir, env: env})
	if len(f.handles) == 0 {
		return &fakeHandle{}, nil
	}
	h := f.handles[0]
	f.handles = f.handles[1:]
	return h, nil
}

func (f *fakeInstance) ReadPath(_ context.Context, p string) ([]byte, error) {
	if archive, ok := f.archives[p]; ok {
		return archive, nil
	}
	if data, ok := f.files[p]; ok {
		return sandbox.FileArchive(path.Base(p), data)
	}
	return nil, sandbox.ErrPathNotFound
}

func (f *fakeInstance) WritePath(_ context.Context, dir string, archive []byte) error {
	return sandbox.WalkArchive(archive, func(name string, data []byte) error {
		f.files[path.Join(dir, name)] = data
		return nil
	})
}

func (f *fakeInstance) Close() error {
	f.closed = true
	return nil
}

// launcherFor hands out the given instances in order.
func launcherFor(t *testing.T, instances ...*fakeInstance) Launcher {
	t.Helper()
	i := 0
	return func(context.Context, string, sandbox.Mode, sandbox.Options) (Instance, error) {
		if i >= len(instances) {
			t.Fatal("launcher called more times than expected")
		}
		sbx := instances[i]
		i++
		return sbx, nil
	}
}

// fakeProvider replays canned responses in order. An empty content
// string delivers the paired error instead.
type fakeProvider struct {
	responses []string
	errs      []error
}

func (p *fakeProvider) SendMessage(context.Context, *llm.Request) (*llm.Response, error) {
	if len(p.errs) > 0 && p.errs[0] != nil {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if len(p.responses) > 0 {
			p.responses = p.responses[1:]
		}
		return nil, err
	}
	if len(p.errs) > 0 {
		p.errs = p.errs[1:]
	}
	if len(p.responses) == 0 {
		return &llm.Response{Content: "{}", StopReason: "end_turn"}, nil
	}
	content := p.responses[0]
	p.responses = p.responses[1:]
	return &llm.Response{Content: content, StopReason: "end_turn"}, nil
}

func (p *fakeProvider) Name() string { return "fake" }

// runUntil ticks the task until cond holds or the deadline passes.
func runUntil(t *testing.T, task Task, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := task.Run(ctx); err != nil {
			t.Fatalf("unexpected tick error: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
