package agent

import (
	"context"
	"log/slog"

	"github.com/jkaninda/tiba/internal/crash"
)

// Result is the pollable handle for one in-flight agent round-trip.
type Result struct {
	done   chan struct{}
	action crash.Action
	err    error
}

// Done reports completion without blocking.
func (r *Result) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Action returns the outcome. Only valid once Done reports true.
func (r *Result) Action() (crash.Action, error) {
	return r.action, r.err
}

type workerRequest struct {
	ctx    context.Context
	crash  *crash.Crash
	result *Result
}

// Worker is the single background goroutine dedicated to LLM calls, so
// provider latency never blocks a scheduler tick. Requests are submitted
// one at a time; the repair stage keeps at most one outstanding.
type Worker struct {
	agent    *Agent
	logger   *slog.Logger
	requests chan workerRequest
	stop     chan struct{}
	stopped  chan struct{}
}

// NewWorker starts the background worker.
func NewWorker(a *Agent, logger *slog.Logger) *Worker {
	w := &Worker{
		agent:    a,
		logger:   logger,
		requests: make(chan workerRequest),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.stop:
			return
		case req := <-w.requests:
			req.result.action, req.result.err = w.agent.Propose(req.ctx, req.crash)
			close(req.result.done)
		}
	}
}

// Submit queues one agent round-trip for the crash and returns its result
// handle. Blocks only if a previous request is still being handed to the
// worker, which cannot happen under the one-outstanding discipline.
func (w *Worker) Submit(ctx context.Context, c *crash.Crash) *Result {
	result := &Result{done: make(chan struct{})}
	select {
	case w.requests <- workerRequest{ctx: ctx, crash: c, result: result}:
	case <-w.stop:
		result.err = context.Canceled
		close(result.done)
	}
	return result
}

// Close signals the worker to stop and joins it. An in-flight provider
// call finishes first; its result is still delivered to the handle.
func (w *Worker) Close() {
	close(w.stop)
	<-w.stopped
	w.logger.Debug("agent worker stopped")
}
