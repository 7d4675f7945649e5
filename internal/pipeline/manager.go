package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tiba/internal/observability"
)

// Manager runs the stage list as a single-threaded cooperative loop
// bounded by a global wall-clock budget.
type Manager struct {
	tasks   []Task
	budget  time.Duration
	poll    time.Duration
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
}

func NewManager(tasks []Task, budget, poll time.Duration, logger *slog.Logger, obs *observability.Observability) *Manager {
	m := &Manager{
		tasks:   tasks,
		budget:  budget,
		poll:    poll,
		logger:  logger.With("component", "manager"),
		metrics: obs.MetricsOrNil(),
	}
	if ts := obs.TracerOrNil(); ts != nil {
		m.tracer = ts.Tracer()
	}
	return m
}

// Run initializes every stage, drives the tick loop until the budget or
// the context expires, then closes every stage in order. Close runs for
// all initialized stages even when initialization of a later stage
// fails.
func (m *Manager) Run(ctx context.Context) error {
	start := time.Now()

	initialized := 0
	var initErr error
	for _, t := range m.tasks {
		m.logger.Info("initializing stage", "stage", t.Name())
		if err := t.Initialize(ctx); err != nil {
			initErr = fmt.Errorf("initializing stage %s: %w", t.Name(), err)
			break
		}
		initialized++
	}
	defer func() {
		for _, t := range m.tasks[:initialized] {
			if err := t.Close(); err != nil {
				m.logger.Error("closing stage", "stage", t.Name(), "error", err)
			}
		}
	}()
	if initErr != nil {
		return initErr
	}

	m.logger.Info("pipeline started", "budget", m.budget.String(), "poll_interval", m.poll.String())

	for {
		remaining := m.budget - time.Since(start)
		if remaining <= 0 {
			m.logger.Info("wall-clock budget exhausted", "elapsed", time.Since(start).String())
			return nil
		}
		select {
		case <-ctx.Done():
			m.logger.Info("pipeline cancelled", "elapsed", time.Since(start).String())
			return ctx.Err()
		default:
		}

		m.sweep(ctx)

		sleep := m.poll
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			m.logger.Info("pipeline cancelled", "elapsed", time.Since(start).String())
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// sweep ticks every stage once in fixed order. A failing tick is logged
// and never stops the loop.
func (m *Manager) sweep(ctx context.Context) {
	for _, t := range m.tasks {
		tickCtx := ctx
		var span trace.Span
		if m.tracer != nil {
			tickCtx, span = m.tracer.Start(ctx, "pipeline.tick",
				trace.WithAttributes(attribute.String("stage", t.Name())))
		}

		tickStart := time.Now()
		if err := t.Run(tickCtx); err != nil {
			m.logger.Error("stage tick failed", "stage", t.Name(), "error", err)
			if span != nil {
				span.RecordError(err)
			}
		}
		if m.metrics != nil {
			m.metrics.StageTickDuration.WithLabelValues(t.Name()).Observe(time.Since(tickStart).Seconds())
		}
		if span != nil {
			span.End()
		}
	}
}
