package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tiba/internal/llm"
	"github.com/jkaninda/tiba/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	model   string
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, model string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		model:   model,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", p.model),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, p.model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, p.model).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// --- InstrumentedSandbox ---

// SandboxInstance is the sandbox surface the wrapper instruments.
// Satisfied by *sandbox.Sandbox; the pipeline stages consume the same
// method set.
type SandboxInstance interface {
	Execute(ctx context.Context, command, workdir string, env map[string]string) (sandbox.Handle, error)
	ReadPath(ctx context.Context, path string) ([]byte, error)
	WritePath(ctx context.Context, dir string, archive []byte) error
	Close() error
}

// InstrumentedSandbox wraps a sandbox with per-stage execution metrics
// and tracing.
type InstrumentedSandbox struct {
	inner   SandboxInstance
	stage   string
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability, labeling
// its executions with the owning pipeline stage.
func NewInstrumentedSandbox(inner SandboxInstance, stage string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		stage:   stage,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, command, workdir string, env map[string]string) (sandbox.Handle, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.stage", s.stage),
				attribute.String("sandbox.workdir", workdir),
			))
		defer span.End()
	}

	start := time.Now()
	h, err := s.inner.Execute(ctx, command, workdir, env)

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.stage).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.stage).Observe(time.Since(start).Seconds())
	}
	if err != nil && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return h, err
}

func (s *InstrumentedSandbox) ReadPath(ctx context.Context, path string) ([]byte, error) {
	return s.inner.ReadPath(ctx, path)
}

func (s *InstrumentedSandbox) WritePath(ctx context.Context, dir string, archive []byte) error {
	return s.inner.WritePath(ctx, dir, archive)
}

func (s *InstrumentedSandbox) Close() error {
	return s.inner.Close()
}
