package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Tiba.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	CrashesFoundTotal      prometheus.Counter
	CrashesReproducedTotal prometheus.Counter
	RepairRoundsTotal      *prometheus.CounterVec
	PatchesProposedTotal   prometheus.Counter
	PatchesValidatedTotal  prometheus.Counter
	PatchesRejectedTotal   *prometheus.CounterVec
	StageTickDuration      *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// HTTP status API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CrashesFoundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "pipeline",
			Name:      "crashes_found_total",
			Help:      "Total crashing inputs harvested from the fuzzer.",
		}),

		CrashesReproducedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "pipeline",
			Name:      "crashes_reproduced_total",
			Help:      "Total crashes confirmed reproducible under sanitizers.",
		}),

		RepairRoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "pipeline",
			Name:      "repair_rounds_total",
			Help:      "Total completed repair round-trips.",
		}, []string{"action"}),

		PatchesProposedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "pipeline",
			Name:      "patches_proposed_total",
			Help:      "Total patch proposals received from the agent.",
		}),

		PatchesValidatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "pipeline",
			Name:      "patches_validated_total",
			Help:      "Total patches that built and neutralized the crash.",
		}),

		PatchesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "pipeline",
			Name:      "patches_rejected_total",
			Help:      "Total patches rejected during evaluation.",
		}, []string{"reason"}),

		StageTickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tiba",
			Subsystem: "pipeline",
			Name:      "stage_tick_duration_seconds",
			Help:      "Duration of one stage tick in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"stage"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox command executions.",
		}, []string{"stage"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tiba",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"stage"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tiba",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tiba",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tiba",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tiba",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.CrashesFoundTotal,
		m.CrashesReproducedTotal,
		m.RepairRoundsTotal,
		m.PatchesProposedTotal,
		m.PatchesValidatedTotal,
		m.PatchesRejectedTotal,
		m.StageTickDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
