// Package httpapi implements the read-only status API: crash listing,
// per-crash detail, health, and Prometheus metrics. It never mutates the
// repository; the pipeline owns all state transitions.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/observability"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the status API server.
type Config struct {
	ListenAddr string // e.g., ":8090"
	EnableDocs bool

	// MetricsRegistry, when set, mounts /metrics for it.
	MetricsRegistry *prometheus.Registry
	MetricsPath     string // Default: "/metrics".

	// Metrics and Tracer instrument every request when set.
	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer
}

// Gateway serves the status API over a crash repository.
type Gateway struct {
	config Config
	repo   *crash.Repository
	logger *slog.Logger
	server *http.Server
	okapi  *okapi.Okapi
}

// NewGateway creates a status API server.
func NewGateway(cfg Config, repo *crash.Repository, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		repo:   repo,
		logger: logger,
		okapi:  okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	group := g.okapi.Group("/v1")

	group.Get("/crashes", g.handleCrashList,
		okapi.DocSummary("List crashes, optionally filtered by stage"),
		okapi.DocTags("Crashes"),
		okapi.DocResponse([]CrashSummary{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	group.Get("/crashes/{id}", g.handleCrashGet,
		okapi.DocSummary("Get the full record of one crash"),
		okapi.DocTags("Crashes"),
		okapi.DocPathParam("id", "string", "Crash ID (UUID)"),
		okapi.DocResponse(crash.Crash{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	group.Get("/stats", g.handleStats,
		okapi.DocSummary("Pipeline counters by stage"),
		okapi.DocTags("Crashes"),
		okapi.DocResponse(StatsResponse{}),
	)

	g.okapi.Get("/healthz", g.handleHealth)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Tiba",
			Version: "v0.1.0",
		})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("status api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("status api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// CrashSummary is the listing projection of a crash. Bulky fields
// (input, report, history) stay behind the detail endpoint.
type CrashSummary struct {
	ID           string `json:"id"`
	Stage        string `json:"stage"`
	Reproducible *bool  `json:"reproducible"`
	RetryCount   int    `json:"retry_count"`
	Patches      int    `json:"patches"`
	ValidPatches int    `json:"valid_patches"`
}

// StatsResponse aggregates repository counts per stage.
type StatsResponse struct {
	Total        int            `json:"total"`
	ByStage      map[string]int `json:"by_stage"`
	Reproducible int            `json:"reproducible"`
	Fixed        int            `json:"fixed"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleCrashList(c *okapi.Context) error {
	stage := crash.Stage(c.Request().URL.Query().Get("stage"))
	if stage != "" && !stage.Valid() {
		return c.AbortBadRequest("unknown stage")
	}

	crashes := g.repo.Find(func(x *crash.Crash) bool {
		return stage == "" || x.Stage == stage
	})
	out := make([]CrashSummary, 0, len(crashes))
	for _, x := range crashes {
		out = append(out, toSummary(x))
	}
	return c.OK(out)
}

func (g *Gateway) handleCrashGet(c *okapi.Context) error {
	id := c.Param("id")
	found := g.repo.First(func(x *crash.Crash) bool { return x.ID == id })
	if found == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "crash not found"})
	}
	return c.OK(found)
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	stats := buildStats(g.repo.Find(func(*crash.Crash) bool { return true }))
	return c.OK(&stats)
}

func buildStats(all []*crash.Crash) StatsResponse {
	stats := StatsResponse{
		Total:   len(all),
		ByStage: make(map[string]int),
	}
	for _, x := range all {
		stats.ByStage[string(x.Stage)]++
		if x.IsReproducible() {
			stats.Reproducible++
		}
		if len(x.ValidPatches) > 0 {
			stats.Fixed++
		}
	}
	return stats
}

func toSummary(x *crash.Crash) CrashSummary {
	patches := 0
	for _, a := range x.History {
		if a.Kind == crash.ActionProposedPatch {
			patches++
		}
	}
	return CrashSummary{
		ID:           x.ID,
		Stage:        string(x.Stage),
		Reproducible: x.Reproducible,
		RetryCount:   x.RetryCount,
		Patches:      patches,
		ValidPatches: len(x.ValidPatches),
	}
}
