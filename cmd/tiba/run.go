package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/tiba/internal/config"
	"github.com/jkaninda/tiba/internal/crash"
	"github.com/jkaninda/tiba/internal/gateway/httpapi"
	"github.com/jkaninda/tiba/internal/llm"
	"github.com/jkaninda/tiba/internal/llm/gemini"
	"github.com/jkaninda/tiba/internal/observability"
	"github.com/jkaninda/tiba/internal/pipeline"
	"github.com/jkaninda/tiba/internal/sandbox"
	"github.com/jkaninda/tiba/internal/storage"
	pgstore "github.com/jkaninda/tiba/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/tiba/internal/storage/sqlite"
)

var (
	runConfigPath  string
	runTargetPath  string
	runTimeoutMins int
	runListenAddr  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fuzz-repair pipeline against a target directory",
	RunE:  runPipeline,
}

func init() {
	// Register flags on both root and run so that
	// `tiba --path dir` and `tiba run --path dir` both work.
	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().StringVar(&runConfigPath, "config", "tiba.yaml", "path to config file")
		cmd.Flags().StringVar(&runTargetPath, "path", "", "target directory (config.toml, build.sh, Dockerfile, src/, eval/)")
		cmd.Flags().IntVar(&runTimeoutMins, "timeout", 360, "global wall-clock budget in minutes")
		cmd.Flags().StringVar(&runListenAddr, "addr", "", "override status API listen address (e.g. :8090)")
	}
}

func runPipeline(_ *cobra.Command, _ []string) error {
	if runTargetPath == "" {
		return fmt.Errorf("--path is required")
	}

	cfg, err := config.Load(goutils.Env("TIBA_CONFIG", runConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Level())

	target, err := config.LoadTarget(runTargetPath)
	if err != nil {
		return err
	}
	if runListenAddr != "" {
		if cfg.API == nil {
			cfg.API = &config.APIConfig{Enabled: true}
		}
		cfg.API.ListenAddr = runListenAddr
	}

	logger.Info("starting pipeline",
		slog.String("target", target.Path),
		slog.String("executable", target.Project.Executable),
		slog.Int("timeout_minutes", runTimeoutMins),
	)

	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return err
	}

	records, err := storage.NewRecords(cfg.Records())
	if err != nil {
		return err
	}
	archive, err := openArchive(cfg, logger)
	if err != nil {
		return err
	}
	if archive != nil {
		defer archive.Close()
	}

	var provider llm.Provider = gemini.NewClient(cfg.Provider.APIKey, cfg.Provider.Model, logger)
	provider = observability.NewInstrumentedProvider(provider, cfg.Provider.Model, obs.MetricsOrNil(), obs.TracerOrNil())

	repo := crash.NewRepository(logger)

	launch := func(stage string) pipeline.Launcher {
		return func(ctx context.Context, source string, mode sandbox.Mode, opts sandbox.Options) (pipeline.Instance, error) {
			sbx, err := sandbox.New(ctx, source, mode, opts, logger)
			if err != nil {
				return nil, err
			}
			return observability.NewInstrumentedSandbox(sbx, stage, obs.MetricsOrNil(), obs.TracerOrNil()), nil
		}
	}

	tasks := []pipeline.Task{
		pipeline.NewFuzzTask(repo, target, launch("fuzz"), logger, obs.MetricsOrNil()),
		pipeline.NewReplayTask(repo, target, launch("replay"), logger, obs.MetricsOrNil()),
		pipeline.NewRepairTask(repo, target, provider, records, cfg.Pipeline.Retries(), launch("repair"), logger, obs.MetricsOrNil()),
		pipeline.NewEvaluateTask(repo, target, records, archive, launch("evaluate"), logger, obs.MetricsOrNil()),
	}

	budget := time.Duration(runTimeoutMins) * time.Minute
	manager := pipeline.NewManager(tasks, budget, cfg.Pipeline.PollInterval(), logger, obs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer obs.Shutdown(context.Background())

	if cfg.API != nil && cfg.API.Enabled {
		gwCfg := httpapi.Config{
			ListenAddr: cfg.API.Addr(),
			Metrics:    obs.MetricsOrNil(),
		}
		if m := obs.MetricsOrNil(); m != nil {
			gwCfg.MetricsRegistry = m.Registry
		}
		if ts := obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
		gw := httpapi.NewGateway(gwCfg, repo, logger)
		go func() {
			if err := gw.Start(ctx); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = gw.Stop(shutdownCtx)
		}()
	}

	return manager.Run(ctx)
}

// openArchive builds the configured archive store. SQLite is the
// default; postgres activates when a DSN is configured.
func openArchive(cfg *config.Config, logger *slog.Logger) (storage.Archive, error) {
	switch cfg.Storage.StorageDriver() {
	case "postgres":
		if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres storage requires a DSN (TIBA_DB_DSN)")
		}
		return pgstore.Open(cfg.Storage.Postgres.DSN, logger)
	case "sqlite":
		return sqlitestore.Open(cfg.SQLitePath(), logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.StorageDriver())
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
