// cmd/repotracker/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repotracker/internal/api"
	"repotracker/internal/config"
	"repotracker/internal/export"
	"repotracker/internal/github"
	"repotracker/internal/registry"
	"repotracker/internal/store"
	"repotracker/internal/store/postgres"
	"repotracker/internal/store/sqlite"
	"repotracker/internal/syncer"
	"repotracker/internal/vcs"
)

const dumpFileName = "commits_dump.csv"

func main() {
	configPath := flag.String("config", "./config.toml", "path of the configuration file")
	serve := flag.Bool("serve", false, "run continuously with the HTTP API instead of a single pass")
	flag.Parse()

	if err := run(*configPath, *serve); err != nil {
		slog.Error("Run failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, serve bool) error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration and registry
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.Log.Level, logLevel)
	logger.Info("Configuration loaded successfully")

	repos, err := registry.Load(cfg.JSON.Locale)
	if err != nil {
		return fmt.Errorf("failed to load tracked repositories: %w", err)
	}
	logger.Info("Registry loaded", "repositories", len(repos))

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Open the state store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()
	logger.Info("State store ready", "engine", cfg.Database.Engine)

	// 5. Initialize application components
	vcsClient, err := vcs.NewClient(cfg.Sync.CloneDir, logger)
	if err != nil {
		return err
	}

	opts := syncer.Options{
		Concurrency:  cfg.Sync.Concurrency,
		FetchTimeout: cfg.Sync.FetchTimeout,
		Interval:     cfg.Sync.Interval,
	}
	if cfg.GitHub.Token != "" {
		opts.Issues = github.NewClient(cfg.GitHub.Token, logger)
	}
	appSyncer := syncer.NewSyncer(st, vcsSource{vcsClient}, logger, repos, opts)

	if serve {
		return runServe(ctx, cfg, st, appSyncer, logger)
	}
	return runOnce(ctx, cfg, st, appSyncer, logger)
}

// runOnce performs a single full synchronization followed by the optional
// CSV export. Exit status is non-zero if any repository's pass failed.
func runOnce(ctx context.Context, cfg *config.Config, st store.Store, s *syncer.Syncer, logger *slog.Logger) error {
	summary := s.RunOnce(ctx)

	if cfg.CSVDump.Locale != "" {
		exporter := export.NewExporter(st, cfg.CSVDump.Locale, logger)
		if _, err := exporter.DumpCommits(ctx, dumpFileName); err != nil {
			return fmt.Errorf("failed to export commits: %w", err)
		}
	}

	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d repositories failed to synchronize", failed, len(summary.Results))
	}
	return nil
}

// runServe runs periodic sync cycles plus the read-only HTTP API until a
// shutdown signal arrives.
func runServe(ctx context.Context, cfg *config.Config, st store.Store, s *syncer.Syncer, logger *slog.Logger) error {
	go s.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.API.Listen,
		Handler: api.NewRouter(st, logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving API", "addr", cfg.API.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Allow some time for graceful shutdown of background tasks
	time.Sleep(2 * time.Second)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Engine {
	case "postgres":
		return postgres.Open(ctx, cfg.Database.Locale)
	default:
		return sqlite.Open(cfg.Database.Locale)
	}
}

// vcsSource adapts the concrete vcs client to the syncer's source seam.
type vcsSource struct {
	*vcs.Client
}

func (s vcsSource) Open(name string) (syncer.History, error) {
	return s.Client.Open(name)
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
