// Package main is the entrypoint for the RowForge API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rowforge/rowforge/internal/ai"
	"github.com/rowforge/rowforge/internal/api"
	"github.com/rowforge/rowforge/internal/api/handler"
	mw "github.com/rowforge/rowforge/internal/api/middleware"
	"github.com/rowforge/rowforge/internal/api/response"
	"github.com/rowforge/rowforge/internal/cache"
	"github.com/rowforge/rowforge/internal/completions"
	"github.com/rowforge/rowforge/internal/config"
	"github.com/rowforge/rowforge/internal/pipeline"
	"github.com/rowforge/rowforge/internal/queue"
	"github.com/rowforge/rowforge/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create AI provider
	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", provider.Name())

	// 6. Create store
	pgStore := store.NewPostgresStore(pool)

	// 7. Build the pipeline driver and completion engine
	registry, err := pipeline.NewRegistry(
		pipeline.NewArchiveProcessor(pgStore, cfg.Pipeline),
		pipeline.NewLLMRelabelProcessor(pgStore, provider, cfg.Pipeline),
		pipeline.NewDatasetProcessor(pgStore, cfg.Pipeline),
	)
	if err != nil {
		return fmt.Errorf("build processor registry: %w", err)
	}
	driver := pipeline.NewDriver(pgStore, registry, cfg.Pipeline,
		pipeline.WithNodeStatusMirror(redisCache))

	broadcaster := completions.NewBroadcaster()
	engine := completions.NewEngine(pgStore, provider, broadcaster, cfg.AI.InferenceTimeout,
		completions.WithStatusMirror(redisCache))

	// 8. Start queue workers
	jobQueue := queue.NewRedisQueue(redisCache.Client())
	defer jobQueue.Close()

	// Jobs a previous process dequeued but never acked go back on the queue.
	if n, err := jobQueue.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued orphaned jobs", "count", n)
	}

	workers := queue.NewWorkers(jobQueue, driver, engine, cfg.Pipeline.QueueWorkers)
	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- workers.Run(ctx)
	}()
	slog.Info("queue workers started", "count", cfg.Pipeline.QueueWorkers)

	// 9. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	h := handler.New(pgStore, jobQueue, pipeline.NewIngestor(pgStore), broadcaster, redisCache)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		CreateNode:       h.CreateNode,
		GetNode:          h.GetNode,
		GetNodeStatus:    h.GetNodeStatus,
		UpdateNodeConfig: h.UpdateNodeConfig,
		LinkNodes:        h.LinkNodes,
		ProcessNode:      h.ProcessNode,
		IngestEntries:    h.IngestEntries,
		ListEntries:      h.ListEntries,
		ResetErrors:      h.ResetErrorEntries,

		CreateVariant:  h.CreateVariant,
		CreateScenario: h.CreateScenario,
		CreateCell:     h.CreateCell,
		GetCell:        h.GetCell,
		GetCellStatus:  h.GetCellStatus,
		GetCellOutput:  h.GetCellOutput,
		RetryCell:      h.RetryCell,
		StreamCell:     h.StreamCell,

		CreateKeyHandler: h.CreateKey,
		ListKeysHandler:  h.ListKeys,
		RevokeKeyHandler: h.RevokeKey,
	}

	router := api.NewRouter(deps)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := <-workerErrCh; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("queue workers exited with error", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
