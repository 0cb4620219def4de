// Package main is the entrypoint for the GradeFlow API server and its
// in-process worker pools.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/gradeflow/gradeflow/internal/ai"
	"github.com/gradeflow/gradeflow/internal/api"
	"github.com/gradeflow/gradeflow/internal/api/handler"
	"github.com/gradeflow/gradeflow/internal/api/response"
	"github.com/gradeflow/gradeflow/internal/blob"
	"github.com/gradeflow/gradeflow/internal/broadcast"
	"github.com/gradeflow/gradeflow/internal/config"
	"github.com/gradeflow/gradeflow/internal/extract"
	"github.com/gradeflow/gradeflow/internal/jobs"
	"github.com/gradeflow/gradeflow/internal/pipeline"
	"github.com/gradeflow/gradeflow/internal/queue"
	"github.com/gradeflow/gradeflow/internal/store"
	"github.com/gradeflow/gradeflow/internal/worker"
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
	_ = godotenv.Load()
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

	// 4. Connect to Redis: task queues and the status broadcaster
	redisClient, err := queue.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	extractionQueue := queue.NewRedisQueue(redisClient, "extraction",
		cfg.Queue.LeaseTTL, cfg.Queue.PollInterval)
	evaluationQueue := queue.NewRedisQueue(redisClient, "evaluation",
		cfg.Queue.LeaseTTL, cfg.Queue.PollInterval)
	broadcaster := broadcast.NewRedisBroadcaster(redisClient)

	// 5. Create AI provider
	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	// 6. Assemble the pipeline and worker pools
	pgStore := store.NewPostgresStore(pool)
	blobClient := blob.NewHTTPClient(cfg.Blob.FetchTimeout, cfg.Blob.MaxDownloadSize)
	runner := pipeline.New(blobClient, extract.NewTextExtractor(), aiProvider,
		pgStore, cfg.AI.InferenceTimeout)

	pools := []*worker.Pool{
		worker.NewPool(extractionQueue, pgStore, runner, broadcaster,
			cfg.Queue.ExtractionWorkers, cfg.Queue.LeaseTTL),
		worker.NewPool(evaluationQueue, pgStore, runner, broadcaster,
			cfg.Queue.EvaluationWorkers, cfg.Queue.LeaseTTL),
	}

	var workerWG sync.WaitGroup
	for _, p := range pools {
		workerWG.Add(1)
		go func(p *worker.Pool) {
			defer workerWG.Done()
			p.Start(ctx)
		}(p)
	}

	// 7. Build router with dependencies
	svc := jobs.NewService(pgStore, extractionQueue, evaluationQueue)

	deps := api.Dependencies{
		HealthHandler: healthHandler(pgStore, redisClient),

		SubmitExtraction: handler.NewSubmitExtractionHandler(svc),
		GetJob:           handler.NewGetJobHandler(svc),
		RetryJob:         handler.NewRetryJobHandler(svc),
		WatchJob:         handler.NewWatchJobHandler(svc, broadcaster),

		CreatePaper:      handler.NewCreatePaperHandler(svc),
		GetPaper:         handler.NewGetPaperHandler(svc),
		SubmitEvaluation: handler.NewSubmitEvaluationHandler(svc),
		ListEvaluations:  handler.NewListEvaluationsHandler(svc),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: the event stream endpoint holds connections open
		IdleTimeout: 60 * time.Second,
	}

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
		slog.Info("shutdown signal received, draining...")
	}

	// Graceful shutdown: stop the HTTP server, then wait for in-flight jobs
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	drained := make(chan struct{})
	go func() {
		workerWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		slog.Info("workers drained")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout; abandoning in-flight jobs to lease recovery")
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and redis connectivity.
func healthHandler(s store.Store, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"redis":    "ok",
		}

		if err := s.Ping(req.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := rdb.Ping(req.Context()).Err(); err != nil {
			checks["redis"] = "degraded"
		}

		if checks["database"] != "ok" || checks["redis"] != "ok" {
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
