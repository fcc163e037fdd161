package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/viewmill/outbox-queue/internal/api"
	"github.com/viewmill/outbox-queue/internal/config"
	"github.com/viewmill/outbox-queue/internal/db"
	"github.com/viewmill/outbox-queue/internal/metrics"
	"github.com/viewmill/outbox-queue/internal/ratelimiter"
	"github.com/viewmill/outbox-queue/internal/repository"
	"github.com/viewmill/outbox-queue/internal/service"
	"github.com/viewmill/outbox-queue/internal/sink"
	"github.com/viewmill/outbox-queue/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- store ----
	ctx := context.Background()
	var repo repository.QueueRepository
	switch cfg.StoreBackend {
	case "memory":
		repo = repository.NewMemQueueRepository()
		logger.Warn("using in-memory store; entries do not survive restarts")
	default:
		pool, err := db.Connect(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		logger.Info("database migrations applied")

		repo = repository.NewPgQueueRepository(pool)
	}

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	snk := sink.NewWebhookSink(cfg.SinkBaseURL, cfg.SinkTimeout)
	limiter := ratelimiter.New(cfg.RateLimit)
	svc := service.NewQueueService(repo, logger)

	// ---- worker pool ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	pool, err := worker.NewPool(cfg, repo, snk, limiter, logger, m.WorkerHooks())
	if err != nil {
		logger.Fatal("failed to build worker pool", zap.Error(err))
	}
	pool.Start(workerCtx)

	visibilityW := worker.NewVisibilityWorker(
		repo, cfg.VisibilityTimeout, cfg.VisibilityInterval, logger,
		func(n int) { m.ClaimsReleased.Add(float64(n)) },
	)
	go visibilityW.Run(workerCtx)

	dlqW := worker.NewDLQWorker(
		repo, cfg.DLQMaxRetries, cfg.DLQInterval, logger,
		func(n int) { m.DeadLettered.Add(float64(n)) },
	)
	go dlqW.Run(workerCtx)

	// Periodic gauge refresh; stats are a snapshot, staleness up to one
	// interval is acceptable.
	go func() {
		ticker := time.NewTicker(cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				stats, err := repo.Stats(workerCtx)
				if err != nil {
					logger.Warn("stats refresh failed", zap.Error(err))
					continue
				}
				m.SetQueueDepths(stats)
			}
		}
	}()

	// ---- HTTP server ----
	router := api.NewRouter(svc, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal dispatcher and workers to stop claiming new entries.
	cancelWorkers()

	// 3. Wait for in-flight workers to finish their current entry.
	pool.Wait()

	logger.Info("server stopped cleanly")
}
