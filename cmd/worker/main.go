package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledger"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/postgres"
	"github.com/odyssey-erp/odyssey-gl/internal/app"
	"github.com/odyssey-erp/odyssey-gl/internal/notify"
	"github.com/odyssey-erp/odyssey-gl/internal/observability"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/locks"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
	"github.com/odyssey-erp/odyssey-gl/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg, "odyssey-worker")

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLife})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer client.Close()

	metrics := observability.NewMetrics()
	store := postgres.New(pool,
		postgres.WithLogger(logger),
		postgres.WithRetries(cfg.TxRetries),
		postgres.WithRetryObserver(metrics.Ledger))
	engine := ledger.New(store, ledger.Options{
		Precision: &cfg.LedgerPrecision,
		Hooks: accounting.Hooks{
			Audit:   shared.NewAuditLogger(pool),
			Notify:  notify.NewQueue(client, notify.QueueOptions{Queue: cfg.NotifyQueue, OpenTimeout: cfg.NotifyBreakerTTL, Logger: logger}),
			Metrics: metrics.Ledger,
			Logger:  logger,
		},
	})
	locker := locks.New(redisClient, cfg.LockTTL)

	autoReversals := jobs.NewAutoReversalJob(engine.Reversals, engine, locker, logger, metrics.Jobs)
	autoReversals.ActorID = cfg.LedgerActorID
	integrity := jobs.NewIntegrityJob(engine, locker, logger, metrics.Jobs)
	notifications := jobs.NewNotificationJob(notify.Log{Logger: logger}, logger, metrics.Jobs)

	autoReversalTask, err := jobs.NewAutoReversalTask("all", time.Time{})
	if err != nil {
		logger.Error("build auto reversal task", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewIntegrityCheckTask("all")
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAutoReversal, Handler: autoReversals.Handle},
			{Type: jobs.TaskIntegrityCheck, Handler: integrity.Handle},
			{Type: jobs.TaskNotification, Handler: notifications.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AutoReversalCron, Task: autoReversalTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()
	srv := &http.Server{
		Addr: cfg.WorkerAddr,
		Handler: app.NewRouter(app.RouterParams{
			Logger:     logger,
			Config:     cfg,
			JobHandler: jobs.NewHandler(inspector, logger),
			Metrics:    metrics,
			Ready:      pool.Ping,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("operations endpoint listening", slog.String("addr", cfg.WorkerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
