package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-iam/internal/app"
	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/cache"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/store"
	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	platformcache "github.com/odyssey-erp/odyssey-iam/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.DBOptions())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := platformcache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	authzMetrics := observability.NewAuthzMetrics(prometheus.DefaultRegisterer)
	rules := store.New(pool)
	decisions := cache.NewDecisionCache(redisClient, cfg.DecisionTTL)

	var matrices authz.MatrixStore
	switch cfg.MatrixBackend {
	case app.MatrixBackendRedis:
		matrices = cache.NewMatrixStore(redisClient, cache.MatrixConfig{})
	case app.MatrixBackendLocal:
		// Local matrices live in the API processes; deletes reach them over
		// pub/sub and warmup has nothing to fill here.
		local, err := cache.NewLocalMatrixStore(cache.LocalConfig{MaxMatrices: 1, Client: redisClient, Logger: logger})
		if err != nil {
			logger.Error("init local matrix store", slog.Any("error", err))
			os.Exit(1)
		}
		defer local.Close()
		matrices = local
	}

	policies, err := policy.NewDefaultRegistry(ctx, logger)
	if err != nil {
		logger.Error("init policy plugins", slog.Any("error", err))
		os.Exit(1)
	}

	svc, err := authz.NewService(authz.ServiceConfig{
		Store:     rules,
		Cache:     decisions,
		Matrix:    matrices,
		Policies:  policies,
		Audit:     audit.NewSink(pool),
		Logger:    logger,
		Metrics:   authzMetrics,
		Timeout:   cfg.CheckTimeout,
		MatrixTTL: cfg.MatrixTTL,
	})
	if err != nil {
		logger.Error("init authz service", slog.Any("error", err))
		os.Exit(1)
	}
	defer svc.Drain()

	propagator := authz.NewPropagator(authz.PropagatorConfig{
		Resolver:    rules,
		Cache:       decisions,
		Matrix:      matrices,
		Concurrency: cfg.InvalidationConcurrency,
		Logger:      logger,
		Metrics:     authzMetrics,
	})

	metrics := jobmetrics.NewMetrics(nil)
	invalidateJob := jobs.NewInvalidateJob(propagator, logger, metrics)

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskAuthzInvalidate, Handler: invalidateJob.Handle},
	}
	var cron []jobs.CronRegistration
	if cfg.MatrixBackend == app.MatrixBackendRedis {
		warmupJob := jobs.NewMatrixWarmupJob(rules, svc, logger, metrics)
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskAuthzMatrixWarmup, Handler: warmupJob.Handle})

		if cfg.MatrixWarmupCron != "" {
			warmupTask, err := jobs.NewMatrixWarmupTask(cfg.MatrixWarmupLimit)
			if err != nil {
				logger.Error("build matrix warmup task", slog.Any("error", err))
				os.Exit(1)
			}
			cron = append(cron, jobs.CronRegistration{
				Spec:    cfg.MatrixWarmupCron,
				Task:    warmupTask,
				Options: []asynq.Option{asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3)},
			})
		}
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers:    handlers,
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
