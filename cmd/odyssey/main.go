package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-iam/internal/app"
	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/authz"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/breaker"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/cache"
	authzhttp "github.com/odyssey-erp/odyssey-iam/internal/authz/http"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/policy"
	"github.com/odyssey-erp/odyssey-iam/internal/authz/store"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	platformcache "github.com/odyssey-erp/odyssey-iam/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	shutdownTelemetry, err := app.InitTelemetry(ctx, cfg, logger)
	if err != nil {
		logger.Error("init telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	dbpool, err := db.New(ctx, cfg.DBOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	rules := store.New(dbpool)
	if err := rules.Migrate(ctx); err != nil {
		logger.Error("migrate authz schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := platformcache.New(ctx, cfg.RedisOptions())
	if err != nil {
		// The decision path degrades to the database while redis is down.
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	authzMetrics := metrics.Authz()

	decisions := cache.NewDecisionCache(redisClient, cfg.DecisionTTL)
	var (
		matrices    authz.MatrixStore
		matrixFlush authzhttp.MatrixFlusher
	)
	switch cfg.MatrixBackend {
	case app.MatrixBackendRedis:
		m := cache.NewMatrixStore(redisClient, cache.MatrixConfig{})
		matrices, matrixFlush = m, m
	case app.MatrixBackendLocal:
		m, err := cache.NewLocalMatrixStore(cache.LocalConfig{
			MaxMatrices: cfg.LocalMatrixCapacity,
			Client:      redisClient,
			Logger:      logger,
		})
		if err != nil {
			logger.Error("init local matrix store", slog.Any("error", err))
			os.Exit(1)
		}
		defer m.Close()
		if err := m.ListenForInvalidation(ctx); err != nil {
			logger.Warn("matrix invalidation listener", slog.Any("error", err))
		}
		matrices, matrixFlush = m, m
	}

	policies, err := policy.NewDefaultRegistry(ctx, logger)
	if err != nil {
		logger.Error("init policy plugins", slog.Any("error", err))
		os.Exit(1)
	}

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		Interval:         cfg.BreakerInterval,
	}, logger, authzMetrics)

	auditSink := audit.NewSink(dbpool)

	svc, err := authz.NewService(authz.ServiceConfig{
		Store:     rules,
		Cache:     decisions,
		Matrix:    matrices,
		Policies:  policies,
		Breakers:  breakers,
		Audit:     auditSink,
		Logger:    logger,
		Metrics:   authzMetrics,
		Timeout:   cfg.CheckTimeout,
		MatrixTTL: cfg.MatrixTTL,
	})
	if err != nil {
		logger.Error("init authz service", slog.Any("error", err))
		os.Exit(1)
	}
	checker := authz.Chain(svc,
		authz.WithLogging(logger),
		authz.WithMetrics(authzMetrics),
		authz.WithTracing(),
	)

	propagator := authz.NewPropagator(authz.PropagatorConfig{
		Resolver:    rules,
		Cache:       decisions,
		Matrix:      matrices,
		Concurrency: cfg.InvalidationConcurrency,
		Logger:      logger,
		Metrics:     authzMetrics,
	})

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	var dispatcher authz.Dispatcher
	var asyncDispatcher *authz.AsyncDispatcher
	switch cfg.InvalidationMode {
	case app.InvalidationQueue:
		client, err := jobs.NewClient(redisOpts)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		dispatcher = &jobs.QueueDispatcher{Client: client, Logger: logger}
	default:
		asyncDispatcher = authz.NewAsyncDispatcher(propagator, 0, logger)
		dispatcher = asyncDispatcher
	}

	admin, err := authz.NewAdminService(authz.AdminConfig{
		Store:      rules,
		Policies:   policies,
		Dispatcher: dispatcher,
		Audit:      auditSink,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("init authz admin", slog.Any("error", err))
		os.Exit(1)
	}

	guard := rbac.Middleware{Checker: checker, Logger: logger}
	authzHandler := authzhttp.NewHandler(authzhttp.Config{
		Checker:  checker,
		Engine:   svc,
		Admin:    admin,
		Cache:    decisions,
		Matrix:   matrixFlush,
		Breakers: breakers,
		Audit:    auditSink,
		Guard:    guard.RequireAny(app.OperatorRules...),
		Logger:   logger,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Metrics:      metrics,
		AuthzHandler: authzHandler,
		JobHandler:   jobHandler,
		RBAC:         guard,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("matrix_backend", cfg.MatrixBackend),
			slog.String("invalidation_mode", cfg.InvalidationMode))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if asyncDispatcher != nil {
		asyncDispatcher.Wait()
	}
	svc.Drain()
}
