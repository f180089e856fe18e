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

	"github.com/workline/workline/internal/app"
	"github.com/workline/workline/internal/auth"
	"github.com/workline/workline/internal/observability"
	"github.com/workline/workline/internal/platform/cache"
	"github.com/workline/workline/internal/platform/db"
	"github.com/workline/workline/internal/rbac"
	"github.com/workline/workline/internal/shared"
	"github.com/workline/workline/jobs"
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

	policy, err := rbac.LoadPolicy(cfg.RBACPolicyFile)
	if err != nil {
		logger.Error("load rbac policy", slog.Any("error", err))
		os.Exit(1)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if cfg.DBMigrate {
		if err := db.Migrate(ctx, dbpool); err != nil {
			logger.Error("migrate database", slog.Any("error", err))
			os.Exit(1)
		}
	}

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, invalidations stay local", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	broadcaster := rbac.NewRedisBroadcaster(redisClient, cfg.RBACInvalidationChannel, logger)
	repo := rbac.NewRepository(dbpool)
	contextCache := rbac.NewContextCache(repo, policy, rbac.CacheConfig{
		TTL:         cfg.RBACCacheTTL,
		Size:        cfg.RBACCacheSize,
		FillTimeout: cfg.RBACFillTimeout,
		Broadcaster: broadcaster,
		Observer:    metrics,
		Logger:      logger,
	})
	if err := broadcaster.Listen(ctx, contextCache); err != nil {
		logger.Warn("subscribe rbac invalidations", slog.Any("error", err))
	}

	assignments := rbac.NewAssignmentService(rbac.AssignmentDeps{
		Store:       repo,
		Scopes:      rbac.NewScopeRepository(dbpool),
		Cache:       contextCache,
		Policy:      policy,
		Audit:       shared.NewAuditLogger(dbpool),
		Logger:      logger,
		Concurrency: cfg.RBACBatchConcurrency,
	})

	registry := rbac.Registry{
		Pipeline: rbac.NewPipeline(auth.NewBearerAuthenticator(cfg.JWTSecret, cfg.JWTIssuer), contextCache, logger),
		Guard:    rbac.Guard{Policy: policy, Logger: logger},
	}
	rbacHandler := rbac.NewHandler(logger, assignments, contextCache, registry)

	redisOpts := cfg.Redis().AsynqOpt()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		Registry:    registry,
		RBACHandler: rbacHandler,
		JobHandler:  jobs.NewHandler(inspector, jobClient, logger),
		Metrics:     metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
}
