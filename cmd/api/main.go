package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kmwilder/proofroom-backend/api/routes"
	"github.com/kmwilder/proofroom-backend/internal/cart"
	"github.com/kmwilder/proofroom-backend/internal/download"
	"github.com/kmwilder/proofroom-backend/internal/entitlement"
	"github.com/kmwilder/proofroom-backend/internal/jobs"
	"github.com/kmwilder/proofroom-backend/internal/payments"
	"github.com/kmwilder/proofroom-backend/internal/security"
	"github.com/kmwilder/proofroom-backend/internal/sessions"
	"github.com/kmwilder/proofroom-backend/internal/uploads"
	"github.com/kmwilder/proofroom-backend/pkg/config"
	"github.com/kmwilder/proofroom-backend/pkg/db"
	"github.com/kmwilder/proofroom-backend/pkg/lifecycle"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/metrics"
	"github.com/kmwilder/proofroom-backend/pkg/migrate"
	"github.com/kmwilder/proofroom-backend/pkg/redis"
	"github.com/kmwilder/proofroom-backend/pkg/resilience"
	"github.com/kmwilder/proofroom-backend/pkg/storage/object"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx := context.Background()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	storageClient, err := object.NewClient(ctx, cfg.Storage, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap storage", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	downloadMetrics := metrics.NewDownloadMetrics(registry)
	breakerMetrics := metrics.NewBreakerMetrics(registry)
	resourceMetrics := metrics.NewResourceMetrics(registry)
	jobMetrics := metrics.NewJobMetrics(registry)

	securityEvents := security.NewEventLog(cfg.Abuse.SecurityEventCapacity)
	detector := security.NewDetector(cfg.Abuse, cfg.RateLimit, redisClient, securityEvents, logg)

	quotaCache := entitlement.NewQuotaCache(cfg.Quota.CacheSize, cfg.Quota.CacheTTL, downloadMetrics)
	entitlementRepo := entitlement.NewRepository(dbClient.DB())
	ledger, err := entitlement.NewLedger(entitlementRepo, dbClient, quotaCache, detector, securityEvents, logg, downloadMetrics, cfg.Quota)
	if err != nil {
		logg.Error(ctx, "failed to create entitlement ledger", err)
		os.Exit(1)
	}

	sessionRepo := sessions.NewRepository(dbClient.DB())

	cartService, err := cart.NewService(ledger, entitlementRepo, redisClient, logg, cfg.Cart)
	if err != nil {
		logg.Error(ctx, "failed to create cart service", err)
		os.Exit(1)
	}

	executor := resilience.NewExecutor(cfg.Resilience, logg, breakerMetrics)
	resourceManager := lifecycle.NewManager(cfg.Resources, logg, resourceMetrics)
	resourceManager.StartSweeper(ctx)

	pipeline, err := download.NewPipeline(download.PipelineParams{
		Sessions:  sessionRepo,
		Policies:  entitlementRepo,
		Ledger:    ledger,
		Store:     storageClient,
		Guard:     executor,
		Resources: resourceManager,
		Logger:    logg,
		Metrics:   downloadMetrics,
		JWT:       cfg.JWT,
		Gallery:   cfg.Gallery,
	})
	if err != nil {
		logg.Error(ctx, "failed to create download pipeline", err)
		os.Exit(1)
	}

	uploadService, err := uploads.NewService(uploads.ServiceParams{
		Sessions:  sessionRepo,
		Store:     storageClient,
		Resources: resourceManager,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create upload service", err)
		os.Exit(1)
	}

	paymentService, err := payments.NewService(payments.ServiceParams{Ledger: ledger, Logger: logg})
	if err != nil {
		logg.Error(ctx, "failed to create payment service", err)
		os.Exit(1)
	}
	paymentGuard, err := payments.NewIdempotencyGuard(redisClient, cfg.Payments.IdempotencyTTL, "payments")
	if err != nil {
		logg.Error(ctx, "failed to create payment idempotency guard", err)
		os.Exit(1)
	}

	sweepLock, err := jobs.NewRedisLock(redisClient, redisClient.SweepLockKey(), 0)
	if err != nil {
		logg.Error(ctx, "failed to create sweep lock", err)
		os.Exit(1)
	}
	sweepJob, err := jobs.NewEntitlementSweepJob(jobs.EntitlementSweepJobParams{Logger: logg, Repo: entitlementRepo})
	if err != nil {
		logg.Error(ctx, "failed to create entitlement sweep job", err)
		os.Exit(1)
	}
	jobService, err := jobs.NewService(jobs.ServiceParams{
		Logger:   logg,
		Registry: jobs.NewRegistry(sweepJob),
		Lock:     sweepLock,
		Metrics:  jobMetrics,
		Interval: cfg.Quota.SweepInterval,
	})
	if err != nil {
		logg.Error(ctx, "failed to create job service", err)
		os.Exit(1)
	}
	go func() {
		if err := jobService.Run(ctx); err != nil && err != context.Canceled {
			logg.Error(ctx, "job service stopped unexpectedly", err)
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	startCtx := logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(startCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:         cfg,
			Logger:         logg,
			DB:             dbClient,
			Redis:          redisClient,
			Storage:        storageClient,
			Sessions:       sessionRepo,
			SessionFiles:   sessionRepo,
			Ledger:         ledger,
			Cart:           cartService,
			Pipeline:       pipeline,
			Uploads:        uploadService,
			PaymentService: paymentService,
			PaymentGuard:   paymentGuard,
			SecurityEvents: securityEvents,
			Registry:       registry,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(startCtx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
