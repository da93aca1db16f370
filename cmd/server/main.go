package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowsend/internal/api"
	"flowsend/internal/config"
	"flowsend/internal/db"
	"flowsend/internal/dispatch"
	"flowsend/internal/metrics"
	"flowsend/internal/precheck"
	"flowsend/internal/provider"
	"flowsend/internal/scheduler"
	"flowsend/internal/suppression"
	"flowsend/internal/throttle"
	"flowsend/internal/workflow"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	recorder := metrics.NewRecorder(store, logger)

	// ------------------------------------------------
	// Provider Client + Media Rehoster
	// ------------------------------------------------
	client := provider.NewClient(cfg.ProviderBaseURL, cfg.SendTimeout, logger)

	rehoster, err := provider.NewRehoster(provider.S3Config{
		Enabled:   cfg.S3Enabled,
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: cfg.S3PublicBaseURL,
	}, logger)
	if err != nil {
		logger.Fatal("media rehoster init failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Suppression Gate + Throttle Controller
	// ------------------------------------------------
	gate := suppression.NewGate(store, store, suppression.Config{
		CacheTTL:           cfg.SuppressionCacheTTL,
		FailureThreshold:   cfg.FailureThreshold,
		FailureWindow:      cfg.FailureWindow,
		AutoSuppressExpiry: cfg.AutoSuppressExpiry,
	}, logger)

	throttler := throttle.NewController(store, throttle.Config{
		MinRate:     cfg.MinRate,
		MaxRate:     cfg.MaxRate,
		InitialRate: cfg.InitialRate,
		Cooldown:    cfg.ThrottleCooldown,
		IncreaseGap: cfg.IncreaseGap,
	}, logger)

	// ------------------------------------------------
	// Workflow Engine + Runner
	// ------------------------------------------------
	engine := workflow.NewEngine(store, gate, throttler, client, rehosterOrNil(rehoster), recorder, workflow.Config{
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.WorkerCount,
		SendTimeout:  cfg.SendTimeout,
		SweepBatches: cfg.SweepBatches,
	}, logger)

	runner := workflow.NewInlineRunner(logger, 5*time.Minute)

	// ------------------------------------------------
	// Dispatch Enqueuer
	// ------------------------------------------------
	pipeline := precheck.NewPipeline(store, store, gate, logger)

	enqueuer := dispatch.NewEnqueuer(store, store, store, pipeline, engine, runner, recorder, dispatch.Config{
		ScheduleTolerance: cfg.ScheduleTolerance,
		DefaultCreds: provider.Credentials{
			Token:     cfg.ProviderToken,
			ChannelID: cfg.ChannelID,
		},
	}, logger)

	// ------------------------------------------------
	// Campaign Scheduler
	// ------------------------------------------------
	sched := scheduler.New(store, enqueuer, logger)
	if err := sched.Start(cfg.SchedulerSpec); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store:    store,
		Enqueuer: enqueuer,
		Log:      logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Stop accepting new triggers, then drain in-flight runs.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	runner.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

// rehosterOrNil keeps a disabled rehoster as a true nil interface for the
// engine's optional-dependency check.
func rehosterOrNil(r *provider.Rehoster) workflow.Rehoster {
	if r == nil {
		return nil
	}
	return r
}
