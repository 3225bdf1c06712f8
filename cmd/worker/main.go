package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/encode"
	"github.com/dunamismax/facecraft/internal/models"
	"github.com/dunamismax/facecraft/internal/pipeline"
	"github.com/dunamismax/facecraft/internal/storage"
	"github.com/dunamismax/facecraft/internal/store"
	"github.com/dunamismax/facecraft/internal/telemetry"
	"github.com/dunamismax/facecraft/internal/webhook"
	"github.com/dunamismax/facecraft/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	if err := godotenv.Load(); err != nil {
		logger.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.FromConfig(cfg.Telemetry, "worker", version), logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := encode.Startup(); err != nil {
		logger.Fatalf("codec startup failed: %v", err)
	}
	defer encode.Shutdown()

	modelSet, err := models.Load(cfg.Models, logger)
	if err != nil {
		logger.Fatalf("model loading failed: %v", err)
	}
	defer func() {
		if err := modelSet.Close(); err != nil {
			logger.Printf("model close error: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	processor, err := pipeline.NewProcessor(
		modelSet.Capabilities,
		pipeline.WithLogger(logger),
		pipeline.WithRegisterer(registry),
	)
	if err != nil {
		logger.Fatalf("processor setup failed: %v", err)
	}
	if !processor.Capabilities().Ready() {
		logger.Printf("models incomplete, jobs may fail detector=%t segmenter=%t",
			processor.Capabilities().FaceDetection, processor.Capabilities().BackgroundRemoval)
	}

	jobStore, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatalf("job store setup failed driver=%s: %v", cfg.Database.Driver, err)
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.Printf("job store close error: %v", err)
		}
	}()

	deps := worker.Dependencies{
		Processor:    processor,
		Defaults:     pipeline.OptionsFromConfig(cfg.Processing),
		JobStore:     jobStore,
		OutputPrefix: cfg.Storage.OutputPrefix,
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.Secret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxRetries + 1,
		}),
		Registry: registry,
	}
	if cfg.Storage.Enabled {
		objects, err := storage.NewClient(cfg.Storage)
		if err != nil {
			logger.Fatalf("object storage setup failed: %v", err)
		}
		deps.Storage = objects
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, deps)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s metrics=%s device=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Worker.MetricsAddr,
		modelSet.Device,
	)

	// asynq.Server.Run installs its own signal handling and returns after a
	// graceful shutdown.
	if err := srv.Run(); err != nil {
		logger.Printf("worker failed: %v", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
}
