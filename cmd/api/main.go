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
	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/facecraft/internal/api"
	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/encode"
	"github.com/dunamismax/facecraft/internal/models"
	"github.com/dunamismax/facecraft/internal/pipeline"
	"github.com/dunamismax/facecraft/internal/queue"
	"github.com/dunamismax/facecraft/internal/ratelimit"
	"github.com/dunamismax/facecraft/internal/storage"
	"github.com/dunamismax/facecraft/internal/store"
	"github.com/dunamismax/facecraft/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	if err := godotenv.Load(); err != nil {
		logger.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.FromConfig(cfg.Telemetry, "api", api.Version), logger)
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

	jobStore, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatalf("job store setup failed driver=%s: %v", cfg.Database.Driver, err)
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.Printf("job store close error: %v", err)
		}
	}()

	queueClient := queue.NewClient(cfg.Queue)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	deps := api.Dependencies{
		Logger:       logger,
		Processor:    processor,
		Defaults:     pipeline.OptionsFromConfig(cfg.Processing),
		JobStore:     jobStore,
		Queue:        queueClient,
		Models:       modelSet.Status,
		Device:       string(modelSet.Device),
		OutputPrefix: cfg.Storage.OutputPrefix,
		Registry:     registry,
	}

	if cfg.Storage.Enabled {
		objects, err := storage.NewClient(cfg.Storage)
		if err != nil {
			logger.Fatalf("object storage setup failed: %v", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Fatalf("object storage bucket check failed bucket=%s: %v", cfg.Storage.Bucket, err)
		}
		deps.Storage = objects
	}

	if cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer rdb.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		deps.RateLimiter = limiter
		logger.Printf("rate limiting enabled requests=%d window=%s", cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	app := api.NewServer(cfg.API, deps)
	go app.RunJanitor(ctx, cfg.Cleanup.Interval, cfg.Cleanup.MaxAge)

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s device=%s ready=%t", cfg.API.Addr, modelSet.Device, processor.Capabilities().Ready())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
