// Package main runs the pull-based ingestion worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/spherical-ai/knowledge-platform/internal/app"
	"github.com/spherical-ai/knowledge-platform/internal/config"
	"github.com/spherical-ai/knowledge-platform/internal/ingest"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	logger.Info().
		Str("stream", cfg.Broker.Stream).
		Str("group", cfg.Broker.Group).
		Str("consumer", cfg.Broker.Consumer).
		Int("max_concurrent", cfg.Broker.MaxConcurrent).
		Msg("Starting ingestion worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	platform, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to wire platform")
	}
	defer platform.Close()

	worker := ingest.NewWorker(logger, platform.Broker, platform.Processor, ingest.WorkerConfig{
		Stream:        cfg.Broker.Stream,
		Group:         cfg.Broker.Group,
		Consumer:      cfg.Broker.Consumer,
		MaxConcurrent: cfg.Broker.MaxConcurrent,
		MaxBytes:      cfg.Broker.MaxBytes,
		BlockInterval: cfg.Broker.BlockInterval,
		ClaimMinIdle:  cfg.Broker.ClaimMinIdle,
		ClaimInterval: cfg.Broker.ClaimInterval,
	})

	// Run blocks until the signal context cancels, then drains in-flight jobs.
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("Worker stopped with error")
	}

	logger.Info().Msg("Worker stopped")
}
