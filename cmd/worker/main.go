package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/bootstrap"
	"github.com/spec-kit/triage-service/internal/config"
	"github.com/spec-kit/triage-service/internal/observability"
)

func main() {
	envFile := pflag.String("env-file", "", "path to a .env file (defaults to ./.env when present)")
	concurrency := pflag.Int("concurrency", 0, "number of triage workers (defaults to WORKER_CONCURRENCY)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Queue.Backend == config.QueueBackendMemory {
		logger.Fatal("a standalone worker needs QUEUE_BACKEND=redis; the memory queue lives inside the api process")
	}
	if cfg.Postgres.DSN == "" {
		logger.Fatal("a standalone worker needs POSTGRES_DSN; the memory ticket store lives inside the api process")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	components, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire components", zap.Error(err))
	}
	defer components.Close()

	if err := components.WorkerPool(nil, *concurrency).Run(ctx); err != nil {
		logger.Error("triage workers exited", zap.Error(err))
	}
}
