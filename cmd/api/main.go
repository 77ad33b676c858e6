package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/triage-service/internal/api/http"
	"github.com/spec-kit/triage-service/internal/api/http/handlers"
	"github.com/spec-kit/triage-service/internal/bootstrap"
	"github.com/spec-kit/triage-service/internal/config"
	"github.com/spec-kit/triage-service/internal/observability"
)

const shutdownTimeout = 30 * time.Second

func main() {
	envFile := pflag.String("env-file", "", "path to a .env file (defaults to ./.env when present)")
	noWorker := pflag.Bool("no-worker", false, "do not run the embedded triage worker even if WORKER_EMBEDDED is set")
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	components, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire components", zap.Error(err))
	}
	defer components.Close()

	app := httptransport.NewApp(cfg.App.Name,
		httptransport.MiddlewareConfig{
			Logger:  logger,
			Metrics: components.Metrics,
			Timeout: cfg.App.RequestTimeout(),
		},
		httptransport.RouteConfig{
			Health:  handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, components.Postgres, components.Redis),
			Tickets: handlers.NewTicketsHandler(components.TicketService()),
		},
	)

	workerDone := make(chan struct{})
	if cfg.Worker.Embedded && !*noWorker {
		pool := components.WorkerPool(nil, 0)
		go func() {
			defer close(workerDone)
			if err := pool.Run(ctx); err != nil {
				logger.Error("triage workers exited", zap.Error(err))
			}
		}()
	} else {
		close(workerDone)
		logger.Info("embedded worker disabled; run cmd/worker to process triage jobs")
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()))
		listenErr <- app.Listen(cfg.App.Addr())
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-listenErr:
		if err != nil {
			logger.Error("fiber listen", zap.Error(err))
		}
		cancel()
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("http shutdown", zap.Error(err))
	}
	select {
	case <-workerDone:
	case <-time.After(shutdownTimeout):
		logger.Warn("triage workers did not stop in time")
	}
}
