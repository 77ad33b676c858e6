package main

import (
	"context"
	"log"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/bootstrap"
	"github.com/spec-kit/triage-service/internal/config"
	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/service"
)

func main() {
	envFile := pflag.String("env-file", "", "path to a .env file (defaults to ./.env when present)")
	enqueue := pflag.Bool("enqueue", false, "submit seeded PENDING tickets for triage")
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

	if cfg.Postgres.DSN == "" {
		logger.Fatal("seeding needs POSTGRES_DSN")
	}

	ctx := context.Background()
	components, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire components", zap.Error(err))
	}
	defer components.Close()

	tickets, err := seedTickets(ctx, components.Tickets)
	if err != nil {
		logger.Fatal("seed failed", zap.Int("created", len(tickets)), zap.Error(err))
	}

	if *enqueue {
		dispatcher := service.NewTriageDispatcher(components.Tickets, components.Queue, components.Dispatcher, logger)
		for _, t := range tickets {
			if t.Status != domain.TicketStatusPending {
				continue
			}
			if _, err := dispatcher.SubmitForTriage(ctx, t.ID); err != nil {
				logger.Error("submit seeded ticket", zap.String("ticket_id", t.ID), zap.Error(err))
			}
		}
	}

	logger.Info("seeded tickets", zap.Int("count", len(tickets)))
}
