// Package bootstrap wires the shared components used by the api, worker and seed binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/classifier"
	"github.com/spec-kit/triage-service/internal/config"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/lock"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/persistence"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/ratelimit"
	"github.com/spec-kit/triage-service/internal/repository"
	"github.com/spec-kit/triage-service/internal/service"
	"github.com/spec-kit/triage-service/internal/triage"
	"github.com/spec-kit/triage-service/internal/worker"
)

// Components holds every long-lived collaborator.
type Components struct {
	Config     *config.Config
	Logger     *zap.Logger
	Postgres   *persistence.Postgres
	Redis      *persistence.Redis
	Tickets    repository.TicketRepository
	Queue      queue.Queue
	Limiter    ratelimit.Limiter
	Locker     lock.TicketLocker
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
}

// New opens storage and picks the queue, limiter and lock backends. Postgres
// backs the ticket store when a DSN is configured; otherwise tickets live in
// memory, which only works when the api and worker share a process.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{
		Config:     cfg,
		Logger:     logger,
		Dispatcher: events.NewInMemoryDispatcher(),
		Metrics:    observability.NewMetrics(),
	}

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c.Postgres = pg

	if pg.Enabled() {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.Pool, persistence.DefaultMigrationsDir, logger); err != nil {
				pg.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		c.Tickets = repository.NewTicketRepository(pg.Pool)
	} else {
		c.Tickets = repository.NewMemoryTicketRepository()
	}

	opts := queue.OptionsFromConfig(cfg.Queue)
	switch cfg.Queue.Backend {
	case config.QueueBackendMemory:
		logger.Warn("using in-process queue backend; jobs do not survive restarts")
		c.Queue = queue.NewMemoryQueue(opts)
		c.Limiter = ratelimit.NewLocalWindow(cfg.Worker.RateMax, cfg.Worker.RateWindow)
		c.Locker = lock.NewLocalLocker()
	default:
		c.Redis = persistence.NewRedis(ctx, cfg.Redis, logger)
		c.Queue = queue.NewRedisQueue(c.Redis.Client, opts)
		c.Limiter = ratelimit.NewRedisWindow(c.Redis.Client, cfg.Queue.Prefix+":ratelimit", cfg.Worker.RateMax, cfg.Worker.RateWindow)
		c.Locker = lock.NewRedisLocker(c.Redis.Client, cfg.Worker.LockTTL)
	}

	service.NewNotificationService(c.Dispatcher, logger, cfg.Notification).RegisterHandlers()
	return c, nil
}

// TicketService builds the HTTP-facing ticket service.
func (c *Components) TicketService() *service.TicketService {
	return service.NewTicketService(service.TicketDependencies{
		TicketRepo: c.Tickets,
		Triage:     service.NewTriageDispatcher(c.Tickets, c.Queue, c.Dispatcher, c.Logger),
		Queue:      c.Queue,
		Dispatcher: c.Dispatcher,
		Metrics:    c.Metrics,
		Logger:     c.Logger,
	})
}

// WorkerPool builds the triage pool around the configured classifier.
// A concurrency of zero uses the configured value.
func (c *Components) WorkerPool(client classifier.Client, concurrency int) *worker.Pool {
	if client == nil {
		client = classifier.NewOpenAIClient(c.Config.Classifier, &http.Client{})
	}
	if concurrency <= 0 {
		concurrency = c.Config.Worker.Concurrency
	}
	proc := triage.NewProcedure(c.Tickets, client, c.Locker, c.Config.Classifier.Timeout, c.Logger)
	return worker.NewPool(worker.Dependencies{
		Queue:         c.Queue,
		Limiter:       c.Limiter,
		Procedure:     proc,
		Dispatcher:    c.Dispatcher,
		Metrics:       c.Metrics,
		Logger:        c.Logger,
		Concurrency:   concurrency,
		SweepInterval: c.Config.Worker.SweepInterval,
		StuckAfter:    c.Config.Worker.StuckAfter,
	})
}

// Close releases the queue and storage handles.
func (c *Components) Close() {
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			c.Logger.Warn("close queue", zap.Error(err))
		}
	}
	c.Redis.Close()
	c.Postgres.Close()
}
