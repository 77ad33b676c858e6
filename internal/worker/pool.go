// Package worker drains the triage queue with a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/ratelimit"
	"github.com/spec-kit/triage-service/internal/triage"
)

const (
	errorPause        = time.Second
	bookkeepTimeout   = 10 * time.Second
	defaultConcurrent = 3
	sweepBatch        = 50
)

// Procedure is the part of triage.Procedure the pool drives.
type Procedure interface {
	Run(ctx context.Context, job domain.TriageJob) (*domain.Ticket, error)
	RecordAttemptFailure(ctx context.Context, ticketID string, cause error) error
	RecordExhausted(ctx context.Context, ticketID string, cause error, attempts int) (*domain.Ticket, error)
	RecoverStuck(ctx context.Context, stuckAfter time.Duration, limit int) ([]domain.Ticket, error)
}

// Dependencies bundles the pool's collaborators.
type Dependencies struct {
	Queue       queue.Queue
	Limiter     ratelimit.Limiter
	Procedure   Procedure
	Dispatcher  events.Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Concurrency int
	// SweepInterval and StuckAfter drive the stuck-ticket recovery. A zero
	// value for either disables it.
	SweepInterval time.Duration
	StuckAfter    time.Duration
}

// Pool runs Concurrency workers. Each worker finishes one job before it
// dequeues the next, and draws a slot from the shared limiter before it
// leases a job.
type Pool struct {
	queue         queue.Queue
	limiter       ratelimit.Limiter
	procedure     Procedure
	dispatcher    events.Dispatcher
	metrics       *observability.Metrics
	logger        *zap.Logger
	concurrency   int
	sweepInterval time.Duration
	stuckAfter    time.Duration
}

// NewPool constructs the pool.
func NewPool(deps Dependencies) *Pool {
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrent
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:         deps.Queue,
		limiter:       deps.Limiter,
		procedure:     deps.Procedure,
		dispatcher:    deps.Dispatcher,
		metrics:       deps.Metrics,
		logger:        logger,
		concurrency:   concurrency,
		sweepInterval: deps.SweepInterval,
		stuckAfter:    deps.StuckAfter,
	}
}

// Run blocks until ctx is cancelled or the queue is closed. In-flight jobs
// are either finished or released back to the queue before it returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("triage workers starting", zap.Int("concurrency", p.concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			return p.loop(gctx, workerID)
		})
	}
	if p.sweepInterval > 0 && p.stuckAfter > 0 {
		g.Go(func() error {
			p.sweep(gctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("triage workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, workerID int) error {
	logger := p.logger.With(zap.Int("worker", workerID))
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("rate limiter unavailable", zap.Error(err))
			if !pause(ctx, errorPause) {
				return nil
			}
			continue
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			logger.Error("dequeue failed", zap.Error(err))
			if !pause(ctx, errorPause) {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			p.release(ctx, logger, job)
			return nil
		}

		p.handle(ctx, logger, job)
	}
}

func (p *Pool) handle(ctx context.Context, logger *zap.Logger, job *queue.Job) {
	start := time.Now()
	ticketID := job.Payload.TicketID
	logger = logger.With(
		zap.String("ticket_id", ticketID),
		zap.String("job_key", job.Key),
		zap.Int("attempt", job.Attempt),
	)

	// Bookkeeping must survive shutdown so the queue and store stay in step.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepTimeout)
	defer cancel()

	if job.Exhausted {
		logger.Warn("job lost its leases; finishing without another attempt", zap.String("last_error", job.LastError))
		p.finish(bg, logger, job, errors.New(job.LastError), start)
		return
	}

	ticket, runErr := p.run(ctx, logger, job)

	switch {
	case runErr == nil:
		p.ack(bg, logger, job)
		p.metrics.RecordJob(observability.JobCompleted, time.Since(start))
		logger.Info("ticket triaged",
			zap.String("category", string(ticket.Category)),
			zap.Duration("duration", time.Since(start)),
		)
		p.publish(bg, logger, events.New(events.EventTicketTriaged, ticketID, triagedPayload(ticket, job.Attempt)))

	case ctx.Err() != nil:
		p.release(bg, logger, job)
		p.metrics.RecordJob(observability.JobReleased, time.Since(start))

	case triage.IsRedundant(runErr):
		p.ack(bg, logger, job)
		p.metrics.RecordJob(observability.JobSkipped, time.Since(start))
		logger.Info("job skipped", zap.Error(runErr))

	case triage.IsFatal(runErr):
		p.ack(bg, logger, job)
		p.metrics.RecordJob(observability.JobSkipped, time.Since(start))
		logger.Error("job dropped", zap.Error(runErr))

	default:
		p.fail(bg, logger, job, runErr, start)
	}
}

// run performs one attempt. A panic becomes an ordinary attempt failure.
func (p *Pool) run(ctx context.Context, logger *zap.Logger, job *queue.Job) (ticket *domain.Ticket, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("triage attempt panicked", zap.Any("panic", r), zap.Stack("stack"))
			ticket, err = nil, fmt.Errorf("triage attempt panicked: %v", r)
		}
	}()
	return p.procedure.Run(ctx, job.Payload)
}

func (p *Pool) fail(ctx context.Context, logger *zap.Logger, job *queue.Job, runErr error, start time.Time) {
	logger = logger.With(zap.String("kind", string(triage.KindOf(runErr))), zap.Error(runErr))
	if job.Attempt >= job.Budget {
		p.finish(ctx, logger, job, runErr, start)
		return
	}

	if err := p.procedure.RecordAttemptFailure(ctx, job.Payload.TicketID, runErr); err != nil {
		logger.Warn("record attempt failure", zap.NamedError("store_error", err))
	}

	outcome, err := p.queue.Fail(ctx, job, runErr)
	if err != nil {
		logger.Warn("fail job", zap.NamedError("queue_error", err))
		return
	}
	if outcome.Exhausted {
		// The stored budget ran out before the delivery's; settle the ticket now.
		p.markFailed(ctx, logger, job.Payload.TicketID, runErr, outcome.Attempts, start)
		return
	}
	p.metrics.RecordJob(observability.JobRetried, time.Since(start))
	logger.Warn("triage attempt failed; retry scheduled", zap.Time("retry_at", outcome.RetryAt))
}

// finish settles a job whose budget is spent. The ticket is marked FAILED
// before the job leaves the queue. When that write fails the job keeps its
// lease and comes back as exhausted once the lease runs out.
func (p *Pool) finish(ctx context.Context, logger *zap.Logger, job *queue.Job, cause error, start time.Time) {
	attempts := min(job.Attempt, job.Budget)
	ticket, err := p.procedure.RecordExhausted(ctx, job.Payload.TicketID, cause, attempts)
	switch {
	case err == nil:
	case triage.IsRedundant(err) || triage.IsFatal(err):
		logger.Info("ticket already settled; finishing job", zap.NamedError("store_error", err))
	default:
		logger.Error("mark ticket failed; job left for redelivery", zap.NamedError("store_error", err))
		return
	}

	if _, err := p.queue.Fail(ctx, job, cause); err != nil {
		logger.Warn("fail job", zap.NamedError("queue_error", err))
	}
	p.metrics.RecordJob(observability.JobExhausted, time.Since(start))
	if ticket != nil {
		p.announceFailed(ctx, logger, ticket, cause, attempts)
	}
}

func (p *Pool) markFailed(ctx context.Context, logger *zap.Logger, ticketID string, cause error, attempts int, start time.Time) {
	p.metrics.RecordJob(observability.JobExhausted, time.Since(start))
	ticket, err := p.procedure.RecordExhausted(ctx, ticketID, cause, attempts)
	if err != nil {
		logger.Error("mark ticket failed", zap.NamedError("store_error", err))
		return
	}
	p.announceFailed(ctx, logger, ticket, cause, attempts)
}

func (p *Pool) announceFailed(ctx context.Context, logger *zap.Logger, ticket *domain.Ticket, cause error, attempts int) {
	logger.Error("triage attempts exhausted; ticket FAILED", zap.Int("attempts", attempts))
	p.publish(ctx, logger, events.New(events.EventTicketTriageFailed, ticket.ID, events.TicketTriageFailedPayload{
		Attempts: attempts,
		Error:    cause.Error(),
	}))
}

// sweep periodically fails tickets stranded in PROCESSING.
func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		recovered, err := p.procedure.RecoverStuck(ctx, p.stuckAfter, sweepBatch)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("stuck ticket sweep failed", zap.Error(err))
			}
			continue
		}
		for _, t := range recovered {
			p.publish(ctx, p.logger, events.New(events.EventTicketTriageFailed, t.ID, events.TicketTriageFailedPayload{
				Attempts: t.RetryCount,
				Error:    errorMessage(t),
			}))
		}
	}
}

func (p *Pool) ack(ctx context.Context, logger *zap.Logger, job *queue.Job) {
	if err := p.queue.Ack(ctx, job); err != nil {
		logger.Warn("ack job", zap.NamedError("queue_error", err))
	}
}

func (p *Pool) release(ctx context.Context, logger *zap.Logger, job *queue.Job) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepTimeout)
	defer cancel()
	if err := p.queue.Release(bg, job); err != nil {
		logger.Warn("release job", zap.String("job_key", job.Key), zap.NamedError("queue_error", err))
	}
}

func (p *Pool) publish(ctx context.Context, logger *zap.Logger, event events.Event) {
	if p.dispatcher == nil {
		return
	}
	if err := p.dispatcher.Publish(ctx, event); err != nil {
		logger.Warn("event handler failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}

func triagedPayload(t *domain.Ticket, attempt int) events.TicketTriagedPayload {
	payload := events.TicketTriagedPayload{Category: t.Category, Attempt: attempt}
	if t.Urgency != nil {
		payload.Urgency = *t.Urgency
	}
	if t.SentimentScore != nil {
		payload.SentimentScore = *t.SentimentScore
	}
	return payload
}

func errorMessage(t domain.Ticket) string {
	if t.ErrorMessage == nil {
		return ""
	}
	return *t.ErrorMessage
}

func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
