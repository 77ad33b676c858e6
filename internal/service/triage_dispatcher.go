package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/repository"
	apperrors "github.com/spec-kit/triage-service/pkg/util/errorutil"
)

// TriageDispatcher is the enqueue side of the pipeline. It never waits for
// a job to run.
type TriageDispatcher struct {
	tickets    repository.TicketRepository
	queue      queue.Queue
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// NewTriageDispatcher constructs the dispatcher.
func NewTriageDispatcher(tickets repository.TicketRepository, q queue.Queue, dispatcher events.Dispatcher, logger *zap.Logger) *TriageDispatcher {
	return &TriageDispatcher{
		tickets:    tickets,
		queue:      q,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// SubmitForTriage enqueues the initial triage job for a ticket. Submitting
// twice is a no-op while the first job is pending or running.
func (d *TriageDispatcher) SubmitForTriage(ctx context.Context, ticketID string) (string, error) {
	key := domain.InitialTriageKey(ticketID)
	inserted, err := d.queue.Enqueue(ctx, key, domain.TriageJob{TicketID: ticketID})
	if err != nil {
		return key, fmt.Errorf("enqueue triage for ticket %s: %w", ticketID, err)
	}
	d.logger.Info("triage job submitted",
		zap.String("ticket_id", ticketID),
		zap.String("job_key", key),
		zap.Bool("inserted", inserted),
	)
	return key, nil
}

// RetryTriage resets a FAILED or stuck PENDING ticket and enqueues a fresh job.
func (d *TriageDispatcher) RetryTriage(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	current, err := d.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, mapRepoError(err, ticketID)
	}
	if !retryable(current.Status) {
		return nil, retryConflict(current.Status)
	}

	updated, err := d.tickets.Update(ctx, ticketID, domain.MarkPendingForRetry())
	if errors.Is(err, repository.ErrStatusConflict) {
		// Raced with a worker or a resolution; report the status we lost to.
		if latest, getErr := d.tickets.GetByID(ctx, ticketID); getErr == nil {
			return nil, retryConflict(latest.Status)
		}
		return nil, retryConflict(current.Status)
	}
	if err != nil {
		return nil, mapRepoError(err, ticketID)
	}

	key := domain.RetryTriageKey(ticketID, d.now())
	if _, err := d.queue.Enqueue(ctx, key, domain.TriageJob{TicketID: ticketID}); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("enqueue retry for ticket %s: %w", ticketID, err))
	}
	d.logger.Info("triage retry enqueued",
		zap.String("ticket_id", ticketID),
		zap.String("job_key", key),
		zap.String("previous_status", string(current.Status)),
	)

	publish(ctx, d.dispatcher, d.logger, events.New(events.EventTicketRetryRequested, ticketID, events.TicketRetryRequestedPayload{
		PreviousStatus: current.Status,
		JobKey:         key,
	}))
	return updated, nil
}

func retryable(s domain.TicketStatus) bool {
	return s == domain.TicketStatusFailed || s == domain.TicketStatusPending
}

func retryConflict(status domain.TicketStatus) error {
	return apperrors.NewConflictingState("Only FAILED or PENDING tickets can be retried.", map[string]any{
		"status": status,
	})
}

func mapRepoError(err error, ticketID string) error {
	switch {
	case errors.Is(err, repository.ErrTicketNotFound):
		return apperrors.NewNotFound("ticket", map[string]any{"id": ticketID})
	case err == nil:
		return nil
	}
	return apperrors.NewInternalError(err)
}

// publish hands an event to the dispatcher. Handler failures are logged
// and never fail the caller.
func publish(ctx context.Context, dispatcher events.Dispatcher, logger *zap.Logger, event events.Event) {
	if dispatcher == nil {
		return
	}
	if err := dispatcher.Publish(ctx, event); err != nil {
		logger.Warn("event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err),
		)
	}
}
