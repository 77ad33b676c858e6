// Package triage runs the classifier against one ticket and records the outcome.
package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/classifier"
	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/lock"
	"github.com/spec-kit/triage-service/internal/repository"
)

const (
	exhaustedWriteAttempts = 3
	exhaustedWriteBackoff  = 100 * time.Millisecond
	releaseTimeout         = 5 * time.Second
)

// Procedure triages one ticket per call.
type Procedure struct {
	tickets    repository.TicketRepository
	classifier classifier.Client
	locker     lock.TicketLocker
	timeout    time.Duration
	logger     *zap.Logger
}

// NewProcedure wires the procedure. timeout bounds each classifier call.
func NewProcedure(
	tickets repository.TicketRepository,
	client classifier.Client,
	locker lock.TicketLocker,
	timeout time.Duration,
	logger *zap.Logger,
) *Procedure {
	return &Procedure{
		tickets:    tickets,
		classifier: client,
		locker:     locker,
		timeout:    timeout,
		logger:     logger,
	}
}

// Run performs one attempt. On success it returns the TRIAGED ticket. Errors
// matching IsRetryable are attempt failures; IsRedundant and IsFatal errors
// mean the job should be dropped.
func (p *Procedure) Run(ctx context.Context, job domain.TriageJob) (*domain.Ticket, error) {
	ticketID := job.TicketID

	handle, err := p.locker.Acquire(ctx, ticketID)
	if errors.Is(err, lock.ErrBusy) {
		return nil, ErrTicketBusy
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := handle.Release(releaseCtx); err != nil {
			p.logger.Warn("release ticket lock", zap.String("ticket_id", ticketID), zap.Error(err))
		}
	}()

	ticket, err := p.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}
	if settled(ticket.Status) {
		return nil, fmt.Errorf("ticket %s is %s: %w", ticketID, ticket.Status, ErrAlreadySettled)
	}

	ticket, err = p.tickets.Update(ctx, ticketID, domain.MarkProcessing())
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil, fmt.Errorf("ticket %s settled before processing: %w", ticketID, ErrAlreadySettled)
	}
	if err != nil {
		return nil, fmt.Errorf("mark ticket %s processing: %w", ticketID, err)
	}

	raw, err := p.classify(ctx, BuildPrompt(ticket))
	if err != nil {
		return nil, err
	}

	result, err := ParseResult(raw)
	if err != nil {
		return nil, err
	}

	triaged, err := p.tickets.Update(ctx, ticketID, domain.MarkTriaged(result))
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ErrConflictingState)
	}
	if err != nil {
		return nil, fmt.Errorf("store triage for ticket %s: %w", ticketID, err)
	}
	return triaged, nil
}

func (p *Procedure) classify(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.classifier.Classify(callCtx, prompt)
	if err == nil {
		return raw, nil
	}
	if ctx.Err() != nil {
		// Shutdown, not a classifier failure.
		return "", ctx.Err()
	}
	detail := "classifier call failed"
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		detail = fmt.Sprintf("classifier call timed out after %s", p.timeout)
	}
	return "", &Error{Kind: KindTransportFailure, Detail: detail, Err: err}
}

// RecordAttemptFailure stores the latest failure detail while the job waits
// for its next attempt. A ticket that already moved on is left untouched.
func (p *Procedure) RecordAttemptFailure(ctx context.Context, ticketID string, cause error) error {
	_, err := p.tickets.Update(ctx, ticketID, domain.RecordAttemptError(cause.Error()))
	if errors.Is(err, repository.ErrStatusConflict) || errors.Is(err, repository.ErrTicketNotFound) {
		return nil
	}
	return err
}

// RecordExhausted marks the ticket FAILED once the attempt budget is spent.
// The write is retried because a lost write would strand the ticket.
func (p *Procedure) RecordExhausted(ctx context.Context, ticketID string, cause error, attempts int) (*domain.Ticket, error) {
	patch := domain.MarkFailed(cause.Error(), attempts)

	var lastErr error
	for i := 0; i < exhaustedWriteAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * exhaustedWriteBackoff):
			}
		}
		ticket, err := p.tickets.Update(ctx, ticketID, patch)
		switch {
		case err == nil:
			return ticket, nil
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, fmt.Errorf("ticket %s: %w", ticketID, ErrAlreadySettled)
		case errors.Is(err, repository.ErrTicketNotFound):
			return nil, err
		}
		lastErr = err
		p.logger.Warn("mark ticket failed",
			zap.String("ticket_id", ticketID),
			zap.Int("try", i+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("mark ticket %s failed: %w", ticketID, lastErr)
}

// RecoverStuck fails tickets that have sat in PROCESSING for longer than
// stuckAfter, which only happens when a job was lost together with its
// terminal write. It returns the tickets it moved to FAILED.
func (p *Procedure) RecoverStuck(ctx context.Context, stuckAfter time.Duration, limit int) ([]domain.Ticket, error) {
	detail := fmt.Sprintf("triage stalled in PROCESSING for more than %s; marked failed by recovery", stuckAfter)
	failed, err := p.tickets.FailStale(ctx, time.Now().Add(-stuckAfter), detail, limit)
	if err != nil {
		return nil, fmt.Errorf("fail stale tickets: %w", err)
	}
	for _, t := range failed {
		p.logger.Warn("recovered stuck ticket",
			zap.String("ticket_id", t.ID),
			zap.Int("retry_count", t.RetryCount),
		)
	}
	return failed, nil
}

func settled(s domain.TicketStatus) bool {
	switch s {
	case domain.TicketStatusTriaged, domain.TicketStatusResolved, domain.TicketStatusFailed:
		return true
	}
	return false
}
