package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/repository"
	apperrors "github.com/spec-kit/triage-service/pkg/util/errorutil"
)

// Listing bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TicketService coordinates ticket workflows.
type TicketService struct {
	tickets    repository.TicketRepository
	triage     *TriageDispatcher
	queue      queue.Queue
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	TicketRepo repository.TicketRepository
	Triage     *TriageDispatcher
	Queue      queue.Queue
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// TicketCreateInput describes ticket creation payload.
type TicketCreateInput struct {
	CustomerName  string
	CustomerEmail string
	Subject       string
	Complaint     string
}

// TicketListQuery describes listing filters and paging.
type TicketListQuery struct {
	Status   *domain.TicketStatus
	Urgency  *domain.Urgency
	Category *domain.Category
	Page     int
	Limit    int
	Sort     string
	Order    string
}

// TicketPage is one page of tickets.
type TicketPage struct {
	Tickets    []domain.Ticket
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

// TicketStats aggregates ticket counts with queue and worker counters.
type TicketStats struct {
	ByStatus  map[string]int   `json:"byStatus"`
	ByUrgency map[string]int   `json:"byUrgency"`
	Queue     queue.Stats      `json:"queue"`
	Jobs      map[string]int64 `json:"jobs"`
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketService{
		tickets:    deps.TicketRepo,
		triage:     deps.Triage,
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateTicket stores a PENDING ticket and submits it for triage without
// waiting for the classifier. If the enqueue fails the ticket stays PENDING
// and can be resubmitted through RetryTriage.
func (s *TicketService) CreateTicket(ctx context.Context, input TicketCreateInput) (*domain.Ticket, error) {
	ticket := &domain.Ticket{
		CustomerName:  strings.TrimSpace(input.CustomerName),
		CustomerEmail: strings.TrimSpace(input.CustomerEmail),
		Subject:       strings.TrimSpace(input.Subject),
		Complaint:     strings.TrimSpace(input.Complaint),
		Status:        domain.TicketStatusPending,
		Category:      domain.CategoryUncategorized,
	}
	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	key, err := s.triage.SubmitForTriage(ctx, ticket.ID)
	if err != nil {
		s.logger.Error("triage submission failed; ticket left PENDING",
			zap.String("ticket_id", ticket.ID),
			zap.Error(err),
		)
		return nil, apperrors.NewInternalError(err)
	}

	publish(ctx, s.dispatcher, s.logger, events.New(events.EventTicketCreated, ticket.ID, events.TicketCreatedPayload{
		CustomerEmail: ticket.CustomerEmail,
		Subject:       ticket.Subject,
		JobKey:        key,
	}))
	return ticket, nil
}

// GetTicket loads one ticket.
func (s *TicketService) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, mapRepoError(err, ticketID)
	}
	return ticket, nil
}

// ListTickets returns a page of tickets. Paging values are clamped and an
// unknown sort field falls back to createdAt.
func (s *TicketService) ListTickets(ctx context.Context, q TicketListQuery) (*TicketPage, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = DefaultPageSize
	case limit < 1:
		limit = 1
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	sortField := q.Sort
	if !repository.IsSortable(sortField) {
		sortField = repository.SortCreatedAt
	}

	tickets, total, err := s.tickets.List(ctx, repository.TicketFilter{
		Status:   q.Status,
		Urgency:  q.Urgency,
		Category: q.Category,
		Sort:     sortField,
		Desc:     !strings.EqualFold(q.Order, "asc"),
		Limit:    limit,
		Offset:   (page - 1) * limit,
	})
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if tickets == nil {
		tickets = []domain.Ticket{}
	}
	return &TicketPage{
		Tickets:    tickets,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// ResolveTicket closes a ticket with the agent's reply. RESOLVED is terminal,
// so a second resolution is rejected and leaves the stored reply untouched.
func (s *TicketService) ResolveTicket(ctx context.Context, ticketID, reply string) (*domain.Ticket, error) {
	current, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, mapRepoError(err, ticketID)
	}
	if !domain.CanTransition(current.Status, domain.TicketStatusResolved) {
		return nil, resolveConflict()
	}

	resolved, err := s.tickets.Update(ctx, ticketID, domain.MarkResolved(strings.TrimSpace(reply), s.now().UTC()))
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil, resolveConflict()
	}
	if err != nil {
		return nil, mapRepoError(err, ticketID)
	}

	publish(ctx, s.dispatcher, s.logger, events.New(events.EventTicketResolved, ticketID, events.TicketResolvedPayload{
		PreviousStatus: current.Status,
		ResolvedAt:     *resolved.ResolvedAt,
	}))
	return resolved, nil
}

// RetryTriage delegates to the triage dispatcher.
func (s *TicketService) RetryTriage(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return s.triage.RetryTriage(ctx, ticketID)
}

// Stats reports ticket counts by status and urgency plus queue state.
func (s *TicketService) Stats(ctx context.Context) (*TicketStats, error) {
	byStatus, err := s.tickets.CountGroupedBy(ctx, repository.GroupByStatus)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	byUrgency, err := s.tickets.CountGroupedBy(ctx, repository.GroupByUrgency)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	queueStats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return &TicketStats{
		ByStatus:  byStatus,
		ByUrgency: byUrgency,
		Queue:     queueStats,
		Jobs:      s.metrics.JobCounts(),
	}, nil
}

func resolveConflict() error {
	return apperrors.NewConflictingState("Ticket is already resolved.", nil)
}
