package repository

import (
	"context"
	"errors"
	"time"

	"github.com/spec-kit/triage-service/internal/domain"
)

var (
	// ErrTicketNotFound is returned when no ticket has the requested id.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrStatusConflict is returned when an update's status guard does not match.
	ErrStatusConflict = errors.New("ticket status does not match update guard")
)

// Sortable columns accepted by List.
const (
	SortCreatedAt      = "createdAt"
	SortUpdatedAt      = "updatedAt"
	SortUrgency        = "urgency"
	SortSentimentScore = "sentimentScore"
)

// Grouping fields for CountGroupedBy.
const (
	GroupByStatus  = "status"
	GroupByUrgency = "urgency"
)

// UnsetGroup is the bucket for tickets with a NULL grouping column.
const UnsetGroup = "UNSET"

var sortColumns = map[string]string{
	SortCreatedAt:      "created_at",
	SortUpdatedAt:      "updated_at",
	SortUrgency:        "urgency",
	SortSentimentScore: "sentiment_score",
}

// IsSortable reports whether field is in the sort whitelist.
func IsSortable(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

// TicketFilter captures list query parameters.
type TicketFilter struct {
	Status   *domain.TicketStatus
	Urgency  *domain.Urgency
	Category *domain.Category
	Sort     string
	Desc     bool
	Limit    int
	Offset   int
}

func (f TicketFilter) sortField() string {
	if IsSortable(f.Sort) {
		return f.Sort
	}
	return SortCreatedAt
}

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	// Update applies patch atomically and returns the stored ticket.
	Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error)
	// List returns one page plus the total count matching the filter.
	List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, int, error)
	CountGroupedBy(ctx context.Context, field string) (map[string]int, error)
	// FailStale moves up to limit tickets that have sat in PROCESSING since
	// before cutoff to FAILED with detail, oldest first, and returns them.
	FailStale(ctx context.Context, cutoff time.Time, detail string, limit int) ([]domain.Ticket, error)
}
