package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/triage-service/internal/domain"
)

// MemoryTicketRepository keeps tickets in process memory. It backs local
// development without POSTGRES_DSN and the package tests.
type MemoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[string]*domain.Ticket
	now     func() time.Time
}

// NewMemoryTicketRepository builds an empty store.
func NewMemoryTicketRepository() *MemoryTicketRepository {
	return &MemoryTicketRepository{
		tickets: make(map[string]*domain.Ticket),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryTicketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if _, exists := r.tickets[ticket.ID]; exists {
		return fmt.Errorf("ticket %s already exists", ticket.ID)
	}
	if ticket.Status == "" {
		ticket.Status = domain.TicketStatusPending
	}
	if ticket.Category == "" {
		ticket.Category = domain.CategoryUncategorized
	}
	now := r.now()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	r.tickets[ticket.ID] = ticket.Clone()
	return nil
}

func (r *MemoryTicketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return ticket.Clone(), nil
}

func (r *MemoryTicketRepository) Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	if !patch.Allows(ticket.Status) {
		return nil, ErrStatusConflict
	}
	now := r.now()
	if !now.After(ticket.UpdatedAt) {
		now = ticket.UpdatedAt.Add(time.Microsecond)
	}
	patch.Apply(ticket, now)
	return ticket.Clone(), nil
}

func (r *MemoryTicketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	r.mu.RLock()
	matched := make([]domain.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Urgency != nil && (t.Urgency == nil || *t.Urgency != *filter.Urgency) {
			continue
		}
		if filter.Category != nil && t.Category != *filter.Category {
			continue
		}
		matched = append(matched, *t.Clone())
	}
	r.mu.RUnlock()

	field := filter.sortField()
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareTickets(&matched[i], &matched[j], field)
		if c == 0 {
			return matched[i].ID < matched[j].ID
		}
		if filter.Desc {
			return c > 0
		}
		return c < 0
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []domain.Ticket{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *MemoryTicketRepository) CountGroupedBy(ctx context.Context, field string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if field != GroupByStatus && field != GroupByUrgency {
		return nil, fmt.Errorf("unsupported group field %q", field)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[string]int{}
	for _, t := range r.tickets {
		switch {
		case field == GroupByStatus:
			counts[string(t.Status)]++
		case t.Urgency == nil:
			counts[UnsetGroup]++
		default:
			counts[string(*t.Urgency)]++
		}
	}
	return counts, nil
}

func (r *MemoryTicketRepository) FailStale(ctx context.Context, cutoff time.Time, detail string, limit int) ([]domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*domain.Ticket
	for _, t := range r.tickets {
		if t.Status == domain.TicketStatusProcessing && t.UpdatedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	failed := domain.TicketStatusFailed
	patch := domain.TicketPatch{Status: &failed, ErrorMessage: &detail}
	out := make([]domain.Ticket, 0, len(stale))
	for _, t := range stale {
		patch.Apply(t, r.now())
		out = append(out, *t.Clone())
	}
	return out, nil
}

// compareTickets orders NULLs after every value, as Postgres does for ASC.
func compareTickets(a, b *domain.Ticket, field string) int {
	switch field {
	case SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case SortUrgency:
		return compareNullable(a.Urgency == nil, b.Urgency == nil, func() int {
			return strings.Compare(string(*a.Urgency), string(*b.Urgency))
		})
	case SortSentimentScore:
		return compareNullable(a.SentimentScore == nil, b.SentimentScore == nil, func() int {
			return *a.SentimentScore - *b.SentimentScore
		})
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func compareNullable(aNil, bNil bool, cmp func() int) int {
	switch {
	case aNil && bNil:
		return 0
	case aNil:
		return 1
	case bNil:
		return -1
	}
	return cmp()
}

var _ TicketRepository = (*MemoryTicketRepository)(nil)
