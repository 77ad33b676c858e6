package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/triage-service/internal/domain"
)

const ticketColumns = `id, customer_name, customer_email, subject, complaint, status, category,
               urgency, sentiment_score, ai_draft, resolved_reply, error_message, retry_count,
               created_at, updated_at, resolved_at`

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates the Postgres-backed repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if ticket.Status == "" {
		ticket.Status = domain.TicketStatusPending
	}
	if ticket.Category == "" {
		ticket.Category = domain.CategoryUncategorized
	}
	const query = `
        INSERT INTO tickets (id, customer_name, customer_email, subject, complaint, status, category)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		ticket.ID,
		ticket.CustomerName,
		ticket.CustomerEmail,
		ticket.Subject,
		ticket.Complaint,
		string(ticket.Status),
		string(ticket.Category),
	).Scan(&ticket.CreatedAt, &ticket.UpdatedAt)
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrTicketNotFound
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	return ticket, err
}

func (r *ticketRepository) Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrTicketNotFound
	}

	sets := []string{}
	args := []any{}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Triage != nil {
		set("category", string(patch.Triage.Category))
		set("urgency", string(patch.Triage.Urgency))
		set("sentiment_score", patch.Triage.SentimentScore)
		set("ai_draft", patch.Triage.Draft)
	}
	switch {
	case patch.ErrorMessage != nil:
		set("error_message", *patch.ErrorMessage)
	case patch.ClearErrorMessage:
		sets = append(sets, "error_message=NULL")
	}
	if patch.RetryCount != nil {
		set("retry_count", *patch.RetryCount)
	}
	if patch.Resolution != nil {
		set("resolved_reply", patch.Resolution.Reply)
		set("resolved_at", patch.Resolution.At)
	}
	sets = append(sets, "updated_at=NOW()")

	args = append(args, id)
	where := fmt.Sprintf("id=$%d", len(args))
	if len(patch.ExpectStatus) > 0 {
		args = append(args, statusStrings(patch.ExpectStatus))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := fmt.Sprintf(`UPDATE tickets SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), where, ticketColumns)
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing row from a guard miss.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	return ticket, err
}

func (r *ticketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, int, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.Urgency != nil {
		args = append(args, string(*filter.Urgency))
		clauses = append(clauses, fmt.Sprintf("urgency=$%d", len(args)))
	}
	if filter.Category != nil {
		args = append(args, string(*filter.Category))
		clauses = append(clauses, fmt.Sprintf("category=$%d", len(args)))
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	direction := "ASC"
	if filter.Desc {
		direction = "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE %s ORDER BY %s %s, id ASC LIMIT %d OFFSET %d`,
		ticketColumns, where, sortColumns[filter.sortField()], direction, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *ticket)
	}
	return result, total, rows.Err()
}

func (r *ticketRepository) CountGroupedBy(ctx context.Context, field string) (map[string]int, error) {
	var column string
	switch field {
	case GroupByStatus:
		column = "status"
	case GroupByUrgency:
		column = "urgency"
	default:
		return nil, fmt.Errorf("unsupported group field %q", field)
	}

	query := fmt.Sprintf(`SELECT COALESCE(%s, '%s'), COUNT(*) FROM tickets GROUP BY 1`, column, UnsetGroup)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func (r *ticketRepository) FailStale(ctx context.Context, cutoff time.Time, detail string, limit int) ([]domain.Ticket, error) {
	const query = `
        UPDATE tickets SET status=$1, error_message=$2, updated_at=NOW()
        WHERE id IN (
            SELECT id FROM tickets
            WHERE status=$3 AND updated_at < $4
            ORDER BY updated_at
            LIMIT $5
            FOR UPDATE SKIP LOCKED
        ) AND status=$3
        RETURNING ` + ticketColumns
	rows, err := r.pool.Query(ctx, query,
		string(domain.TicketStatusFailed),
		detail,
		string(domain.TicketStatusProcessing),
		cutoff.UTC(),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failed []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		failed = append(failed, *ticket)
	}
	return failed, rows.Err()
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		ticket   domain.Ticket
		status   string
		category string
		urgency  *string
	)
	if err := row.Scan(
		&ticket.ID,
		&ticket.CustomerName,
		&ticket.CustomerEmail,
		&ticket.Subject,
		&ticket.Complaint,
		&status,
		&category,
		&urgency,
		&ticket.SentimentScore,
		&ticket.AIDraft,
		&ticket.ResolvedReply,
		&ticket.ErrorMessage,
		&ticket.RetryCount,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.ResolvedAt,
	); err != nil {
		return nil, err
	}
	ticket.Status = domain.TicketStatus(status)
	ticket.Category = domain.Category(category)
	if urgency != nil {
		u := domain.Urgency(*urgency)
		ticket.Urgency = &u
	}
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.UpdatedAt = ticket.UpdatedAt.UTC()
	if ticket.ResolvedAt != nil {
		at := ticket.ResolvedAt.UTC()
		ticket.ResolvedAt = &at
	}
	return &ticket, nil
}

func statusStrings(statuses []domain.TicketStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
