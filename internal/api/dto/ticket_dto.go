package dto

import (
	"strings"
	"time"

	"github.com/spec-kit/triage-service/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	CustomerName  string `json:"customerName" validate:"min=1,max=255"`
	CustomerEmail string `json:"customerEmail" validate:"email,max=255"`
	Subject       string `json:"subject" validate:"min=1,max=500"`
	Complaint     string `json:"complaint" validate:"min=10,max=10000"`
}

// Normalize trims every field before validation.
func (r *CreateTicketRequest) Normalize() {
	r.CustomerName = strings.TrimSpace(r.CustomerName)
	r.CustomerEmail = strings.TrimSpace(r.CustomerEmail)
	r.Subject = strings.TrimSpace(r.Subject)
	r.Complaint = strings.TrimSpace(r.Complaint)
}

// ResolveTicketRequest payload.
type ResolveTicketRequest struct {
	ResolvedReply string `json:"resolvedReply" validate:"min=1,max=10000"`
}

// Normalize trims the reply before validation.
func (r *ResolveTicketRequest) Normalize() {
	r.ResolvedReply = strings.TrimSpace(r.ResolvedReply)
}

// TicketResponse is the API view of a ticket.
type TicketResponse struct {
	ID             string              `json:"id"`
	CustomerName   string              `json:"customerName"`
	CustomerEmail  string              `json:"customerEmail"`
	Subject        string              `json:"subject"`
	Complaint      string              `json:"complaint"`
	Status         domain.TicketStatus `json:"status"`
	Category       domain.Category     `json:"category"`
	Urgency        *domain.Urgency     `json:"urgency"`
	SentimentScore *int                `json:"sentimentScore"`
	AIDraft        *string             `json:"aiDraft"`
	ResolvedReply  *string             `json:"resolvedReply"`
	ErrorMessage   *string             `json:"errorMessage"`
	RetryCount     int                 `json:"retryCount"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	ResolvedAt     *time.Time          `json:"resolvedAt"`
}

// NewTicketResponse maps a domain ticket.
func NewTicketResponse(t *domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:             t.ID,
		CustomerName:   t.CustomerName,
		CustomerEmail:  t.CustomerEmail,
		Subject:        t.Subject,
		Complaint:      t.Complaint,
		Status:         t.Status,
		Category:       t.Category,
		Urgency:        t.Urgency,
		SentimentScore: t.SentimentScore,
		AIDraft:        t.AIDraft,
		ResolvedReply:  t.ResolvedReply,
		ErrorMessage:   t.ErrorMessage,
		RetryCount:     t.RetryCount,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		ResolvedAt:     t.ResolvedAt,
	}
}

// NewTicketResponses maps a slice, never returning nil.
func NewTicketResponses(tickets []domain.Ticket) []TicketResponse {
	out := make([]TicketResponse, 0, len(tickets))
	for i := range tickets {
		out = append(out, NewTicketResponse(&tickets[i]))
	}
	return out
}

// PageMeta describes one page of a listing.
type PageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}
