package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/triage-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated        EventType = "ticket_created"
	EventTicketTriaged        EventType = "ticket_triaged"
	EventTicketTriageFailed   EventType = "ticket_triage_failed"
	EventTicketResolved       EventType = "ticket_resolved"
	EventTicketRetryRequested EventType = "ticket_retry_requested"
)

// AllEventTypes lists every type the services publish.
var AllEventTypes = []EventType{
	EventTicketCreated,
	EventTicketTriaged,
	EventTicketTriageFailed,
	EventTicketResolved,
	EventTicketRetryRequested,
}

// Event represents a domain event emitted by services and workers.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TicketID  string    `json:"ticket_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New stamps an event with an id and the current time.
func New(eventType EventType, ticketID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TicketID:  ticketID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	CustomerEmail string `json:"customer_email"`
	Subject       string `json:"subject"`
	JobKey        string `json:"job_key"`
}

// TicketTriagedPayload payload.
type TicketTriagedPayload struct {
	Category       domain.Category `json:"category"`
	Urgency        domain.Urgency  `json:"urgency"`
	SentimentScore int             `json:"sentiment_score"`
	Attempt        int             `json:"attempt"`
}

// TicketTriageFailedPayload payload.
type TicketTriageFailedPayload struct {
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// TicketResolvedPayload payload.
type TicketResolvedPayload struct {
	PreviousStatus domain.TicketStatus `json:"previous_status"`
	ResolvedAt     time.Time           `json:"resolved_at"`
}

// TicketRetryRequestedPayload payload.
type TicketRetryRequestedPayload struct {
	PreviousStatus domain.TicketStatus `json:"previous_status"`
	JobKey         string              `json:"job_key"`
}
