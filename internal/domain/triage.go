package domain

import (
	"fmt"
	"time"
)

// TriageResult is the validated classifier output for one ticket.
type TriageResult struct {
	Category       Category
	Urgency        Urgency
	SentimentScore int
	Draft          string
}

// TriageJob is the queued payload. It only names the ticket; everything
// else is re-read from the store when the job runs.
type TriageJob struct {
	TicketID string `json:"ticketId"`
}

// InitialTriageKey is the idempotency key used for the first submission of a ticket.
func InitialTriageKey(ticketID string) string {
	return "triage-" + ticketID
}

// RetryTriageKey is the idempotency key for an explicit retry issued at the given time.
// Two retries within the same millisecond share a key and collapse into one job.
func RetryTriageKey(ticketID string, at time.Time) string {
	return fmt.Sprintf("triage-%s-retry-%d", ticketID, at.UnixMilli())
}
