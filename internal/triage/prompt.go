package triage

import (
	"fmt"

	"github.com/spec-kit/triage-service/internal/domain"
)

// BuildPrompt renders the user message for a ticket from its persisted fields.
func BuildPrompt(t *domain.Ticket) string {
	return fmt.Sprintf("Customer: %s\nSubject: %s\nComplaint: %s", t.CustomerName, t.Subject, t.Complaint)
}
