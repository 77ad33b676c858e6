package main

import (
	"context"
	"fmt"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/repository"
)

type demoTicket struct {
	ticket domain.Ticket
	status domain.TicketStatus
	triage *domain.TriageResult
}

var demoTickets = []demoTicket{
	{
		ticket: domain.Ticket{
			CustomerName:  "John Doe",
			CustomerEmail: "john@example.com",
			Subject:       "Double charged on monthly subscription",
			Complaint:     "I was charged twice for my Pro subscription this month. Transaction IDs: TXN-001 and TXN-002. Please refund the duplicate charge immediately.",
		},
		status: domain.TicketStatusFailed,
	},
	{
		ticket: domain.Ticket{
			CustomerName:  "Jane Smith",
			CustomerEmail: "jane@example.com",
			Subject:       "Cannot export reports to PDF",
			Complaint:     "The PDF export feature has been broken for the last 3 days. Every time I click export, I get a blank page. I need these reports for my end-of-month review tomorrow.",
		},
		status: domain.TicketStatusTriaged,
		triage: &domain.TriageResult{
			Category:       domain.CategoryTechnical,
			Urgency:        domain.UrgencyHigh,
			SentimentScore: 4,
			Draft:          "Dear Jane,\n\nThank you for reporting this issue with the PDF export feature. We understand the urgency given your upcoming end-of-month review.\n\nOur engineering team has been notified and is investigating the issue. In the meantime, you can use the CSV export as a workaround and convert it to PDF using any online converter.\n\nWe aim to have this resolved within the next 24 hours.\n\nBest regards,\nSupport Team",
		},
	},
	{
		ticket: domain.Ticket{
			CustomerName:  "Bob Wilson",
			CustomerEmail: "bob@example.com",
			Subject:       "Feature request: Dark mode",
			Complaint:     "It would be great if you could add a dark mode option to the dashboard. I work late hours and the bright interface strains my eyes. Many modern apps already have this feature.",
		},
		status: domain.TicketStatusTriaged,
		triage: &domain.TriageResult{
			Category:       domain.CategoryFeatureRequest,
			Urgency:        domain.UrgencyLow,
			SentimentScore: 7,
			Draft:          "Dear Bob,\n\nThank you for your suggestion! We appreciate you taking the time to share your feedback about dark mode.\n\nThis is actually one of the most requested features on our roadmap. We're currently in the design phase and expect to release it in Q2 2025.\n\nWe'll make sure to notify you when it becomes available.\n\nBest regards,\nSupport Team",
		},
	},
	{
		ticket: domain.Ticket{
			CustomerName:  "Alice Chen",
			CustomerEmail: "alice@example.com",
			Subject:       "Login keeps failing with correct password",
			Complaint:     "I've been locked out of my account since this morning. I'm 100% sure my password is correct because I just reset it yesterday. I've tried different browsers and clearing cookies but nothing works.",
		},
		status: domain.TicketStatusPending,
	},
}

// seedTickets inserts the demo tickets and walks each one to its target
// status through the regular lifecycle patches. It returns the created tickets.
func seedTickets(ctx context.Context, repo repository.TicketRepository) ([]*domain.Ticket, error) {
	created := make([]*domain.Ticket, 0, len(demoTickets))
	for _, demo := range demoTickets {
		ticket := demo.ticket
		ticket.Status = domain.TicketStatusPending
		ticket.Category = domain.CategoryUncategorized
		if err := repo.Create(ctx, &ticket); err != nil {
			return created, fmt.Errorf("create %q: %w", ticket.Subject, err)
		}

		var patches []domain.TicketPatch
		switch demo.status {
		case domain.TicketStatusFailed:
			patches = []domain.TicketPatch{domain.MarkFailed("Seeded as failed; use retry to run triage.", 3)}
		case domain.TicketStatusTriaged:
			patches = []domain.TicketPatch{domain.MarkProcessing(), domain.MarkTriaged(*demo.triage)}
		}

		current := &ticket
		for _, patch := range patches {
			updated, err := repo.Update(ctx, ticket.ID, patch)
			if err != nil {
				return created, fmt.Errorf("move %q to %s: %w", ticket.Subject, demo.status, err)
			}
			current = updated
		}
		created = append(created, current)
	}
	return created, nil
}
