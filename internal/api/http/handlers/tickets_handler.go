package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/triage-service/internal/api/dto"
	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/service"
	apperrors "github.com/spec-kit/triage-service/pkg/util/errorutil"
)

// TicketsHandler manages the ticket endpoints.
type TicketsHandler struct {
	service *service.TicketService
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService) *TicketsHandler {
	return &TicketsHandler{service: ticketService}
}

// CreateTicket POST /api/tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	req.Normalize()
	if err := dto.Validate(req); err != nil {
		return err
	}

	ticket, err := h.service.CreateTicket(c.UserContext(), service.TicketCreateInput{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		Subject:       req.Subject,
		Complaint:     req.Complaint,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data":    dto.NewTicketResponse(ticket),
		"message": "Ticket created. AI triage processing in background.",
	})
}

// ListTickets GET /api/tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	query, err := parseListQuery(c)
	if err != nil {
		return err
	}
	page, err := h.service.ListTickets(c.UserContext(), query)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": dto.NewTicketResponses(page.Tickets),
		"meta": dto.PageMeta{
			Page:       page.Page,
			Limit:      page.Limit,
			Total:      page.Total,
			TotalPages: page.TotalPages,
		},
	})
}

// GetTicket GET /api/tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, err := h.service.GetTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTicketResponse(ticket)})
}

// ResolveTicket PATCH /api/tickets/:id/resolve.
func (h *TicketsHandler) ResolveTicket(c *fiber.Ctx) error {
	var req dto.ResolveTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	req.Normalize()
	if err := dto.Validate(req); err != nil {
		return err
	}

	ticket, err := h.service.ResolveTicket(c.UserContext(), c.Params("id"), req.ResolvedReply)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data":    dto.NewTicketResponse(ticket),
		"message": "Ticket resolved successfully.",
	})
}

// RetryTriage POST /api/tickets/:id/retry.
func (h *TicketsHandler) RetryTriage(c *fiber.Ctx) error {
	ticket, err := h.service.RetryTriage(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data":    dto.NewTicketResponse(ticket),
		"message": "Triage retry enqueued.",
	})
}

// Stats GET /api/tickets/stats.
func (h *TicketsHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stats})
}

func parseListQuery(c *fiber.Ctx) (service.TicketListQuery, error) {
	query := service.TicketListQuery{
		Page:  parseInt(c.Query("page"), 1),
		Limit: parseInt(c.Query("limit"), service.DefaultPageSize),
		Sort:  c.Query("sort"),
		Order: c.Query("order"),
	}

	var invalid []apperrors.FieldError
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := domain.TicketStatus(strings.ToUpper(raw))
		if status.Valid() {
			query.Status = &status
		} else {
			invalid = append(invalid, apperrors.FieldError{Field: "status", Message: "Unknown status " + raw + "."})
		}
	}
	if raw := strings.TrimSpace(c.Query("urgency")); raw != "" {
		urgency := domain.Urgency(strings.ToUpper(raw))
		if urgency.Valid() {
			query.Urgency = &urgency
		} else {
			invalid = append(invalid, apperrors.FieldError{Field: "urgency", Message: "Unknown urgency " + raw + "."})
		}
	}
	if raw := strings.TrimSpace(c.Query("category")); raw != "" {
		category := domain.Category(strings.ToUpper(raw))
		if category.Valid() {
			query.Category = &category
		} else {
			invalid = append(invalid, apperrors.FieldError{Field: "category", Message: "Unknown category " + raw + "."})
		}
	}
	if len(invalid) > 0 {
		return query, apperrors.NewValidationError("Validation failed.", invalid)
	}
	return query, nil
}

// parseInt falls back to def for missing or non-numeric values. Range
// clamping is left to the service.
func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return parsed
}
