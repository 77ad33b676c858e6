package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/api/http/handlers"
	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/persistence"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/repository"
	"github.com/spec-kit/triage-service/internal/service"
)

type testServer struct {
	app     *fiber.App
	repo    *repository.MemoryTicketRepository
	queue   *queue.MemoryQueue
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, redisClient *persistence.Redis) *testServer {
	t.Helper()
	s := &testServer{
		repo:    repository.NewMemoryTicketRepository(),
		queue:   queue.NewMemoryQueue(queue.Options{}),
		metrics: observability.NewMetrics(),
	}
	t.Cleanup(func() { _ = s.queue.Close() })

	dispatcher := events.NewInMemoryDispatcher()
	triage := service.NewTriageDispatcher(s.repo, s.queue, dispatcher, zap.NewNop())
	tickets := service.NewTicketService(service.TicketDependencies{
		TicketRepo: s.repo,
		Triage:     triage,
		Queue:      s.queue,
		Dispatcher: dispatcher,
		Metrics:    s.metrics,
		Logger:     zap.NewNop(),
	})

	s.app = NewApp("triage-test",
		MiddlewareConfig{Logger: zap.NewNop(), Metrics: s.metrics, Timeout: 5 * time.Second},
		RouteConfig{
			Health:  handlers.NewHealthHandler("triage-test", "test", nil, redisClient),
			Tickets: handlers.NewTicketsHandler(tickets),
		},
	)
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	return resp.StatusCode, decoded
}

func (s *testServer) seed(t *testing.T, status domain.TicketStatus) *domain.Ticket {
	t.Helper()
	ticket := &domain.Ticket{
		CustomerName:  "Alice Chen",
		CustomerEmail: "alice@example.com",
		Subject:       "Login keeps failing with correct password",
		Complaint:     "I've been locked out of my account since this morning.",
		Status:        domain.TicketStatusPending,
		Category:      domain.CategoryUncategorized,
	}
	require.NoError(t, s.repo.Create(context.Background(), ticket))
	ctx := context.Background()
	switch status {
	case domain.TicketStatusFailed:
		_, err := s.repo.Update(ctx, ticket.ID, domain.MarkFailed("classifier call timed out after 30s", 3))
		require.NoError(t, err)
	case domain.TicketStatusProcessing:
		_, err := s.repo.Update(ctx, ticket.ID, domain.MarkProcessing())
		require.NoError(t, err)
	case domain.TicketStatusResolved:
		_, err := s.repo.Update(ctx, ticket.ID, domain.MarkResolved("Password reset link sent.", time.Now()))
		require.NoError(t, err)
	}
	return ticket
}

func errorBody(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error envelope: %v", body)
	return e
}

func TestCreateTicketReturnsPendingImmediately(t *testing.T) {
	s := newTestServer(t, nil)
	status, body := s.do(t, http.MethodPost, "/api/tickets", `{
		"customerName": "  John Doe ",
		"customerEmail": "john@example.com",
		"subject": "Double charged on monthly subscription",
		"complaint": "I was charged twice for my Pro subscription this month. Transaction IDs: TXN-001 and TXN-002."
	}`)

	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "Ticket created. AI triage processing in background.", body["message"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "John Doe", data["customerName"])
	assert.Equal(t, "PENDING", data["status"])
	assert.Equal(t, "UNCATEGORIZED", data["category"])
	assert.Nil(t, data["urgency"])
	assert.Nil(t, data["aiDraft"])
	assert.EqualValues(t, 0, data["retryCount"])

	stats, err := s.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Waiting)
}

func TestCreateTicketValidation(t *testing.T) {
	s := newTestServer(t, nil)
	status, body := s.do(t, http.MethodPost, "/api/tickets", `{
		"customerName": "   ",
		"customerEmail": "not-an-email",
		"subject": "Hi",
		"complaint": "too short"
	}`)

	require.Equal(t, http.StatusUnprocessableEntity, status)
	e := errorBody(t, body)
	assert.Equal(t, "VALIDATION_FAILED", e["code"])

	details, ok := e["details"].([]any)
	require.True(t, ok)
	messages := map[string]string{}
	for _, d := range details {
		entry := d.(map[string]any)
		messages[entry["field"].(string)] = entry["message"].(string)
	}
	assert.Equal(t, map[string]string{
		"customerName":  "Customer name is required.",
		"customerEmail": "Invalid email address.",
		"complaint":     "Complaint must be at least 10 characters.",
	}, messages)

	page, _, err := s.repo.List(context.Background(), repository.TicketFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestCreateTicketRejectsOversizedFields(t *testing.T) {
	s := newTestServer(t, nil)
	payload, err := json.Marshal(map[string]string{
		"customerName":  "Jane",
		"customerEmail": "jane@example.com",
		"subject":       strings.Repeat("s", 501),
		"complaint":     strings.Repeat("c", 10001),
	})
	require.NoError(t, err)

	status, body := s.do(t, http.MethodPost, "/api/tickets", string(payload))
	require.Equal(t, http.StatusUnprocessableEntity, status)
	details := errorBody(t, body)["details"].([]any)
	assert.Len(t, details, 2)
}

func TestGetTicket(t *testing.T) {
	s := newTestServer(t, nil)
	ticket := s.seed(t, domain.TicketStatusPending)

	status, body := s.do(t, http.MethodGet, "/api/tickets/"+ticket.ID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, ticket.ID, body["data"].(map[string]any)["id"])

	status, body = s.do(t, http.MethodGet, "/api/tickets/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorBody(t, body)["code"])
}

func TestListTickets(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed(t, domain.TicketStatusPending)
	s.seed(t, domain.TicketStatusFailed)
	s.seed(t, domain.TicketStatusFailed)

	status, body := s.do(t, http.MethodGet, "/api/tickets?status=FAILED&limit=1&page=2", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)
	meta := body["meta"].(map[string]any)
	assert.EqualValues(t, 2, meta["page"])
	assert.EqualValues(t, 1, meta["limit"])
	assert.EqualValues(t, 2, meta["total"])
	assert.EqualValues(t, 2, meta["totalPages"])

	status, body = s.do(t, http.MethodGet, "/api/tickets?limit=1000&sort=complaint", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 100, body["meta"].(map[string]any)["limit"])

	status, body = s.do(t, http.MethodGet, "/api/tickets?urgency=CRITICAL", "")
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "VALIDATION_FAILED", errorBody(t, body)["code"])
}

func TestResolveTicket(t *testing.T) {
	s := newTestServer(t, nil)
	ticket := s.seed(t, domain.TicketStatusFailed)
	path := "/api/tickets/" + ticket.ID + "/resolve"

	status, body := s.do(t, http.MethodPatch, path, `{"resolvedReply": "  "}`)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Resolved reply is required.",
		errorBody(t, body)["details"].([]any)[0].(map[string]any)["message"])

	status, body = s.do(t, http.MethodPatch, path, `{"resolvedReply": "We refunded TXN-002."}`)
	require.Equal(t, http.StatusOK, status, body)
	data := body["data"].(map[string]any)
	assert.Equal(t, "RESOLVED", data["status"])
	assert.Equal(t, "We refunded TXN-002.", data["resolvedReply"])
	assert.NotNil(t, data["resolvedAt"])

	status, body = s.do(t, http.MethodPatch, path, `{"resolvedReply": "Again"}`)
	require.Equal(t, http.StatusConflict, status)
	e := errorBody(t, body)
	assert.Equal(t, "CONFLICTING_STATE", e["code"])
	assert.Equal(t, "Ticket is already resolved.", e["message"])

	status, _ = s.do(t, http.MethodPatch, "/api/tickets/missing/resolve", `{"resolvedReply": "x"}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRetryTriage(t *testing.T) {
	s := newTestServer(t, nil)
	failed := s.seed(t, domain.TicketStatusFailed)

	status, body := s.do(t, http.MethodPost, "/api/tickets/"+failed.ID+"/retry", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Triage retry enqueued.", body["message"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "PENDING", data["status"])
	assert.Nil(t, data["errorMessage"])

	processing := s.seed(t, domain.TicketStatusProcessing)
	status, body = s.do(t, http.MethodPost, "/api/tickets/"+processing.ID+"/retry", "")
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Only FAILED or PENDING tickets can be retried.", errorBody(t, body)["message"])

	resolved := s.seed(t, domain.TicketStatusResolved)
	status, _ = s.do(t, http.MethodPost, "/api/tickets/"+resolved.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed(t, domain.TicketStatusPending)
	s.seed(t, domain.TicketStatusFailed)

	status, body := s.do(t, http.MethodGet, "/api/tickets/stats", "")
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, map[string]any{"PENDING": float64(1), "FAILED": float64(1)}, data["byStatus"])
	assert.Equal(t, map[string]any{"UNSET": float64(2)}, data["byUrgency"])
	assert.Contains(t, data, "queue")
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	s := newTestServer(t, nil)
	status, body := s.do(t, http.MethodGet, "/api/nowhere", "")
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorBody(t, body)["code"])
}

func TestHealthEndpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := newTestServer(t, &persistence.Redis{Client: client})

	status, body := s.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = s.do(t, http.MethodGet, "/health/live", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alive", body["status"])

	status, body = s.do(t, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, status, body)
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["redis"])
	assert.Equal(t, "disabled", deps["postgres"])

	mr.Close()
	status, body = s.do(t, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", errorBody(t, body)["code"])
}
