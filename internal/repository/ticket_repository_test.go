package repository

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/persistence"
)

// newPostgresRepo runs the migrations in a throwaway schema of the database
// named by POSTGRES_DSN. Tests skip when it is unset.
func newPostgresRepo(t *testing.T) (TicketRepository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	schema := "triage_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, persistence.RunMigrations(ctx, pool, "../../migrations", zap.NewNop()))
	return NewTicketRepository(pool), pool
}

func TestPostgresCreateAndGet(t *testing.T) {
	repo, _ := newPostgresRepo(t)
	ctx := context.Background()

	ticket := newTicket("Double charge")
	require.NoError(t, repo.Create(ctx, ticket))
	assert.NotEmpty(t, ticket.ID)
	assert.False(t, ticket.CreatedAt.IsZero())

	stored, err := repo.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusPending, stored.Status)
	assert.Equal(t, domain.CategoryUncategorized, stored.Category)
	assert.Nil(t, stored.Urgency)

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrTicketNotFound)
	_, err = repo.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestPostgresGuardedUpdate(t *testing.T) {
	repo, _ := newPostgresRepo(t)
	ctx := context.Background()

	ticket := newTicket("Export broken")
	require.NoError(t, repo.Create(ctx, ticket))

	_, err := repo.Update(ctx, ticket.ID, domain.MarkTriaged(domain.TriageResult{
		Category: domain.CategoryTechnical, Urgency: domain.UrgencyHigh, SentimentScore: 4, Draft: "d",
	}))
	assert.ErrorIs(t, err, ErrStatusConflict, "triage needs PROCESSING")

	_, err = repo.Update(ctx, ticket.ID, domain.MarkProcessing())
	require.NoError(t, err)
	_, err = repo.Update(ctx, ticket.ID, domain.RecordAttemptError("classifier call failed"))
	require.NoError(t, err)

	triaged, err := repo.Update(ctx, ticket.ID, domain.MarkTriaged(domain.TriageResult{
		Category: domain.CategoryTechnical, Urgency: domain.UrgencyHigh, SentimentScore: 4, Draft: "d",
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusTriaged, triaged.Status)
	require.NotNil(t, triaged.Urgency)
	assert.Equal(t, domain.UrgencyHigh, *triaged.Urgency)
	assert.Nil(t, triaged.ErrorMessage)
	assert.True(t, triaged.UpdatedAt.After(ticket.UpdatedAt) || triaged.UpdatedAt.Equal(ticket.UpdatedAt))

	_, err = repo.Update(ctx, ticket.ID, domain.MarkFailed("late failure", 3))
	assert.ErrorIs(t, err, ErrStatusConflict)

	_, err = repo.Update(ctx, uuid.NewString(), domain.MarkProcessing())
	assert.ErrorIs(t, err, ErrTicketNotFound, "a missing row is not a guard miss")

	resolved, err := repo.Update(ctx, ticket.ID, domain.MarkResolved("Fixed.", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestPostgresListAndGroup(t *testing.T) {
	repo, _ := newPostgresRepo(t)
	ctx := context.Background()

	var ids []string
	for _, subject := range []string{"a", "b", "c"} {
		ticket := newTicket(subject)
		require.NoError(t, repo.Create(ctx, ticket))
		ids = append(ids, ticket.ID)
	}
	_, err := repo.Update(ctx, ids[0], domain.MarkProcessing())
	require.NoError(t, err)
	_, err = repo.Update(ctx, ids[0], domain.MarkTriaged(domain.TriageResult{
		Category: domain.CategoryBilling, Urgency: domain.UrgencyLow, SentimentScore: 6, Draft: "d",
	}))
	require.NoError(t, err)

	byUrgency, err := repo.CountGroupedBy(ctx, GroupByUrgency)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"LOW": 1, UnsetGroup: 2}, byUrgency)

	byStatus, err := repo.CountGroupedBy(ctx, GroupByStatus)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"TRIAGED": 1, "PENDING": 2}, byStatus)

	pending := domain.TicketStatusPending
	page, total, err := repo.List(ctx, TicketFilter{Status: &pending, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, page, 1)

	page, _, err = repo.List(ctx, TicketFilter{Sort: SortSentimentScore, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[0], page[0].ID, "NULL scores sort last")
}

func TestPostgresFailStale(t *testing.T) {
	repo, pool := newPostgresRepo(t)
	ctx := context.Background()

	stuck := newTicket("stuck")
	fresh := newTicket("fresh")
	for _, ticket := range []*domain.Ticket{stuck, fresh} {
		require.NoError(t, repo.Create(ctx, ticket))
		_, err := repo.Update(ctx, ticket.ID, domain.MarkProcessing())
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, `UPDATE tickets SET updated_at = NOW() - INTERVAL '2 hours' WHERE id=$1`, stuck.ID)
	require.NoError(t, err)

	failed, err := repo.FailStale(ctx, time.Now().Add(-time.Hour), "triage stalled", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, stuck.ID, failed[0].ID)
	assert.Equal(t, domain.TicketStatusFailed, failed[0].Status)

	got, err := repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusProcessing, got.Status)
}
