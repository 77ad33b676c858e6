package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/triage-service/internal/classifier"
	"github.com/spec-kit/triage-service/internal/domain"
	"github.com/spec-kit/triage-service/internal/events"
	"github.com/spec-kit/triage-service/internal/lock"
	"github.com/spec-kit/triage-service/internal/observability"
	"github.com/spec-kit/triage-service/internal/queue"
	"github.com/spec-kit/triage-service/internal/ratelimit"
	"github.com/spec-kit/triage-service/internal/repository"
	"github.com/spec-kit/triage-service/internal/triage"
)

const billingReply = "```json\n" + `{"category":"BILLING","urgency":"HIGH","sentimentScore":3,"draft":"Dear John, we are sorry for the duplicate charge. TXN-002 has been refunded."}` + "\n```"

type fixture struct {
	repo    *repository.MemoryTicketRepository
	queue   *queue.MemoryQueue
	metrics *observability.Metrics
	calls   atomic.Int32

	mu     sync.Mutex
	events []events.Event
}

func newFixture(t *testing.T, reply func(call int32) (string, error)) (*fixture, *Pool) {
	t.Helper()
	f := &fixture{
		repo: repository.NewMemoryTicketRepository(),
		queue: queue.NewMemoryQueue(queue.Options{
			BackoffBase:  5 * time.Millisecond,
			PollInterval: 2 * time.Millisecond,
		}),
		metrics: observability.NewMetrics(),
	}
	t.Cleanup(func() { _ = f.queue.Close() })

	dispatcher := events.NewInMemoryDispatcher()
	for _, et := range events.AllEventTypes {
		dispatcher.Subscribe(et, func(_ context.Context, e events.Event) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e)
			return nil
		})
	}

	client := classifier.Func(func(ctx context.Context, prompt string) (string, error) {
		return reply(f.calls.Add(1))
	})
	proc := triage.NewProcedure(f.repo, client, lock.NewLocalLocker(), time.Second, zap.NewNop())

	pool := NewPool(Dependencies{
		Queue:       f.queue,
		Limiter:     ratelimit.NewLocalWindow(100, time.Minute),
		Procedure:   proc,
		Dispatcher:  dispatcher,
		Metrics:     f.metrics,
		Logger:      zap.NewNop(),
		Concurrency: 2,
	})
	return f, pool
}

func (f *fixture) submit(t *testing.T, subject, complaint string) *domain.Ticket {
	t.Helper()
	ctx := context.Background()
	ticket := &domain.Ticket{
		CustomerName:  "John Doe",
		CustomerEmail: "john@example.com",
		Subject:       subject,
		Complaint:     complaint,
		Status:        domain.TicketStatusPending,
		Category:      domain.CategoryUncategorized,
	}
	require.NoError(t, f.repo.Create(ctx, ticket))
	_, err := f.queue.Enqueue(ctx, domain.InitialTriageKey(ticket.ID), domain.TriageJob{TicketID: ticket.ID})
	require.NoError(t, err)
	return ticket
}

func (f *fixture) status(t *testing.T, id string) domain.TicketStatus {
	t.Helper()
	ticket, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return ticket.Status
}

func (f *fixture) eventsOf(et events.EventType) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, e := range f.events {
		if e.Type == et {
			out = append(out, e)
		}
	}
	return out
}

func start(t *testing.T, pool *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return cancel
}

func TestPoolTriagesDoubleCharge(t *testing.T) {
	f, pool := newFixture(t, func(int32) (string, error) { return billingReply, nil })
	ticket := f.submit(t, "Double charged on monthly subscription",
		"I was charged twice for my subscription, TXN-001 and TXN-002")
	start(t, pool)

	require.Eventually(t, func() bool {
		return f.status(t, ticket.ID) == domain.TicketStatusTriaged
	}, 2*time.Second, 5*time.Millisecond)

	stored, err := f.repo.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryBilling, stored.Category)
	require.NotNil(t, stored.Urgency)
	assert.Equal(t, domain.UrgencyHigh, *stored.Urgency)
	require.NotNil(t, stored.SentimentScore)
	assert.Equal(t, 3, *stored.SentimentScore)
	require.NotNil(t, stored.AIDraft)
	assert.Equal(t, "Dear John, we are sorry for the duplicate charge. TXN-002 has been refunded.", *stored.AIDraft)
	assert.Nil(t, stored.ErrorMessage)
	assert.EqualValues(t, 1, f.calls.Load())

	require.Eventually(t, func() bool {
		return len(f.eventsOf(events.EventTicketTriaged)) == 1
	}, time.Second, 5*time.Millisecond)
	payload, ok := f.eventsOf(events.EventTicketTriaged)[0].Payload.(events.TicketTriagedPayload)
	require.True(t, ok)
	assert.Equal(t, domain.UrgencyHigh, payload.Urgency)
	assert.Equal(t, 1, payload.Attempt)

	assert.EqualValues(t, 1, f.metrics.JobCounts()[observability.JobCompleted])
}

func TestPoolRecoversFromTransientFailures(t *testing.T) {
	f, pool := newFixture(t, func(call int32) (string, error) {
		switch call {
		case 1:
			return "", errors.New("connection reset")
		case 2:
			return "I think this is billing", nil
		}
		return billingReply, nil
	})
	ticket := f.submit(t, "Refund", "Please refund the duplicate charge.")
	start(t, pool)

	require.Eventually(t, func() bool {
		return f.status(t, ticket.ID) == domain.TicketStatusTriaged
	}, 2*time.Second, 5*time.Millisecond)

	stored, err := f.repo.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ErrorMessage)
	assert.EqualValues(t, 3, f.calls.Load())
	assert.Empty(t, f.eventsOf(events.EventTicketTriageFailed))
	assert.Eventually(t, func() bool {
		return f.metrics.JobCounts()[observability.JobRetried] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPoolMarksTicketFailedAfterBudget(t *testing.T) {
	f, pool := newFixture(t, func(int32) (string, error) {
		return `{"category":"BILLING","urgency":"URGENT","sentimentScore":11,"draft":"x"}`, nil
	})
	ticket := f.submit(t, "Broken", "Nothing works.")
	start(t, pool)

	require.Eventually(t, func() bool {
		return f.status(t, ticket.ID) == domain.TicketStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	// Give a misbehaving pool the chance to run a fourth attempt.
	time.Sleep(50 * time.Millisecond)

	stored, err := f.repo.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RetryCount)
	require.NotNil(t, stored.ErrorMessage)
	assert.True(t, strings.Contains(*stored.ErrorMessage, "urgency"), *stored.ErrorMessage)
	assert.EqualValues(t, 3, f.calls.Load())

	failed := f.eventsOf(events.EventTicketTriageFailed)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Payload.(events.TicketTriageFailedPayload)
	require.True(t, ok)
	assert.Equal(t, 3, payload.Attempts)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)
	assert.Zero(t, stats.Pending())
	assert.EqualValues(t, 1, f.metrics.JobCounts()[observability.JobExhausted])
}

func TestPoolSkipsSettledTickets(t *testing.T) {
	f, pool := newFixture(t, func(int32) (string, error) { return billingReply, nil })
	ticket := f.submit(t, "Already handled", "Resolved by phone.")
	_, err := f.repo.Update(context.Background(), ticket.ID, domain.MarkResolved("Handled by phone", time.Now()))
	require.NoError(t, err)
	start(t, pool)

	require.Eventually(t, func() bool {
		return f.metrics.JobCounts()[observability.JobSkipped] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.TicketStatusResolved, f.status(t, ticket.ID))
	assert.Zero(t, f.calls.Load())
}

func TestPoolDropsJobsForMissingTickets(t *testing.T) {
	f, pool := newFixture(t, func(int32) (string, error) { return billingReply, nil })
	_, err := f.queue.Enqueue(context.Background(), domain.InitialTriageKey("ghost"), domain.TriageJob{TicketID: "ghost"})
	require.NoError(t, err)
	start(t, pool)

	require.Eventually(t, func() bool {
		stats, err := f.queue.Stats(context.Background())
		return err == nil && stats.Completed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.calls.Load())
}

func TestPoolHonoursRateLimit(t *testing.T) {
	f, pool := newFixture(t, func(int32) (string, error) { return billingReply, nil })
	pool.limiter = ratelimit.NewLocalWindow(2, time.Hour)
	for i := 0; i < 4; i++ {
		f.submit(t, "Limited", "Too many requests.")
	}
	start(t, pool)

	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, f.calls.Load())
}

// flakyStore rejects FAILED writes while down is set.
type flakyStore struct {
	*repository.MemoryTicketRepository
	down     atomic.Bool
	rejected atomic.Int32
}

func (s *flakyStore) Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error) {
	if s.down.Load() && patch.Status != nil && *patch.Status == domain.TicketStatusFailed {
		s.rejected.Add(1)
		return nil, errors.New("connection refused")
	}
	return s.MemoryTicketRepository.Update(ctx, id, patch)
}

func TestPoolTurnsPanicIntoRetry(t *testing.T) {
	f, pool := newFixture(t, func(call int32) (string, error) {
		if call == 1 {
			panic("nil map write")
		}
		return billingReply, nil
	})
	ticket := f.submit(t, "Crash", "The classifier blows up once.")
	start(t, pool)

	require.Eventually(t, func() bool {
		return f.status(t, ticket.ID) == domain.TicketStatusTriaged
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.Eventually(t, func() bool {
		return f.metrics.JobCounts()[observability.JobRetried] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoolFailsTicketWhoseLeasesRanOut(t *testing.T) {
	f, pool := newFixture(t, func(int32) (string, error) { return billingReply, nil })
	f.queue = queue.NewMemoryQueue(queue.Options{Lease: 10 * time.Millisecond, PollInterval: 2 * time.Millisecond})
	t.Cleanup(func() { _ = f.queue.Close() })
	pool.queue = f.queue
	ticket := f.submit(t, "Poison", "Every worker that touches this crashes.")

	// Three deliveries that never report back.
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := f.queue.Dequeue(ctx)
		cancel()
		require.NoError(t, err)
		time.Sleep(15 * time.Millisecond)
	}
	start(t, pool)

	require.Eventually(t, func() bool {
		return f.status(t, ticket.ID) == domain.TicketStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.calls.Load(), "an exhausted job is not attempted again")

	stored, err := f.repo.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RetryCount)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "lease expired")

	require.Eventually(t, func() bool {
		return len(f.eventsOf(events.EventTicketTriageFailed)) == 1
	}, time.Second, 5*time.Millisecond)
	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestPoolKeepsJobUntilTicketMarkedFailed(t *testing.T) {
	f, pool := newFixture(t, nil)
	f.queue = queue.NewMemoryQueue(queue.Options{
		BackoffBase:  5 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		Lease:        50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = f.queue.Close() })
	pool.queue = f.queue
	pool.concurrency = 1

	store := &flakyStore{MemoryTicketRepository: f.repo}
	store.down.Store(true)
	client := classifier.Func(func(context.Context, string) (string, error) {
		f.calls.Add(1)
		return "", errors.New("connection refused")
	})
	pool.procedure = triage.NewProcedure(store, client, lock.NewLocalLocker(), time.Second, zap.NewNop())

	ticket := f.submit(t, "Outage", "The store goes down at the worst moment.")
	start(t, pool)

	require.Eventually(t, func() bool { return store.rejected.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.TicketStatusProcessing, f.status(t, ticket.ID))
	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Failed, "the job stays in the queue while the ticket is unsettled")

	store.down.Store(false)
	require.Eventually(t, func() bool {
		return f.status(t, ticket.ID) == domain.TicketStatusFailed
	}, 3*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, f.calls.Load())

	require.Eventually(t, func() bool {
		stats, err := f.queue.Stats(context.Background())
		return err == nil && stats.Failed == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.eventsOf(events.EventTicketTriageFailed)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoolSweepsStuckTickets(t *testing.T) {
	f, pool := newFixture(t, func(int32) (string, error) { return billingReply, nil })
	pool.sweepInterval = 5 * time.Millisecond
	pool.stuckAfter = 20 * time.Millisecond

	ticket := &domain.Ticket{
		CustomerName:  "Jane Smith",
		CustomerEmail: "jane@example.com",
		Subject:       "Orphaned",
		Complaint:     "Its job vanished with the worker.",
	}
	require.NoError(t, f.repo.Create(context.Background(), ticket))
	_, err := f.repo.Update(context.Background(), ticket.ID, domain.MarkProcessing())
	require.NoError(t, err)
	start(t, pool)

	require.Eventually(t, func() bool {
		return f.status(t, ticket.ID) == domain.TicketStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.eventsOf(events.EventTicketTriageFailed)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.calls.Load())
}

func TestPoolReleasesJobOnShutdown(t *testing.T) {
	entered := make(chan struct{})
	f, pool := newFixture(t, nil)
	pool.procedure = triage.NewProcedure(f.repo, classifier.Func(func(ctx context.Context, _ string) (string, error) {
		close(entered)
		<-ctx.Done()
		return "", ctx.Err()
	}), lock.NewLocalLocker(), time.Minute, zap.NewNop())

	ticket := f.submit(t, "Slow", "The classifier hangs.")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("classifier was not called")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Waiting)
	assert.Zero(t, stats.Active)
	assert.EqualValues(t, 1, f.metrics.JobCounts()[observability.JobReleased])

	stored, err := f.repo.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RetryCount)
}
