package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/triage-service/internal/domain"
)

type jobState string

const (
	stateWaiting   jobState = "waiting"
	stateActive    jobState = "active"
	stateCompleted jobState = "completed"
	stateFailed    jobState = "failed"
)

type memoryRecord struct {
	key        string
	payload    domain.TriageJob
	attempt    int
	budget     int
	notBefore  time.Time
	state      jobState
	token      string
	leaseUntil time.Time
	lastError  string
	finishedAt time.Time
	seq        uint64
}

// MemoryQueue is a process-local Queue with the same semantics as RedisQueue.
// Jobs do not survive a restart.
type MemoryQueue struct {
	opts Options

	mu      sync.Mutex
	records map[string]*memoryRecord
	seq     uint64

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		records: make(map[string]*memoryRecord),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, key string, payload domain.TriageJob) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if rec, ok := q.records[key]; ok && (rec.state == stateWaiting || rec.state == stateActive) {
		return false, nil
	}
	q.seq++
	q.records[key] = &memoryRecord{
		key:       key,
		payload:   payload,
		attempt:   1,
		budget:    q.opts.Attempts,
		notBefore: q.opts.Clock(),
		state:     stateWaiting,
		seq:       q.seq,
	}
	notify(q.wake)
	return true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		select {
		case <-q.closed:
			return nil, ErrClosed
		default:
		}

		job, next := q.tryDequeue()
		if job != nil {
			return job, nil
		}
		if err := sleepUntil(ctx, q.opts.Clock(), next, q.opts.PollInterval, q.wake, q.closed); err != nil {
			return nil, err
		}
	}
}

func (q *MemoryQueue) tryDequeue() (*Job, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	q.prune(now)

	var candidates []*memoryRecord
	var next time.Time
	for _, rec := range q.records {
		if rec.state == stateActive && !rec.leaseUntil.After(now) {
			expire(rec, now)
		}
		if rec.state != stateWaiting {
			continue
		}
		if rec.notBefore.After(now) {
			if next.IsZero() || rec.notBefore.Before(next) {
				next = rec.notBefore
			}
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return nil, next
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].notBefore.Equal(candidates[j].notBefore) {
			return candidates[i].notBefore.Before(candidates[j].notBefore)
		}
		return candidates[i].seq < candidates[j].seq
	})

	rec := candidates[0]
	rec.state = stateActive
	rec.token = uuid.NewString()
	rec.leaseUntil = now.Add(q.opts.Lease)
	return &Job{
		Key:       rec.key,
		Payload:   rec.payload,
		Attempt:   rec.attempt,
		Budget:    rec.budget,
		NotBefore: rec.notBefore,
		LastError: rec.lastError,
		Exhausted: rec.attempt > rec.budget,
		token:     rec.token,
	}, time.Time{}
}

// expire takes back a lost lease. The lost delivery spends an attempt; once
// the finishing delivery of an exhausted job is lost too, the job fails.
func expire(rec *memoryRecord, now time.Time) {
	rec.token = ""
	rec.lastError = leaseExpiredError
	if rec.attempt > rec.budget {
		rec.state = stateFailed
		rec.finishedAt = now
		return
	}
	rec.attempt++
	rec.state = stateWaiting
	rec.notBefore = now
}

func (q *MemoryQueue) leased(job *Job) (*memoryRecord, error) {
	rec, ok := q.records[job.Key]
	if !ok || rec.state != stateActive || rec.token != job.token {
		return nil, ErrStaleLease
	}
	return rec, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.leased(job)
	if err != nil {
		return err
	}
	rec.state = stateCompleted
	rec.token = ""
	rec.finishedAt = q.opts.Clock()
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *Job, cause error) (FailOutcome, error) {
	if err := ctx.Err(); err != nil {
		return FailOutcome{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.leased(job)
	if err != nil {
		return FailOutcome{}, err
	}
	now := q.opts.Clock()
	rec.token = ""
	rec.lastError = errorText(cause)

	if rec.attempt < rec.budget {
		retryAt := now.Add(Backoff(q.opts.BackoffBase, rec.attempt))
		outcome := FailOutcome{Attempts: rec.attempt, RetryAt: retryAt}
		rec.attempt++
		rec.notBefore = retryAt
		rec.state = stateWaiting
		notify(q.wake)
		return outcome, nil
	}

	rec.state = stateFailed
	rec.finishedAt = now
	return FailOutcome{Exhausted: true, Attempts: min(rec.attempt, rec.budget)}, nil
}

func (q *MemoryQueue) Release(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.leased(job)
	if err != nil {
		return err
	}
	rec.state = stateWaiting
	rec.token = ""
	rec.notBefore = q.opts.Clock()
	notify(q.wake)
	return nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Clock()
	q.prune(now)

	var s Stats
	for _, rec := range q.records {
		switch rec.state {
		case stateWaiting:
			if rec.notBefore.After(now) {
				s.Delayed++
			} else {
				s.Waiting++
			}
		case stateActive:
			s.Active++
		case stateCompleted:
			s.Completed++
		case stateFailed:
			s.Failed++
		}
	}
	return s, nil
}

// prune drops finished records past their retention window. Caller holds mu.
func (q *MemoryQueue) prune(now time.Time) {
	for key, rec := range q.records {
		switch {
		case rec.state == stateCompleted && now.Sub(rec.finishedAt) > q.opts.KeepCompleted:
			delete(q.records, key)
		case rec.state == stateFailed && now.Sub(rec.finishedAt) > q.opts.KeepFailed:
			delete(q.records, key)
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
