// Package queue holds the durable triage job queue. A job is identified by
// its idempotency key, carries a fixed-shape payload and an attempt budget,
// and moves waiting -> active -> completed | waiting (backoff) | failed.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/spec-kit/triage-service/internal/config"
	"github.com/spec-kit/triage-service/internal/domain"
)

var (
	// ErrStaleLease is returned when a job is acknowledged with a token that no
	// longer owns it, typically after its lease expired and it was redelivered.
	ErrStaleLease = errors.New("queue: job lease no longer held")
	// ErrClosed is returned by Dequeue once the queue is closed.
	ErrClosed = errors.New("queue: closed")
)

// leaseExpiredError is stored as the last error of a delivery whose lease ran out.
const leaseExpiredError = "job lease expired before the attempt finished"

// Queue is the contract shared by the Redis and in-memory backends.
type Queue interface {
	// Enqueue inserts a job unless one with the same key is waiting, delayed
	// or active. It reports whether a job was inserted.
	Enqueue(ctx context.Context, key string, payload domain.TriageJob) (bool, error)
	// Dequeue blocks until a job is eligible and leases it to the caller.
	Dequeue(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Fail reschedules the job with backoff, or marks it failed when the
	// attempt budget is spent.
	Fail(ctx context.Context, job *Job, cause error) (FailOutcome, error)
	// Release returns a leased job to the waiting set without consuming an attempt.
	Release(ctx context.Context, job *Job) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Job is one leased delivery. A delivery whose lease expires counts as a
// spent attempt.
type Job struct {
	Key       string
	Payload   domain.TriageJob
	Attempt   int
	Budget    int
	NotBefore time.Time
	LastError string
	// Exhausted is set when lost leases used up the budget. The job must not
	// run again: the consumer records the failure and calls Fail to finish it.
	// If this delivery is lost as well, the queue fails the job itself.
	Exhausted bool

	token string
}

// FailOutcome describes what Fail did with a job.
type FailOutcome struct {
	Exhausted bool
	Attempts  int
	RetryAt   time.Time
}

// Stats counts jobs per state. Completed and Failed only cover the retention window.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Pending is the number of jobs not yet picked up.
func (s Stats) Pending() int64 {
	return s.Waiting + s.Delayed
}

// Options tune both backends.
type Options struct {
	Prefix        string
	Attempts      int
	BackoffBase   time.Duration
	Lease         time.Duration
	PollInterval  time.Duration
	KeepCompleted time.Duration
	KeepFailed    time.Duration
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// OptionsFromConfig maps queue settings onto Options.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		Prefix:        cfg.Prefix,
		Attempts:      cfg.Attempts,
		BackoffBase:   cfg.BackoffBase,
		Lease:         cfg.Lease,
		PollInterval:  cfg.PollInterval,
		KeepCompleted: cfg.KeepCompleted,
		KeepFailed:    cfg.KeepFailed,
	}
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "triage"
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 24 * time.Hour
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 7 * 24 * time.Hour
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Backoff is the delay before retrying after the given 1-based attempt failed:
// base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

func errorText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// sleepUntil waits for the earlier of next or the poll interval, a wake
// signal, ctx cancellation or close.
func sleepUntil(ctx context.Context, now time.Time, next time.Time, poll time.Duration, wake <-chan struct{}, closed <-chan struct{}) error {
	wait := poll
	if !next.IsZero() {
		if until := next.Sub(now); until < wait {
			wait = until
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return ErrClosed
	case <-wake:
	case <-timer.C:
	}
	return nil
}

func notify(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
