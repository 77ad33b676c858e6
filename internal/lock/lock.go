// Package lock serializes triage runs for the same ticket.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when another holder owns the ticket.
var ErrBusy = errors.New("ticket lock held by another worker")

// Handle releases an acquired lock.
type Handle interface {
	Release(ctx context.Context) error
}

// TicketLocker grants exclusive access to one ticket at a time. Acquire never
// waits: a held lock yields ErrBusy.
type TicketLocker interface {
	Acquire(ctx context.Context, ticketID string) (Handle, error)
}

// RedisLocker uses bsm/redislock so the guard spans processes.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker builds a locker whose keys expire after ttl if never released.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(client),
		prefix: "lock:triage:",
		ttl:    ttl,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, ticketID string) (Handle, error) {
	lk, err := l.client.Obtain(ctx, l.prefix+ticketID, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock for ticket %s: %w", ticketID, err)
	}
	return redisHandle{lock: lk}, nil
}

type redisHandle struct {
	lock *redislock.Lock
}

func (h redisHandle) Release(ctx context.Context) error {
	err := h.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// Expired under us; nothing left to release.
		return nil
	}
	return err
}

// LocalLocker is the in-process variant used with the memory queue.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, ticketID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[ticketID]; ok {
		return nil, ErrBusy
	}
	l.held[ticketID] = struct{}{}
	return &localHandle{locker: l, ticketID: ticketID}, nil
}

type localHandle struct {
	locker   *LocalLocker
	ticketID string
	once     sync.Once
}

func (h *localHandle) Release(context.Context) error {
	h.once.Do(func() {
		h.locker.mu.Lock()
		delete(h.locker.held, h.ticketID)
		h.locker.mu.Unlock()
	})
	return nil
}

var (
	_ TicketLocker = (*RedisLocker)(nil)
	_ TicketLocker = (*LocalLocker)(nil)
)
