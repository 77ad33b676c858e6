// Package ratelimit caps how many triage jobs start per window across every
// worker sharing the limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter blocks until the caller may start one more job.
type Limiter interface {
	Wait(ctx context.Context) error
}

const minRetryDelay = 10 * time.Millisecond

// wait polls allow until a slot is granted or ctx ends.
func wait(ctx context.Context, allow func(context.Context) (bool, time.Duration, error)) error {
	for {
		ok, retryAfter, err := allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if retryAfter < minRetryDelay {
			retryAfter = minRetryDelay
		}
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// LocalWindow is a fixed-window limiter for a single process.
type LocalWindow struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	used      int
	lastReset time.Time
	now       func() time.Time
}

// NewLocalWindow allows max starts per window.
func NewLocalWindow(max int, window time.Duration) *LocalWindow {
	return &LocalWindow{max: max, window: window, now: time.Now}
}

// Allow consumes a slot if one is left and otherwise reports when the window resets.
func (l *LocalWindow) Allow(context.Context) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.lastReset.IsZero() || now.Sub(l.lastReset) >= l.window {
		l.used = 0
		l.lastReset = now
	}
	if l.used < l.max {
		l.used++
		return true, 0, nil
	}
	return false, l.window - now.Sub(l.lastReset), nil
}

func (l *LocalWindow) Wait(ctx context.Context) error {
	return wait(ctx, l.Allow)
}

var windowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    ttl = tonumber(ARGV[2])
  end
  return {0, ttl}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, 0}
`)

// RedisWindow is a fixed-window limiter whose counter lives in Redis, so
// every worker process draws from the same budget.
type RedisWindow struct {
	client redis.UniversalClient
	key    string
	max    int
	window time.Duration
}

// NewRedisWindow allows max starts per window under key.
func NewRedisWindow(client redis.UniversalClient, key string, max int, window time.Duration) *RedisWindow {
	return &RedisWindow{client: client, key: key, max: max, window: window}
}

// Allow consumes a slot if one is left and otherwise reports the time until the window expires.
func (w *RedisWindow) Allow(ctx context.Context) (bool, time.Duration, error) {
	res, err := windowScript.Run(ctx, w.client, []string{w.key}, w.max, w.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", w.key, err)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func (w *RedisWindow) Wait(ctx context.Context) error {
	return wait(ctx, w.Allow)
}

var (
	_ Limiter = (*LocalWindow)(nil)
	_ Limiter = (*RedisWindow)(nil)
)
