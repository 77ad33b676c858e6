package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/triage-service/internal/domain"
)

// Each state change is a single script so attempt counters, delays and
// leases move atomically with delivery.
var (
	enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'active' then
  return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'key', ARGV[1], 'payload', ARGV[2], 'attempt', 1, 'budget', ARGV[3],
  'not_before', ARGV[4], 'state', 'waiting', 'token', '', 'last_error', '', 'created_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

	dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, member in ipairs(expired) do
  redis.call('ZREM', KEYS[2], member)
  local jk = ARGV[4] .. member
  if redis.call('EXISTS', jk) == 1 then
    local attempt = tonumber(redis.call('HGET', jk, 'attempt'))
    local budget = tonumber(redis.call('HGET', jk, 'budget'))
    if attempt > budget then
      redis.call('HSET', jk, 'state', 'failed', 'token', '', 'last_error', ARGV[5], 'finished_at', now)
      redis.call('PEXPIRE', jk, ARGV[6])
      redis.call('ZADD', KEYS[3], now, member)
    else
      redis.call('HSET', jk, 'attempt', attempt + 1, 'state', 'waiting', 'token', '',
        'last_error', ARGV[5], 'not_before', now)
      redis.call('ZADD', KEYS[1], now, member)
    end
  end
end
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
if #ready == 0 then
  local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if #head == 0 then
    return {0, ''}
  end
  return {0, head[2]}
end
local member = ready[1]
local jk = ARGV[4] .. member
redis.call('ZREM', KEYS[1], member)
redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), member)
redis.call('HSET', jk, 'state', 'active', 'token', ARGV[3], 'started_at', now)
local f = redis.call('HMGET', jk, 'payload', 'attempt', 'budget', 'not_before', 'last_error')
return {1, member, f[1] or '', f[2] or '1', f[3] or '1', f[4] or '0', f[5] or ''}
`)

	ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
local now = tonumber(ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('HSET', KEYS[1], 'state', 'completed', 'token', '', 'finished_at', now)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[3], now, ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', now - tonumber(ARGV[3]))
return 1
`)

	failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return {-1, 0}
end
local now = tonumber(ARGV[2])
local attempt = tonumber(redis.call('HGET', KEYS[1], 'attempt'))
local budget = tonumber(redis.call('HGET', KEYS[1], 'budget'))
redis.call('ZREM', KEYS[2], ARGV[6])
if attempt < budget then
  local retry_at = now + tonumber(ARGV[4])
  redis.call('HSET', KEYS[1], 'attempt', attempt + 1, 'not_before', retry_at,
    'state', 'waiting', 'token', '', 'last_error', ARGV[3])
  redis.call('ZADD', KEYS[3], retry_at, ARGV[6])
  return {0, attempt}
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'token', '', 'last_error', ARGV[3], 'finished_at', now)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('ZADD', KEYS[4], now, ARGV[6])
redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', now - tonumber(ARGV[5]))
return {1, math.min(attempt, budget)}
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[1], 'state', 'waiting', 'token', '', 'not_before', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 1
`)
)

// RedisQueue persists jobs in Redis: one hash per job plus sorted sets for
// the waiting (scored by not-before), active (scored by lease expiry),
// completed and failed states. Every key carries the {prefix} hash tag so
// the scripts touch a single Cluster slot.
type RedisQueue struct {
	client redis.UniversalClient
	opts   Options

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewRedisQueue wraps an existing client. The client is owned by the caller.
func NewRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	return &RedisQueue{
		client: client,
		opts:   opts.withDefaults(),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *RedisQueue) jobKey(key string) string {
	return q.jobPrefix() + key
}

func (q *RedisQueue) base() string      { return "{" + q.opts.Prefix + "}" }
func (q *RedisQueue) jobPrefix() string { return q.base() + ":job:" }
func (q *RedisQueue) waitKey() string   { return q.base() + ":wait" }
func (q *RedisQueue) activeKey() string { return q.base() + ":active" }
func (q *RedisQueue) doneKey() string   { return q.base() + ":completed" }
func (q *RedisQueue) failedKey() string { return q.base() + ":failed" }

func (q *RedisQueue) nowMs() int64 {
	return q.opts.Clock().UnixMilli()
}

func (q *RedisQueue) Enqueue(ctx context.Context, key string, payload domain.TriageJob) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	inserted, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(key), q.waitKey(), q.doneKey(), q.failedKey()},
		key, string(body), q.opts.Attempts, q.nowMs(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if inserted == 1 {
		notify(q.wake)
	}
	return inserted == 1, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		select {
		case <-q.closed:
			return nil, ErrClosed
		default:
		}

		job, next, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if err := sleepUntil(ctx, q.opts.Clock(), next, q.opts.PollInterval, q.wake, q.closed); err != nil {
			return nil, err
		}
	}
}

func (q *RedisQueue) tryDequeue(ctx context.Context) (*Job, time.Time, error) {
	token := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.waitKey(), q.activeKey(), q.failedKey()},
		q.nowMs(), q.opts.Lease.Milliseconds(), token, q.jobPrefix(),
		leaseExpiredError, q.opts.KeepFailed.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("dequeue: %w", err)
	}

	if toInt64(res[0]) == 0 {
		var next time.Time
		if score, _ := res[1].(string); score != "" {
			if ms, err := strconv.ParseFloat(score, 64); err == nil {
				next = time.UnixMilli(int64(ms))
			}
		}
		return nil, next, nil
	}

	job := &Job{
		Key:       toString(res[1]),
		Attempt:   int(toInt64(res[3])),
		Budget:    int(toInt64(res[4])),
		NotBefore: time.UnixMilli(toInt64(res[5])),
		LastError: toString(res[6]),
		token:     token,
	}
	job.Exhausted = job.Attempt > job.Budget
	if err := json.Unmarshal([]byte(toString(res[2])), &job.Payload); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode payload for %s: %w", job.Key, err)
	}
	return job, time.Time{}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.jobKey(job.Key), q.activeKey(), q.doneKey()},
		job.token, q.nowMs(), q.opts.KeepCompleted.Milliseconds(), job.Key,
	).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", job.Key, err)
	}
	if ok == 0 {
		return ErrStaleLease
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (FailOutcome, error) {
	now := q.nowMs()
	delay := Backoff(q.opts.BackoffBase, job.Attempt)
	res, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(job.Key), q.activeKey(), q.waitKey(), q.failedKey()},
		job.token, now, errorText(cause), delay.Milliseconds(), q.opts.KeepFailed.Milliseconds(), job.Key,
	).Int64Slice()
	if err != nil {
		return FailOutcome{}, fmt.Errorf("fail %s: %w", job.Key, err)
	}

	switch res[0] {
	case -1:
		return FailOutcome{}, ErrStaleLease
	case 1:
		return FailOutcome{Exhausted: true, Attempts: int(res[1])}, nil
	}
	notify(q.wake)
	return FailOutcome{Attempts: int(res[1]), RetryAt: time.UnixMilli(now).Add(delay)}, nil
}

func (q *RedisQueue) Release(ctx context.Context, job *Job) error {
	ok, err := releaseScript.Run(ctx, q.client,
		[]string{q.jobKey(job.Key), q.activeKey(), q.waitKey()},
		job.token, q.nowMs(), job.Key,
	).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", job.Key, err)
	}
	if ok == 0 {
		return ErrStaleLease
	}
	notify(q.wake)
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	now := q.nowMs()
	nowStr := strconv.FormatInt(now, 10)
	pipe := q.client.Pipeline()
	waiting := pipe.ZCount(ctx, q.waitKey(), "-inf", nowStr)
	delayed := pipe.ZCount(ctx, q.waitKey(), "("+nowStr, "+inf")
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.ZCount(ctx, q.doneKey(), strconv.FormatInt(now-q.opts.KeepCompleted.Milliseconds(), 10), "+inf")
	failed := pipe.ZCount(ctx, q.failedKey(), strconv.FormatInt(now-q.opts.KeepFailed.Milliseconds(), 10), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Close stops blocked Dequeue calls. The Redis client is left open.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			f, _ := strconv.ParseFloat(n, 64)
			return int64(f)
		}
		return i
	}
	return 0
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}

var _ Queue = (*RedisQueue)(nil)
