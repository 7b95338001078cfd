package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"spend-enrichment-pipeline/internal/config"
)

// DefaultPriority is used when an invocation is queued without one.
const DefaultPriority = "default"

// InvocationID names the queue member for one stage over one scope.
func InvocationID(stage, scope string) string {
	return stage + ":" + scope
}

// ParseInvocationID splits an id built by InvocationID.
func ParseInvocationID(id string) (stage, scope string, err error) {
	stage, scope, ok := strings.Cut(id, ":")
	if !ok || stage == "" || scope == "" {
		return "", "", fmt.Errorf("malformed invocation id %q", id)
	}
	return stage, scope, nil
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue coordinates ready, in-flight and scheduled stage invocations.
// An invocation id is pending from Enqueue until Ack, Cancel or DeadLetter,
// and is never queued twice while pending.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	pendingKey     string
	inflightKey    string
	scheduledKey   string
	metaPrefix     string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue on client using the queue settings in cfg.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.QueuePriorities
	if len(priorities) == 0 {
		priorities = []string{DefaultPriority}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 20 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		pendingKey:     "queue:pending",
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		metaPrefix:     "queue:meta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

func (q *RedisQueue) knownPriority(p string) string {
	for _, known := range q.priorityQueues {
		if known == p {
			return p
		}
	}
	return q.priorityQueues[len(q.priorityQueues)-1]
}

// Enqueue queues an invocation to run at runAt. It reports false without
// error when the invocation is already pending.
func (q *RedisQueue) Enqueue(ctx context.Context, id, priority string, runAt time.Time) (bool, error) {
	if priority == "" {
		priority = DefaultPriority
	}
	priority = q.knownPriority(priority)
	delayed := "0"
	if runAt.After(time.Now()) {
		delayed = "1"
	}
	keys := []string{q.pendingKey, q.metaKey(id), q.readyKey(priority), q.scheduledKey}
	n, err := enqueueScript.Run(ctx, q.client, keys, id, priority, runAt.UnixMilli(), delayed).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return n == 1, nil
}

// Reschedule moves an in-flight invocation back to the scheduled set. When
// resetAttempts is set the failure counter starts over.
func (q *RedisQueue) Reschedule(ctx context.Context, id string, runAt time.Time, resetAttempts bool) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	if resetAttempts {
		pipe.HSet(ctx, q.metaKey(id), "attempts", 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// IncrAttempts records one failed attempt and returns the new count.
func (q *RedisQueue) IncrAttempts(ctx context.Context, id string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.metaKey(id), "attempts", 1).Result()
	return int(n), err
}

func (q *RedisQueue) priorityOf(ctx context.Context, id string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
	if err != nil || priority == "" {
		return DefaultPriority
	}
	return q.knownPriority(priority)
}

// PromoteScheduled moves due scheduled invocations into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops an invocation from the ready queues in priority
// order and places it in flight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight invocation.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack finishes an invocation and clears its bookkeeping.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.SRem(ctx, q.pendingKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes an invocation from ready, scheduled and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, id)
	}
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.SRem(ctx, q.pendingKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter retires an in-flight invocation to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.SRem(ctx, q.pendingKey, id)
	pipe.Del(ctx, q.metaKey(id))
	pipe.RPush(ctx, q.dlqKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered invocation ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Pending reports whether an invocation is queued, scheduled or in flight.
func (q *RedisQueue) Pending(ctx context.Context, id string) (bool, error) {
	return q.client.SIsMember(ctx, q.pendingKey, id).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'priority', ARGV[2], 'attempts', 0)
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
else
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
