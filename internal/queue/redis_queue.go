package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// priorityStride separates priority levels in the ready ZSET score while
// keeping FIFO order (enqueue milliseconds) within a level. Priorities are
// expected in 0..1000; lower dequeues first.
const priorityStride = float64(1 << 42)

// Queue coordinates ready, in-flight, and scheduled jobs in Redis. The
// ready set is a ZSET scored by priority-then-enqueue-time so a lower
// numeric priority always pops first.
type Queue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, visibility time.Duration) *Queue {
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	return &Queue{
		client:        client,
		readyKey:      "video:ready",
		inflightKey:   "video:inflight",
		scheduledKey:  "video:scheduled",
		metaPrefix:    "video:meta:",
		visibilityTTL: visibility,
	}
}

func (q *Queue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

func score(priority int, at time.Time) float64 {
	return float64(priority)*priorityStride + float64(at.UnixMilli())
}

// Enqueue places a job on the ready set.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: score(priority, time.Now()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers a job until runAt (retry backoff).
func (q *Queue) Schedule(ctx context.Context, jobID string, priority int, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs onto the ready set. Returns how
// many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
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
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: score(q.priorityOf(ctx, id), now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *Queue) priorityOf(ctx context.Context, jobID string) int {
	v, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Result()
	if err != nil {
		return 100
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return 100
	}
	return p
}

// DequeueWithLease pops the highest-priority ready job and tracks it
// in-flight under a visibility timeout. Empty string means nothing ready.
func (q *Queue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Release removes a job from in-flight tracking only, keeping its meta
// record. Used when the job goes back on the scheduled set for a retry.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs at
// their original priority.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: score(q.priorityOf(ctx, id), now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove takes a job out of every set (cancellation).
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the ready set length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if popped[1] then
  redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
  return popped[1]
end
return nil
`)
