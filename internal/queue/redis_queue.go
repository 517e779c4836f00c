package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"review-worker/internal/config"
	"review-worker/internal/models"
)

// ErrNotFound is returned by Get for unknown job ids.
var ErrNotFound = errors.New("job not found")

// EnqueueResult reports what Enqueue did with a job id.
type EnqueueResult int

const (
	// Duplicate means the id was already waiting, delayed or active.
	Duplicate EnqueueResult = iota
	// Created means the id was new.
	Created
	// Reset means a completed or failed job was put back to waiting.
	Reset
)

func (r EnqueueResult) String() string {
	switch r {
	case Created:
		return "created"
	case Reset:
		return "reset"
	default:
		return "duplicate"
	}
}

const completedRetention = 24 * time.Hour

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
// Each job's payload and lifecycle state live in a hash keyed by job id.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobPrefix     string
	visibilityTTL time.Duration
	dlqKey        string
	now           func() time.Time
}

// NewClient builds the shared redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready",
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobPrefix:     "queue:job:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
		now:           time.Now,
	}
}

// Client exposes the underlying redis client for components sharing it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobPrefix + jobID
}

// Enqueue stores job and makes it ready, or schedules it when runAt is in
// the future. Re-enqueueing an id that is waiting, delayed or active is a
// no-op; a completed or failed id is reset with a fresh attempt count.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job, runAt time.Time) (EnqueueResult, error) {
	if job.ID == "" {
		return Duplicate, errors.New("enqueue: job id is required")
	}
	now := q.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now.UTC()
	}
	job.UpdatedAt = now.UTC()
	job.AttemptsMade = 0
	job.LastError = nil
	data, err := json.Marshal(job)
	if err != nil {
		return Duplicate, fmt.Errorf("marshal job: %w", err)
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.readyKey, q.scheduledKey},
		job.ID, data, runAt.UnixMilli(), now.UnixMilli()).Int()
	if err != nil {
		return Duplicate, err
	}
	return EnqueueResult(res), nil
}

// Claim pops the next ready job and leases it for the visibility timeout.
// It returns ok=false when nothing is ready.
func (q *RedisQueue) Claim(ctx context.Context) (models.Job, bool, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline, q.jobPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Payload vanished; drop the orphaned lease.
		q.client.ZRem(ctx, q.inflightKey, id)
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Complete marks a job completed and releases its lease. The record is
// kept for a day so duplicate deliveries can still be recognized.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HSet(ctx, q.jobKey(jobID), "state", models.StateCompleted, "updated_ms", q.now().UnixMilli())
	pipe.Expire(ctx, q.jobKey(jobID), completedRetention)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry records a failed attempt and schedules the job for runAt.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, cause error, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HIncrBy(ctx, q.jobKey(jobID), "attempts", 1)
	pipe.HSet(ctx, q.jobKey(jobID), "state", models.StateDelayed, "last_error", errString(cause), "updated_ms", q.now().UnixMilli())
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// Fail records the final attempt, marks the job failed, and pushes it to
// the dead-letter queue.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HIncrBy(ctx, q.jobKey(jobID), "attempts", 1)
	pipe.HSet(ctx, q.jobKey(jobID), "state", models.StateFailed, "last_error", errString(cause), "updated_ms", q.now().UnixMilli())
	pipe.RPush(ctx, q.dlqKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.HSet(ctx, q.jobKey(id), "state", models.StateWaiting)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. The
// abandoned run does not count as an attempt.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.HSet(ctx, q.jobKey(id), "state", models.StateWaiting)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// Get loads a job with its current state and attempt count.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, err
	}
	data, ok := fields["data"]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	job.State = fields["state"]
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts"])
	if msg := fields["last_error"]; msg != "" {
		job.LastError = &msg
	}
	if ms, err := strconv.ParseInt(fields["updated_ms"], 10, 64); err == nil {
		job.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQRemove drops jobID from the dead-letter queue.
func (q *RedisQueue) DLQRemove(ctx context.Context, jobID string) error {
	return q.client.LRem(ctx, q.dlqKey, 0, jobID).Err()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then
  return 0
end
local result = 1
if state then result = 2 end
redis.call('DEL', KEYS[1])
local runAt = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
if runAt > now then
  redis.call('HSET', KEYS[1], 'data', ARGV[2], 'state', 'delayed', 'attempts', 0, 'updated_ms', now)
  redis.call('ZADD', KEYS[3], runAt, ARGV[1])
else
  redis.call('HSET', KEYS[1], 'data', ARGV[2], 'state', 'waiting', 'attempts', 0, 'updated_ms', now)
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return result
`)

var claimScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
redis.call('HSET', ARGV[2] .. job, 'state', 'active')
return job
`)
