// Package queue implements the durable, priority-ordered, retryable work
// queue on Redis, the typed producer façade over it, and the worker pool
// that delivers jobs to handlers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/genforge/backend/internal/models"
)

// Backend is the Job Queue contract the rest of the system programs against.
type Backend interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Dequeue(ctx context.Context, queueName string) (*models.Job, error)
	Ack(ctx context.Context, job *models.Job) error
	Nack(ctx context.Context, job *models.Job, jobErr *models.JobError, retry bool) error
	Counts(ctx context.Context, queueName string) (*models.QueueMetrics, error)
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error
	Drain(ctx context.Context, queueName string) (int64, error)
	Clean(ctx context.Context, queueName, state string, grace time.Duration, limit int64) (int64, error)
	IsCompleted(ctx context.Context, queueName, jobID string) (bool, error)
}

// RedisQueue stores each queue as a set of namespaced keys:
//
//	genforge:queue:<name>:jobs      hash  jobID -> envelope JSON
//	genforge:queue:<name>:ready     zset  score = priority-major, FIFO within
//	genforge:queue:<name>:delayed   zset  score = scheduled unix ms
//	genforge:queue:<name>:active    zset  score = delivery unix ms
//	genforge:queue:<name>:completed zset  score = finish unix ms
//	genforge:queue:<name>:failed    zset  score = finish unix ms
//	genforge:queue:<name>:paused    flag
type RedisQueue struct {
	rdb *redis.Client
	now func() time.Time

	// VisibilityTimeout bounds how long a delivery may sit in the active set
	// before its worker is presumed dead and the attempt is re-queued per the
	// retry policy. Must exceed the longest expected handler runtime.
	VisibilityTimeout time.Duration
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb, now: time.Now, VisibilityTimeout: 5 * time.Minute}
}

const keyPrefix = "genforge:queue:"

// priorityBand spaces priority classes far enough apart in the ready score
// that the enqueue timestamp (unix ms) never crosses into the next class.
const priorityBand = float64(1 << 45)

func key(queueName, part string) string {
	return keyPrefix + queueName + ":" + part
}

func readyScore(priority int, enqueued time.Time) float64 {
	return float64(priority)*priorityBand + float64(enqueued.UnixMilli())
}

// Enqueue stores the job envelope and makes it deliverable, either
// immediately or at its scheduled time.
func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.rdb.HSet(ctx, key(job.QueueName, "jobs"), job.ID, raw).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}

	if job.ScheduledAt.After(q.now()) {
		return q.rdb.ZAdd(ctx, key(job.QueueName, "delayed"), &redis.Z{
			Score:  float64(job.ScheduledAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	}

	return q.rdb.ZAdd(ctx, key(job.QueueName, "ready"), &redis.Z{
		Score:  readyScore(job.Priority, job.CreatedAt),
		Member: job.ID,
	}).Err()
}

// Dequeue delivers the highest-priority ready job, promoting due delayed
// jobs first. ZPopMin is atomic, so two workers never receive the same
// delivery. Returns ErrQueueEmpty when nothing is ready and ErrQueuePaused
// while the queue is paused.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string) (*models.Job, error) {
	paused, err := q.rdb.Exists(ctx, key(queueName, "paused")).Result()
	if err != nil {
		return nil, err
	}
	if paused > 0 {
		return nil, models.ErrQueuePaused
	}

	if err := q.reclaimStale(ctx, queueName); err != nil {
		return nil, err
	}
	if err := q.promoteDue(ctx, queueName); err != nil {
		return nil, err
	}

	popped, err := q.rdb.ZPopMin(ctx, key(queueName, "ready"), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, models.ErrQueueEmpty
	}
	jobID := popped[0].Member.(string)

	job, err := q.loadJob(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}

	// Attempt count is per delivery; the handler sees the current attempt.
	job.AttemptCount++
	if err := q.storeJob(ctx, job); err != nil {
		return nil, err
	}

	if err := q.rdb.ZAdd(ctx, key(queueName, "active"), &redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		return nil, err
	}

	return job, nil
}

// Ack finalizes a successful delivery. Repeatable jobs are re-enqueued for
// their next occurrence instead of landing in the completed set.
func (q *RedisQueue) Ack(ctx context.Context, job *models.Job) error {
	if err := q.rdb.ZRem(ctx, key(job.QueueName, "active"), job.ID).Err(); err != nil {
		return err
	}

	if job.RepeatEvery > 0 {
		next := *job
		next.AttemptCount = 0
		next.ScheduledAt = q.now().Add(job.RepeatEvery)
		return q.Enqueue(ctx, &next)
	}

	// Record which attempt was billed so reconciliation can tell a crashed
	// attempt's charge from the one that completed.
	if err := q.rdb.HSet(ctx, key(job.QueueName, "results"), job.ID,
		strconv.Itoa(job.AttemptCount)).Err(); err != nil {
		return err
	}

	return q.rdb.ZAdd(ctx, key(job.QueueName, "completed"), &redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: job.ID,
	}).Err()
}

// Nack records a failed delivery. Retryable failures below the attempt limit
// are rescheduled with exponential backoff; everything else moves to the
// failed set.
func (q *RedisQueue) Nack(ctx context.Context, job *models.Job, jobErr *models.JobError, retry bool) error {
	if err := q.rdb.ZRem(ctx, key(job.QueueName, "active"), job.ID).Err(); err != nil {
		return err
	}

	if retry && job.AttemptCount < job.MaxAttempts {
		backoff := time.Duration(job.BackoffMS) * time.Millisecond
		for i := 1; i < job.AttemptCount; i++ {
			backoff *= 2
		}
		job.ScheduledAt = q.now().Add(backoff)
		if err := q.storeJob(ctx, job); err != nil {
			return err
		}
		return q.rdb.ZAdd(ctx, key(job.QueueName, "delayed"), &redis.Z{
			Score:  float64(job.ScheduledAt.UnixMilli()),
			Member: job.ID,
		}).Err()
	}

	if jobErr != nil {
		raw, err := json.Marshal(jobErr)
		if err == nil {
			q.rdb.HSet(ctx, key(job.QueueName, "errors"), job.ID, raw)
		}
	}

	return q.rdb.ZAdd(ctx, key(job.QueueName, "failed"), &redis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: job.ID,
	}).Err()
}

// Counts returns a point-in-time snapshot of the queue's job counts.
func (q *RedisQueue) Counts(ctx context.Context, queueName string) (*models.QueueMetrics, error) {
	var m models.QueueMetrics
	states := []struct {
		part string
		dst  *int64
	}{
		{"ready", &m.Waiting},
		{"active", &m.Active},
		{"completed", &m.Completed},
		{"failed", &m.Failed},
		{"delayed", &m.Delayed},
	}
	for _, s := range states {
		n, err := q.rdb.ZCard(ctx, key(queueName, s.part)).Result()
		if err != nil {
			return nil, err
		}
		*s.dst = n
	}

	paused, err := q.rdb.Exists(ctx, key(queueName, "paused")).Result()
	if err != nil {
		return nil, err
	}
	m.Paused = paused > 0
	return &m, nil
}

// Pause stops deliveries from the queue. In-flight jobs are unaffected.
func (q *RedisQueue) Pause(ctx context.Context, queueName string) error {
	return q.rdb.Set(ctx, key(queueName, "paused"), "1", 0).Err()
}

// Resume re-enables deliveries.
func (q *RedisQueue) Resume(ctx context.Context, queueName string) error {
	return q.rdb.Del(ctx, key(queueName, "paused")).Err()
}

// Drain discards all waiting and delayed jobs. Active jobs always finish.
func (q *RedisQueue) Drain(ctx context.Context, queueName string) (int64, error) {
	var drained int64
	for _, part := range []string{"ready", "delayed"} {
		ids, err := q.rdb.ZRange(ctx, key(queueName, part), 0, -1).Result()
		if err != nil {
			return drained, err
		}
		if len(ids) == 0 {
			continue
		}
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		if err := q.rdb.ZRem(ctx, key(queueName, part), members...).Err(); err != nil {
			return drained, err
		}
		if err := q.rdb.HDel(ctx, key(queueName, "jobs"), ids...).Err(); err != nil {
			return drained, err
		}
		drained += int64(len(ids))
	}
	return drained, nil
}

// Clean removes terminal jobs older than grace from the completed or failed
// set, bounded by limit per call.
func (q *RedisQueue) Clean(ctx context.Context, queueName, state string, grace time.Duration, limit int64) (int64, error) {
	if state != "completed" && state != "failed" {
		return 0, fmt.Errorf("clean: unknown state %q", state)
	}
	if limit <= 0 {
		limit = 1000
	}

	cutoff := q.now().Add(-grace).UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, key(queueName, state), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := q.rdb.ZRem(ctx, key(queueName, state), members...).Err(); err != nil {
		return 0, err
	}
	if err := q.rdb.HDel(ctx, key(queueName, "jobs"), ids...).Err(); err != nil {
		return 0, err
	}
	q.rdb.HDel(ctx, key(queueName, "errors"), ids...)
	q.rdb.HDel(ctx, key(queueName, "results"), ids...)

	return int64(len(ids)), nil
}

// IsCompleted reports whether a job finished successfully. Used by the
// reconciliation sweep to decide whether a stale debit needs refunding.
func (q *RedisQueue) IsCompleted(ctx context.Context, queueName, jobID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, key(queueName, "completed"), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompletedAttempt returns the attempt number that completed the job, if
// the job completed at all.
func (q *RedisQueue) CompletedAttempt(ctx context.Context, queueName, jobID string) (int, bool, error) {
	raw, err := q.rdb.HGet(ctx, key(queueName, "results"), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	attempt, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt result record for job %s: %w", jobID, err)
	}
	return attempt, true, nil
}

// reclaimStale re-queues active deliveries older than the visibility timeout.
// The active score is the delivery time, so a member below the cutoff belongs
// to a worker that died (or hung) without acking. The attempt was already
// counted at delivery; the reclaim applies the same retry policy as a Nack,
// so an exhausted job lands in the failed set instead of looping forever.
func (q *RedisQueue) reclaimStale(ctx context.Context, queueName string) error {
	cutoff := q.now().Add(-q.VisibilityTimeout).UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, key(queueName, "active"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		job, err := q.loadJob(ctx, queueName, id)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				q.rdb.ZRem(ctx, key(queueName, "active"), id)
				continue
			}
			return err
		}
		log.Printf("[QUEUE] reclaiming job %s on %s: attempt %d exceeded visibility timeout",
			id, queueName, job.AttemptCount)
		if err := q.Nack(ctx, job, &models.JobError{
			Message: "attempt exceeded visibility timeout",
			Kind:    models.KindProviderError,
		}, true); err != nil {
			return err
		}
	}
	return nil
}

// promoteDue moves delayed jobs whose time has come into the ready set.
// Concurrent promotion by several workers is harmless: zset members are
// unique and a second removal is a no-op.
func (q *RedisQueue) promoteDue(ctx context.Context, queueName string) error {
	now := q.now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, key(queueName, "delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		job, err := q.loadJob(ctx, queueName, id)
		if err != nil {
			if errors.Is(err, models.ErrJobNotFound) {
				q.rdb.ZRem(ctx, key(queueName, "delayed"), id)
				continue
			}
			return err
		}
		if err := q.rdb.ZAdd(ctx, key(queueName, "ready"), &redis.Z{
			Score:  readyScore(job.Priority, q.now()),
			Member: id,
		}).Err(); err != nil {
			return err
		}
		if err := q.rdb.ZRem(ctx, key(queueName, "delayed"), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) loadJob(ctx context.Context, queueName, jobID string) (*models.Job, error) {
	raw, err := q.rdb.HGet(ctx, key(queueName, "jobs"), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, job *models.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return q.rdb.HSet(ctx, key(job.QueueName, "jobs"), job.ID, raw).Err()
}
