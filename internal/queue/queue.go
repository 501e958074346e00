// Package queue provides the durable job queue for step execution.
//
// Delivery is at-least-once: a dequeued job is leased with a visibility
// timeout and must be acked or nacked; leases that expire (worker crash) are
// restored to the pending set. Handlers must therefore be idempotent on the
// task identifier.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/config"
	"github.com/aosanya/FlowCortex/internal/store"
)

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")
	// ErrJobNotFound is returned when a job payload is missing
	ErrJobNotFound = errors.New("job not found")
)

// Job is one step-execution delivery.
type Job struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	TaskID       string         `json:"task_id"`
	AgentID      string         `json:"agent_id"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     store.Priority `json:"priority"`
	AttemptCount int            `json:"attempt_count"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	AvailableAt  time.Time      `json:"available_at"`
	LastError    string         `json:"last_error,omitempty"`
}

// Options configures delivery behavior.
type Options struct {
	// MaxAttempts bounds deliveries before a job is dead-lettered.
	MaxAttempts int

	// BackoffType selects the retry delay curve.
	BackoffType string

	// BackoffDelay is the base retry delay.
	BackoffDelay time.Duration

	// LeaseTimeout is the visibility timeout of a dequeued job.
	LeaseTimeout time.Duration

	// PollTimeout bounds how long Dequeue blocks waiting for work.
	PollTimeout time.Duration

	// KeyPrefix namespaces the queue's Redis keys.
	KeyPrefix string

	// CompletedRetention and FailedRetention bound the inspection lists.
	CompletedRetention int
	FailedRetention    int
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Pending    int64 `json:"pending"`
	Leased     int64 `json:"leased"`
	DeadLetter int64 `json:"dead_letter"`
	Completed  int64 `json:"completed"`
}

// RedisQueue implements the durable queue on Redis sorted sets: one pending
// set per priority (score = availability time), one lease set (score = lease
// expiry), and capped lists for completed and dead-lettered jobs.
type RedisQueue struct {
	client *redis.Client
	opts   Options
}

const dequeueScanBatch = 16

// NewRedisQueue connects to the queue backend named by QUEUE_URL.
func NewRedisQueue(queueURL string, opts Options) (*RedisQueue, error) {
	redisOpts, err := redis.ParseURL(queueURL)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_URL: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach queue backend: %w", err)
	}

	q := NewRedisQueueWithClient(client, opts)
	log.WithField("addr", redisOpts.Addr).Info("Connected to queue backend")
	return q, nil
}

// NewRedisQueueWithClient wraps an existing client; tests use this with
// miniredis.
func NewRedisQueueWithClient(client *redis.Client, opts Options) *RedisQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffType == "" {
		opts.BackoffType = config.BackoffTypeExponential
	}
	if opts.BackoffDelay <= 0 {
		opts.BackoffDelay = 2 * time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 30 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "flowcortex:queue"
	}
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = 100
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = 100
	}
	return &RedisQueue{client: client, opts: opts}
}

func (q *RedisQueue) pendingKey(weight int) string {
	return fmt.Sprintf("%s:pending:%d", q.opts.KeyPrefix, weight)
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.opts.KeyPrefix + ":job:" + jobID
}

func (q *RedisQueue) leasesKey() string    { return q.opts.KeyPrefix + ":leases" }
func (q *RedisQueue) deadKey() string      { return q.opts.KeyPrefix + ":dead" }
func (q *RedisQueue) completedKey() string { return q.opts.KeyPrefix + ":completed" }

// Enqueue persists a job and makes it available after the given delay.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if !job.Priority.Valid() {
		job.Priority = store.PriorityNormal
	}
	job.AvailableAt = now.Add(delay)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, q.pendingKey(job.Priority.Weight()), redis.Z{
		Score:  float64(job.AvailableAt.UnixMicro()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.WithFields(log.Fields{
		"job_id":   job.ID,
		"task_id":  job.TaskID,
		"priority": job.Priority,
		"delay":    delay,
	}).Debug("Enqueued job")

	return nil
}

// Dequeue leases the next available job, preferring higher priorities and
// earlier availability. It blocks up to the poll timeout and returns
// (nil, nil) when no job became available.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	deadline := time.Now().Add(q.opts.PollTimeout)

	for {
		job, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			log.WithFields(log.Fields{
				"job_id":    job.ID,
				"worker_id": workerID,
				"attempt":   job.AttemptCount,
			}).Debug("Leased job")
			return job, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// tryClaim attempts to atomically move one available job into the lease set.
// ZRem is the claim: only one caller removes a given member.
func (q *RedisQueue) tryClaim(ctx context.Context) (*Job, error) {
	now := time.Now().UTC()
	max := strconv.FormatInt(now.UnixMicro(), 10)

	for weight := store.PriorityUrgent.Weight(); weight >= store.PriorityLow.Weight(); weight-- {
		ids, err := q.client.ZRangeByScore(ctx, q.pendingKey(weight), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   max,
			Count: dequeueScanBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending jobs: %w", err)
		}

		for _, id := range ids {
			removed, err := q.client.ZRem(ctx, q.pendingKey(weight), id).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to claim job: %w", err)
			}
			if removed == 0 {
				// Another worker claimed it first.
				continue
			}

			job, err := q.readJob(ctx, id)
			if err != nil {
				if errors.Is(err, ErrJobNotFound) {
					log.WithField("job_id", id).Warn("Pending entry without job payload, dropping")
					continue
				}
				return nil, err
			}

			expiry := now.Add(q.opts.LeaseTimeout)
			if err := q.client.ZAdd(ctx, q.leasesKey(), redis.Z{
				Score:  float64(expiry.UnixMicro()),
				Member: id,
			}).Err(); err != nil {
				return nil, fmt.Errorf("failed to record lease: %w", err)
			}

			return job, nil
		}
	}

	return nil, nil
}

// readJob loads and unmarshals a job payload.
func (q *RedisQueue) readJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Ack removes a successfully handled job and retains it in the completed
// list for inspection.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasesKey(), jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	if job != nil {
		data, merr := json.Marshal(job)
		if merr == nil {
			pipe.LPush(ctx, q.completedKey(), data)
			pipe.LTrim(ctx, q.completedKey(), 0, int64(q.opts.CompletedRetention-1))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Nack records a failed delivery. While attempts remain, the job is
// re-enqueued with backoff; otherwise it moves to dead-letter retention.
func (q *RedisQueue) Nack(ctx context.Context, jobID, reason string) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.AttemptCount++
	job.LastError = reason

	if job.AttemptCount >= q.opts.MaxAttempts {
		data, merr := json.Marshal(job)
		if merr != nil {
			return fmt.Errorf("failed to marshal dead-letter job: %w", merr)
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.leasesKey(), jobID)
		pipe.Del(ctx, q.jobKey(jobID))
		pipe.LPush(ctx, q.deadKey(), data)
		pipe.LTrim(ctx, q.deadKey(), 0, int64(q.opts.FailedRetention-1))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to dead-letter job: %w", err)
		}

		log.WithFields(log.Fields{
			"job_id":   jobID,
			"attempts": job.AttemptCount,
			"reason":   reason,
		}).Warn("Job moved to dead-letter retention")
		return nil
	}

	delay := q.backoffDelay(job.AttemptCount)
	job.AvailableAt = time.Now().UTC().Add(delay)

	data, merr := json.Marshal(job)
	if merr != nil {
		return fmt.Errorf("failed to marshal job: %w", merr)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasesKey(), jobID)
	pipe.Set(ctx, q.jobKey(jobID), data, 0)
	pipe.ZAdd(ctx, q.pendingKey(job.Priority.Weight()), redis.Z{
		Score:  float64(job.AvailableAt.UnixMicro()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	log.WithFields(log.Fields{
		"job_id":  jobID,
		"attempt": job.AttemptCount,
		"delay":   delay,
		"reason":  reason,
	}).Debug("Requeued job with backoff")

	return nil
}

// Requeue releases a leased job back to the pending set after a delay
// without consuming an attempt. Used for resource denials, which are
// transient and not a delivery failure.
func (q *RedisQueue) Requeue(ctx context.Context, jobID string, delay time.Duration) error {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.AvailableAt = time.Now().UTC().Add(delay)
	data, merr := json.Marshal(job)
	if merr != nil {
		return fmt.Errorf("failed to marshal job: %w", merr)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasesKey(), jobID)
	pipe.Set(ctx, q.jobKey(jobID), data, 0)
	pipe.ZAdd(ctx, q.pendingKey(job.Priority.Weight()), redis.Z{
		Score:  float64(job.AvailableAt.UnixMicro()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// RenewLease extends the visibility timeout of a leased job.
func (q *RedisQueue) RenewLease(ctx context.Context, jobID string) error {
	expiry := time.Now().UTC().Add(q.opts.LeaseTimeout)
	return q.client.ZAddXX(ctx, q.leasesKey(), redis.Z{
		Score:  float64(expiry.UnixMicro()),
		Member: jobID,
	}).Err()
}

// PurgeExpiredLeases restores leased-but-unacked jobs whose lease expired,
// returning the number restored. This is the crash-recovery path for
// workers that died mid-job.
func (q *RedisQueue) PurgeExpiredLeases(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UTC().UnixMicro(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.leasesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan leases: %w", err)
	}

	restored := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.leasesKey(), id).Result()
		if err != nil {
			return restored, fmt.Errorf("failed to release lease: %w", err)
		}
		if removed == 0 {
			continue
		}

		job, err := q.readJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return restored, err
		}

		if err := q.client.ZAdd(ctx, q.pendingKey(job.Priority.Weight()), redis.Z{
			Score:  float64(time.Now().UTC().UnixMicro()),
			Member: id,
		}).Err(); err != nil {
			return restored, fmt.Errorf("failed to restore job: %w", err)
		}
		restored++

		log.WithField("job_id", id).Warn("Restored job with expired lease")
	}

	return restored, nil
}

// Stats returns current queue depths.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	for weight := store.PriorityLow.Weight(); weight <= store.PriorityUrgent.Weight(); weight++ {
		n, err := q.client.ZCard(ctx, q.pendingKey(weight)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count pending jobs: %w", err)
		}
		stats.Pending += n
	}

	leased, err := q.client.ZCard(ctx, q.leasesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count leases: %w", err)
	}
	stats.Leased = leased

	dead, err := q.client.LLen(ctx, q.deadKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	stats.DeadLetter = dead

	completed, err := q.client.LLen(ctx, q.completedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	stats.Completed = completed

	return stats, nil
}

// DeadLetters returns up to n dead-lettered jobs, most recent first.
func (q *RedisQueue) DeadLetters(ctx context.Context, n int64) ([]*Job, error) {
	entries, err := q.client.LRange(ctx, q.deadKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		var job Job
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// backoffDelay computes the retry delay for the given attempt count.
func (q *RedisQueue) backoffDelay(attempt int) time.Duration {
	if q.opts.BackoffType == config.BackoffTypeFixed {
		return q.opts.BackoffDelay
	}
	// Exponential: base * 2^attempt, capped at one minute over base to keep
	// redelivery latency bounded.
	delay := q.opts.BackoffDelay << uint(attempt)
	if max := q.opts.BackoffDelay + time.Minute; delay > max {
		delay = max
	}
	return delay
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
