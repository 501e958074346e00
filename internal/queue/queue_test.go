package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/FlowCortex/internal/config"
	"github.com/aosanya/FlowCortex/internal/store"
)

func testQueue(t *testing.T, opts Options) *RedisQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if opts.PollTimeout == 0 {
		opts.PollTimeout = 500 * time.Millisecond
	}
	return NewRedisQueueWithClient(client, opts)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{})

	job := &Job{RunID: "run-1", TaskID: "task-1", AgentID: "agent-1", Priority: store.PriorityNormal}
	require.NoError(t, q.Enqueue(ctx, job, 0))

	got, err := q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, 0, got.AttemptCount)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 1, stats.Leased)

	require.NoError(t, q.Ack(ctx, got.ID))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Leased)
	assert.EqualValues(t, 1, stats.Completed)
}

func TestDequeuePriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{})

	// Enqueued simultaneously with mixed priorities.
	for _, p := range []store.Priority{store.PriorityLow, store.PriorityUrgent, store.PriorityNormal, store.PriorityHigh} {
		require.NoError(t, q.Enqueue(ctx, &Job{TaskID: string(p), Priority: p}, 0))
	}

	var order []string
	for i := 0; i < 4; i++ {
		job, err := q.Dequeue(ctx, "worker-0")
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.TaskID)
		require.NoError(t, q.Ack(ctx, job.ID))
	}

	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, order)
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{})

	require.NoError(t, q.Enqueue(ctx, &Job{TaskID: "first", Priority: store.PriorityNormal}, 0))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &Job{TaskID: "second", Priority: store.PriorityNormal}, 0))

	job, err := q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, "first", job.TaskID)
}

func TestDequeueRespectsDelay(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{PollTimeout: 50 * time.Millisecond})

	require.NoError(t, q.Enqueue(ctx, &Job{TaskID: "delayed"}, 200*time.Millisecond))

	// Not yet available.
	job, err := q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	assert.Nil(t, job)

	time.Sleep(250 * time.Millisecond)

	job, err = q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "delayed", job.TaskID)
}

func TestNackRetriesWithBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{
		MaxAttempts:  2,
		BackoffType:  config.BackoffTypeFixed,
		BackoffDelay: 10 * time.Millisecond,
		PollTimeout:  500 * time.Millisecond,
	})

	require.NoError(t, q.Enqueue(ctx, &Job{TaskID: "flaky"}, 0))

	job, err := q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, job)

	// First failure: attempt 1 of 2, requeued with backoff.
	require.NoError(t, q.Nack(ctx, job.ID, "boom"))

	time.Sleep(30 * time.Millisecond)
	job, err = q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, "boom", job.LastError)

	// Second failure exhausts the budget: dead-letter retention.
	require.NoError(t, q.Nack(ctx, job.ID, "boom again"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 0, stats.Leased)
	assert.EqualValues(t, 1, stats.DeadLetter)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "flaky", dead[0].TaskID)
	assert.Equal(t, "boom again", dead[0].LastError)
}

func TestRequeueDoesNotConsumeAttempt(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{MaxAttempts: 1, PollTimeout: 500 * time.Millisecond})

	require.NoError(t, q.Enqueue(ctx, &Job{TaskID: "denied"}, 0))

	job, err := q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, job)

	// A resource denial releases the job without burning the only attempt.
	require.NoError(t, q.Requeue(ctx, job.ID, 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)
	job, err = q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 0, job.AttemptCount)
}

func TestPurgeExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{LeaseTimeout: 20 * time.Millisecond, PollTimeout: 500 * time.Millisecond})

	require.NoError(t, q.Enqueue(ctx, &Job{TaskID: "crashy"}, 0))

	job, err := q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, job)

	// Worker crashed: the lease expires and the job returns to pending.
	time.Sleep(40 * time.Millisecond)
	restored, err := q.PurgeExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	again, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "crashy", again.TaskID)
}

func TestRenewLeaseKeepsJobInvisible(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{LeaseTimeout: 30 * time.Millisecond, PollTimeout: 50 * time.Millisecond})

	require.NoError(t, q.Enqueue(ctx, &Job{TaskID: "slow"}, 0))

	job, err := q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	require.NotNil(t, job)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.RenewLease(ctx, job.ID))
	time.Sleep(20 * time.Millisecond)

	// Original lease would have expired; the renewal kept it.
	restored, err := q.PurgeExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
}

func TestExponentialBackoff(t *testing.T) {
	q := testQueue(t, Options{
		BackoffType:  config.BackoffTypeExponential,
		BackoffDelay: 100 * time.Millisecond,
	})

	assert.Equal(t, 200*time.Millisecond, q.backoffDelay(1))
	assert.Equal(t, 400*time.Millisecond, q.backoffDelay(2))
	assert.Equal(t, 800*time.Millisecond, q.backoffDelay(3))

	fixed := testQueue(t, Options{
		BackoffType:  config.BackoffTypeFixed,
		BackoffDelay: 100 * time.Millisecond,
	})
	assert.Equal(t, 100*time.Millisecond, fixed.backoffDelay(1))
	assert.Equal(t, 100*time.Millisecond, fixed.backoffDelay(5))
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{PollTimeout: 50 * time.Millisecond})

	start := time.Now()
	job, err := q.Dequeue(ctx, "worker-0")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
