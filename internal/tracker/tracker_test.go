package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/FlowCortex/internal/store"
)

func TestPendingSortedPriorityThenFIFO(t *testing.T) {
	trk := New(nil, Config{})

	low := trk.Create("agent", "echo", nil, CreateOptions{Priority: store.PriorityLow})
	time.Sleep(time.Millisecond)
	urgent := trk.Create("agent", "echo", nil, CreateOptions{Priority: store.PriorityUrgent})
	time.Sleep(time.Millisecond)
	normal := trk.Create("agent", "echo", nil, CreateOptions{Priority: store.PriorityNormal})
	time.Sleep(time.Millisecond)
	high := trk.Create("agent", "echo", nil, CreateOptions{Priority: store.PriorityHigh})

	sorted := trk.PendingSorted()
	require.Len(t, sorted, 4)
	assert.Equal(t, urgent, sorted[0].ID)
	assert.Equal(t, high, sorted[1].ID)
	assert.Equal(t, normal, sorted[2].ID)
	assert.Equal(t, low, sorted[3].ID)
}

func TestPendingSortedFIFOTieBreak(t *testing.T) {
	trk := New(nil, Config{})

	first := trk.Create("agent", "echo", nil, CreateOptions{Priority: store.PriorityNormal})
	time.Sleep(time.Millisecond)
	second := trk.Create("agent", "echo", nil, CreateOptions{Priority: store.PriorityNormal})

	sorted := trk.PendingSorted()
	require.Len(t, sorted, 2)
	assert.Equal(t, first, sorted[0].ID)
	assert.Equal(t, second, sorted[1].ID)
}

// trackedTask wires a store-backed task into the tracker for write-through
// tests.
func trackedTask(t *testing.T, st *store.MemoryStore, trk *Tracker) *store.TaskExecution {
	t.Helper()
	ctx := context.Background()

	workflow := &store.Workflow{
		OrganizationID: "org-1",
		Name:           "wf",
		Status:         store.WorkflowStatusActive,
		Steps: []store.WorkflowStep{
			{ID: "s1", AgentID: "agent-1", Name: "Step One", Order: 1},
		},
	}
	require.NoError(t, st.CreateWorkflow(ctx, workflow))

	_, tasks, err := st.CreateRun(ctx, workflow.ID, store.Actor{UserID: "u", OrganizationID: "org-1"}, nil, store.PriorityNormal)
	require.NoError(t, err)

	trk.Track(tasks[0], store.PriorityNormal, 2, time.Minute)
	return tasks[0]
}

func TestUpdateStatusWritesThrough(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	trk := New(st, Config{})
	task := trackedTask(t, st, trk)

	var observed []store.TaskStatus
	trk.OnChange(func(task *Task, previous store.TaskStatus) {
		observed = append(observed, task.Status)
	})

	now := time.Now().UTC()
	require.NoError(t, trk.UpdateStatus(ctx, task.ID, store.TaskStatusRunning, UpdateFields{StartedAt: &now}))

	// The store moved first; the live view matches it.
	stored, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusRunning, stored.Status)

	live, err := trk.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusRunning, live.Status)
	assert.Empty(t, trk.PendingSorted())

	done := now.Add(50 * time.Millisecond)
	require.NoError(t, trk.UpdateStatus(ctx, task.ID, store.TaskStatusCompleted, UpdateFields{
		Output:      map[string]any{"ok": true},
		CompletedAt: &done,
	}))

	assert.Equal(t, []store.TaskStatus{store.TaskStatusRunning, store.TaskStatusCompleted}, observed)

	// A stale update is rejected by the store's CAS and the view stays put.
	err = trk.UpdateStatus(ctx, task.ID, store.TaskStatusFailed, UpdateFields{})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestRetryBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	trk := New(st, Config{})
	task := trackedTask(t, st, trk)

	now := time.Now().UTC()
	require.NoError(t, trk.UpdateStatus(ctx, task.ID, store.TaskStatusRunning, UpdateFields{StartedAt: &now}))
	require.NoError(t, trk.UpdateStatus(ctx, task.ID, store.TaskStatusFailed, UpdateFields{Error: "boom", CompletedAt: &now}))

	// Two retries allowed.
	assert.True(t, trk.Retry(ctx, task.ID))

	live, err := trk.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, live.Status)
	assert.Equal(t, 1, live.RetryCount)
	assert.Empty(t, live.Error)

	require.NoError(t, trk.UpdateStatus(ctx, task.ID, store.TaskStatusRunning, UpdateFields{StartedAt: &now}))
	require.NoError(t, trk.UpdateStatus(ctx, task.ID, store.TaskStatusFailed, UpdateFields{Error: "boom", CompletedAt: &now}))
	assert.True(t, trk.Retry(ctx, task.ID))

	require.NoError(t, trk.UpdateStatus(ctx, task.ID, store.TaskStatusRunning, UpdateFields{StartedAt: &now}))
	require.NoError(t, trk.UpdateStatus(ctx, task.ID, store.TaskStatusFailed, UpdateFields{Error: "boom", CompletedAt: &now}))

	// Budget exhausted.
	assert.False(t, trk.Retry(ctx, task.ID))

	// Retry of a non-failed task is refused.
	other := trk.Create("agent", "echo", nil, CreateOptions{})
	assert.False(t, trk.Retry(ctx, other))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	trk := New(st, Config{})
	task := trackedTask(t, st, trk)

	assert.True(t, trk.Cancel(ctx, task.ID))

	live, err := trk.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCancelled, live.Status)

	// Terminal tasks cannot be cancelled again.
	assert.False(t, trk.Cancel(ctx, task.ID))
}

func TestMetrics(t *testing.T) {
	trk := New(nil, Config{})
	ctx := context.Background()

	completed := trk.Create("agent", "echo", nil, CreateOptions{})
	failed := trk.Create("agent", "echo", nil, CreateOptions{})
	trk.Create("agent", "echo", nil, CreateOptions{})

	start := time.Now().UTC()
	end := start.Add(100 * time.Millisecond)
	require.NoError(t, trk.UpdateStatus(ctx, completed, store.TaskStatusRunning, UpdateFields{StartedAt: &start}))
	require.NoError(t, trk.UpdateStatus(ctx, completed, store.TaskStatusCompleted, UpdateFields{CompletedAt: &end}))
	require.NoError(t, trk.UpdateStatus(ctx, failed, store.TaskStatusRunning, UpdateFields{StartedAt: &start}))
	require.NoError(t, trk.UpdateStatus(ctx, failed, store.TaskStatusFailed, UpdateFields{Error: "boom", CompletedAt: &end}))

	metrics := trk.Metrics()
	assert.Equal(t, 3, metrics.Total)
	assert.Equal(t, 1, metrics.Pending)
	assert.Equal(t, 1, metrics.Completed)
	assert.Equal(t, 1, metrics.Failed)
	assert.EqualValues(t, 100, metrics.AvgExecMs)
	assert.InDelta(t, 0.5, metrics.SuccessRate, 0.001)
}

func TestHistoryMigration(t *testing.T) {
	trk := New(nil, Config{HistorySize: 2, HistoryRetention: time.Millisecond})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id := trk.Create("agent", "echo", nil, CreateOptions{})
		ids = append(ids, id)
		start := time.Now().UTC()
		require.NoError(t, trk.UpdateStatus(ctx, id, store.TaskStatusRunning, UpdateFields{StartedAt: &start}))
		end := start.Add(time.Millisecond)
		require.NoError(t, trk.UpdateStatus(ctx, id, store.TaskStatusCompleted, UpdateFields{CompletedAt: &end}))
	}

	time.Sleep(10 * time.Millisecond)
	trk.sweepHistory()

	// All three migrated; the ring is capped at two entries.
	assert.Equal(t, 2, trk.HistorySize())
	for _, id := range ids {
		_, err := trk.Get(id)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	}
}
