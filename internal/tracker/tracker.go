// Package tracker maintains the authoritative in-memory view of live tasks.
// The state store stays the ground truth: every status change writes through
// to it before the in-memory view moves.
package tracker

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/store"
)

var (
	// ErrTaskNotFound is returned when a task is not tracked
	ErrTaskNotFound = errors.New("task not tracked")
)

// Task is the live view of a task execution.
type Task struct {
	ID          string           `json:"id"`
	RunID       string           `json:"run_id,omitempty"`
	AgentID     string           `json:"agent_id"`
	Type        string           `json:"type"`
	Name        string           `json:"name"`
	Status      store.TaskStatus `json:"status"`
	Priority    store.Priority   `json:"priority"`
	Input       map[string]any   `json:"input,omitempty"`
	Output      map[string]any   `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	RetryCount  int              `json:"retry_count"`
	MaxRetries  int              `json:"max_retries"`
	Timeout     time.Duration    `json:"timeout"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// CreateOptions carries the optional fields of Create.
type CreateOptions struct {
	RunID      string
	Priority   store.Priority
	MaxRetries int
	Timeout    time.Duration
}

// UpdateFields carries the optional fields of UpdateStatus.
type UpdateFields struct {
	Input       map[string]any
	Output      map[string]any
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Metrics is the tracker's aggregate rollup.
type Metrics struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgExecMs   int64   `json:"avg_exec_ms"`
	SuccessRate float64 `json:"success_rate"`
}

// ChangeListener observes task status transitions.
type ChangeListener func(task *Task, previous store.TaskStatus)

// priorityQueue orders pending tasks by priority weight, ties broken FIFO by
// creation time.
type priorityQueue []*Task

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority.Weight() != pq[j].Priority.Weight() {
		return pq[i].Priority.Weight() > pq[j].Priority.Weight()
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*Task))
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*pq = old[0 : n-1]
	return task
}

// Config bounds the completed-task history.
type Config struct {
	// HistorySize caps the history ring.
	HistorySize int

	// HistoryRetention is how long a terminal task stays in the live view
	// before migrating to history.
	HistoryRetention time.Duration
}

// Tracker is the priority-ordered view of live tasks, synchronized with the
// state store.
type Tracker struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	pending priorityQueue
	history []*Task
	config  Config
	st      store.StateStore

	listeners []ChangeListener

	cancelSweep context.CancelFunc
	done        chan struct{}
}

// New creates a tracker writing through to the given store.
func New(st store.StateStore, config Config) *Tracker {
	if config.HistorySize <= 0 {
		config.HistorySize = 1000
	}
	if config.HistoryRetention <= 0 {
		config.HistoryRetention = 24 * time.Hour
	}

	t := &Tracker{
		tasks:  make(map[string]*Task),
		config: config,
		st:     st,
	}
	heap.Init(&t.pending)
	return t
}

// OnChange registers a status-change listener.
func (t *Tracker) OnChange(listener ChangeListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// Create registers a new standalone pending task and returns its identifier.
func (t *Tracker) Create(agentID, taskType string, input map[string]any, opts CreateOptions) string {
	if !opts.Priority.Valid() {
		opts.Priority = store.PriorityNormal
	}

	task := &Task{
		ID:         uuid.New().String(),
		RunID:      opts.RunID,
		AgentID:    agentID,
		Type:       taskType,
		Status:     store.TaskStatusPending,
		Priority:   opts.Priority,
		Input:      input,
		MaxRetries: opts.MaxRetries,
		Timeout:    opts.Timeout,
		CreatedAt:  time.Now().UTC(),
	}

	t.mu.Lock()
	t.tasks[task.ID] = task
	heap.Push(&t.pending, task)
	t.mu.Unlock()

	return task.ID
}

// Track mirrors a store task execution into the live view.
func (t *Tracker) Track(exec *store.TaskExecution, priority store.Priority, maxRetries int, timeout time.Duration) {
	task := &Task{
		ID:         exec.ID,
		RunID:      exec.RunID,
		AgentID:    exec.Step.AgentID,
		Name:       exec.Step.Name,
		Status:     exec.Status,
		Priority:   priority,
		Input:      exec.Input,
		RetryCount: exec.RetryCount,
		MaxRetries: maxRetries,
		Timeout:    timeout,
		CreatedAt:  exec.CreatedAt,
	}

	t.mu.Lock()
	t.tasks[task.ID] = task
	if task.Status == store.TaskStatusPending {
		heap.Push(&t.pending, task)
	}
	t.mu.Unlock()
}

// Get returns a copy of a tracked task.
func (t *Tracker) Get(taskID string) (*Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	task, ok := t.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	c := *task
	return &c, nil
}

// UpdateStatus writes the transition through to the state store, then moves
// the in-memory view and notifies listeners. The store's CAS guard makes
// duplicate updates harmless: a conflict is returned unchanged.
func (t *Tracker) UpdateStatus(ctx context.Context, taskID string, status store.TaskStatus, fields UpdateFields) error {
	t.mu.Lock()
	task, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return ErrTaskNotFound
	}
	previous := task.Status
	t.mu.Unlock()

	var durationMs int64
	if fields.StartedAt != nil && fields.CompletedAt != nil {
		durationMs = fields.CompletedAt.Sub(*fields.StartedAt).Milliseconds()
	} else if fields.CompletedAt != nil && task.StartedAt != nil {
		durationMs = fields.CompletedAt.Sub(*task.StartedAt).Milliseconds()
	}

	if t.st != nil {
		err := t.st.UpdateTaskStatus(ctx, taskID, previous, status, store.TaskUpdate{
			Input:       fields.Input,
			Output:      fields.Output,
			Error:       fields.Error,
			StartedAt:   fields.StartedAt,
			CompletedAt: fields.CompletedAt,
			DurationMs:  durationMs,
		})
		if err != nil {
			return err
		}
	}

	t.mu.Lock()
	task.Status = status
	if fields.Input != nil {
		task.Input = fields.Input
	}
	if fields.Output != nil {
		task.Output = fields.Output
	}
	if fields.Error != "" {
		task.Error = fields.Error
	}
	if fields.StartedAt != nil {
		task.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		task.CompletedAt = fields.CompletedAt
	}
	if previous == store.TaskStatusPending && status != store.TaskStatusPending {
		t.removePendingLocked(taskID)
	}
	listeners := make([]ChangeListener, len(t.listeners))
	copy(listeners, t.listeners)
	snapshot := *task
	t.mu.Unlock()

	for _, listener := range listeners {
		listener(&snapshot, previous)
	}

	return nil
}

// removePendingLocked drops a task from the pending heap.
func (t *Tracker) removePendingLocked(taskID string) {
	for i, task := range t.pending {
		if task.ID == taskID {
			heap.Remove(&t.pending, i)
			return
		}
	}
}

// PendingSorted returns the pending tasks in dispatch order: priority weight
// descending, ties FIFO by creation time.
func (t *Tracker) PendingSorted() []*Task {
	t.mu.RLock()
	clone := make(priorityQueue, len(t.pending))
	for i, task := range t.pending {
		c := *task
		clone[i] = &c
	}
	t.mu.RUnlock()

	heap.Init(&clone)
	out := make([]*Task, 0, len(clone))
	for clone.Len() > 0 {
		out = append(out, heap.Pop(&clone).(*Task))
	}
	return out
}

// Running returns the currently running tasks.
func (t *Tracker) Running() []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Task
	for _, task := range t.tasks {
		if task.Status == store.TaskStatusRunning {
			c := *task
			out = append(out, &c)
		}
	}
	return out
}

// Retry resets a failed task back to pending, permitted only while the retry
// budget lasts.
func (t *Tracker) Retry(ctx context.Context, taskID string) bool {
	t.mu.RLock()
	task, ok := t.tasks[taskID]
	if !ok || task.Status != store.TaskStatusFailed || task.RetryCount >= task.MaxRetries {
		t.mu.RUnlock()
		return false
	}
	t.mu.RUnlock()

	if t.st != nil {
		err := t.st.UpdateTaskStatus(ctx, taskID, store.TaskStatusFailed, store.TaskStatusPending, store.TaskUpdate{
			IncrementRetry: true,
		})
		if err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("Retry write-through failed")
			return false
		}
	}

	t.mu.Lock()
	task.Status = store.TaskStatusPending
	task.RetryCount++
	task.Output = nil
	task.Error = ""
	task.StartedAt = nil
	task.CompletedAt = nil
	heap.Push(&t.pending, task)
	t.mu.Unlock()

	return true
}

// Cancel transitions a non-terminal task to cancelled.
func (t *Tracker) Cancel(ctx context.Context, taskID string) bool {
	t.mu.RLock()
	task, ok := t.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		t.mu.RUnlock()
		return false
	}
	t.mu.RUnlock()

	now := time.Now().UTC()
	if err := t.UpdateStatus(ctx, taskID, store.TaskStatusCancelled, UpdateFields{CompletedAt: &now}); err != nil {
		log.WithError(err).WithField("task_id", taskID).Warn("Cancel write-through failed")
		return false
	}
	return true
}

// Metrics computes the aggregate rollup over live tasks and history.
func (t *Tracker) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := Metrics{}
	var execTotal int64
	var execCount int64
	terminal := 0

	tally := func(task *Task) {
		metrics.Total++
		switch task.Status {
		case store.TaskStatusPending:
			metrics.Pending++
		case store.TaskStatusRunning:
			metrics.Running++
		case store.TaskStatusCompleted:
			metrics.Completed++
		case store.TaskStatusFailed:
			metrics.Failed++
		}
		if task.Status.IsTerminal() {
			terminal++
		}
		if task.StartedAt != nil && task.CompletedAt != nil {
			execTotal += task.CompletedAt.Sub(*task.StartedAt).Milliseconds()
			execCount++
		}
	}

	for _, task := range t.tasks {
		tally(task)
	}
	for _, task := range t.history {
		tally(task)
	}

	if execCount > 0 {
		metrics.AvgExecMs = execTotal / execCount
	}
	if terminal > 0 {
		metrics.SuccessRate = float64(metrics.Completed) / float64(terminal)
	}

	return metrics
}

// StartHistorySweep begins the loop that migrates aged terminal tasks into
// the bounded history ring.
func (t *Tracker) StartHistorySweep(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelSweep = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweepHistory()
			}
		}
	}()
}

// StopHistorySweep stops the migration loop.
func (t *Tracker) StopHistorySweep() {
	t.mu.Lock()
	cancel := t.cancelSweep
	done := t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// sweepHistory moves terminal tasks past the retention window into the ring.
func (t *Tracker) sweepHistory() {
	cutoff := time.Now().UTC().Add(-t.config.HistoryRetention)

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, task := range t.tasks {
		if !task.Status.IsTerminal() {
			continue
		}
		completed := task.CompletedAt
		if completed == nil || completed.After(cutoff) {
			continue
		}
		delete(t.tasks, id)
		t.history = append(t.history, task)
	}

	if overflow := len(t.history) - t.config.HistorySize; overflow > 0 {
		t.history = t.history[overflow:]
	}
}

// HistorySize returns the number of tasks in the history ring.
func (t *Tracker) HistorySize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.history)
}
