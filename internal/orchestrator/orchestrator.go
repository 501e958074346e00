// Package orchestrator is the top-level coordinator: it accepts run
// requests, instantiates executors, runs the worker pool that consumes the
// durable queue, and owns the crash-recovery sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/audit"
	"github.com/aosanya/FlowCortex/internal/bus"
	"github.com/aosanya/FlowCortex/internal/executor"
	"github.com/aosanya/FlowCortex/internal/queue"
	"github.com/aosanya/FlowCortex/internal/registry"
	"github.com/aosanya/FlowCortex/internal/resources"
	"github.com/aosanya/FlowCortex/internal/store"
	"github.com/aosanya/FlowCortex/internal/tracker"
)

var (
	// ErrNotRunning is returned when the orchestrator is stopped
	ErrNotRunning = errors.New("orchestrator is not running")
	// ErrInvalidPriority is returned for an unrecognized run priority
	ErrInvalidPriority = errors.New("invalid priority")
)

// recoveryReason marks runs failed by the startup sweep.
const recoveryReason = "orchestrator_restart"

// allocationRetryDelay is how long a job waits before redelivery after a
// resource denial.
const allocationRetryDelay = 500 * time.Millisecond

// Queue is the orchestrator's view of the durable queue.
type Queue interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error
	Dequeue(ctx context.Context, workerID string) (*queue.Job, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID, reason string) error
	Requeue(ctx context.Context, jobID string, delay time.Duration) error
	PurgeExpiredLeases(ctx context.Context) (int, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Workers is the worker pool size (max concurrent tasks).
	Workers int

	// DefaultTaskTimeout bounds each agent invocation.
	DefaultTaskTimeout time.Duration

	// DefaultMaxRetries is the per-task retry budget.
	DefaultMaxRetries int

	// ShutdownGrace bounds how long Stop waits for runs to wind down.
	ShutdownGrace time.Duration

	// LeasePurgeInterval is how often expired queue leases are restored.
	LeasePurgeInterval time.Duration
}

// runHandle tracks one active run.
type runHandle struct {
	runID  string
	orgID  string
	ctx    context.Context
	cancel context.CancelFunc
	exec   *executor.Executor
	done   chan struct{}
}

// Orchestrator wires the engine together.
type Orchestrator struct {
	cfg Config
	st  store.StateStore
	q   Queue
	reg *registry.Registry
	res *resources.Manager
	trk *tracker.Tracker
	pub bus.Publisher
	aud *audit.Logger

	mu          sync.Mutex
	runningRuns map[string]*runHandle
	started     bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	workerWg   sync.WaitGroup
	runWg      sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, st store.StateStore, q Queue, reg *registry.Registry, res *resources.Manager, trk *tracker.Tracker, pub bus.Publisher, aud *audit.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = 300 * time.Second
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.LeasePurgeInterval <= 0 {
		cfg.LeasePurgeInterval = 15 * time.Second
	}

	return &Orchestrator{
		cfg:         cfg,
		st:          st,
		q:           q,
		reg:         reg,
		res:         res,
		trk:         trk,
		pub:         pub,
		aud:         aud,
		runningRuns: make(map[string]*runHandle),
	}
}

// Start runs the recovery sweep and brings up the worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.rootCtx, o.rootCancel = context.WithCancel(context.Background())
	o.started = true
	o.mu.Unlock()

	if err := o.recoverySweep(ctx); err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}

	for i := 0; i < o.cfg.Workers; i++ {
		o.workerWg.Add(1)
		go o.worker(i)
	}

	o.workerWg.Add(1)
	go o.leasePurgeLoop()

	log.WithField("workers", o.cfg.Workers).Info("Orchestrator started")
	return nil
}

// recoverySweep fails every run found running at startup. Stateful
// resumption of mid-flight runs is explicitly not attempted.
func (o *Orchestrator) recoverySweep(ctx context.Context) error {
	runs, err := o.st.LoadRunnable(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		withTasks, err := o.st.GetRunWithTasks(ctx, run.ID)
		if err != nil {
			log.WithError(err).WithField("run_id", run.ID).Warn("Recovery: failed to load run tasks")
			continue
		}

		now := time.Now().UTC()
		for _, task := range withTasks.Tasks {
			if task.Status.IsTerminal() {
				continue
			}
			err := o.st.UpdateTaskStatus(ctx, task.ID, task.Status, store.TaskStatusFailed, store.TaskUpdate{
				Error:       recoveryReason,
				CompletedAt: &now,
			})
			if err != nil {
				log.WithError(err).WithField("task_id", task.ID).Warn("Recovery: failed to fail task")
			}
		}

		err = o.st.UpdateRunStatus(ctx, run.ID, store.RunStatusRunning, store.RunStatusFailed, store.RunUpdate{
			Error:       recoveryReason,
			CompletedAt: &now,
		})
		if err != nil {
			log.WithError(err).WithField("run_id", run.ID).Warn("Recovery: failed to fail run")
			continue
		}

		o.aud.System(ctx, audit.ActionRunRecovered, "workflow_run", run.ID, map[string]any{
			"reason": recoveryReason,
		})
		log.WithField("run_id", run.ID).Warn("Recovered stale run as failed")
	}

	return nil
}

// SubmitRun validates tenancy, creates the run, and hands it to a new
// executor.
func (o *Orchestrator) SubmitRun(ctx context.Context, actor store.Actor, workflowID string, input map[string]any, priority store.Priority, sourceAddr string) (*store.WorkflowRun, error) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil, ErrNotRunning
	}
	o.mu.Unlock()

	if priority == "" {
		priority = store.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriority, priority)
	}
	if input == nil {
		input = map[string]any{}
	}

	run, tasks, err := o.st.CreateRun(ctx, workflowID, actor, input, priority)
	if err != nil {
		return nil, err
	}

	for _, task := range tasks {
		o.trk.Track(task, priority, o.cfg.DefaultMaxRetries, o.taskTimeout(task))
	}

	runCtx, cancel := context.WithCancel(o.rootCtx)
	plan := executor.BuildPlan(run, tasks)
	exec := executor.New(plan, o.st, o.q, o.pub, cancel)

	handle := &runHandle{
		runID:  run.ID,
		orgID:  run.OrgID,
		ctx:    runCtx,
		cancel: cancel,
		exec:   exec,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	o.runningRuns[run.ID] = handle
	o.mu.Unlock()

	// workflow_started strictly precedes any task event for the run.
	o.pub.Publish(bus.EventWorkflowStarted, map[string]any{
		"runId":      run.ID,
		"workflowId": run.WorkflowID,
		"priority":   run.Priority,
	}, bus.Filter{OrganizationID: run.OrgID})

	o.aud.Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionRunSubmitted,
		Resource:   "workflow_run",
		ResourceID: run.ID,
		SourceAddr: sourceAddr,
		Details:    map[string]any{"workflow_id": workflowID, "priority": priority},
	})

	o.runWg.Add(1)
	go func() {
		defer o.runWg.Done()
		defer close(handle.done)
		defer cancel()

		status, err := exec.Run(runCtx)
		if err != nil {
			log.WithError(err).WithField("run_id", run.ID).Error("Executor aborted")
		}

		o.mu.Lock()
		delete(o.runningRuns, run.ID)
		o.mu.Unlock()

		action := audit.ActionRunCompleted
		switch status {
		case store.RunStatusFailed:
			action = audit.ActionRunFailed
		case store.RunStatusCancelled:
			action = audit.ActionRunCancelled
		}
		o.aud.System(context.WithoutCancel(runCtx), action, "workflow_run", run.ID, nil)
	}()

	log.WithFields(log.Fields{
		"run_id":      run.ID,
		"workflow_id": workflowID,
		"priority":    priority,
	}).Info("Run submitted")

	return run, nil
}

// CancelRun cancels an active run, or CASes a pending run directly to
// cancelled. Cancelling a terminal run is a conflict.
func (o *Orchestrator) CancelRun(ctx context.Context, actor store.Actor, runID string) error {
	run, err := o.st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.OrgID != actor.OrganizationID {
		return store.ErrOrganizationMismatch
	}

	o.mu.Lock()
	handle, active := o.runningRuns[runID]
	o.mu.Unlock()

	if active {
		handle.cancel()
		o.aud.Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionRunCancelled,
			Resource:   "workflow_run",
			ResourceID: runID,
		})
		return nil
	}

	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", store.ErrConflict, runID, run.Status)
	}

	// Not yet handed to an executor: cancel directly.
	now := time.Now().UTC()
	err = o.st.UpdateRunStatus(ctx, runID, run.Status, store.RunStatusCancelled, store.RunUpdate{
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}

	withTasks, err := o.st.GetRunWithTasks(ctx, runID)
	if err == nil {
		for _, task := range withTasks.Tasks {
			if task.Status.IsTerminal() {
				continue
			}
			_ = o.st.UpdateTaskStatus(ctx, task.ID, task.Status, store.TaskStatusCancelled, store.TaskUpdate{
				CompletedAt: &now,
			})
		}
	}

	o.pub.Publish(bus.EventWorkflowCancelled, map[string]any{
		"runId":  runID,
		"status": store.RunStatusCancelled,
	}, bus.Filter{OrganizationID: run.OrgID})

	o.aud.Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     audit.ActionRunCancelled,
		Resource:   "workflow_run",
		ResourceID: runID,
	})

	return nil
}

// RunStatus returns a run with its task list, enforcing tenancy.
func (o *Orchestrator) RunStatus(ctx context.Context, actor store.Actor, runID string) (*store.RunWithTasks, error) {
	withTasks, err := o.st.GetRunWithTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	if withTasks.Run.OrgID != actor.OrganizationID {
		return nil, store.ErrOrganizationMismatch
	}
	return withTasks, nil
}

// ActiveRuns returns the identifiers of runs currently executing.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.runningRuns))
	for id := range o.runningRuns {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels all runs, waits up to the grace period, and drains the
// worker pool.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	handles := make([]*runHandle, 0, len(o.runningRuns))
	for _, handle := range o.runningRuns {
		handles = append(handles, handle)
	}
	o.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.runWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		log.Warn("Shutdown grace period elapsed with runs still winding down")
	}

	o.rootCancel()
	o.workerWg.Wait()

	log.Info("Orchestrator stopped")
}

// leasePurgeLoop restores expired queue leases.
func (o *Orchestrator) leasePurgeLoop() {
	defer o.workerWg.Done()

	ticker := time.NewTicker(o.cfg.LeasePurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.rootCtx.Done():
			return
		case <-ticker.C:
			restored, err := o.q.PurgeExpiredLeases(o.rootCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("Lease purge failed")
			}
			if restored > 0 {
				log.WithField("restored", restored).Info("Restored expired job leases")
			}
		}
	}
}

// handleFor returns the active handle for a run, if any.
func (o *Orchestrator) handleFor(runID string) *runHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runningRuns[runID]
}

// taskTimeout resolves a task's timeout: step config override, else default.
func (o *Orchestrator) taskTimeout(task *store.TaskExecution) time.Duration {
	if task.Step.Config != nil {
		if ms, ok := task.Step.Config["timeout_ms"].(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return o.cfg.DefaultTaskTimeout
}
