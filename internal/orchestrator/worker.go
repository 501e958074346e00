package orchestrator

import (
	"context"
	"errors"
	"fmt"
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

// worker consumes the durable queue until shutdown. Workers are the unit of
// concurrency: an agent invocation blocks its worker for the call's
// duration.
func (o *Orchestrator) worker(id int) {
	defer o.workerWg.Done()

	workerID := fmt.Sprintf("worker-%d", id)
	logger := log.WithField("worker_id", workerID)
	logger.Debug("Worker started")

	for {
		select {
		case <-o.rootCtx.Done():
			return
		default:
		}

		job, err := o.q.Dequeue(o.rootCtx, workerID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Infrastructure error: back off and let the queue redeliver.
			logger.WithError(err).Warn("Dequeue failed")
			select {
			case <-o.rootCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		o.processJob(workerID, job)
	}
}

// processJob drives one job through admission, invocation and completion.
// Completion is idempotent on the task: every durable transition is CAS
// guarded, so a duplicate delivery that finds the task already moved is
// dropped without side effects.
func (o *Orchestrator) processJob(workerID string, job *queue.Job) {
	// Store writes must land even when shutdown races the job.
	ctx := context.WithoutCancel(o.rootCtx)
	logger := log.WithFields(log.Fields{
		"worker_id": workerID,
		"job_id":    job.ID,
		"task_id":   job.TaskID,
	})

	task, err := o.st.GetTask(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = o.q.Ack(ctx, job.ID)
			return
		}
		// Store unreachable: abort the job, the queue redelivers it.
		logger.WithError(err).Warn("Failed to load task, leaving job leased")
		return
	}

	if task.Status != store.TaskStatusPending {
		// Already running elsewhere or terminal (skip, cancel, duplicate
		// delivery); drop the job.
		_ = o.q.Ack(ctx, job.ID)
		return
	}

	handle := o.handleFor(job.RunID)
	if handle == nil {
		// Run is no longer active (recovered or finalized); drop.
		_ = o.q.Ack(ctx, job.ID)
		return
	}

	agent, err := o.reg.Get(job.AgentID)
	if err != nil {
		// Unknown agent is a configuration error, not retryable.
		o.failTaskTerminally(ctx, handle, task, err.Error())
		_ = o.q.Ack(ctx, job.ID)
		return
	}

	// Admission control. A denial is transient: release the job back to the
	// queue with a small delay; it does not consume a delivery attempt.
	hint := o.reg.ResourceHint(agent)
	if ok, reason := o.res.Allocate(task.ID, agent.ID, resources.Hint{
		MemoryBytes: hint.MemoryBytes,
		CPUPercent:  hint.CPUPercent,
		DiskBytes:   hint.DiskBytes,
	}); !ok {
		logger.WithField("reason", reason).Debug("Allocation denied, delaying job")
		if err := o.q.Requeue(ctx, job.ID, allocationRetryDelay); err != nil {
			logger.WithError(err).Warn("Failed to release denied job")
		}
		return
	}
	defer o.res.Release(task.ID)

	startedAt := time.Now().UTC()
	err = o.trk.UpdateStatus(ctx, task.ID, store.TaskStatusRunning, tracker.UpdateFields{
		Input:     job.Payload,
		StartedAt: &startedAt,
	})
	if err != nil {
		// Lost the CAS race (cancelled or skipped meanwhile); drop.
		_ = o.q.Ack(ctx, job.ID)
		return
	}

	o.publishTask(handle, bus.EventTaskStatus, task, store.TaskStatusRunning, "")

	result, invokeErr := o.reg.Invoke(handle.ctx, agent, registry.Invocation{
		TaskID: task.ID,
		RunID:  job.RunID,
		Input:  job.Payload,
		Config: task.Step.Config,
	}, o.taskTimeout(task))

	completedAt := time.Now().UTC()

	// Cancellation through the run context takes precedence over any other
	// outcome.
	if invokeErr != nil && errors.Is(invokeErr, context.Canceled) {
		o.finishTask(ctx, handle, task, store.TaskStatusCancelled, nil, "", completedAt)
		_ = o.q.Ack(ctx, job.ID)
		return
	}

	errorText := ""
	switch {
	case invokeErr != nil:
		errorText = invokeErr.Error()
	case !result.Success:
		errorText = result.Error
		if errorText == "" {
			errorText = "agent reported failure"
		}
	}

	if errorText == "" {
		o.finishTask(ctx, handle, task, store.TaskStatusCompleted, result.Output, "", completedAt)
		_ = o.q.Ack(ctx, job.ID)
		return
	}

	o.handleTaskFailure(ctx, handle, task, job, errorText, completedAt)
}

// handleTaskFailure applies the retry policy: while budget remains the task
// returns to pending and the job is nacked for backoff redelivery;
// otherwise the failure is terminal.
func (o *Orchestrator) handleTaskFailure(ctx context.Context, handle *runHandle, task *store.TaskExecution, job *queue.Job, errorText string, completedAt time.Time) {
	logger := log.WithFields(log.Fields{
		"task_id": task.ID,
		"retry":   task.RetryCount,
		"error":   errorText,
	})

	if task.RetryCount < o.cfg.DefaultMaxRetries {
		// Record the failed attempt, then rearm the same row for retry.
		err := o.trk.UpdateStatus(ctx, task.ID, store.TaskStatusFailed, tracker.UpdateFields{
			Error:       errorText,
			CompletedAt: &completedAt,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to record task failure")
			_ = o.q.Ack(ctx, job.ID)
			return
		}
		o.publishTask(handle, bus.EventTaskStatus, task, store.TaskStatusFailed, errorText)

		err = o.st.UpdateTaskStatus(ctx, task.ID, store.TaskStatusFailed, store.TaskStatusPending, store.TaskUpdate{
			IncrementRetry: true,
			AppendLog:      fmt.Sprintf("attempt %d failed: %s\n", task.RetryCount+1, errorText),
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to rearm task for retry")
			_ = o.q.Ack(ctx, job.ID)
			return
		}
		o.resyncTracker(task.ID)

		if err := o.q.Nack(ctx, job.ID, errorText); err != nil {
			logger.WithError(err).Warn("Failed to nack job")
		}
		logger.Debug("Task rearmed for retry")
		return
	}

	o.finishTask(ctx, handle, task, store.TaskStatusFailed, nil, errorText, completedAt)
	_ = o.q.Ack(ctx, job.ID)
}

// finishTask records a terminal outcome, publishes the terminal event, and
// notifies the owning executor.
func (o *Orchestrator) finishTask(ctx context.Context, handle *runHandle, task *store.TaskExecution, status store.TaskStatus, output map[string]any, errorText string, completedAt time.Time) {
	err := o.trk.UpdateStatus(ctx, task.ID, status, tracker.UpdateFields{
		Output:      output,
		Error:       errorText,
		CompletedAt: &completedAt,
	})
	if err != nil {
		log.WithError(err).WithField("task_id", task.ID).Warn("Terminal task transition did not apply")
		return
	}

	event := bus.EventTaskStatus
	switch status {
	case store.TaskStatusCompleted:
		event = bus.EventTaskCompleted
	case store.TaskStatusFailed:
		event = bus.EventTaskFailed
	}
	o.publishTask(handle, event, task, status, errorText)

	details := map[string]any{"run_id": handle.runID, "status": status}
	if errorText != "" {
		details["error"] = errorText
	}
	o.aud.System(ctx, audit.ActionTaskTransition, "task_execution", task.ID, details)

	o.notifyExecutor(handle, executor.Completion{
		TaskID: task.ID,
		StepID: task.Step.StepID,
		Status: status,
		Output: output,
		Error:  errorText,
	})
}

// failTaskTerminally fails a pending task without invocation (unknown
// agent).
func (o *Orchestrator) failTaskTerminally(ctx context.Context, handle *runHandle, task *store.TaskExecution, errorText string) {
	now := time.Now().UTC()
	err := o.trk.UpdateStatus(ctx, task.ID, store.TaskStatusFailed, tracker.UpdateFields{
		Error:       errorText,
		CompletedAt: &now,
	})
	if err != nil {
		return
	}
	o.publishTask(handle, bus.EventTaskFailed, task, store.TaskStatusFailed, errorText)
	o.notifyExecutor(handle, executor.Completion{
		TaskID: task.ID,
		StepID: task.Step.StepID,
		Status: store.TaskStatusFailed,
		Error:  errorText,
	})
}

// notifyExecutor delivers a completion without blocking; the channel is
// sized for every step of the run.
func (o *Orchestrator) notifyExecutor(handle *runHandle, completion executor.Completion) {
	select {
	case handle.exec.CompletionChannel() <- completion:
	default:
		log.WithFields(log.Fields{
			"run_id":  handle.runID,
			"task_id": completion.TaskID,
		}).Warn("Completion channel full, dropping notification")
	}
}

// publishTask emits a task event scoped to the run's tenant.
func (o *Orchestrator) publishTask(handle *runHandle, event string, task *store.TaskExecution, status store.TaskStatus, errorText string) {
	data := map[string]any{
		"runId":  handle.runID,
		"taskId": task.ID,
		"step":   task.Step.Name,
		"status": status,
	}
	if errorText != "" {
		data["error"] = errorText
	}
	o.pub.Publish(event, data, bus.Filter{OrganizationID: handle.orgID})
}

// resyncTracker refreshes a task's live view after a direct store update.
func (o *Orchestrator) resyncTracker(taskID string) {
	task, err := o.st.GetTask(context.Background(), taskID)
	if err != nil {
		return
	}
	// Re-track so the pending heap and retry count reflect the store.
	priority := store.PriorityNormal
	if existing, err := o.trk.Get(taskID); err == nil {
		priority = existing.Priority
	}
	o.trk.Track(task, priority, o.cfg.DefaultMaxRetries, o.taskTimeout(task))
}
