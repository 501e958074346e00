// Package executor walks a run's step DAG: it dispatches ready steps onto
// the durable queue, folds step outputs into dependent inputs, cascades
// failures, and finalizes the run.
package executor

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/bus"
	"github.com/aosanya/FlowCortex/internal/queue"
	"github.com/aosanya/FlowCortex/internal/store"
)

// JobQueue is the executor's view of the durable queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error
}

// Completion is the worker pool's notification that a task reached a
// terminal state. Only terminal states are delivered; queue-level retries
// stay invisible to the executor.
type Completion struct {
	TaskID string
	StepID string
	Status store.TaskStatus
	Output map[string]any
	Error  string
}

// Plan is the immutable capture of a workflow's steps at run creation.
// Subsequent edits to the workflow never affect an in-flight run.
type Plan struct {
	Run     *store.WorkflowRun
	Steps   []store.StepSnapshot
	TaskIDs map[string]string // step ID -> task execution ID
}

// BuildPlan materializes a run plan from the run and its task executions.
func BuildPlan(run *store.WorkflowRun, tasks []*store.TaskExecution) *Plan {
	plan := &Plan{
		Run:     run,
		Steps:   make([]store.StepSnapshot, 0, len(tasks)),
		TaskIDs: make(map[string]string, len(tasks)),
	}
	for _, task := range tasks {
		plan.Steps = append(plan.Steps, task.Step)
		plan.TaskIDs[task.Step.StepID] = task.ID
	}
	return plan
}

// hasExplicitDependencies reports whether any step declares dependsOn. When
// none does, the legacy sequential contract applies: steps run strictly in
// ascending order.
func (p *Plan) hasExplicitDependencies() bool {
	for _, step := range p.Steps {
		if len(step.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// Executor coordinates one run. It is the single logical task for its run:
// it owns the ready/running bookkeeping and suspends on the completion
// channel.
type Executor struct {
	plan *Plan
	st   store.StateStore
	jobs JobQueue
	pub  bus.Publisher

	// completionCh receives terminal task notifications from the worker pool.
	completionCh chan Completion

	// cancelRun aborts in-flight agent invocations of this run; used by the
	// fail-fast policy.
	cancelRun context.CancelFunc

	failFast bool
	logger   *log.Entry

	// scheduling state, owned by Run
	stepsByID  map[string]store.StepSnapshot
	dispatched map[string]bool
	done       map[string]map[string]any
	failed     map[string]string // step ID -> error text; "cancelled" for cancels
	skipped    map[string]bool
	firstError string
}

// New creates an executor for a run plan. cancelRun must cancel the context
// under which the run's agents are invoked.
func New(plan *Plan, st store.StateStore, jobs JobQueue, pub bus.Publisher, cancelRun context.CancelFunc) *Executor {
	stepsByID := make(map[string]store.StepSnapshot, len(plan.Steps))
	for _, step := range plan.Steps {
		stepsByID[step.StepID] = step
	}

	return &Executor{
		plan:         plan,
		st:           st,
		jobs:         jobs,
		pub:          pub,
		completionCh: make(chan Completion, len(plan.Steps)+1),
		cancelRun:    cancelRun,
		failFast:     true,
		stepsByID:    stepsByID,
		dispatched:   make(map[string]bool),
		done:         make(map[string]map[string]any),
		failed:       make(map[string]string),
		skipped:      make(map[string]bool),
		logger: log.WithFields(log.Fields{
			"run_id":      plan.Run.ID,
			"workflow_id": plan.Run.WorkflowID,
		}),
	}
}

// CompletionChannel is where the worker pool delivers terminal task states.
func (e *Executor) CompletionChannel() chan<- Completion {
	return e.completionCh
}

// buildGraph constructs the scheduling DAG. Without explicit dependencies
// the steps are chained in ascending order.
func (e *Executor) buildGraph() (*stepGraph, error) {
	graph := newStepGraph()
	for _, step := range e.plan.Steps {
		graph.addNode(step.StepID)
	}

	if e.plan.hasExplicitDependencies() {
		for _, step := range e.plan.Steps {
			for _, dep := range step.DependsOn {
				if err := graph.addEdge(dep, step.StepID); err != nil {
					return nil, fmt.Errorf("invalid dependency %s -> %s: %w", dep, step.StepID, err)
				}
			}
		}
	} else {
		// Sequential fallback: plan steps are ordered, each waits on its
		// predecessor.
		for i := 1; i < len(e.plan.Steps); i++ {
			if err := graph.addEdge(e.plan.Steps[i-1].StepID, e.plan.Steps[i].StepID); err != nil {
				return nil, err
			}
		}
	}

	if err := graph.validateAcyclic(); err != nil {
		return nil, err
	}
	return graph, nil
}

// terminal reports whether a step reached a terminal state.
func (e *Executor) terminal(stepID string) bool {
	if _, ok := e.done[stepID]; ok {
		return true
	}
	if e.failed[stepID] != "" {
		return true
	}
	return e.skipped[stepID]
}

// inFlight counts dispatched, not-yet-terminal steps.
func (e *Executor) inFlight() int {
	n := 0
	for stepID := range e.dispatched {
		if !e.terminal(stepID) {
			n++
		}
	}
	return n
}

// terminalCount counts steps in a terminal state.
func (e *Executor) terminalCount() int {
	n := 0
	for _, step := range e.plan.Steps {
		if e.terminal(step.StepID) {
			n++
		}
	}
	return n
}

// Run executes the plan to completion and returns the run's terminal status.
// ctx is the run's cancellation context: cancelling it stops dispatching,
// reaches in-flight agents, and cancels pending tasks.
func (e *Executor) Run(ctx context.Context) (store.RunStatus, error) {
	run := e.plan.Run

	startedAt := time.Now().UTC()
	err := e.st.UpdateRunStatus(ctx, run.ID, store.RunStatusPending, store.RunStatusRunning, store.RunUpdate{
		StartedAt: &startedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	e.publishRunEvent(bus.EventWorkflowRunning, map[string]any{"status": store.RunStatusRunning})

	graph, err := e.buildGraph()
	if err != nil {
		return e.finalize(startedAt, nil, err.Error(), false)
	}

	externalCancel := false
	failing := false
	ctxDone := ctx.Done()

	for {
		if !externalCancel && !failing {
			e.dispatchReady(ctx, graph)
		}

		if e.terminalCount() >= len(e.plan.Steps) {
			break
		}

		if e.inFlight() == 0 {
			// Nothing is running. Resolve the steps that can never start:
			// everything left is either blocked behind a failure, or the run
			// is winding down.
			if externalCancel {
				e.resolveRemaining(ctx, graph, store.TaskStatusCancelled)
				break
			}
			if failing || !e.progressPossible(graph) {
				e.resolveRemaining(ctx, graph, store.TaskStatusSkipped)
				break
			}
		}

		select {
		case completion := <-e.completionCh:
			e.handleCompletion(ctx, graph, completion, &failing, &externalCancel)

		case <-ctxDone:
			ctxDone = nil // handle the cancellation once
			if !failing {
				externalCancel = true
			}
			// Cancel tasks that were never picked up; in-flight agents see
			// the same cancellation and report back through completions.
			for _, step := range e.plan.Steps {
				if !e.terminal(step.StepID) {
					e.markTerminalWithoutWorker(ctx, step.StepID, store.TaskStatusCancelled)
				}
			}
		}
	}

	output := e.runOutput()
	errorText := e.firstError
	if !externalCancel && errorText == "" && len(e.done) == 0 {
		// A run with no successful task is not completed.
		errorText = "no task completed"
	}
	if externalCancel {
		errorText = ""
	}

	return e.finalize(startedAt, output, errorText, externalCancel)
}

// dispatchReady enqueues every step whose dependencies have all succeeded,
// in ascending order.
func (e *Executor) dispatchReady(ctx context.Context, graph *stepGraph) {
	doneSet := make(map[string]bool, len(e.done))
	for stepID := range e.done {
		doneSet[stepID] = true
	}

	for _, step := range e.plan.Steps {
		stepID := step.StepID
		if e.dispatched[stepID] || e.terminal(stepID) {
			continue
		}
		if !graph.ready(stepID, doneSet) {
			continue
		}

		job := &queue.Job{
			RunID:    e.plan.Run.ID,
			TaskID:   e.plan.TaskIDs[stepID],
			AgentID:  step.AgentID,
			Payload:  e.aggregateInput(graph, step),
			Priority: e.plan.Run.Priority,
		}
		if err := e.jobs.Enqueue(ctx, job, 0); err != nil {
			e.logger.WithError(err).WithField("step", step.Name).Error("Failed to enqueue step")
			e.failed[stepID] = fmt.Sprintf("enqueue failed: %v", err)
			if e.firstError == "" {
				e.firstError = fmt.Sprintf("%s: enqueue failed: %v", step.Name, err)
			}
			continue
		}
		e.dispatched[stepID] = true

		e.logger.WithFields(log.Fields{
			"step":  step.Name,
			"order": step.Order,
		}).Debug("Dispatched step")
	}
}

// handleCompletion folds a terminal task notification into the scheduling
// state.
func (e *Executor) handleCompletion(ctx context.Context, graph *stepGraph, completion Completion, failing, externalCancel *bool) {
	stepID := completion.StepID
	step := e.stepsByID[stepID]

	switch completion.Status {
	case store.TaskStatusCompleted:
		e.done[stepID] = completion.Output

	case store.TaskStatusFailed:
		e.failed[stepID] = completion.Error
		if e.firstError == "" {
			e.firstError = fmt.Sprintf("%s: %s", step.Name, completion.Error)
		}

		// Skip every transitive dependent, then stop the run when the
		// policy is fail-fast.
		for _, dependent := range graph.transitiveDependents(stepID) {
			if !e.terminal(dependent) {
				e.markTerminalWithoutWorker(ctx, dependent, store.TaskStatusSkipped)
			}
		}
		if e.failFast && !*failing {
			*failing = true
			e.cancelRun()
		}

	case store.TaskStatusCancelled:
		e.failed[stepID] = "cancelled"
		if !*failing {
			*externalCancel = true
		}

	default:
		e.logger.WithFields(log.Fields{
			"step":   step.Name,
			"status": completion.Status,
		}).Warn("Unexpected completion status")
	}
}

// markTerminalWithoutWorker transitions a not-yet-running task directly in
// the store. A CAS conflict means a worker already owns the task; its
// completion will arrive through the channel instead.
func (e *Executor) markTerminalWithoutWorker(ctx context.Context, stepID string, status store.TaskStatus) {
	taskID := e.plan.TaskIDs[stepID]

	update := store.TaskUpdate{}
	if status == store.TaskStatusCancelled {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}

	err := e.st.UpdateTaskStatus(context.WithoutCancel(ctx), taskID, store.TaskStatusPending, status, update)
	if err != nil {
		return
	}

	switch status {
	case store.TaskStatusSkipped:
		e.skipped[stepID] = true
	case store.TaskStatusCancelled:
		e.failed[stepID] = "cancelled"
	}

	e.publishTaskEvent(bus.EventTaskStatus, e.stepsByID[stepID], taskID, status, "")
}

// resolveRemaining terminally marks every step that can no longer run.
func (e *Executor) resolveRemaining(ctx context.Context, graph *stepGraph, status store.TaskStatus) {
	for _, step := range e.plan.Steps {
		if !e.terminal(step.StepID) {
			e.markTerminalWithoutWorker(ctx, step.StepID, status)
		}
	}
}

// progressPossible reports whether any undispatched step can still become
// ready.
func (e *Executor) progressPossible(graph *stepGraph) bool {
	for _, step := range e.plan.Steps {
		stepID := step.StepID
		if e.dispatched[stepID] || e.terminal(stepID) {
			continue
		}

		blocked := false
		for _, dep := range graph.dependenciesOf(stepID) {
			if e.failed[dep] != "" || e.skipped[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			return true
		}
	}
	return false
}

// aggregateInput merges the run input with the outputs of the step's
// dependencies, keyed by the dependency's normalized name. Step outputs win
// over colliding input keys.
func (e *Executor) aggregateInput(graph *stepGraph, step store.StepSnapshot) map[string]any {
	input := make(map[string]any, len(e.plan.Run.Input)+4)
	for key, value := range e.plan.Run.Input {
		input[key] = value
	}

	for _, dep := range graph.dependenciesOf(step.StepID) {
		output, ok := e.done[dep]
		if !ok {
			continue
		}
		input[store.SlugifyStepName(e.stepsByID[dep].Name)] = output
	}

	return input
}

// runOutput merges step outputs onto the original input, keyed by normalized
// step name; step outputs take precedence.
func (e *Executor) runOutput() map[string]any {
	output := make(map[string]any, len(e.plan.Run.Input)+len(e.done))
	for key, value := range e.plan.Run.Input {
		output[key] = value
	}
	for stepID, stepOutput := range e.done {
		output[store.SlugifyStepName(e.stepsByID[stepID].Name)] = stepOutput
	}
	return output
}

// finalize CASes the run into its terminal status and publishes the terminal
// event. Exactly one terminal lifecycle event is published per run.
func (e *Executor) finalize(startedAt time.Time, output map[string]any, errorText string, cancelled bool) (store.RunStatus, error) {
	now := time.Now().UTC()
	update := store.RunUpdate{
		CompletedAt: &now,
		DurationMs:  now.Sub(startedAt).Milliseconds(),
	}

	var status store.RunStatus
	var event string
	switch {
	case cancelled:
		status = store.RunStatusCancelled
		event = bus.EventWorkflowCancelled
	case errorText != "":
		status = store.RunStatusFailed
		event = bus.EventWorkflowFailed
		update.Error = errorText
	default:
		status = store.RunStatusCompleted
		event = bus.EventWorkflowCompleted
		update.Output = output
	}

	// The run may already be terminal when an external cancel raced the
	// executor; the CAS guard keeps the first transition authoritative.
	if err := e.st.UpdateRunStatus(context.Background(), e.plan.Run.ID, store.RunStatusRunning, status, update); err != nil {
		e.logger.WithError(err).Warn("Run finalization CAS did not apply")
		return status, nil
	}

	data := map[string]any{"status": status}
	if update.Error != "" {
		data["error"] = update.Error
	}
	if update.Output != nil {
		data["output"] = update.Output
	}
	e.publishRunEvent(event, data)

	e.logger.WithFields(log.Fields{
		"status":      status,
		"duration_ms": update.DurationMs,
	}).Info("Run finalized")

	return status, nil
}

// publishRunEvent emits a run lifecycle event scoped to the owning tenant.
func (e *Executor) publishRunEvent(eventType string, data map[string]any) {
	if e.pub == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["runId"] = e.plan.Run.ID
	data["workflowId"] = e.plan.Run.WorkflowID
	e.pub.Publish(eventType, data, bus.Filter{OrganizationID: e.plan.Run.OrgID})
}

// publishTaskEvent emits a task status event scoped to the owning tenant.
func (e *Executor) publishTaskEvent(eventType string, step store.StepSnapshot, taskID string, status store.TaskStatus, errorText string) {
	if e.pub == nil {
		return
	}
	data := map[string]any{
		"runId":  e.plan.Run.ID,
		"taskId": taskID,
		"step":   step.Name,
		"status": status,
	}
	if errorText != "" {
		data["error"] = errorText
	}
	e.pub.Publish(eventType, data, bus.Filter{OrganizationID: e.plan.Run.OrgID})
}
