package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a workflow, run, task or agent is missing
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a CAS update finds an unexpected status
	ErrConflict = errors.New("illegal status transition")
	// ErrWorkflowDisabled is returned when a disabled workflow receives a run
	ErrWorkflowDisabled = errors.New("workflow is disabled")
	// ErrOrganizationMismatch is returned when the actor crosses a tenant boundary
	ErrOrganizationMismatch = errors.New("workflow does not belong to actor's organization")
	// ErrInvalidWorkflow is returned when a workflow definition fails validation
	ErrInvalidWorkflow = errors.New("invalid workflow definition")
)

// StateStore is the ground truth for workflows, runs, task executions and
// audit records. In-memory components are derived caches; every durable
// transition goes through here and is CAS-guarded.
type StateStore interface {
	// CreateRun atomically inserts a run row and one pending task execution
	// per step of the workflow. It fails when the workflow is disabled or not
	// in the actor's organization.
	CreateRun(ctx context.Context, workflowID string, actor Actor, input map[string]any, priority Priority) (*WorkflowRun, []*TaskExecution, error)

	// UpdateRunStatus transitions a run from an expected prior status.
	// Returns ErrConflict when the run is not in the expected status.
	UpdateRunStatus(ctx context.Context, runID string, from, to RunStatus, upd RunUpdate) error

	// UpdateTaskStatus transitions a task execution from an expected prior
	// status, applying the update fields. Same CAS discipline as runs.
	UpdateTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, upd TaskUpdate) error

	// GetRun returns a run by identifier.
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)

	// GetRunWithTasks returns a run and its task executions.
	GetRunWithTasks(ctx context.Context, runID string) (*RunWithTasks, error)

	// GetTask returns a task execution by identifier.
	GetTask(ctx context.Context, taskID string) (*TaskExecution, error)

	// LoadRunnable returns all runs in running status; used by the recovery
	// sweep at startup.
	LoadRunnable(ctx context.Context) ([]*WorkflowRun, error)

	// CreateWorkflow validates and stores a workflow definition.
	CreateWorkflow(ctx context.Context, workflow *Workflow) error

	// GetWorkflow returns a workflow with its steps.
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error)

	// ListWorkflows returns an organization's workflows.
	ListWorkflows(ctx context.Context, organizationID string) ([]*Workflow, error)

	// UpsertAgent stores an agent definition.
	UpsertAgent(ctx context.Context, agent *Agent) error

	// ListAgents returns all agent definitions; used to seed the registry.
	ListAgents(ctx context.Context) ([]*Agent, error)

	// AppendAudit appends an audit record. Records are never updated.
	AppendAudit(ctx context.Context, record *AuditRecord) error

	// PurgeAuditBefore removes audit records of an organization older than
	// the cutoff, returning the number removed.
	PurgeAuditBefore(ctx context.Context, organizationID string, cutoffUnixMs int64) (int, error)

	// Close releases backend resources.
	Close() error
}

// runTransitions enumerates the legal run status moves. Terminal states are
// final.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// taskTransitions enumerates the legal task status moves per the state
// machine: pending -> running -> terminal; failed -> pending while retries
// remain; pending -> skipped when an upstream dependency failed.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled, TaskStatusSkipped, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusFailed:  {TaskStatusPending},
}

// ValidRunTransition reports whether from -> to is a legal run move.
func ValidRunTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTaskTransition reports whether from -> to is a legal task move.
func ValidTaskTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateWorkflow checks the structural invariants of a workflow definition:
// at least one step, unique orders, dependencies referencing sibling steps
// only, and an acyclic dependency graph.
func ValidateWorkflow(workflow *Workflow) error {
	if workflow.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if len(workflow.Steps) == 0 {
		return fmt.Errorf("%w: workflow must have at least one step", ErrInvalidWorkflow)
	}

	stepIDs := make(map[string]bool, len(workflow.Steps))
	orders := make(map[int]bool, len(workflow.Steps))
	for _, step := range workflow.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step ID is required", ErrInvalidWorkflow)
		}
		if step.AgentID == "" {
			return fmt.Errorf("%w: step %s has no agent", ErrInvalidWorkflow, step.ID)
		}
		if stepIDs[step.ID] {
			return fmt.Errorf("%w: duplicate step ID %s", ErrInvalidWorkflow, step.ID)
		}
		if orders[step.Order] {
			return fmt.Errorf("%w: duplicate step order %d", ErrInvalidWorkflow, step.Order)
		}
		stepIDs[step.ID] = true
		orders[step.Order] = true
	}

	for _, step := range workflow.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("%w: step %s depends on itself", ErrInvalidWorkflow, step.ID)
			}
			if !stepIDs[dep] {
				return fmt.Errorf("%w: step %s depends on unknown step %s", ErrInvalidWorkflow, step.ID, dep)
			}
		}
	}

	if err := checkAcyclic(workflow.Steps); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	return nil
}

// checkAcyclic rejects dependency cycles via depth-first search.
func checkAcyclic(steps []WorkflowStep) error {
	deps := make(map[string][]string, len(steps))
	for _, step := range steps {
		deps[step.ID] = step.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("circular dependency involving step %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	// Deterministic iteration keeps the reported cycle stable.
	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		ids = append(ids, step.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// SlugifyStepName normalizes a step's human name into its output namespace
// key: lowercase with whitespace runs collapsed to underscores.
func SlugifyStepName(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	return strings.Join(fields, "_")
}

// SnapshotSteps captures a workflow's steps for a new run.
func SnapshotSteps(workflow *Workflow) []StepSnapshot {
	snapshots := make([]StepSnapshot, 0, len(workflow.Steps))
	for _, step := range workflow.Steps {
		deps := make([]string, len(step.DependsOn))
		copy(deps, step.DependsOn)
		snapshots = append(snapshots, StepSnapshot{
			StepID:    step.ID,
			Name:      step.Name,
			AgentID:   step.AgentID,
			Order:     step.Order,
			Config:    step.Config,
			DependsOn: deps,
		})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Order < snapshots[j].Order })
	return snapshots
}
