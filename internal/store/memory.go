package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory StateStore. It backs unit tests and local
// development; it honors the same CAS discipline as the durable store so
// callers cannot tell them apart through the interface.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]*WorkflowRun
	tasks     map[string]*TaskExecution
	agents    map[string]*Agent
	audits    []*AuditRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*WorkflowRun),
		tasks:     make(map[string]*TaskExecution),
		agents:    make(map[string]*Agent),
	}
}

// CreateRun inserts a run and one pending task per step.
func (s *MemoryStore) CreateRun(ctx context.Context, workflowID string, actor Actor, input map[string]any, priority Priority) (*WorkflowRun, []*TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workflow, ok := s.workflows[workflowID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	if workflow.OrganizationID != actor.OrganizationID {
		return nil, nil, ErrOrganizationMismatch
	}
	if !workflow.Active() {
		return nil, nil, ErrWorkflowDisabled
	}

	now := time.Now().UTC()
	run := &WorkflowRun{
		ID:          uuid.New().String(),
		WorkflowID:  workflow.ID,
		UserID:      actor.UserID,
		OrgID:       actor.OrganizationID,
		Status:      RunStatusPending,
		Priority:    priority,
		Input:       input,
		SubmittedAt: now,
	}
	s.runs[run.ID] = run

	tasks := make([]*TaskExecution, 0, len(workflow.Steps))
	for _, snapshot := range SnapshotSteps(workflow) {
		task := &TaskExecution{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			Step:      snapshot,
			Status:    TaskStatusPending,
			CreatedAt: now,
		}
		s.tasks[task.ID] = task
		tasks = append(tasks, task)
	}

	runCopy := *run
	out := make([]*TaskExecution, len(tasks))
	for i, t := range tasks {
		c := *t
		out[i] = &c
	}
	return &runCopy, out, nil
}

// UpdateRunStatus CAS-transitions a run.
func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, from, to RunStatus, upd RunUpdate) error {
	if !ValidRunTransition(from, to) {
		return fmt.Errorf("%w: run %s -> %s", ErrConflict, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if run.Status != from {
		return fmt.Errorf("%w: run %s not in status %s (wanted -> %s)", ErrConflict, runID, from, to)
	}

	run.Status = to
	if upd.Output != nil {
		run.Output = upd.Output
	}
	if upd.Error != "" {
		run.Error = upd.Error
	}
	if upd.StartedAt != nil {
		run.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		run.CompletedAt = upd.CompletedAt
	}
	if upd.DurationMs > 0 {
		run.DurationMs = upd.DurationMs
	}
	return nil
}

// UpdateTaskStatus CAS-transitions a task execution.
func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, upd TaskUpdate) error {
	if !ValidTaskTransition(from, to) {
		return fmt.Errorf("%w: task %s -> %s", ErrConflict, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if task.Status != from {
		return fmt.Errorf("%w: task %s not in status %s (wanted -> %s)", ErrConflict, taskID, from, to)
	}

	task.Status = to
	if upd.Input != nil {
		task.Input = upd.Input
	}
	if upd.Output != nil {
		task.Output = upd.Output
	}
	if upd.Error != "" {
		task.Error = upd.Error
	}
	if upd.StartedAt != nil {
		task.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		task.CompletedAt = upd.CompletedAt
	}
	if upd.DurationMs > 0 {
		task.DurationMs = upd.DurationMs
	}
	if upd.IncrementRetry {
		task.RetryCount++
	}
	if upd.AppendLog != "" {
		task.Log += upd.AppendLog
	}
	return nil
}

// GetRun returns a copy of a run.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	c := *run
	return &c, nil
}

// GetRunWithTasks returns a run and its tasks ordered by step order.
func (s *MemoryStore) GetRunWithTasks(ctx context.Context, runID string) (*RunWithTasks, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*TaskExecution
	for _, task := range s.tasks {
		if task.RunID == runID {
			c := *task
			tasks = append(tasks, &c)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Step.Order < tasks[j].Step.Order })

	return &RunWithTasks{Run: run, Tasks: tasks}, nil
}

// GetTask returns a copy of a task execution.
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	c := *task
	return &c, nil
}

// LoadRunnable returns all runs in running status.
func (s *MemoryStore) LoadRunnable(ctx context.Context) ([]*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*WorkflowRun
	for _, run := range s.runs {
		if run.Status == RunStatusRunning {
			c := *run
			runs = append(runs, &c)
		}
	}
	return runs, nil
}

// CreateWorkflow validates and stores a workflow.
func (s *MemoryStore) CreateWorkflow(ctx context.Context, workflow *Workflow) error {
	if err := ValidateWorkflow(workflow); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now
	if workflow.Version == 0 {
		workflow.Version = 1
	}
	for i := range workflow.Steps {
		workflow.Steps[i].WorkflowID = workflow.ID
	}

	c := *workflow
	c.Steps = make([]WorkflowStep, len(workflow.Steps))
	copy(c.Steps, workflow.Steps)
	s.workflows[workflow.ID] = &c
	return nil
}

// GetWorkflow returns a copy of a workflow with its steps.
func (s *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflow, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	c := *workflow
	c.Steps = make([]WorkflowStep, len(workflow.Steps))
	copy(c.Steps, workflow.Steps)
	return &c, nil
}

// ListWorkflows returns an organization's workflows.
func (s *MemoryStore) ListWorkflows(ctx context.Context, organizationID string) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var workflows []*Workflow
	for _, workflow := range s.workflows {
		if workflow.OrganizationID == organizationID {
			c := *workflow
			workflows = append(workflows, &c)
		}
	}
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})
	return workflows, nil
}

// UpsertAgent stores or replaces an agent definition.
func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	c := *agent
	s.agents[agent.ID] = &c
	return nil
}

// ListAgents returns all agent definitions.
func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		c := *agent
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// AppendAudit appends an audit record.
func (s *MemoryStore) AppendAudit(ctx context.Context, record *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	c := *record
	s.audits = append(s.audits, &c)
	return nil
}

// PurgeAuditBefore removes old audit records of an organization.
func (s *MemoryStore) PurgeAuditBefore(ctx context.Context, organizationID string, cutoffUnixMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audits[:0]
	removed := 0
	for _, record := range s.audits {
		if record.OrganizationID == organizationID && record.CreatedAt.UnixMilli() < cutoffUnixMs {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	s.audits = kept
	return removed, nil
}

// AuditRecords returns a snapshot of appended audit records.
func (s *MemoryStore) AuditRecords() []*AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AuditRecord, len(s.audits))
	for i, record := range s.audits {
		c := *record
		out[i] = &c
	}
	return out
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
