package store

import "time"

// RunStatus represents the lifecycle state of a workflow run
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet executing
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the run is executing steps
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates every task completed or was skipped
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates a required task failed with no retry left
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates an external cancel before completion
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus represents the lifecycle state of a task execution
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be dispatched
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task is executing on an agent
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed terminally
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusSkipped indicates an upstream dependency failed terminally
	TaskStatusSkipped TaskStatus = "skipped"
)

// IsTerminal reports whether the task status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	}
	return false
}

// Priority orders pending work: urgent > high > normal > low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns the numeric dispatch preference for a priority.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Valid reports whether the priority is one of the recognized levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AgentStatus gates whether an agent accepts new work.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// WorkflowStatus gates whether a workflow accepts new runs.
type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusDisabled WorkflowStatus = "disabled"
)

// Organization is a tenant. It owns workflows, agents and runs.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	PlanTier  string    `json:"plan_tier"`
	Limits    PlanLimit `json:"limits"`
	CreatedAt time.Time `json:"created_at"`
}

// PlanLimit holds per-tenant quotas.
type PlanLimit struct {
	MaxConcurrentRuns int `json:"max_concurrent_runs"`
	RetentionDays     int `json:"retention_days"`
}

// User is a principal bound to one organization; used as actor identity for
// authorization and audit.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	Permissions    []string  `json:"permissions"`
	CreatedAt      time.Time `json:"created_at"`
}

// Agent is a reusable executor definition referenced by workflow steps.
type Agent struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Capabilities   []string       `json:"capabilities"`
	Tools          []string       `json:"tools"`
	Status         AgentStatus    `json:"status"`
	MaxConcurrency int            `json:"max_concurrency"`
	Config         map[string]any `json:"config"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Workflow is a named, versioned DAG of steps owned by an organization.
type Workflow struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	Version        int            `json:"version"`
	Status         WorkflowStatus `json:"status"`
	Steps          []WorkflowStep `json:"steps"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Active reports whether the workflow accepts new runs.
func (w *Workflow) Active() bool {
	return w.Status == WorkflowStatusActive
}

// WorkflowStep is a node in the workflow DAG. Order is unique per workflow;
// DependsOn may only reference sibling step identifiers.
type WorkflowStep struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	AgentID    string         `json:"agent_id"`
	Name       string         `json:"name"`
	Order      int            `json:"order"`
	Config     map[string]any `json:"config"`
	DependsOn  []string       `json:"depends_on,omitempty"`
}

// WorkflowRun is one execution of a workflow with an input payload.
type WorkflowRun struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	UserID      string         `json:"user_id"`
	OrgID       string         `json:"organization_id"`
	Status      RunStatus      `json:"status"`
	Priority    Priority       `json:"priority"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
}

// StepSnapshot captures the step definition at run start. Later edits to the
// workflow never affect an in-flight run.
type StepSnapshot struct {
	StepID    string         `json:"step_id"`
	Name      string         `json:"name"`
	AgentID   string         `json:"agent_id"`
	Order     int            `json:"order"`
	Config    map[string]any `json:"config"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// TaskExecution is a concrete invocation of one workflow step within one run.
// There is exactly one task execution per step per run; retries mutate the
// same row.
type TaskExecution struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Step        StepSnapshot   `json:"step"`
	Status      TaskStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Log         string         `json:"log,omitempty"`
}

// RunWithTasks is the status-query projection of a run.
type RunWithTasks struct {
	Run   *WorkflowRun     `json:"run"`
	Tasks []*TaskExecution `json:"tasks"`
}

// AuditRecord is an append-only record of a security- or lifecycle-relevant
// event. Records are never updated.
type AuditRecord struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	SourceAddr     string         `json:"source_addr,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Actor identifies the principal performing an operation.
type Actor struct {
	UserID         string
	OrganizationID string
	Role           string
	Permissions    []string
}

// RunUpdate carries the optional fields of a run status transition.
type RunUpdate struct {
	Output      map[string]any
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  int64
}

// TaskUpdate carries the optional fields of a task status transition.
type TaskUpdate struct {
	Input          map[string]any
	Output         map[string]any
	Error          string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationMs     int64
	IncrementRetry bool
	AppendLog      string
}
