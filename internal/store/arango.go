package store

import (
	"context"
	"fmt"
	"time"

	driver "github.com/arangodb/go-driver"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// Collection names
	OrganizationsCollection  = "organizations"
	UsersCollection          = "users"
	AgentsCollection         = "agents"
	WorkflowsCollection      = "workflows"
	WorkflowStepsCollection  = "workflow_steps"
	WorkflowRunsCollection   = "workflow_runs"
	TaskExecutionsCollection = "task_executions"
	AuditLogsCollection      = "audit_logs"
)

// ArangoStore implements StateStore on ArangoDB. Multi-row updates (run +
// tasks) use a single stream transaction; status updates are CAS-guarded AQL
// so duplicate deliveries are dropped without side effects.
type ArangoStore struct {
	db driver.Database
}

// document wrappers bind our identifiers to ArangoDB keys so reads by ID are
// single document lookups.

type workflowDoc struct {
	Key string `json:"_key"`
	*Workflow
}

type stepDoc struct {
	Key string `json:"_key"`
	*WorkflowStep
}

type runDoc struct {
	Key string `json:"_key"`
	*WorkflowRun
}

type taskDoc struct {
	Key string `json:"_key"`
	*TaskExecution
}

type agentDoc struct {
	Key string `json:"_key"`
	*Agent
}

type auditDoc struct {
	Key string `json:"_key"`
	*AuditRecord
}

// NewArangoStore creates the store, ensuring collections and indexes exist.
func NewArangoStore(db driver.Database) (*ArangoStore, error) {
	s := &ArangoStore{db: db}

	if err := s.initCollections(); err != nil {
		return nil, fmt.Errorf("failed to initialize collections: %w", err)
	}
	if err := s.createIndexes(); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return s, nil
}

// initCollections creates the required collections if they don't exist
func (s *ArangoStore) initCollections() error {
	ctx := context.Background()

	names := []string{
		OrganizationsCollection,
		UsersCollection,
		AgentsCollection,
		WorkflowsCollection,
		WorkflowStepsCollection,
		WorkflowRunsCollection,
		TaskExecutionsCollection,
		AuditLogsCollection,
	}

	for _, name := range names {
		exists, err := s.db.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check collection %s: %w", name, err)
		}
		if !exists {
			if _, err := s.db.CreateCollection(ctx, name, nil); err != nil {
				return fmt.Errorf("failed to create collection %s: %w", name, err)
			}
			log.WithField("collection", name).Info("Created collection")
		}
	}

	return nil
}

// createIndexes creates the persistence-contract indexes.
func (s *ArangoStore) createIndexes() error {
	ctx := context.Background()

	indexes := []struct {
		collection string
		name       string
		fields     []string
		unique     bool
	}{
		{OrganizationsCollection, "slug_idx", []string{"slug"}, true},
		{UsersCollection, "email_idx", []string{"email"}, true},
		{WorkflowStepsCollection, "workflow_order_idx", []string{"workflow_id", "order"}, true},
		{WorkflowStepsCollection, "workflow_idx", []string{"workflow_id"}, false},
		{WorkflowsCollection, "org_idx", []string{"organization_id"}, false},
		{WorkflowRunsCollection, "status_idx", []string{"status"}, false},
		{WorkflowRunsCollection, "workflow_idx", []string{"workflow_id"}, false},
		{TaskExecutionsCollection, "run_idx", []string{"run_id"}, false},
		{TaskExecutionsCollection, "status_idx", []string{"status"}, false},
		{AuditLogsCollection, "user_created_idx", []string{"user_id", "created_at"}, false},
		{AuditLogsCollection, "action_created_idx", []string{"action", "created_at"}, false},
		{AuditLogsCollection, "resource_idx", []string{"resource", "resource_id"}, false},
	}

	for _, idx := range indexes {
		col, err := s.db.Collection(ctx, idx.collection)
		if err != nil {
			return fmt.Errorf("failed to get collection %s: %w", idx.collection, err)
		}
		exists, err := col.IndexExists(ctx, idx.name)
		if err != nil {
			log.WithError(err).WithField("index", idx.name).Warn("Failed to check index existence")
			continue
		}
		if !exists {
			_, _, err := col.EnsurePersistentIndex(ctx, idx.fields, &driver.EnsurePersistentIndexOptions{
				Name:   idx.name,
				Unique: idx.unique,
			})
			if err != nil {
				log.WithError(err).WithField("index", idx.name).Warn("Failed to create index")
			}
		}
	}

	return nil
}

// CreateRun atomically inserts the run row and one pending task-execution row
// per workflow step inside a stream transaction.
func (s *ArangoStore) CreateRun(ctx context.Context, workflowID string, actor Actor, input map[string]any, priority Priority) (*WorkflowRun, []*TaskExecution, error) {
	workflow, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
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

	tasks := make([]*TaskExecution, 0, len(workflow.Steps))
	for _, snapshot := range SnapshotSteps(workflow) {
		tasks = append(tasks, &TaskExecution{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			Step:      snapshot,
			Status:    TaskStatusPending,
			CreatedAt: now,
		})
	}

	txID, err := s.db.BeginTransaction(ctx, driver.TransactionCollections{
		Write: []string{WorkflowRunsCollection, TaskExecutionsCollection},
	}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	tctx := driver.WithTransactionID(ctx, txID)

	abort := func(cause error) (*WorkflowRun, []*TaskExecution, error) {
		if abortErr := s.db.AbortTransaction(ctx, txID, nil); abortErr != nil {
			log.WithError(abortErr).Warn("Failed to abort run-creation transaction")
		}
		return nil, nil, cause
	}

	runs, err := s.db.Collection(tctx, WorkflowRunsCollection)
	if err != nil {
		return abort(fmt.Errorf("failed to get runs collection: %w", err))
	}
	if _, err := runs.CreateDocument(tctx, runDoc{Key: run.ID, WorkflowRun: run}); err != nil {
		return abort(fmt.Errorf("failed to store run: %w", err))
	}

	taskCol, err := s.db.Collection(tctx, TaskExecutionsCollection)
	if err != nil {
		return abort(fmt.Errorf("failed to get tasks collection: %w", err))
	}
	for _, task := range tasks {
		if _, err := taskCol.CreateDocument(tctx, taskDoc{Key: task.ID, TaskExecution: task}); err != nil {
			return abort(fmt.Errorf("failed to store task execution: %w", err))
		}
	}

	if err := s.db.CommitTransaction(ctx, txID, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to commit run creation: %w", err)
	}

	log.WithFields(log.Fields{
		"run_id":      run.ID,
		"workflow_id": workflow.ID,
		"tasks":       len(tasks),
		"priority":    priority,
	}).Debug("Created workflow run")

	return run, tasks, nil
}

// UpdateRunStatus CAS-transitions a run. A zero-row update against an
// existing run means the prior status did not match and yields ErrConflict.
func (s *ArangoStore) UpdateRunStatus(ctx context.Context, runID string, from, to RunStatus, upd RunUpdate) error {
	if !ValidRunTransition(from, to) {
		return fmt.Errorf("%w: run %s -> %s", ErrConflict, from, to)
	}

	patch := map[string]any{"status": to}
	if upd.Output != nil {
		patch["output"] = upd.Output
	}
	if upd.Error != "" {
		patch["error"] = upd.Error
	}
	if upd.StartedAt != nil {
		patch["started_at"] = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		patch["completed_at"] = upd.CompletedAt
	}
	if upd.DurationMs > 0 {
		patch["duration_ms"] = upd.DurationMs
	}

	query := `
		FOR r IN ` + WorkflowRunsCollection + `
		FILTER r._key == @id AND r.status == @from
		UPDATE r WITH @patch IN ` + WorkflowRunsCollection + `
		RETURN NEW
	`
	updated, err := s.applyCAS(ctx, query, map[string]any{
		"id":    runID,
		"from":  from,
		"patch": patch,
	})
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if !updated {
		return s.casFailure(ctx, WorkflowRunsCollection, runID, string(from), string(to))
	}

	return nil
}

// UpdateTaskStatus CAS-transitions a task execution, optionally bumping the
// retry counter and appending to the task log inside the same update.
func (s *ArangoStore) UpdateTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, upd TaskUpdate) error {
	if !ValidTaskTransition(from, to) {
		return fmt.Errorf("%w: task %s -> %s", ErrConflict, from, to)
	}

	patch := map[string]any{"status": to}
	if upd.Input != nil {
		patch["input"] = upd.Input
	}
	if upd.Output != nil {
		patch["output"] = upd.Output
	}
	if upd.Error != "" {
		patch["error"] = upd.Error
	}
	if upd.StartedAt != nil {
		patch["started_at"] = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		patch["completed_at"] = upd.CompletedAt
	}
	if upd.DurationMs > 0 {
		patch["duration_ms"] = upd.DurationMs
	}

	merge := "@patch"
	if upd.IncrementRetry {
		merge = "MERGE(" + merge + ", { retry_count: t.retry_count + 1 })"
	}
	if upd.AppendLog != "" {
		merge = "MERGE(" + merge + `, { log: CONCAT(NOT_NULL(t.log, ""), @log) })`
	}

	bindVars := map[string]any{
		"id":    taskID,
		"from":  from,
		"patch": patch,
	}
	if upd.AppendLog != "" {
		bindVars["log"] = upd.AppendLog
	}

	query := `
		FOR t IN ` + TaskExecutionsCollection + `
		FILTER t._key == @id AND t.status == @from
		UPDATE t WITH ` + merge + ` IN ` + TaskExecutionsCollection + `
		RETURN NEW
	`
	updated, err := s.applyCAS(ctx, query, bindVars)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if !updated {
		return s.casFailure(ctx, TaskExecutionsCollection, taskID, string(from), string(to))
	}

	return nil
}

// applyCAS runs a guarded UPDATE query and reports whether a row changed.
func (s *ArangoStore) applyCAS(ctx context.Context, query string, bindVars map[string]any) (bool, error) {
	cursor, err := s.db.Query(ctx, query, bindVars)
	if err != nil {
		return false, err
	}
	defer cursor.Close()

	var doc map[string]any
	_, err = cursor.ReadDocument(ctx, &doc)
	if driver.IsNoMoreDocuments(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// casFailure distinguishes a missing document from a status mismatch.
func (s *ArangoStore) casFailure(ctx context.Context, collection, key, from, to string) error {
	col, err := s.db.Collection(ctx, collection)
	if err != nil {
		return err
	}
	exists, err := col.DocumentExists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s %s", ErrNotFound, collection, key)
	}
	return fmt.Errorf("%w: %s not in status %s (wanted -> %s)", ErrConflict, key, from, to)
}

// GetRun returns a run by identifier.
func (s *ArangoStore) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	col, err := s.db.Collection(ctx, WorkflowRunsCollection)
	if err != nil {
		return nil, err
	}
	var run WorkflowRun
	if _, err := col.ReadDocument(ctx, runID, &run); err != nil {
		if driver.IsNotFound(err) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	return &run, nil
}

// GetRunWithTasks returns a run and its task executions ordered by step order.
func (s *ArangoStore) GetRunWithTasks(ctx context.Context, runID string) (*RunWithTasks, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	query := `
		FOR t IN ` + TaskExecutionsCollection + `
		FILTER t.run_id == @run_id
		SORT t.step.order ASC
		RETURN t
	`
	cursor, err := s.db.Query(ctx, query, map[string]any{"run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("failed to query task executions: %w", err)
	}
	defer cursor.Close()

	var tasks []*TaskExecution
	for {
		var task TaskExecution
		_, err := cursor.ReadDocument(ctx, &task)
		if driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read task execution: %w", err)
		}
		tasks = append(tasks, &task)
	}

	return &RunWithTasks{Run: run, Tasks: tasks}, nil
}

// GetTask returns a task execution by identifier.
func (s *ArangoStore) GetTask(ctx context.Context, taskID string) (*TaskExecution, error) {
	col, err := s.db.Collection(ctx, TaskExecutionsCollection)
	if err != nil {
		return nil, err
	}
	var task TaskExecution
	if _, err := col.ReadDocument(ctx, taskID, &task); err != nil {
		if driver.IsNotFound(err) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to read task execution: %w", err)
	}
	return &task, nil
}

// LoadRunnable returns all runs currently marked running.
func (s *ArangoStore) LoadRunnable(ctx context.Context) ([]*WorkflowRun, error) {
	query := `
		FOR r IN ` + WorkflowRunsCollection + `
		FILTER r.status == @status
		RETURN r
	`
	cursor, err := s.db.Query(ctx, query, map[string]any{"status": RunStatusRunning})
	if err != nil {
		return nil, fmt.Errorf("failed to query runnable runs: %w", err)
	}
	defer cursor.Close()

	var runs []*WorkflowRun
	for {
		var run WorkflowRun
		_, err := cursor.ReadDocument(ctx, &run)
		if driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read run: %w", err)
		}
		runs = append(runs, &run)
	}

	return runs, nil
}

// CreateWorkflow validates and stores a workflow with its steps.
func (s *ArangoStore) CreateWorkflow(ctx context.Context, workflow *Workflow) error {
	if err := ValidateWorkflow(workflow); err != nil {
		return err
	}

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

	txID, err := s.db.BeginTransaction(ctx, driver.TransactionCollections{
		Write: []string{WorkflowsCollection, WorkflowStepsCollection},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tctx := driver.WithTransactionID(ctx, txID)

	abort := func(cause error) error {
		if abortErr := s.db.AbortTransaction(ctx, txID, nil); abortErr != nil {
			log.WithError(abortErr).Warn("Failed to abort workflow-creation transaction")
		}
		return cause
	}

	// The workflow document stores metadata only; steps live in their own
	// collection so the unique (workflow_id, order) constraint applies.
	meta := *workflow
	meta.Steps = nil

	workflows, err := s.db.Collection(tctx, WorkflowsCollection)
	if err != nil {
		return abort(fmt.Errorf("failed to get workflows collection: %w", err))
	}
	if _, err := workflows.CreateDocument(tctx, workflowDoc{Key: meta.ID, Workflow: &meta}); err != nil {
		return abort(fmt.Errorf("failed to store workflow: %w", err))
	}

	steps, err := s.db.Collection(tctx, WorkflowStepsCollection)
	if err != nil {
		return abort(fmt.Errorf("failed to get steps collection: %w", err))
	}
	for i := range workflow.Steps {
		step := workflow.Steps[i]
		if _, err := steps.CreateDocument(tctx, stepDoc{Key: step.ID, WorkflowStep: &step}); err != nil {
			return abort(fmt.Errorf("failed to store step %s: %w", step.ID, err))
		}
	}

	if err := s.db.CommitTransaction(ctx, txID, nil); err != nil {
		return fmt.Errorf("failed to commit workflow creation: %w", err)
	}

	log.WithFields(log.Fields{
		"workflow_id": workflow.ID,
		"steps":       len(workflow.Steps),
	}).Info("Created workflow")

	return nil
}

// GetWorkflow returns a workflow with its steps ordered by step order.
func (s *ArangoStore) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	col, err := s.db.Collection(ctx, WorkflowsCollection)
	if err != nil {
		return nil, err
	}
	var workflow Workflow
	if _, err := col.ReadDocument(ctx, workflowID, &workflow); err != nil {
		if driver.IsNotFound(err) {
			return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	query := `
		FOR st IN ` + WorkflowStepsCollection + `
		FILTER st.workflow_id == @workflow_id
		SORT st.order ASC
		RETURN st
	`
	cursor, err := s.db.Query(ctx, query, map[string]any{"workflow_id": workflowID})
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer cursor.Close()

	for {
		var step WorkflowStep
		_, err := cursor.ReadDocument(ctx, &step)
		if driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read step: %w", err)
		}
		workflow.Steps = append(workflow.Steps, step)
	}

	return &workflow, nil
}

// ListWorkflows returns an organization's workflows (metadata only).
func (s *ArangoStore) ListWorkflows(ctx context.Context, organizationID string) ([]*Workflow, error) {
	query := `
		FOR w IN ` + WorkflowsCollection + `
		FILTER w.organization_id == @org
		SORT w.created_at DESC
		RETURN w
	`
	cursor, err := s.db.Query(ctx, query, map[string]any{"org": organizationID})
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer cursor.Close()

	var workflows []*Workflow
	for {
		var workflow Workflow
		_, err := cursor.ReadDocument(ctx, &workflow)
		if driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read workflow: %w", err)
		}
		workflows = append(workflows, &workflow)
	}

	return workflows, nil
}

// UpsertAgent stores or replaces an agent definition by identifier.
func (s *ArangoStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	col, err := s.db.Collection(ctx, AgentsCollection)
	if err != nil {
		return err
	}

	doc := agentDoc{Key: agent.ID, Agent: agent}
	if _, err := col.CreateDocument(ctx, doc); err != nil {
		if driver.IsConflict(err) {
			if _, err := col.ReplaceDocument(ctx, agent.ID, doc); err != nil {
				return fmt.Errorf("failed to replace agent: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to store agent: %w", err)
	}
	return nil
}

// ListAgents returns all agent definitions.
func (s *ArangoStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `FOR a IN ` + AgentsCollection + ` SORT a.name ASC RETURN a`
	cursor, err := s.db.Query(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer cursor.Close()

	var agents []*Agent
	for {
		var agent Agent
		_, err := cursor.ReadDocument(ctx, &agent)
		if driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read agent: %w", err)
		}
		agents = append(agents, &agent)
	}

	return agents, nil
}

// AppendAudit appends an immutable audit record.
func (s *ArangoStore) AppendAudit(ctx context.Context, record *AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	col, err := s.db.Collection(ctx, AuditLogsCollection)
	if err != nil {
		return err
	}
	if _, err := col.CreateDocument(ctx, auditDoc{Key: record.ID, AuditRecord: record}); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// PurgeAuditBefore removes an organization's audit records older than the
// cutoff, returning the number removed.
func (s *ArangoStore) PurgeAuditBefore(ctx context.Context, organizationID string, cutoffUnixMs int64) (int, error) {
	query := `
		FOR a IN ` + AuditLogsCollection + `
		FILTER a.organization_id == @org AND DATE_TIMESTAMP(a.created_at) < @cutoff
		REMOVE a IN ` + AuditLogsCollection + `
		RETURN OLD
	`
	cursor, err := s.db.Query(ctx, query, map[string]any{
		"org":    organizationID,
		"cutoff": cutoffUnixMs,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit records: %w", err)
	}
	defer cursor.Close()

	count := 0
	for {
		var doc any
		_, err := cursor.ReadDocument(ctx, &doc)
		if driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return count, fmt.Errorf("failed to read purge result: %w", err)
		}
		count++
	}

	return count, nil
}

// Close is a no-op; the database client owns the connection.
func (s *ArangoStore) Close() error {
	return nil
}
