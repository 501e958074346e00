// Package registry is the in-memory catalog of agent handlers. It is seeded
// from the state store at startup; the store remains the ground truth for
// agent definitions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/aosanya/FlowCortex/internal/store"
)

var (
	// ErrAgentNotFound is returned when no agent matches the identifier
	ErrAgentNotFound = errors.New("agent not found")
	// ErrHandlerNotFound is returned when an agent's type has no handler
	ErrHandlerNotFound = errors.New("no handler for agent type")
	// ErrAgentInactive is returned when an inactive agent is invoked
	ErrAgentInactive = errors.New("agent is inactive")
)

// Invocation carries a task into a handler: the task's input, the
// configuration snapshot captured at run start, and identifiers for logging.
type Invocation struct {
	TaskID string
	RunID  string
	Input  map[string]any
	Config map[string]any
}

// Result is the structured outcome of a handler call. The registry never
// retries; the queue does.
type Result struct {
	Success  bool           `json:"success"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ResourceHint is the per-type resource estimate used for admission control.
type ResourceHint struct {
	MemoryBytes int64
	CPUPercent  float64
	DiskBytes   int64
}

// Handler executes tasks for one agent type. Handlers are stateless; any
// external I/O they perform is their own responsibility. They must observe
// ctx cancellation; handlers that ignore it are cut off by the per-task
// timeout.
type Handler interface {
	// Type returns the agent type this handler serves.
	Type() string

	// Invoke executes the task and returns a structured result.
	Invoke(ctx context.Context, inv Invocation) (*Result, error)

	// ResourceHint returns the resource estimate for one invocation.
	ResourceHint() ResourceHint

	// ConfigSchema returns the JSON schema for the agent configuration blob,
	// or nil when any configuration is accepted.
	ConfigSchema() map[string]any
}

// Registry holds agent definitions and their handlers.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*store.Agent
	handlers map[string]Handler
}

// New creates an empty registry with the built-in handlers installed.
func New() *Registry {
	r := &Registry{
		agents:   make(map[string]*store.Agent),
		handlers: make(map[string]Handler),
	}
	for _, handler := range builtinHandlers() {
		r.RegisterHandler(handler)
	}
	return r
}

// RegisterHandler installs a handler for its agent type, replacing any
// previous one.
func (r *Registry) RegisterHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.Type()] = handler
}

// Register adds or replaces an agent definition by identifier. Idempotent.
// The agent's configuration blob is validated against the handler's schema.
func (r *Registry) Register(agent *store.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handler, ok := r.handlers[agent.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, agent.Type)
	}

	if schema := handler.ConfigSchema(); schema != nil {
		result, err := gojsonschema.Validate(
			gojsonschema.NewGoLoader(schema),
			gojsonschema.NewGoLoader(agent.Config),
		)
		if err != nil {
			return fmt.Errorf("failed to validate agent config: %w", err)
		}
		if !result.Valid() {
			return fmt.Errorf("invalid config for agent %s: %v", agent.ID, result.Errors())
		}
	}

	c := *agent
	r.agents[agent.ID] = &c

	log.WithFields(log.Fields{
		"agent_id": agent.ID,
		"type":     agent.Type,
		"status":   agent.Status,
	}).Debug("Registered agent")

	return nil
}

// Seed loads every agent definition from the state store.
func (r *Registry) Seed(ctx context.Context, st store.StateStore) error {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}
	for _, agent := range agents {
		if err := r.Register(agent); err != nil {
			log.WithError(err).WithField("agent_id", agent.ID).Warn("Skipping unregisterable agent")
		}
	}
	log.WithField("count", len(agents)).Info("Seeded agent registry")
	return nil
}

// Get returns an agent definition by identifier.
func (r *Registry) Get(agentID string) (*store.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	c := *agent
	return &c, nil
}

// List returns all registered agent definitions.
func (r *Registry) List() []*store.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*store.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		c := *agent
		agents = append(agents, &c)
	}
	return agents
}

// ResourceHint returns the resource estimate for an agent's type.
func (r *Registry) ResourceHint(agent *store.Agent) ResourceHint {
	r.mu.RLock()
	handler, ok := r.handlers[agent.Type]
	r.mu.RUnlock()
	if !ok {
		return ResourceHint{}
	}
	return handler.ResourceHint()
}

// Invoke runs the agent's handler under a cancellation-aware timeout. The
// handler's runtime is not trusted: panics become failed results, and a
// handler that outlives the deadline is abandoned.
func (r *Registry) Invoke(ctx context.Context, agent *store.Agent, inv Invocation, timeout time.Duration) (*Result, error) {
	if agent.Status != store.AgentStatusActive {
		return nil, fmt.Errorf("%w: %s", ErrAgentInactive, agent.ID)
	}

	r.mu.RLock()
	handler, ok := r.handlers[agent.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, agent.Type)
	}

	invokeCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", recovered)}
			}
		}()
		result, err := handler.Invoke(invokeCtx, inv)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return nil, errors.New("handler returned nil result")
		}
		return out.result, nil
	case <-invokeCtx.Done():
		if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timeout_exceeded: agent %s exceeded %s", agent.ID, timeout)
		}
		return nil, invokeCtx.Err()
	}
}
