package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/FlowCortex/internal/store"
)

// blockingHandler waits for cancellation, simulating a long agent call.
type blockingHandler struct{}

func (h *blockingHandler) Type() string { return "blocking" }
func (h *blockingHandler) ResourceHint() ResourceHint { return ResourceHint{} }
func (h *blockingHandler) ConfigSchema() map[string]any { return nil }
func (h *blockingHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stubbornHandler ignores cancellation entirely.
type stubbornHandler struct{}

func (h *stubbornHandler) Type() string { return "stubborn" }
func (h *stubbornHandler) ResourceHint() ResourceHint { return ResourceHint{} }
func (h *stubbornHandler) ConfigSchema() map[string]any { return nil }
func (h *stubbornHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	time.Sleep(10 * time.Second)
	return &Result{Success: true}, nil
}

// panickyHandler crashes.
type panickyHandler struct{}

func (h *panickyHandler) Type() string { return "panicky" }
func (h *panickyHandler) ResourceHint() ResourceHint { return ResourceHint{} }
func (h *panickyHandler) ConfigSchema() map[string]any { return nil }
func (h *panickyHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	panic("handler bug")
}

func activeAgent(id, agentType string) *store.Agent {
	return &store.Agent{
		ID:     id,
		Name:   id,
		Type:   agentType,
		Status: store.AgentStatusActive,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()

	agent := activeAgent("agent-1", "echo")
	require.NoError(t, r.Register(agent))

	got, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Type)

	// Register is idempotent: replacing by identifier.
	agent.Name = "renamed"
	require.NoError(t, r.Register(agent))
	got, err = r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegisterUnknownType(t *testing.T) {
	r := New()
	err := r.Register(activeAgent("agent-1", "quantum"))
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestRegisterValidatesConfig(t *testing.T) {
	r := New()

	bad := activeAgent("agent-1", "code-review")
	bad.Config = map[string]any{"max_findings": "lots"}
	assert.Error(t, r.Register(bad))

	good := activeAgent("agent-2", "code-review")
	good.Config = map[string]any{"max_findings": 5, "severity": "warning"}
	assert.NoError(t, r.Register(good))
}

func TestInvokeEcho(t *testing.T) {
	r := New()
	agent := activeAgent("agent-1", "echo")
	require.NoError(t, r.Register(agent))

	result, err := r.Invoke(context.Background(), agent, Invocation{
		TaskID: "task-1",
		Input:  map[string]any{"title": "x"},
	}, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"title": "x"}, result.Output["echo"])
}

func TestInvokeInactiveAgent(t *testing.T) {
	r := New()
	agent := activeAgent("agent-1", "echo")
	agent.Status = store.AgentStatusInactive
	require.NoError(t, r.Register(agent))

	_, err := r.Invoke(context.Background(), agent, Invocation{}, time.Second)
	assert.ErrorIs(t, err, ErrAgentInactive)
}

func TestInvokeTimeout(t *testing.T) {
	r := New()
	r.RegisterHandler(&stubbornHandler{})
	agent := activeAgent("agent-1", "stubborn")
	require.NoError(t, r.Register(agent))

	start := time.Now()
	_, err := r.Invoke(context.Background(), agent, Invocation{}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_exceeded")
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvokeCancellation(t *testing.T) {
	r := New()
	r.RegisterHandler(&blockingHandler{})
	agent := activeAgent("agent-1", "blocking")
	require.NoError(t, r.Register(agent))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, agent, Invocation{}, time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestInvokePanicRecovery(t *testing.T) {
	r := New()
	r.RegisterHandler(&panickyHandler{})
	agent := activeAgent("agent-1", "panicky")
	require.NoError(t, r.Register(agent))

	_, err := r.Invoke(context.Background(), agent, Invocation{}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertAgent(ctx, activeAgent("agent-1", "echo")))
	require.NoError(t, st.UpsertAgent(ctx, activeAgent("agent-2", "testing")))
	// Unknown types are skipped, not fatal.
	require.NoError(t, st.UpsertAgent(ctx, activeAgent("agent-3", "quantum")))

	r := New()
	require.NoError(t, r.Seed(ctx, st))

	assert.Len(t, r.List(), 2)
}

func TestResourceHints(t *testing.T) {
	r := New()
	agent := activeAgent("agent-1", "testing")
	require.NoError(t, r.Register(agent))

	hint := r.ResourceHint(agent)
	assert.Greater(t, hint.MemoryBytes, int64(0))
	assert.Greater(t, hint.CPUPercent, 0.0)
}
