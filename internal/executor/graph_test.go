package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphReady(t *testing.T) {
	g := newStepGraph()
	g.addNode("a")
	g.addNode("b")
	g.addNode("c")
	require.NoError(t, g.addEdge("a", "b"))
	require.NoError(t, g.addEdge("b", "c"))

	done := map[string]bool{}
	assert.True(t, g.ready("a", done))
	assert.False(t, g.ready("b", done))
	assert.False(t, g.ready("c", done))

	done["a"] = true
	assert.True(t, g.ready("b", done))
	assert.False(t, g.ready("c", done))

	done["b"] = true
	assert.True(t, g.ready("c", done))
}

func TestGraphCycleDetection(t *testing.T) {
	g := newStepGraph()
	g.addNode("a")
	g.addNode("b")
	g.addNode("c")
	require.NoError(t, g.addEdge("a", "b"))
	require.NoError(t, g.addEdge("b", "c"))
	assert.NoError(t, g.validateAcyclic())

	require.NoError(t, g.addEdge("c", "a"))
	assert.Error(t, g.validateAcyclic())
}

func TestGraphTransitiveDependents(t *testing.T) {
	// diamond: a -> {b, c} -> d, plus e independent
	g := newStepGraph()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		g.addNode(id)
	}
	require.NoError(t, g.addEdge("a", "b"))
	require.NoError(t, g.addEdge("a", "c"))
	require.NoError(t, g.addEdge("b", "d"))
	require.NoError(t, g.addEdge("c", "d"))

	assert.Equal(t, []string{"b", "c", "d"}, g.transitiveDependents("a"))
	assert.Equal(t, []string{"d"}, g.transitiveDependents("b"))
	assert.Empty(t, g.transitiveDependents("d"))
	assert.Empty(t, g.transitiveDependents("e"))
}

func TestGraphDuplicateEdgeIgnored(t *testing.T) {
	g := newStepGraph()
	g.addNode("a")
	g.addNode("b")
	require.NoError(t, g.addEdge("a", "b"))
	require.NoError(t, g.addEdge("a", "b"))

	assert.Equal(t, []string{"b"}, g.transitiveDependents("a"))
	assert.Len(t, g.dependenciesOf("b"), 1)
}

func TestGraphUnknownEdge(t *testing.T) {
	g := newStepGraph()
	g.addNode("a")
	assert.Error(t, g.addEdge("a", "ghost"))
	assert.Error(t, g.addEdge("ghost", "a"))
}
