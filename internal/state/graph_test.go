package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcyclicGraphAcceptsDAG(t *testing.T) {
	g := NewAcyclicGraph()
	g.AddNode("start")
	g.AddNode("fetch")
	g.AddNode("end")

	require.NoError(t, g.AddEdge("start", "fetch"))
	require.NoError(t, g.AddEdge("fetch", "end"))

	assert.NoError(t, g.ValidateAcyclic())
}

func TestAcyclicGraphRejectsCycle(t *testing.T) {
	g := NewAcyclicGraph()
	g.AddNode("a")
	g.AddNode("b")
	g.AddNode("c")

	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))
	require.NoError(t, g.AddEdge("c", "a"))

	err := g.ValidateAcyclic()
	assert.Error(t, err)
}

func TestAcyclicGraphRejectsSelfLoop(t *testing.T) {
	g := NewAcyclicGraph()
	g.AddNode("a")
	require.NoError(t, g.AddEdge("a", "a"))

	assert.Error(t, g.ValidateAcyclic())
}

func TestAcyclicGraphAddEdgeUnknownNode(t *testing.T) {
	g := NewAcyclicGraph()
	g.AddNode("a")

	err := g.AddEdge("a", "ghost")
	assert.Error(t, err)

	err = g.AddEdge("ghost", "a")
	assert.Error(t, err)
}

func TestAcyclicGraphDiamondIsNotACycle(t *testing.T) {
	g := NewAcyclicGraph()
	for _, id := range []string{"start", "left", "right", "join"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("start", "left"))
	require.NoError(t, g.AddEdge("start", "right"))
	require.NoError(t, g.AddEdge("left", "join"))
	require.NoError(t, g.AddEdge("right", "join"))

	assert.NoError(t, g.ValidateAcyclic())
}
