package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aosanya/taskflow-core/internal/state"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// Inject implements the inject(prompt, persona) lifecycle operation
// (§4.13): pick an anchor, splice a new task node in after it, and let the
// next transition pass pick it up. The anchor is the currently running
// node if there is one, otherwise the most recently completed node.
func (e *Engine) Inject(ctx context.Context, taskID, prompt, persona string) (*workflow.Instance, error) {
	wf, err := e.wf.GetWorkflow(taskID)
	if err != nil {
		return nil, err
	}
	inst, err := e.wf.GetInstance(taskID)
	if err != nil {
		return nil, err
	}

	anchor, err := pickAnchor(wf, inst)
	if err != nil {
		return nil, err
	}

	injected := workflow.Node{
		ID:   "injected-" + uuid.New().String(),
		Name: "injected task",
		Type: workflow.NodeTask,
		Task: &workflow.TaskPayload{Prompt: prompt, Persona: persona},
	}

	var kept []workflow.Edge
	var rewired []workflow.Edge
	for _, edge := range wf.Edges {
		if edge.From != anchor {
			kept = append(kept, edge)
			continue
		}
		rewired = append(rewired, workflow.Edge{
			ID:        uuid.New().String(),
			From:      injected.ID,
			To:        edge.To,
			Condition: edge.Condition,
			MaxIter:   edge.MaxIter,
		})
	}

	newNodes := append(append([]workflow.Node{}, wf.Nodes...), injected)
	newEdges := append(kept, workflow.Edge{ID: uuid.New().String(), From: anchor, To: injected.ID})
	newEdges = append(newEdges, rewired...)

	if err := validateAcyclic(newNodes, newEdges); err != nil {
		return nil, fmt.Errorf("inject would create a cycle: %w", err)
	}

	wf.Nodes = newNodes
	wf.Edges = newEdges
	if err := e.wf.SaveWorkflow(wf); err != nil {
		return nil, fmt.Errorf("save rewired workflow: %w", err)
	}

	updated, err := e.wf.UpdateNodeState(taskID, injected.ID, workflow.NodeState{Status: workflow.NodePending})
	if err != nil {
		return nil, fmt.Errorf("add injected node state: %w", err)
	}

	return e.ApplyTransitions(ctx, taskID, wf, updated)
}

// pickAnchor finds the currently running node, falling back to the most
// recently completed one.
func pickAnchor(wf *workflow.Workflow, inst *workflow.Instance) (string, error) {
	for _, n := range wf.Nodes {
		if s, ok := inst.NodeStates[n.ID]; ok && s.Status == workflow.NodeRunning {
			return n.ID, nil
		}
	}

	var bestID string
	var bestAt int64
	for _, n := range wf.Nodes {
		s, ok := inst.NodeStates[n.ID]
		if !ok || s.Status != workflow.NodeDone || s.CompletedAt == nil {
			continue
		}
		if bestID == "" || s.CompletedAt.UnixNano() > bestAt {
			bestID = n.ID
			bestAt = s.CompletedAt.UnixNano()
		}
	}
	if bestID == "" {
		return "", fmt.Errorf("inject: no running or completed node to anchor on")
	}
	return bestID, nil
}

// validateAcyclic checks the rewired graph for cycles, excluding loop
// back-edges (the edges carrying maxIterations, §3's "optional
// max-iteration for loops" marker): a loop/foreach body is cyclic by
// construction (the back edge from the loop node re-enters its own body,
// e.g. S4's loop->body edge), so including those edges here would reject
// injection into any workflow with a loop, regardless of the anchor. The
// check still catches a genuine cycle introduced by the splice itself,
// since the anchor->injected->successors edges it adds are never
// back-edges.
func validateAcyclic(nodes []workflow.Node, edges []workflow.Edge) error {
	g := state.NewAcyclicGraph()
	for _, n := range nodes {
		g.AddNode(n.ID)
	}
	for _, e := range edges {
		if e.MaxIter > 0 {
			continue
		}
		if err := g.AddEdge(e.From, e.To); err != nil {
			return err
		}
	}
	return g.ValidateAcyclic()
}
