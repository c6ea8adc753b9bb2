package state

import (
	"fmt"
	"strconv"

	"github.com/aosanya/taskflow-core/internal/workflow"
)

// Manager is C10: given a workflow definition and its instance, it
// decides which pending nodes just became ready or newly unreachable
// (skipped), and whether the instance as a whole has reached a terminal
// state. It never touches the queue or the store directly — callers
// (the engine, the worker) apply the decision and persist it, keeping
// this package a pure function over (workflow, instance).
type Manager struct{}

// NewManager builds a state manager. It carries no state of its own;
// every method is a pure function of its arguments.
func NewManager() *Manager {
	return &Manager{}
}

// Transitions is the result of one readiness pass: nodes to mark ready
// (and therefore enqueue) and nodes to mark skipped (unreachable).
type Transitions struct {
	Ready   []string
	Skipped []string
}

// edgeOutcome classifies one incoming edge against the current state of
// its source node.
type edgeOutcome int

const (
	edgePending edgeOutcome = iota
	edgeSatisfied
	edgeSkipPassthrough
	edgeBlocked
)

// ComputeTransitions scans every node still in status pending and
// classifies it as ready, skipped, or still-pending, per §4.11 / §8
// property 7: a node is ready iff at least one incoming edge is
// genuinely satisfied (source done, condition matches) and no incoming
// edge is blocked (source done but condition does not match, or source
// failed); an incoming edge whose source was itself skipped passes
// through without counting as satisfaction on its own. A node with zero
// incoming edges (e.g. the start node, or a node injected with only a
// pending anchor edge) is ready as soon as it is pending.
func (m *Manager) ComputeTransitions(wf *workflow.Workflow, inst *workflow.Instance) Transitions {
	incoming := incomingEdges(wf)

	var out Transitions
	for _, n := range wf.Nodes {
		cur, ok := inst.NodeStates[n.ID]
		if !ok || cur.Status != workflow.NodePending {
			continue
		}

		edges := incoming[n.ID]
		if len(edges) == 0 {
			out.Ready = append(out.Ready, n.ID)
			continue
		}

		anyPending := false
		anyBlocked := false
		anySatisfied := false

		for _, e := range edges {
			switch classifyEdge(wf, inst, e) {
			case edgePending:
				anyPending = true
			case edgeBlocked:
				anyBlocked = true
			case edgeSatisfied:
				anySatisfied = true
			case edgeSkipPassthrough:
				// contributes neither a block nor a satisfaction
			}
		}

		if anyPending {
			continue
		}
		if anySatisfied && !anyBlocked {
			out.Ready = append(out.Ready, n.ID)
		} else {
			out.Skipped = append(out.Skipped, n.ID)
		}
	}
	return out
}

// classifyEdge decides whether e (terminating at the node under
// evaluation) is satisfied, blocking, a pass-through skip, or still
// pending, based on the runtime status of e.From and, for a done source,
// whether e's condition matches that source's output.
func classifyEdge(wf *workflow.Workflow, inst *workflow.Instance, e workflow.Edge) edgeOutcome {
	src, ok := inst.NodeStates[e.From]
	if !ok {
		return edgePending
	}
	switch src.Status {
	case workflow.NodeDone:
		if edgeMatches(wf, inst, e) {
			return edgeSatisfied
		}
		return edgeBlocked
	case workflow.NodeSkipped:
		return edgeSkipPassthrough
	case workflow.NodeFailed:
		return edgeBlocked
	default:
		return edgePending
	}
}

// edgeMatches decides whether e is the edge taken out of a done source,
// per §4.9: an edge with no condition is unconditional unless a sibling
// edge out of the same source carries a condition that matches the
// source's output, in which case the unconditional edge is the switch
// fallback and is not taken. An edge with a condition is taken iff the
// source's output, stringified, equals the condition.
func edgeMatches(wf *workflow.Workflow, inst *workflow.Instance, e workflow.Edge) bool {
	output := inst.Outputs[e.From]
	if e.Condition != "" {
		return stringifyOutput(output) == e.Condition
	}
	for _, sibling := range wf.Edges {
		if sibling.From != e.From || sibling.ID == e.ID || sibling.Condition == "" {
			continue
		}
		if stringifyOutput(output) == sibling.Condition {
			return false
		}
	}
	return true
}

func stringifyOutput(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func incomingEdges(wf *workflow.Workflow) map[string][]workflow.Edge {
	m := make(map[string][]workflow.Edge, len(wf.Nodes))
	for _, e := range wf.Edges {
		m[e.To] = append(m[e.To], e)
	}
	return m
}

// TerminalStatus reports whether every node in the instance has reached
// a terminal per-attempt status (done/failed/skipped) and, if so, which
// instance status that implies: failed if any node failed, completed
// otherwise (§4.11, §3 instance terminal-state invariant).
func (m *Manager) TerminalStatus(wf *workflow.Workflow, inst *workflow.Instance) (workflow.InstanceStatus, bool) {
	anyFailed := false
	for _, n := range wf.Nodes {
		s, ok := inst.NodeStates[n.ID]
		if !ok {
			return "", false
		}
		switch s.Status {
		case workflow.NodeDone, workflow.NodeSkipped:
			// terminal for this node
		case workflow.NodeFailed:
			anyFailed = true
		default:
			return "", false
		}
	}
	if anyFailed {
		return workflow.InstanceFailed, true
	}
	return workflow.InstanceCompleted, true
}

// Progress is the {total, completed, percentage} triple reported to
// callers (§4.11).
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// ComputeProgress counts nodes in a terminal per-attempt status against
// the workflow's total node count.
func (m *Manager) ComputeProgress(wf *workflow.Workflow, inst *workflow.Instance) Progress {
	total := len(wf.Nodes)
	completed := 0
	for _, n := range wf.Nodes {
		s, ok := inst.NodeStates[n.ID]
		if ok && s.Status.Terminal() {
			completed++
		}
	}
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	return Progress{Total: total, Completed: completed, Percentage: pct}
}
