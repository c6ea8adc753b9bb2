// Package engine implements C11: the workflow engine. It owns the three
// entry points that move a graph forward — start, resume, inject — and the
// transition-application step the worker calls after every node outcome:
// compute the newly-ready/newly-skipped set, enqueue the former, detect
// instance terminal states, and emit the lifecycle events other components
// observe (§4.11, §4.13).
package engine

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/events"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/state"
	"github.com/aosanya/taskflow-core/internal/task"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// Engine is C11.
type Engine struct {
	wf    *workflow.Store
	tasks *task.Store
	queue *queue.Queue
	state *state.Manager
	bus   *events.Bus
}

// New wires an Engine over its collaborators.
func New(wf *workflow.Store, tasks *task.Store, q *queue.Queue, bus *events.Bus) *Engine {
	return &Engine{wf: wf, tasks: tasks, queue: q, state: state.NewManager(), bus: bus}
}

func priorityRank(p task.Priority) int {
	switch p {
	case task.PriorityHigh:
		return 2
	case task.PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Start persists a freshly generated workflow, creates its instance, flips
// the instance to running, and enqueues the initial ready set (normally
// just the start node, since it has no incoming edges).
func (e *Engine) Start(ctx context.Context, taskID string, wf *workflow.Workflow) (*workflow.Instance, error) {
	if err := e.wf.SaveWorkflow(wf); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	inst, err := e.wf.CreateInstance(taskID, wf)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	inst, err = e.wf.UpdateInstanceStatus(taskID, workflow.InstanceRunning, "")
	if err != nil {
		return nil, fmt.Errorf("start instance: %w", err)
	}

	e.bus.Emit(ctx, events.Event{Name: events.WorkflowStarted, Data: map[string]interface{}{
		"taskId": taskID, "workflowId": wf.ID, "instanceId": inst.ID,
	}, Timestamp: time.Now(), Context: ctx})

	return e.ApplyTransitions(ctx, taskID, wf, inst)
}

// Resume re-applies transitions against the current on-disk state, used
// after a pause/resume cycle or after crash recovery has reset running
// nodes back to pending (§4.12 step 2).
func (e *Engine) Resume(ctx context.Context, taskID string) (*workflow.Instance, error) {
	wf, err := e.wf.GetWorkflow(taskID)
	if err != nil {
		return nil, err
	}
	inst, err := e.wf.GetInstance(taskID)
	if err != nil {
		return nil, err
	}
	return e.ApplyTransitions(ctx, taskID, wf, inst)
}

// ApplyTransitions computes ready/skipped nodes for the current instance
// state, persists and enqueues them, and checks for instance completion.
// Called by Start/Resume and by the worker after every node outcome.
func (e *Engine) ApplyTransitions(ctx context.Context, taskID string, wf *workflow.Workflow, inst *workflow.Instance) (*workflow.Instance, error) {
	transitions := e.state.ComputeTransitions(wf, inst)

	for _, id := range transitions.Skipped {
		updated, err := e.wf.UpdateNodeState(taskID, id, workflow.NodeState{Status: workflow.NodeSkipped})
		if err != nil {
			return nil, fmt.Errorf("mark %s skipped: %w", id, err)
		}
		inst = updated
	}

	if len(transitions.Ready) > 0 {
		e.resetLoopSources(taskID, wf, inst, transitions.Ready)
		// Reload: resetLoopSources may have mutated node states this
		// instance snapshot no longer reflects.
		reloaded, err := e.wf.GetInstance(taskID)
		if err != nil {
			return nil, err
		}
		inst = reloaded
	}

	priority := 0
	t, err := e.tasks.Get(taskID)
	if err == nil {
		priority = priorityRank(t.Priority)
	}

	for _, id := range transitions.Ready {
		updated, err := e.wf.UpdateNodeState(taskID, id, workflow.NodeState{Status: workflow.NodeReady})
		if err != nil {
			return nil, fmt.Errorf("mark %s ready: %w", id, err)
		}
		inst = updated

		node := findNode(wf, id)
		retries := 0
		if node.Retries != nil {
			retries = *node.Retries
		}
		maxAttempts := retries + 1
		if maxAttempts < queue.DefaultMaxAttempts {
			maxAttempts = queue.DefaultMaxAttempts
		}

		if _, err := e.queue.EnqueueNode(queue.JobData{
			InstanceID: inst.ID,
			NodeID:     id,
			Attempt:    1,
			WorkflowID: wf.ID,
			TaskID:     taskID,
		}, queue.EnqueueOptions{Priority: priority, MaxAttempts: maxAttempts}); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", id, err)
		}
	}

	if status, terminal := e.state.TerminalStatus(wf, inst); terminal {
		finalInst, err := e.wf.UpdateInstanceStatus(taskID, status, "")
		if err != nil {
			return nil, err
		}
		name := events.WorkflowCompleted
		if status == workflow.InstanceFailed {
			name = events.WorkflowFailed
		}
		e.bus.Emit(ctx, events.Event{Name: name, Data: map[string]interface{}{
			"taskId": taskID, "instanceId": inst.ID,
		}, Timestamp: time.Now(), Context: ctx})
		return finalInst, nil
	}

	progress := e.state.ComputeProgress(wf, inst)
	e.bus.Emit(ctx, events.Event{Name: events.WorkflowProgress, Data: map[string]interface{}{
		"taskId": taskID, "instanceId": inst.ID, "progress": progress,
	}, Timestamp: time.Now(), Context: ctx})

	return inst, nil
}

// resetLoopSources re-pends the loop/foreach node on the other end of any
// loop-back edge (one carrying maxIterations) that just satisfied one of
// the ready nodes. The executor already reset the loop body; the loop
// node itself can only be reset once its body has actually become ready
// again off that edge, which is exactly this moment (see the executor
// package's design notes for why it can't happen earlier).
func (e *Engine) resetLoopSources(taskID string, wf *workflow.Workflow, inst *workflow.Instance, readyIDs []string) {
	ready := make(map[string]bool, len(readyIDs))
	for _, id := range readyIDs {
		ready[id] = true
	}
	seen := map[string]bool{}
	for _, edge := range wf.Edges {
		if edge.MaxIter == 0 || !ready[edge.To] {
			continue
		}
		if seen[edge.From] {
			continue
		}
		src, ok := inst.NodeStates[edge.From]
		if !ok || src.Status != workflow.NodeDone {
			continue
		}
		seen[edge.From] = true
		if _, err := e.wf.ResetNodeState(taskID, edge.From); err != nil {
			log.WithError(err).WithField("node_id", edge.From).Warn("failed to reset loop node for next iteration")
		}
	}
}

func findNode(wf *workflow.Workflow, id string) workflow.Node {
	for _, n := range wf.Nodes {
		if n.ID == id {
			return n
		}
	}
	return workflow.Node{}
}
