// Package executor implements C9 (node executor): given one queued job, run
// the node it names to completion (or to a waiting/failure outcome) and
// report the result. It never touches the queue beyond the human-node
// markJobWaiting call (§4.9) — enqueueing downstream work is the worker's
// job, driven by the C10 state manager.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/executor/eval"
	"github.com/aosanya/taskflow-core/internal/llm"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/trace"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// Outcome is what Execute decided happened to one node attempt.
type Outcome struct {
	Status   workflow.NodeRunStatus // NodeDone, NodeFailed, or NodeWaiting
	Output   interface{}
	ErrMsg   string
	Category string // "timeout", "cancelled", "eval", "process", "" on success
}

// Deps are the collaborators the node executor calls into. Queue is used
// only for the human node's markJobWaiting; Trace only to record llm spans.
type Deps struct {
	Workflow *workflow.Store
	Queue    *queue.Queue
	Trace    *trace.Store
	Invoker  llm.Invoker
}

// Executor is C9.
type Executor struct {
	deps Deps
}

// New builds a node executor over deps.
func New(deps Deps) *Executor {
	return &Executor{deps: deps}
}

// Execute runs node once, for the attempt numbered by job, against wf/inst.
// It returns an Outcome describing the result; the caller (the worker) is
// responsible for persisting node state, applying state-manager transitions,
// and retry/backoff bookkeeping on failure.
func (x *Executor) Execute(ctx context.Context, taskID string, wf *workflow.Workflow, inst *workflow.Instance, node workflow.Node, job *queue.Job) Outcome {
	logger := log.WithFields(log.Fields{"task_id": taskID, "node_id": node.ID, "node_type": node.Type, "attempt": job.Data.Attempt})

	if node.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	switch node.Type {
	case workflow.NodeStart, workflow.NodeEnd:
		return Outcome{Status: workflow.NodeDone, Output: nil}

	case workflow.NodeTask:
		return x.executeTask(ctx, taskID, inst, node, job, logger)

	case workflow.NodeCondition:
		return x.executeCondition(inst, node, logger)

	case workflow.NodeSwitch:
		return x.executeSwitch(inst, node, logger)

	case workflow.NodeAssign:
		return x.executeAssign(taskID, inst, node, logger)

	case workflow.NodeScript:
		return x.executeScript(inst, node, logger)

	case workflow.NodeLoop:
		return x.executeLoop(taskID, wf, inst, node, logger)

	case workflow.NodeForeach:
		return x.executeForeach(taskID, wf, inst, node, logger)

	case workflow.NodeHuman:
		return x.executeHuman(job, logger)

	default:
		return Outcome{Status: workflow.NodeFailed, ErrMsg: fmt.Sprintf("unknown node type %q", node.Type), Category: "process"}
	}
}

func (x *Executor) evalContext(inst *workflow.Instance) *eval.Context {
	states := make(map[string]interface{}, len(inst.NodeStates))
	for id, s := range inst.NodeStates {
		states[id] = map[string]interface{}{"status": string(s.Status), "attempts": s.Attempts}
	}
	return eval.NewContext(inst.Outputs, inst.Variables, nil, states)
}

func (x *Executor) executeTask(ctx context.Context, taskID string, inst *workflow.Instance, node workflow.Node, job *queue.Job, logger *log.Entry) Outcome {
	if node.Task == nil {
		return Outcome{Status: workflow.NodeFailed, ErrMsg: "task node missing task payload", Category: "process"}
	}
	persona := node.Task.Persona
	if job.Data.Persona != "" {
		persona = job.Data.Persona
	}

	spanID := uuid.New().String()
	start := time.Now()
	if x.deps.Trace != nil {
		_ = x.deps.Trace.AppendSpan(taskID, trace.Span{
			TraceID:   job.Data.InstanceID,
			SpanID:    spanID,
			Name:      node.Name,
			Kind:      trace.KindLLM,
			StartTime: start,
			Status:    trace.StatusRunning,
			Attributes: map[string]interface{}{
				"nodeId":  node.ID,
				"persona": persona,
			},
		})
	}

	result, err := x.deps.Invoker.Invoke(ctx, llm.Request{
		Prompt:    node.Task.Prompt,
		TimeoutMs: node.TimeoutMs,
		SessionID: job.Data.InstanceID,
	})

	end := time.Now()
	if err != nil {
		invokeErr, ok := err.(*llm.InvokeError)
		category := "process"
		if ok {
			category = string(invokeErr.Type)
		}
		logger.WithError(err).Warn("task node invocation failed")
		if x.deps.Trace != nil {
			_ = x.deps.Trace.AppendSpan(taskID, trace.Span{
				TraceID:   job.Data.InstanceID,
				SpanID:    uuid.New().String(),
				Name:      node.Name,
				Kind:      trace.KindLLM,
				StartTime: start,
				EndTime:   &end,
				DurationMs: end.Sub(start).Milliseconds(),
				Status:    trace.StatusError,
				Error:     &trace.SpanError{Message: err.Error(), Category: category},
			})
		}
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: category}
	}

	if x.deps.Trace != nil {
		_ = x.deps.Trace.AppendSpan(taskID, trace.Span{
			TraceID:    job.Data.InstanceID,
			SpanID:     uuid.New().String(),
			Name:       node.Name,
			Kind:       trace.KindLLM,
			StartTime:  start,
			EndTime:    &end,
			DurationMs: end.Sub(start).Milliseconds(),
			Status:     trace.StatusOK,
			CostUSD:    result.CostUSD,
		})
	}
	return Outcome{Status: workflow.NodeDone, Output: result.Response}
}

func (x *Executor) executeCondition(inst *workflow.Instance, node workflow.Node, logger *log.Entry) Outcome {
	ok, err := eval.EvaluateBool(node.Condition, x.evalContext(inst))
	if err != nil {
		logger.WithError(err).Warn("condition expression syntax error")
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "eval"}
	}
	return Outcome{Status: workflow.NodeDone, Output: ok}
}

func (x *Executor) executeSwitch(inst *workflow.Instance, node workflow.Node, logger *log.Entry) Outcome {
	v, err := eval.Evaluate(node.Switch, x.evalContext(inst))
	if err != nil {
		logger.WithError(err).Warn("switch expression syntax error")
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "eval"}
	}
	return Outcome{Status: workflow.NodeDone, Output: v}
}

func (x *Executor) executeScript(inst *workflow.Instance, node workflow.Node, logger *log.Entry) Outcome {
	v, err := eval.Evaluate(node.Script, x.evalContext(inst))
	if err != nil {
		logger.WithError(err).Warn("script expression syntax error")
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "eval"}
	}
	return Outcome{Status: workflow.NodeDone, Output: v}
}

// executeAssign evaluates every value expression in node.Assign and writes
// the results into instance.variables at the corresponding dotted paths.
func (x *Executor) executeAssign(taskID string, inst *workflow.Instance, node workflow.Node, logger *log.Entry) Outcome {
	patch := make(map[string]interface{}, len(node.Assign))
	ctx := x.evalContext(inst)
	for path, expr := range node.Assign {
		v, err := eval.Evaluate(expr, ctx)
		if err != nil {
			logger.WithError(err).WithField("path", path).Warn("assign expression syntax error")
			return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "eval"}
		}
		patch[path] = v
	}
	if _, err := x.deps.Workflow.UpdateInstanceVariables(taskID, patch); err != nil {
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "process"}
	}
	return Outcome{Status: workflow.NodeDone, Output: patch}
}

// executeLoop evaluates the loop's continuation expression against the
// current iteration count (taken from loopCounts keyed by the loop's back
// edge id, per §3/§4.4) and reports continue/exit as a bare bool output,
// matching a condition node's two-edge ("true"/"false") branching. The
// count is mirrored into variables.loop.index so the condition expression
// and any body node can reference it.
func (x *Executor) executeLoop(taskID string, wf *workflow.Workflow, inst *workflow.Instance, node workflow.Node, logger *log.Entry) Outcome {
	count, err := x.deps.Workflow.IncrementLoopCount(taskID, loopCountKey(wf, node.ID))
	if err != nil {
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "process"}
	}

	maxIter := node.MaxIter
	ctx := x.evalContext(inst)
	ctx.Variables["loop"] = map[string]interface{}{"index": float64(count)}

	cont := true
	if maxIter > 0 && count > maxIter {
		cont = false
	} else if node.Condition != "" {
		cont, err = eval.EvaluateBool(node.Condition, ctx)
		if err != nil {
			logger.WithError(err).Warn("loop condition syntax error")
			return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "eval"}
		}
	}

	if _, err := x.deps.Workflow.UpdateInstanceVariables(taskID, map[string]interface{}{"loop.index": float64(count)}); err != nil {
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "process"}
	}

	if cont {
		x.resetLoopBody(taskID, wf, node.ID, logger)
	}
	return Outcome{Status: workflow.NodeDone, Output: cont}
}

// resetLoopBody re-pends every node from the loop's back edge target up
// to, but not including, the loop node itself, so the next readiness pass re-executes
// the whole body instead of finding it stuck done (§4.9 loop re-entry). The
// loop node's own re-pending, for the check that follows the next body run,
// is the engine's job — it happens once the body actually becomes ready off
// this back edge, not here (§4.11 loop-back edge handling).
func (x *Executor) resetLoopBody(taskID string, wf *workflow.Workflow, loopNodeID string, logger *log.Entry) {
	back := backEdge(wf, loopNodeID)
	if back == nil {
		return
	}
	for _, id := range bodyNodesBetween(wf, back.To, loopNodeID) {
		if _, err := x.deps.Workflow.ResetNodeState(taskID, id); err != nil {
			logger.WithError(err).WithField("body_node", id).Warn("failed to reset loop body node")
		}
	}
}

// backEdge finds the edge leaving loopNodeID that re-enters the loop body:
// the one carrying maxIterations, or failing that the one whose condition
// matches the loop's "continue" output ("true").
func backEdge(wf *workflow.Workflow, loopNodeID string) *workflow.Edge {
	for i, e := range wf.Edges {
		if e.From == loopNodeID && e.MaxIter > 0 {
			return &wf.Edges[i]
		}
	}
	for i, e := range wf.Edges {
		if e.From == loopNodeID && e.Condition == "true" {
			return &wf.Edges[i]
		}
	}
	return nil
}

// loopCountKey is the key IncrementLoopCount bumps for a loop/foreach node:
// per §3/§4.4 the counter is keyed by the loop's back edge id, not the node
// id. A node with no modeled back edge in the graph (e.g. a foreach driven
// purely by an iterable, with no explicit loop-back edge) falls back to its
// own node id so it still gets a stable per-node counter.
func loopCountKey(wf *workflow.Workflow, loopNodeID string) string {
	if e := backEdge(wf, loopNodeID); e != nil {
		return e.ID
	}
	return loopNodeID
}

// bodyNodesBetween does a forward BFS from start, collecting every node
// reachable without passing through stop, stopping the walk at stop itself.
func bodyNodesBetween(wf *workflow.Workflow, start, stop string) []string {
	out := make(map[string][]string, len(wf.Nodes))
	for _, e := range wf.Edges {
		out[e.From] = append(out[e.From], e.To)
	}

	seen := map[string]bool{}
	var order []string
	frontier := []string{start}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == stop || seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
		frontier = append(frontier, out[id]...)
	}
	return order
}

// executeForeach walks node.Iterable (a variables.* path) one item per
// attempt. Its output is a bare continue/exit bool, exactly like a loop
// node, so the same "true"/"false" two-edge branching and back-edge body
// reset apply; index/item/total for the current element are exposed to the
// body only via variables.loop.* (not the output itself, so it still
// stringifies to a routable "true"/"false").
func (x *Executor) executeForeach(taskID string, wf *workflow.Workflow, inst *workflow.Instance, node workflow.Node, logger *log.Entry) Outcome {
	items := resolveIterable(node.Iterable, inst.Variables)
	idx, err := x.deps.Workflow.IncrementLoopCount(taskID, loopCountKey(wf, node.ID))
	if err != nil {
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "process"}
	}
	idx-- // IncrementLoopCount starts at 1; the first item is index 0

	if idx >= len(items) {
		if _, err := x.deps.Workflow.UpdateInstanceVariables(taskID, map[string]interface{}{"loop.total": float64(len(items))}); err != nil {
			return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "process"}
		}
		return Outcome{Status: workflow.NodeDone, Output: false}
	}

	item := items[idx]
	if _, err := x.deps.Workflow.UpdateInstanceVariables(taskID, map[string]interface{}{
		"loop.index": float64(idx),
		"loop.item":  item,
		"loop.total": float64(len(items)),
	}); err != nil {
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "process"}
	}
	x.resetLoopBody(taskID, wf, node.ID, logger)
	logger.WithField("index", idx).Debug("foreach advanced")
	return Outcome{Status: workflow.NodeDone, Output: true}
}

func resolveIterable(path string, variables map[string]interface{}) []interface{} {
	ctx := eval.NewContext(nil, variables, nil, nil)
	v, err := eval.Evaluate(path, ctx)
	if err != nil {
		return nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	return items
}

func (x *Executor) executeHuman(job *queue.Job, logger *log.Entry) Outcome {
	if x.deps.Queue == nil {
		return Outcome{Status: workflow.NodeFailed, ErrMsg: "human node requires a queue", Category: "process"}
	}
	if err := x.deps.Queue.MarkJobWaiting(job.ID); err != nil {
		return Outcome{Status: workflow.NodeFailed, ErrMsg: err.Error(), Category: "process"}
	}
	logger.Info("node waiting on human approval")
	return Outcome{Status: workflow.NodeWaiting}
}

// RetryBudget returns the number of retries a failed node gets before the
// worker gives up and marks it permanently failed: the larger of the
// node's own retry policy (0 if unset) and the queue-wide default minus
// the one attempt already spent getting here (§4.9 retry rule).
func RetryBudget(node workflow.Node) int {
	if node.Retries != nil {
		if *node.Retries > queue.DefaultMaxAttempts-1 {
			return *node.Retries
		}
		return queue.DefaultMaxAttempts - 1
	}
	return queue.DefaultMaxAttempts - 1
}
