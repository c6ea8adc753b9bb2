package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/taskflow-core/internal/llm"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/store"
	"github.com/aosanya/taskflow-core/internal/trace"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

func newTestDeps(t *testing.T, invoker llm.Invoker) (Deps, *workflow.Store) {
	t.Helper()
	layout := &store.Layout{Root: t.TempDir()}
	require.NoError(t, layout.EnsureTaskDirs("task-1"))
	wf := workflow.NewStore(layout)
	q := queue.New(layout)
	tr := trace.NewStore(layout)
	return Deps{Workflow: wf, Queue: q, Trace: tr, Invoker: invoker}, wf
}

func baseInstance(t *testing.T, wf *workflow.Store, nodes []workflow.Node, edges []workflow.Edge) *workflow.Instance {
	t.Helper()
	w := &workflow.Workflow{TaskID: "task-1", Nodes: nodes, Edges: edges}
	require.NoError(t, wf.SaveWorkflow(w))
	inst, err := wf.CreateInstance("task-1", w)
	require.NoError(t, err)
	return inst
}

func baseJob(nodeID string) *queue.Job {
	return &queue.Job{ID: "j1", Data: queue.JobData{InstanceID: "inst-1", NodeID: nodeID, Attempt: 1}}
}

func TestExecuteStartAndEndAlwaysSucceed(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	inst := baseInstance(t, wf, []workflow.Node{{ID: "a", Type: workflow.NodeStart}}, nil)

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{{ID: "a", Type: workflow.NodeStart}}}, inst, workflow.Node{ID: "a", Type: workflow.NodeStart}, baseJob("a"))
	assert.Equal(t, workflow.NodeDone, out.Status)
}

func TestExecuteTaskReturnsInvokerResponse(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("hello there"))
	node := workflow.Node{ID: "a", Type: workflow.NodeTask, Task: &workflow.TaskPayload{Prompt: "say hi"}}
	inst := baseInstance(t, wf, []workflow.Node{node}, nil)

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{node}}, inst, node, baseJob("a"))
	require.Equal(t, workflow.NodeDone, out.Status)
	assert.Equal(t, "hello there", out.Output)

	ids, err := deps.Trace.ListTraces("task-1")
	require.NoError(t, err)
	assert.Contains(t, ids, "inst-1")
}

func TestExecuteTaskFailsWithoutPayload(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	node := workflow.Node{ID: "a", Type: workflow.NodeTask}
	inst := baseInstance(t, wf, []workflow.Node{node}, nil)

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{node}}, inst, node, baseJob("a"))
	assert.Equal(t, workflow.NodeFailed, out.Status)
	assert.Equal(t, "process", out.Category)
}

func TestExecuteTaskClassifiesInvokerError(t *testing.T) {
	mock := llm.NewMockInvoker("").WithResponses(llm.MockResponse{Err: &llm.InvokeError{Type: llm.ErrorTimeout, Message: "took too long"}})
	deps, wf := newTestDeps(t, mock)
	node := workflow.Node{ID: "a", Type: workflow.NodeTask, Task: &workflow.TaskPayload{Prompt: "slow"}}
	inst := baseInstance(t, wf, []workflow.Node{node}, nil)

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{node}}, inst, node, baseJob("a"))
	assert.Equal(t, workflow.NodeFailed, out.Status)
	assert.Equal(t, "timeout", out.Category)
}

func TestExecuteConditionEvaluatesBoolExpression(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	node := workflow.Node{ID: "c", Type: workflow.NodeCondition, Condition: "variables.x > 5"}
	inst := baseInstance(t, wf, []workflow.Node{node}, nil)
	inst.Variables = map[string]interface{}{"x": float64(10)}

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{node}}, inst, node, baseJob("c"))
	require.Equal(t, workflow.NodeDone, out.Status)
	assert.Equal(t, true, out.Output)
}

func TestExecuteConditionSyntaxErrorFails(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	node := workflow.Node{ID: "c", Type: workflow.NodeCondition, Condition: "variables.x >"}
	inst := baseInstance(t, wf, []workflow.Node{node}, nil)

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{node}}, inst, node, baseJob("c"))
	assert.Equal(t, workflow.NodeFailed, out.Status)
	assert.Equal(t, "eval", out.Category)
}

func TestExecuteAssignWritesInstanceVariables(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	node := workflow.Node{ID: "as", Type: workflow.NodeAssign, Assign: map[string]string{"config.retries": "3"}}
	inst := baseInstance(t, wf, []workflow.Node{node}, nil)

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{node}}, inst, node, baseJob("as"))
	require.Equal(t, workflow.NodeDone, out.Status)

	updated, err := wf.GetInstance("task-1")
	require.NoError(t, err)
	cfg, ok := updated.Variables["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), cfg["retries"])
}

func TestExecuteLoopStopsAtMaxIterations(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	loopNode := workflow.Node{ID: "loop", Type: workflow.NodeLoop, MaxIter: 2}
	body := workflow.Node{ID: "body", Type: workflow.NodeTask, Task: &workflow.TaskPayload{Prompt: "p"}}
	wfDef := &workflow.Workflow{
		Nodes: []workflow.Node{loopNode, body},
		Edges: []workflow.Edge{{ID: "back", From: "loop", To: "body", MaxIter: 2}},
	}
	inst := baseInstance(t, wf, wfDef.Nodes, wfDef.Edges)

	x := New(deps)
	out1 := x.Execute(context.Background(), "task-1", wfDef, inst, loopNode, baseJob("loop"))
	assert.Equal(t, true, out1.Output)

	inst, _ = wf.GetInstance("task-1")
	out2 := x.Execute(context.Background(), "task-1", wfDef, inst, loopNode, baseJob("loop"))
	assert.Equal(t, true, out2.Output)

	inst, _ = wf.GetInstance("task-1")
	out3 := x.Execute(context.Background(), "task-1", wfDef, inst, loopNode, baseJob("loop"))
	assert.Equal(t, false, out3.Output)

	// §3/§4.4: loop counters are per-edge, keyed by the back edge id
	// ("back"), not by the loop node's own id.
	inst, _ = wf.GetInstance("task-1")
	assert.Equal(t, 3, inst.LoopCounts["back"])
	assert.NotContains(t, inst.LoopCounts, "loop")
}

func TestExecuteForeachIteratesThenStops(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	node := workflow.Node{ID: "fe", Type: workflow.NodeForeach, Iterable: "variables.items"}
	wfDef := &workflow.Workflow{Nodes: []workflow.Node{node}}
	inst := baseInstance(t, wf, wfDef.Nodes, nil)
	_, err := wf.UpdateInstanceVariables("task-1", map[string]interface{}{"items": []interface{}{"a", "b"}})
	require.NoError(t, err)

	x := New(deps)
	inst, _ = wf.GetInstance("task-1")
	out1 := x.Execute(context.Background(), "task-1", wfDef, inst, node, baseJob("fe"))
	assert.Equal(t, true, out1.Output)

	inst, _ = wf.GetInstance("task-1")
	out2 := x.Execute(context.Background(), "task-1", wfDef, inst, node, baseJob("fe"))
	assert.Equal(t, true, out2.Output)

	inst, _ = wf.GetInstance("task-1")
	out3 := x.Execute(context.Background(), "task-1", wfDef, inst, node, baseJob("fe"))
	assert.Equal(t, false, out3.Output)
}

func TestExecuteHumanMarksJobWaiting(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	node := workflow.Node{ID: "h", Type: workflow.NodeHuman}
	inst := baseInstance(t, wf, []workflow.Node{node}, nil)

	jobID, err := deps.Queue.EnqueueNode(queue.JobData{InstanceID: inst.ID, NodeID: "h", Attempt: 1}, queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := deps.Queue.GetNextJob(inst.ID)
	require.NoError(t, err)

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{node}}, inst, node, job)
	assert.Equal(t, workflow.NodeWaiting, out.Status)

	stored, err := deps.Queue.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusHumanWaiting, stored.Status)
}

func TestExecuteUnknownNodeTypeFails(t *testing.T) {
	deps, wf := newTestDeps(t, llm.NewMockInvoker("ok"))
	node := workflow.Node{ID: "u", Type: workflow.NodeType("bogus")}
	inst := baseInstance(t, wf, []workflow.Node{node}, nil)

	x := New(deps)
	out := x.Execute(context.Background(), "task-1", &workflow.Workflow{Nodes: []workflow.Node{node}}, inst, node, baseJob("u"))
	assert.Equal(t, workflow.NodeFailed, out.Status)
	assert.Equal(t, "process", out.Category)
}

func TestRetryBudgetHonorsNodeOverride(t *testing.T) {
	high := 5
	assert.Equal(t, 5, RetryBudget(workflow.Node{Retries: &high}))

	low := 0
	assert.Equal(t, queue.DefaultMaxAttempts-1, RetryBudget(workflow.Node{Retries: &low}))

	assert.Equal(t, queue.DefaultMaxAttempts-1, RetryBudget(workflow.Node{}))
}
