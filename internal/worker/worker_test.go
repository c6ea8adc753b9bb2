package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/taskflow-core/internal/engine"
	"github.com/aosanya/taskflow-core/internal/events"
	"github.com/aosanya/taskflow-core/internal/executor"
	"github.com/aosanya/taskflow-core/internal/llm"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/store"
	"github.com/aosanya/taskflow-core/internal/task"
	"github.com/aosanya/taskflow-core/internal/trace"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

type testRig struct {
	worker *Worker
	wf     *workflow.Store
	queue  *queue.Queue
	tasks  *task.Store
	bus    *events.Bus
	engine *engine.Engine
}

func newTestRig(t *testing.T, invoker llm.Invoker) testRig {
	t.Helper()
	layout := &store.Layout{Root: t.TempDir()}
	wf := workflow.NewStore(layout)
	q := queue.New(layout)
	tasks := task.NewStore(layout)
	tr := trace.NewStore(layout)
	bus := events.New()
	eng := engine.New(wf, tasks, q, bus)
	exec := executor.New(executor.Deps{Workflow: wf, Queue: q, Trace: tr, Invoker: invoker})
	w := New(DefaultConfig(), q, wf, exec, eng, bus)
	return testRig{worker: w, wf: wf, queue: q, tasks: tasks, bus: bus, engine: eng}
}

func TestHandleCompletesTaskNodeAndAdvancesTransitions(t *testing.T) {
	rig := newTestRig(t, llm.NewMockInvoker("done"))
	tk := &task.Task{Title: "t", WorkingDir: "/tmp", Priority: task.PriorityMedium}
	require.NoError(t, rig.tasks.Create(tk))

	wf := &workflow.Workflow{
		TaskID: tk.ID,
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "mid", Type: workflow.NodeTask, Task: &workflow.TaskPayload{Prompt: "go"}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{ID: "e1", From: "start", To: "mid"},
			{ID: "e2", From: "mid", To: "end"},
		},
	}
	inst, err := rig.engine.Start(context.Background(), tk.ID, wf)
	require.NoError(t, err)

	for _, nodeID := range []string{"start", "mid", "end"} {
		job, err := rig.queue.GetNextJob(inst.ID)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, nodeID, job.Data.NodeID)
		rig.worker.handle(context.Background(), job)
	}

	final, err := rig.wf.GetInstance(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, final.Status)
	assert.Equal(t, "done", final.Outputs["mid"])
}

func TestHandleRetriesRecoverableFailureKeepsNodeRunning(t *testing.T) {
	mock := llm.NewMockInvoker("").WithResponses(llm.MockResponse{Err: &llm.InvokeError{Type: llm.ErrorProcess, Message: "boom"}})
	rig := newTestRig(t, mock)
	tk := &task.Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, rig.tasks.Create(tk))

	node := workflow.Node{ID: "flaky", Type: workflow.NodeTask, Task: &workflow.TaskPayload{Prompt: "go"}}
	wfDef := &workflow.Workflow{TaskID: tk.ID, Nodes: []workflow.Node{node}}
	require.NoError(t, rig.wf.SaveWorkflow(wfDef))
	inst, err := rig.wf.CreateInstance(tk.ID, wfDef)
	require.NoError(t, err)

	jobID, err := rig.queue.EnqueueNode(queue.JobData{InstanceID: inst.ID, NodeID: "flaky", Attempt: 1, TaskID: tk.ID}, queue.EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)
	job, err := rig.queue.GetNextJob(inst.ID)
	require.NoError(t, err)

	rig.worker.handle(context.Background(), job)

	updated, err := rig.wf.GetInstance(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.NodeRunning, updated.NodeStates["flaky"].Status)
	assert.Equal(t, "process: boom", updated.NodeStates["flaky"].Error)

	stored, err := rig.queue.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusWaiting, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestHandleMarksNodeFailedAndPropagatesTerminalFailure(t *testing.T) {
	mock := llm.NewMockInvoker("").WithResponses(llm.MockResponse{Err: &llm.InvokeError{Type: llm.ErrorProcess, Message: "fatal"}})
	rig := newTestRig(t, mock)
	tk := &task.Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, rig.tasks.Create(tk))

	node := workflow.Node{ID: "doomed", Type: workflow.NodeTask, Task: &workflow.TaskPayload{Prompt: "go"}}
	wfDef := &workflow.Workflow{TaskID: tk.ID, Nodes: []workflow.Node{node}}
	require.NoError(t, rig.wf.SaveWorkflow(wfDef))
	inst, err := rig.wf.CreateInstance(tk.ID, wfDef)
	require.NoError(t, err)

	var failedEvent bool
	rig.bus.On(events.NodeFailed, func(_ context.Context, ev events.Event) error {
		failedEvent = true
		return nil
	})

	_, err = rig.queue.EnqueueNode(queue.JobData{InstanceID: inst.ID, NodeID: "doomed", Attempt: 1, TaskID: tk.ID}, queue.EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	job, err := rig.queue.GetNextJob(inst.ID)
	require.NoError(t, err)

	rig.worker.handle(context.Background(), job)

	updated, err := rig.wf.GetInstance(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.NodeFailed, updated.NodeStates["doomed"].Status)
	assert.Equal(t, workflow.InstanceFailed, updated.Status)
	assert.True(t, failedEvent)
}

func TestHandleHumanNodeParksJobAndMarksWaiting(t *testing.T) {
	rig := newTestRig(t, llm.NewMockInvoker("unused"))
	tk := &task.Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, rig.tasks.Create(tk))

	node := workflow.Node{ID: "ask", Type: workflow.NodeHuman}
	wfDef := &workflow.Workflow{TaskID: tk.ID, Nodes: []workflow.Node{node}}
	require.NoError(t, rig.wf.SaveWorkflow(wfDef))
	inst, err := rig.wf.CreateInstance(tk.ID, wfDef)
	require.NoError(t, err)

	jobID, err := rig.queue.EnqueueNode(queue.JobData{InstanceID: inst.ID, NodeID: "ask", Attempt: 1, TaskID: tk.ID}, queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := rig.queue.GetNextJob(inst.ID)
	require.NoError(t, err)

	rig.worker.handle(context.Background(), job)

	updated, err := rig.wf.GetInstance(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.NodeWaiting, updated.NodeStates["ask"].Status)

	stored, err := rig.queue.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusHumanWaiting, stored.Status)
}
