package recovery

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/store"
	"github.com/aosanya/taskflow-core/internal/task"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

const deadPID = 999999

func newTestRecovery(t *testing.T) (*Recovery, *task.Store, *workflow.Store, *queue.Queue) {
	t.Helper()
	layout := &store.Layout{Root: t.TempDir()}
	tasks := task.NewStore(layout)
	wf := workflow.NewStore(layout)
	q := queue.New(layout)
	return New(tasks, wf, q), tasks, wf, q
}

func setupOrphanedTask(t *testing.T, tasks *task.Store, wf *workflow.Store, q *queue.Queue, pid int) (string, string) {
	t.Helper()
	tk := &task.Task{Title: "orphan", WorkingDir: "/tmp", Status: task.StatusDeveloping}
	require.NoError(t, tasks.Create(tk))
	_, err := tasks.Patch(tk.ID, func(x *task.Task) { x.Status = task.StatusDeveloping })
	require.NoError(t, err)

	w := &workflow.Workflow{
		TaskID: tk.ID,
		Nodes:  []workflow.Node{{ID: "a"}, {ID: "b"}},
		Edges:  []workflow.Edge{{ID: "e1", From: "a", To: "b"}},
	}
	require.NoError(t, wf.SaveWorkflow(w))
	inst, err := wf.CreateInstance(tk.ID, w)
	require.NoError(t, err)
	_, err = wf.UpdateInstanceStatus(tk.ID, workflow.InstanceRunning, "")
	require.NoError(t, err)
	_, err = wf.UpdateNodeState(tk.ID, "a", workflow.NodeState{Status: workflow.NodeRunning, Attempts: 2, Error: "previous attempt timed out"})
	require.NoError(t, err)

	jobID, err := q.EnqueueNode(queue.JobData{InstanceID: inst.ID, NodeID: "a", Attempt: 1, TaskID: tk.ID}, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.GetNextJob(inst.ID) // flips to active
	require.NoError(t, err)

	require.NoError(t, tasks.SaveProcessInfo(tk.ID, &task.ProcessInfo{PID: pid, Status: task.ProcessRunning}))
	return tk.ID, jobID
}

func TestScanReconcilesOrphanedTask(t *testing.T) {
	rec, tasks, wf, q := newTestRecovery(t)
	taskID, jobID := setupOrphanedTask(t, tasks, wf, q, deadPID)

	orphans, err := rec.Scan()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, taskID, orphans[0].TaskID)
	assert.Equal(t, 1, orphans[0].NodesReset)
	assert.Equal(t, 1, orphans[0].JobsRequeued)
	assert.Equal(t, workflow.InstancePaused, orphans[0].InstanceState)

	inst, err := wf.GetInstance(taskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.NodePending, inst.NodeStates["a"].Status)
	assert.Equal(t, "", inst.NodeStates["a"].Error, "recovery must clear the last error, not just the status")
	assert.Equal(t, 2, inst.NodeStates["a"].Attempts, "recovery retains attempts, it is not a retry")
	assert.Equal(t, workflow.InstancePaused, inst.Status)

	job, err := q.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusWaiting, job.Status)

	_, err = tasks.GetProcessInfo(taskID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScanSkipsTasksWithLiveOwner(t *testing.T) {
	rec, tasks, wf, q := newTestRecovery(t)
	// The test process's own pid is always alive.
	taskID, _ := setupOrphanedTask(t, tasks, wf, q, os.Getpid())

	orphans, err := rec.Scan()
	require.NoError(t, err)
	assert.Empty(t, orphans)

	info, err := tasks.GetProcessInfo(taskID)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestScanSkipsTasksWithNoProcessRecord(t *testing.T) {
	rec, tasks, _, _ := newTestRecovery(t)
	tk := &task.Task{Title: "never started", WorkingDir: "/tmp", Status: task.StatusPlanning}
	require.NoError(t, tasks.Create(tk))
	_, err := tasks.Patch(tk.ID, func(x *task.Task) { x.Status = task.StatusPlanning })
	require.NoError(t, err)

	orphans, err := rec.Scan()
	require.NoError(t, err)
	assert.Empty(t, orphans)
}
