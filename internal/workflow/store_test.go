package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/taskflow-core/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	layout := &store.Layout{Root: t.TempDir()}
	require.NoError(t, layout.EnsureTaskDirs("task-1"))
	return NewStore(layout)
}

func basicWorkflow() *Workflow {
	return &Workflow{
		TaskID: "task-1",
		Nodes: []Node{
			{ID: "a", Type: NodeStart},
			{ID: "b", Type: NodeTask},
		},
		Edges:     []Edge{{ID: "e1", From: "a", To: "b"}},
		Variables: map[string]interface{}{"seed": float64(1)},
	}
}

func TestSaveAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()

	require.NoError(t, s.SaveWorkflow(wf))
	assert.NotEmpty(t, wf.ID)

	loaded, err := s.GetWorkflow("task-1")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, loaded.ID)
	assert.Len(t, loaded.Nodes, 2)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetWorkflowRejectsDocumentMissingRequiredFields(t *testing.T) {
	s := newTestStore(t)
	layout := &store.Layout{Root: s.layout.Root}
	require.NoError(t, layout.EnsureTaskDirs("task-1"))
	// Valid JSON, but missing the required "nodes"/"edges" fields a real
	// workflow document always carries — the schema must catch this even
	// though json.Unmarshal alone would happily accept it.
	require.NoError(t, store.WriteJSON(layout.WorkflowFile("task-1"), map[string]string{"id": "x", "taskId": "task-1"}))

	_, err := s.GetWorkflow("task-1")
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestGetInstanceRejectsDocumentMissingRequiredFields(t *testing.T) {
	s := newTestStore(t)
	layout := &store.Layout{Root: s.layout.Root}
	require.NoError(t, layout.EnsureTaskDirs("task-1"))
	require.NoError(t, store.WriteJSON(layout.InstanceFile("task-1"), map[string]string{"id": "x"}))

	_, err := s.GetInstance("task-1")
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestCreateInstanceStartsAllNodesPending(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))

	inst, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)
	assert.Equal(t, InstancePending, inst.Status)
	assert.Len(t, inst.NodeStates, 2)
	for _, ns := range inst.NodeStates {
		assert.Equal(t, NodePending, ns.Status)
	}
	assert.Equal(t, float64(1), inst.Variables["seed"])
}

func TestTaskIDForInstanceUsesScanOnCacheMiss(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	inst, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	// Fresh store: cache is empty, forces a directory scan.
	fresh := NewStore(s.layout)
	taskID, err := fresh.TaskIDForInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)
}

func TestTaskIDForInstanceUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.TaskIDForInstance("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateInstanceStatusStampsTimestamps(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	_, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	inst, err := s.UpdateInstanceStatus("task-1", InstanceRunning, "")
	require.NoError(t, err)
	require.NotNil(t, inst.StartedAt)
	assert.Nil(t, inst.CompletedAt)

	inst, err = s.UpdateInstanceStatus("task-1", InstanceCompleted, "")
	require.NoError(t, err)
	require.NotNil(t, inst.CompletedAt)
}

func TestPauseAndUnpause(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	_, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	inst, err := s.Pause("task-1", "waiting on human")
	require.NoError(t, err)
	assert.Equal(t, InstancePaused, inst.Status)
	require.NotNil(t, inst.Pause)
	assert.Equal(t, "waiting on human", inst.Pause.Reason)

	inst, err = s.Unpause("task-1")
	require.NoError(t, err)
	assert.Equal(t, InstanceRunning, inst.Status)
	assert.Nil(t, inst.Pause)
}

func TestUpdateNodeStateMergesFields(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	_, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	inst, err := s.UpdateNodeState("task-1", "a", NodeState{Status: NodeRunning})
	require.NoError(t, err)
	assert.Equal(t, NodeRunning, inst.NodeStates["a"].Status)

	inst, err = s.UpdateNodeState("task-1", "a", NodeState{Status: NodeDone, OutputRef: "outputs/a.json"})
	require.NoError(t, err)
	assert.Equal(t, NodeDone, inst.NodeStates["a"].Status)
	assert.Equal(t, "outputs/a.json", inst.NodeStates["a"].OutputRef)
	// Unchanged node untouched.
	assert.Equal(t, NodePending, inst.NodeStates["b"].Status)
}

func TestSetNodeOutput(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	_, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	inst, err := s.SetNodeOutput("task-1", "a", map[string]interface{}{"status": "ok"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "ok"}, inst.Outputs["a"])
}

func TestIncrementLoopCount(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	_, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	n, err := s.IncrementLoopCount("task-1", "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementLoopCount("task-1", "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResetNodeStateClearsAttemptFields(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	_, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	_, err = s.UpdateNodeState("task-1", "a", NodeState{Status: NodeDone, Attempts: 2, Error: "flaky"})
	require.NoError(t, err)

	inst, err := s.ResetNodeState("task-1", "a")
	require.NoError(t, err)
	assert.Equal(t, NodeState{Status: NodePending}, inst.NodeStates["a"])
}

func TestRecoverNodeClearsErrorKeepsAttempts(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	_, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	_, err = s.UpdateNodeState("task-1", "a", NodeState{Status: NodeRunning, Attempts: 2, Error: "previous attempt timed out"})
	require.NoError(t, err)

	inst, err := s.RecoverNode("task-1", "a")
	require.NoError(t, err)
	assert.Equal(t, NodeState{Status: NodePending, Attempts: 2}, inst.NodeStates["a"])
}

func TestUpdateInstanceVariablesHonorsDottedPaths(t *testing.T) {
	s := newTestStore(t)
	wf := basicWorkflow()
	require.NoError(t, s.SaveWorkflow(wf))
	_, err := s.CreateInstance("task-1", wf)
	require.NoError(t, err)

	inst, err := s.UpdateInstanceVariables("task-1", map[string]interface{}{"config.retries": float64(3)})
	require.NoError(t, err)

	cfg, ok := inst.Variables["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), cfg["retries"])
}
