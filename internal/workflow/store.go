package workflow

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aosanya/taskflow-core/internal/store"
)

// Store is C4: CRUD over workflow.json/instance.json plus the mutation
// helpers used by the engine, executor, and state manager.
type Store struct {
	layout *store.Layout

	// cacheMu guards instanceToTask, a lazy instanceId -> taskId cache.
	// Rebuilt by directory scan on a miss; writes refresh it. No
	// cross-process coherence is attempted (§4.4) — it is pure advice.
	cacheMu        sync.RWMutex
	instanceToTask map[string]string

	// instMu guards per-task mutateInstance calls with a process-local
	// mutex, one per taskID: within one instance, node transitions must
	// be observed in the order produced (§5 ordering guarantees), which a
	// bare read-modify-write over the instance file cannot guarantee once
	// more than one worker goroutine is driving the same instance
	// concurrently (§4.8 per-instance slots default to 3).
	instMu   sync.Mutex
	instLock map[string]*sync.Mutex
}

// NewStore builds a workflow store rooted at layout.
func NewStore(layout *store.Layout) *Store {
	return &Store{
		layout:         layout,
		instanceToTask: make(map[string]string),
		instLock:       make(map[string]*sync.Mutex),
	}
}

// lockFor returns the process-local mutex for taskID, creating it on
// first use.
func (s *Store) lockFor(taskID string) *sync.Mutex {
	s.instMu.Lock()
	defer s.instMu.Unlock()
	l, ok := s.instLock[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.instLock[taskID] = l
	}
	return l
}

// SaveWorkflow writes workflow.json under the owning task.
func (s *Store) SaveWorkflow(wf *Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	// Nodes/Edges are required-array fields per workflowSchema; a nil
	// slice marshals to JSON null, not [], which the schema would reject
	// on the next read back.
	if wf.Nodes == nil {
		wf.Nodes = []Node{}
	}
	if wf.Edges == nil {
		wf.Edges = []Edge{}
	}
	return store.WriteJSON(s.layout.WorkflowFile(wf.TaskID), wf)
}

// GetWorkflow loads the workflow for a task.
func (s *Store) GetWorkflow(taskID string) (*Workflow, error) {
	var wf Workflow
	result, err := store.ReadJSON(s.layout.WorkflowFile(taskID), &wf, workflowSchema)
	if err != nil {
		return nil, err
	}
	switch result {
	case store.ReadAbsent:
		return nil, fmt.Errorf("%w: workflow for task %s", store.ErrNotFound, taskID)
	case store.ReadCorrupt:
		return nil, fmt.Errorf("%w: workflow for task %s", store.ErrCorrupt, taskID)
	}
	return &wf, nil
}

// CreateInstance initializes a fresh instance for wf: all nodes pending
// with zero attempts, empty outputs/loop-counts, variables cloned from
// the workflow, status pending.
func (s *Store) CreateInstance(taskID string, wf *Workflow) (*Instance, error) {
	states := make(map[string]NodeState, len(wf.Nodes))
	for _, n := range wf.Nodes {
		states[n.ID] = NodeState{Status: NodePending}
	}
	vars := make(map[string]interface{}, len(wf.Variables))
	for k, v := range wf.Variables {
		vars[k] = v
	}

	inst := &Instance{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     InstancePending,
		NodeStates: states,
		LoopCounts: make(map[string]int),
		Outputs:    make(map[string]interface{}),
		Variables:  vars,
	}
	if err := s.saveInstance(taskID, inst); err != nil {
		return nil, err
	}
	s.cacheMu.Lock()
	s.instanceToTask[inst.ID] = taskID
	s.cacheMu.Unlock()
	return inst, nil
}

// GetInstance loads the instance for a task.
func (s *Store) GetInstance(taskID string) (*Instance, error) {
	var inst Instance
	result, err := store.ReadJSON(s.layout.InstanceFile(taskID), &inst, instanceSchema)
	if err != nil {
		return nil, err
	}
	switch result {
	case store.ReadAbsent:
		return nil, fmt.Errorf("%w: instance for task %s", store.ErrNotFound, taskID)
	case store.ReadCorrupt:
		return nil, fmt.Errorf("%w: instance for task %s", store.ErrCorrupt, taskID)
	}
	s.cacheMu.Lock()
	s.instanceToTask[inst.ID] = taskID
	s.cacheMu.Unlock()
	return &inst, nil
}

// TaskIDForInstance resolves instanceId -> taskId via the lazy cache,
// rebuilding it by directory scan on a miss.
func (s *Store) TaskIDForInstance(instanceID string) (string, error) {
	s.cacheMu.RLock()
	taskID, ok := s.instanceToTask[instanceID]
	s.cacheMu.RUnlock()
	if ok {
		return taskID, nil
	}

	entries, err := s.scanForInstance(instanceID)
	if err != nil {
		return "", err
	}
	if entries == "" {
		return "", fmt.Errorf("%w: instance %s", store.ErrNotFound, instanceID)
	}
	s.cacheMu.Lock()
	s.instanceToTask[instanceID] = entries
	s.cacheMu.Unlock()
	return entries, nil
}

func (s *Store) scanForInstance(instanceID string) (string, error) {
	tasksRoot := s.layout.TasksRoot()
	dirs, err := listDirs(tasksRoot)
	if err != nil {
		return "", err
	}
	for _, taskID := range dirs {
		var inst Instance
		result, readErr := store.ReadJSON(s.layout.InstanceFile(taskID), &inst, instanceSchema)
		if readErr != nil {
			return "", readErr
		}
		if result == store.ReadOK && inst.ID == instanceID {
			return taskID, nil
		}
	}
	return "", nil
}

func (s *Store) saveInstance(taskID string, inst *Instance) error {
	return store.WriteJSON(s.layout.InstanceFile(taskID), inst)
}

// mutateInstance loads the instance for taskID, applies fn, and persists
// the result. Every exported mutation helper below funnels through this.
// The whole read-modify-write runs under taskID's process-local mutex, so
// concurrent node completions within one instance serialize instead of
// racing (§5 ordering guarantees).
func (s *Store) mutateInstance(taskID string, fn func(inst *Instance) error) (*Instance, error) {
	l := s.lockFor(taskID)
	l.Lock()
	defer l.Unlock()

	inst, err := s.GetInstance(taskID)
	if err != nil {
		return nil, err
	}
	if err := fn(inst); err != nil {
		return nil, err
	}
	if err := s.saveInstance(taskID, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// UpdateInstanceStatus transitions instance status, stamping StartedAt on
// the first transition to running and CompletedAt on any terminal
// transition.
func (s *Store) UpdateInstanceStatus(taskID string, status InstanceStatus, errMsg string) (*Instance, error) {
	return s.mutateInstance(taskID, func(inst *Instance) error {
		inst.Status = status
		if status == InstanceRunning && inst.StartedAt == nil {
			now := time.Now()
			inst.StartedAt = &now
		}
		if status.Terminal() && inst.CompletedAt == nil {
			now := time.Now()
			inst.CompletedAt = &now
		}
		if errMsg != "" {
			inst.Error = errMsg
		}
		return nil
	})
}

// Pause marks the instance paused with the given reason (§4.13 pause:
// "Records pauseReason"). The worker observes InstancePaused and drains;
// it dispatches no new jobs for this instance until Unpause runs.
func (s *Store) Pause(taskID, reason string) (*Instance, error) {
	return s.mutateInstance(taskID, func(inst *Instance) error {
		inst.Status = InstancePaused
		inst.Pause = &PauseMetadata{Reason: reason, PausedAt: time.Now()}
		return nil
	})
}

// Unpause clears the pause flag and returns the instance to running
// (§4.13 resume).
func (s *Store) Unpause(taskID string) (*Instance, error) {
	return s.mutateInstance(taskID, func(inst *Instance) error {
		inst.Status = InstanceRunning
		inst.Pause = nil
		return nil
	})
}

// UpdateNodeState merges patch into the node's state record.
func (s *Store) UpdateNodeState(taskID, nodeID string, patch NodeState) (*Instance, error) {
	return s.mutateInstance(taskID, func(inst *Instance) error {
		cur := inst.NodeStates[nodeID]
		if patch.Status != "" {
			cur.Status = patch.Status
		}
		if patch.Attempts != 0 {
			cur.Attempts = patch.Attempts
		}
		if patch.StartedAt != nil {
			cur.StartedAt = patch.StartedAt
		}
		if patch.CompletedAt != nil {
			cur.CompletedAt = patch.CompletedAt
		}
		if patch.DurationMs != 0 {
			cur.DurationMs = patch.DurationMs
		}
		if patch.Error != "" {
			cur.Error = patch.Error
		}
		if patch.OutputRef != "" {
			cur.OutputRef = patch.OutputRef
		}
		inst.NodeStates[nodeID] = cur
		return nil
	})
}

// RecoverNode resets a running node found during crash recovery back to
// pending, clearing its last error while leaving attempts untouched (§4.12
// step 2: "reset to pending (attempts retained, last error cleared)").
// UpdateNodeState's merge semantics cannot express a clear — an empty
// patch.Error is indistinguishable from "leave it alone" — so recovery
// needs this explicit path instead, unlike ResetNodeState (§4.9 loop
// re-entry), which also zeroes attempts and is not a retry.
func (s *Store) RecoverNode(taskID, nodeID string) (*Instance, error) {
	return s.mutateInstance(taskID, func(inst *Instance) error {
		cur := inst.NodeStates[nodeID]
		cur.Status = NodePending
		cur.Error = ""
		inst.NodeStates[nodeID] = cur
		return nil
	})
}

// SetNodeOutput records outputs[nodeId] = value.
func (s *Store) SetNodeOutput(taskID, nodeID string, value interface{}) (*Instance, error) {
	return s.mutateInstance(taskID, func(inst *Instance) error {
		if inst.Outputs == nil {
			inst.Outputs = make(map[string]interface{})
		}
		inst.Outputs[nodeID] = value
		return nil
	})
}

// IncrementLoopCount bumps loopCounts[edgeId] and returns the new count.
func (s *Store) IncrementLoopCount(taskID, edgeID string) (int, error) {
	var newCount int
	_, err := s.mutateInstance(taskID, func(inst *Instance) error {
		if inst.LoopCounts == nil {
			inst.LoopCounts = make(map[string]int)
		}
		inst.LoopCounts[edgeID]++
		newCount = inst.LoopCounts[edgeID]
		return nil
	})
	return newCount, err
}

// ResetNodeState re-pends a node for loop re-entry. Per §9 design note #2,
// a loop re-entry is not a retry: attempts resets to 0 along with the
// rest of the per-attempt fields.
func (s *Store) ResetNodeState(taskID, nodeID string) (*Instance, error) {
	return s.mutateInstance(taskID, func(inst *Instance) error {
		inst.NodeStates[nodeID] = NodeState{Status: NodePending}
		return nil
	})
}

// UpdateInstanceVariables merges patch into instance.variables, honoring
// dotted-path keys ("a.b.c") for nested sets.
func (s *Store) UpdateInstanceVariables(taskID string, patch map[string]interface{}) (*Instance, error) {
	return s.mutateInstance(taskID, func(inst *Instance) error {
		if inst.Variables == nil {
			inst.Variables = make(map[string]interface{})
		}
		for path, value := range patch {
			setDotted(inst.Variables, path, value)
		}
		return nil
	})
}

// setDotted sets root[a][b][c] = value for a dotted path "a.b.c",
// creating intermediate maps as needed.
func setDotted(root map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := root
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
}

func listDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", store.ErrInternal, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}
