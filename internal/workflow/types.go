// Package workflow implements C4 (workflow store): CRUD over workflow.json
// and instance.json, and the mutation helpers the engine and executor use
// to drive a graph to completion.
package workflow

import "time"

// NodeType enumerates the node kinds dispatched by the node executor (C9).
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeEnd      NodeType = "end"
	NodeTask     NodeType = "task"
	NodeCondition NodeType = "condition"
	NodeLoop     NodeType = "loop"
	NodeHuman    NodeType = "human"
	NodeSwitch   NodeType = "switch"
	NodeAssign   NodeType = "assign"
	NodeScript   NodeType = "script"
	NodeForeach  NodeType = "foreach"
)

// TaskPayload is the per-type payload for a "task" node.
type TaskPayload struct {
	Prompt  string `json:"prompt"`
	Persona string `json:"persona,omitempty"`
}

// RetryPolicy overrides the node executor's default retry budget.
type RetryPolicy struct {
	MaxRetries int `json:"maxRetries"`
}

// Node is one vertex of a workflow graph.
type Node struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Type    NodeType    `json:"type"`
	Task    *TaskPayload `json:"task,omitempty"`
	// Condition/Switch/Script/Assign/Loop/Foreach all carry free-form
	// expression strings or maps evaluated by the C9 expression evaluator;
	// kept untyped here since their shape is expression-language specific.
	Condition string                 `json:"condition,omitempty"`
	Switch    string                 `json:"switch,omitempty"`
	Script    string                 `json:"script,omitempty"`
	Assign    map[string]string      `json:"assign,omitempty"`
	Iterable  string                 `json:"iterable,omitempty"`
	MaxIter   int                    `json:"maxIterations,omitempty"`
	Retries   *int                   `json:"retries,omitempty"`
	TimeoutMs int                    `json:"timeoutMs,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Edge is a directed connection between two nodes, optionally gated by a
// condition expression evaluated against the node it leaves.
type Edge struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	MaxIter   int    `json:"maxIterations,omitempty"`
}

// Workflow is the immutable graph definition for a task (mutable only via
// append + the inject rewiring operation, §4.13).
type Workflow struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"taskId"`
	Nodes     []Node                 `json:"nodes"`
	Edges     []Edge                 `json:"edges"`
	Variables map[string]interface{} `json:"variables"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// InstanceStatus is the runtime status of one workflow execution.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether s is a terminal instance status.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// NodeRunStatus is the per-node runtime status embedded in an instance.
type NodeRunStatus string

const (
	NodePending NodeRunStatus = "pending"
	NodeReady   NodeRunStatus = "ready"
	NodeRunning NodeRunStatus = "running"
	NodeDone    NodeRunStatus = "done"
	NodeFailed  NodeRunStatus = "failed"
	NodeSkipped NodeRunStatus = "skipped"
	NodeWaiting NodeRunStatus = "waiting"
)

// Terminal reports whether s is terminal for the node's current attempt.
func (s NodeRunStatus) Terminal() bool {
	switch s {
	case NodeDone, NodeFailed, NodeSkipped, NodeWaiting:
		return true
	default:
		return false
	}
}

// NodeState is the per-node runtime record embedded in an instance.
type NodeState struct {
	Status      NodeRunStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	DurationMs  int64         `json:"durationMs,omitempty"`
	Error       string        `json:"error,omitempty"`
	OutputRef   string        `json:"outputRef,omitempty"`
}

// PauseMetadata records why/when an instance was paused.
type PauseMetadata struct {
	Reason   string    `json:"reason,omitempty"`
	PausedAt time.Time `json:"pausedAt"`
}

// Instance is the execution state for one workflow.
type Instance struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	Status      InstanceStatus         `json:"status"`
	NodeStates  map[string]NodeState   `json:"nodeStates"`
	LoopCounts  map[string]int         `json:"loopCounts"`
	Outputs     map[string]interface{} `json:"outputs"`
	Variables   map[string]interface{} `json:"variables"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Pause       *PauseMetadata         `json:"pause,omitempty"`
	Error       string                 `json:"error,omitempty"`
}
