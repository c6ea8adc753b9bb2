// Package queue implements C7: a durable, file-backed, priority-ordered
// job queue with exclusive-lease semantics and exponential-backoff
// retries, built on top of C1 (store) and C2 (file lock).
package queue

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle of one job (one execution attempt of one
// node).
type JobStatus string

const (
	StatusWaiting      JobStatus = "waiting"
	StatusActive       JobStatus = "active"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
	StatusDelayed      JobStatus = "delayed"
	StatusHumanWaiting JobStatus = "human_waiting"
)

// JobData is the payload of a job: everything the worker and node
// executor need to run one node attempt.
type JobData struct {
	InstanceID string `json:"instanceId"`
	NodeID     string `json:"nodeId"`
	Attempt    int    `json:"attempt"`
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
	Persona    string `json:"persona,omitempty"`
	PromptRef  string `json:"promptRef,omitempty"`
}

// JobID returns the canonical "instanceId:nodeId:attempt" identity.
func (d JobData) JobID() string {
	return fmt.Sprintf("%s:%s:%d", d.InstanceID, d.NodeID, d.Attempt)
}

// Job is one execution attempt of one node — the queue's unit of work.
type Job struct {
	ID          string    `json:"id"`
	Data        JobData   `json:"data"`
	Status      JobStatus `json:"status"`
	Priority    int       `json:"priority"`
	ProcessAt   time.Time `json:"processAt"`
	CreatedAt   time.Time `json:"createdAt"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Error       string    `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DefaultMaxAttempts is the queue-wide default attempt budget.
const DefaultMaxAttempts = 3

// EnqueueOptions configures EnqueueNode.
type EnqueueOptions struct {
	Delay    time.Duration
	Priority int
	// MaxAttempts overrides DefaultMaxAttempts, e.g. for a node carrying
	// its own retry policy (§4.9 retry policy). Zero means "use the
	// default".
	MaxAttempts int
}

// Stats is the shape returned by GetQueueStats.
type Stats struct {
	Waiting      int `json:"waiting"`
	Delayed      int `json:"delayed"`
	Active       int `json:"active"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	HumanWaiting int `json:"humanWaiting"`
}

// document is the on-disk shape of queue.json.
type document struct {
	Jobs      []Job     `json:"jobs"`
	UpdatedAt time.Time `json:"updatedAt"`
}
