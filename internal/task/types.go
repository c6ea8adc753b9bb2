// Package task implements C3 (task store): CRUD over task.json and
// process-info, plus the derived task index.
package task

import "time"

// Priority is the user-facing priority band for a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Status is the task lifecycle status machine:
//
//	pending -> planning -> developing <-> paused -> reviewing -> {completed, failed, cancelled}
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusDeveloping Status = "developing"
	StatusPaused     Status = "paused"
	StatusReviewing  Status = "reviewing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is one of the task terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the user-facing unit of work.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    Priority  `json:"priority"`
	Status      Status    `json:"status"`
	WorkingDir  string    `json:"workingDir"`
	Assignee    string    `json:"assignee,omitempty"`
	Model       string    `json:"model,omitempty"`
	RetryCount  int       `json:"retryCount"`
	ParentID    string    `json:"parentId,omitempty"`
	RejectReason string   `json:"rejectReason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ProcessStatus is the lifecycle of the owning process record.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessExited  ProcessStatus = "exited"
)

// ProcessInfo records which process currently owns a task's runtime, used
// by crash recovery to detect orphans (§4.12).
type ProcessInfo struct {
	PID        int           `json:"pid"`
	StartedAt  time.Time     `json:"startedAt"`
	Status     ProcessStatus `json:"status"`
	StopReason string        `json:"stopReason,omitempty"`
}

// IndexEntry is the summary stored per task in index.json at the data root.
type IndexEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

// Index is the on-disk shape of index.json at the data root.
type Index struct {
	Tasks     map[string]IndexEntry `json:"tasks"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// Filter narrows List results. Zero values mean "no constraint".
// List applies Status and Priority only; ParentID is not applied, since
// index entries carry no parent id.
type Filter struct {
	Status   []Status
	Priority Priority
	ParentID string
}
