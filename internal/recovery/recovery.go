// Package recovery implements C12: crash recovery. It runs on daemon start
// and on demand, scanning the task index for tasks whose owning process has
// died and reconciling their on-disk state back to a resumable shape.
package recovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/task"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// Orphan describes one task whose owning process was found dead.
type Orphan struct {
	TaskID        string
	PreviousPID   int
	NodesReset    int
	JobsRequeued  int
	InstanceState workflow.InstanceStatus
}

// Recovery is C12.
type Recovery struct {
	tasks *task.Store
	wf    *workflow.Store
	queue *queue.Queue
}

// New builds a Recovery over its collaborators.
func New(tasks *task.Store, wf *workflow.Store, q *queue.Queue) *Recovery {
	return &Recovery{tasks: tasks, wf: wf, queue: q}
}

// recoverableStatuses are the task statuses recovery considers for orphan
// scanning (§4.12 step 1): a runtime can only be "in flight" in these.
var recoverableStatuses = []task.Status{task.StatusPlanning, task.StatusDeveloping, task.StatusPaused}

// Scan implements §4.12: for each task in a recoverable status whose
// process.json names a dead pid, reset its running nodes to pending, flip
// active queue jobs to waiting, and move the instance to paused (or
// pending if it never started). It returns every orphan found.
func (r *Recovery) Scan() ([]Orphan, error) {
	var orphans []Orphan
	for _, status := range recoverableStatuses {
		entries, err := r.tasks.ListByStatus(status)
		if err != nil {
			return nil, fmt.Errorf("list tasks with status %s: %w", status, err)
		}
		for _, entry := range entries {
			orphan, recovered, err := r.reconcileTask(entry.ID)
			if err != nil {
				log.WithError(err).WithField("task_id", entry.ID).Warn("recovery: failed to reconcile task")
				continue
			}
			if recovered {
				orphans = append(orphans, orphan)
			}
		}
	}
	return orphans, nil
}

// reconcileTask inspects one task's process record and, if orphaned,
// repairs its instance and queue state. recovered is false when the task's
// owning process is still alive (nothing to do).
func (r *Recovery) reconcileTask(taskID string) (Orphan, bool, error) {
	info, err := r.tasks.GetProcessInfo(taskID)
	if err != nil {
		// No process.json at all: nothing was ever running, nothing to
		// recover. A task stuck in planning/developing with no process
		// record is not this component's concern.
		return Orphan{}, false, nil
	}
	if task.IsProcessRunning(info.PID) {
		return Orphan{}, false, nil
	}

	orphan := Orphan{TaskID: taskID, PreviousPID: info.PID}

	inst, err := r.wf.GetInstance(taskID)
	if err != nil {
		// A task can be orphaned before a workflow/instance ever existed
		// (crashed during planning); still clear the stale process file.
		if removeErr := r.tasks.RemoveProcessInfo(taskID); removeErr != nil {
			return orphan, false, removeErr
		}
		return orphan, true, nil
	}

	for nodeID, state := range inst.NodeStates {
		if state.Status != workflow.NodeRunning {
			continue
		}
		if _, err := r.wf.RecoverNode(taskID, nodeID); err != nil {
			return orphan, false, fmt.Errorf("reset node %s: %w", nodeID, err)
		}
		orphan.NodesReset++
	}

	requeued, err := r.requeueActiveJobs(inst.ID)
	if err != nil {
		return orphan, false, fmt.Errorf("requeue active jobs: %w", err)
	}
	orphan.JobsRequeued = requeued

	newStatus := workflow.InstancePaused
	if inst.StartedAt == nil {
		newStatus = workflow.InstancePending
	}
	if _, err := r.wf.UpdateInstanceStatus(taskID, newStatus, ""); err != nil {
		return orphan, false, fmt.Errorf("update instance status: %w", err)
	}
	orphan.InstanceState = newStatus

	if err := r.tasks.RemoveProcessInfo(taskID); err != nil {
		return orphan, false, fmt.Errorf("remove stale process info: %w", err)
	}

	log.WithFields(log.Fields{
		"task_id":       taskID,
		"previous_pid":  info.PID,
		"nodes_reset":   orphan.NodesReset,
		"jobs_requeued": orphan.JobsRequeued,
	}).Warn("recovery: reconciled orphaned task")

	return orphan, true, nil
}

// requeueActiveJobs flips every active job owned by instanceID back to
// waiting (lease recovery, §4.12 step 2). Jobs in human_waiting are left
// untouched — they are correctly still waiting on an external actor.
func (r *Recovery) requeueActiveJobs(instanceID string) (int, error) {
	ids, err := r.queue.ActiveJobsForInstance(instanceID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if err := r.queue.Requeue(id); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
