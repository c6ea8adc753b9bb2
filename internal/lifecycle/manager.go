// Package lifecycle implements C13: the task lifecycle API. It is a thin
// policy layer over the task store (C3), workflow store (C4), queue
// (C7), and workflow engine (C11) — every operation here mutates task
// and/or instance state and nudges the queue/worker, it never contains
// execution logic of its own. Grounded on the teacher's
// internal/lifecycle/manager.go (state-transition-guarded operations
// over a registry, logged via logrus.WithFields) generalized from
// agent-lifecycle verbs (create/start/stop/pause/resume) to the task
// verbs spec §4.13 names (create/start/pause/resume/stop/complete/
// reject/inject).
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/engine"
	"github.com/aosanya/taskflow-core/internal/events"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/store"
	"github.com/aosanya/taskflow-core/internal/task"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// Manager is C13.
type Manager struct {
	tasks  *task.Store
	wf     *workflow.Store
	queue  *queue.Queue
	engine *engine.Engine
	bus    *events.Bus
}

// New builds a lifecycle Manager over its collaborators.
func New(tasks *task.Store, wf *workflow.Store, q *queue.Queue, eng *engine.Engine, bus *events.Bus) *Manager {
	return &Manager{tasks: tasks, wf: wf, queue: q, engine: eng, bus: bus}
}

func (m *Manager) emit(ctx context.Context, name events.Name, taskID string, extra map[string]interface{}) {
	data := map[string]interface{}{"taskId": taskID}
	for k, v := range extra {
		data[k] = v
	}
	m.bus.Emit(ctx, events.Event{Name: name, Data: data, Timestamp: time.Now(), Context: ctx})
}

// Create implements the create operation (§4.13): write task.json
// (status=pending), persist the workflow a collaborator already
// synthesized, and create its pending instance. The engine is not
// started yet — that is Start's job.
func (m *Manager) Create(ctx context.Context, t *task.Task, wf *workflow.Workflow) (*task.Task, error) {
	t.Status = task.StatusPending
	if err := m.tasks.Create(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	wf.TaskID = t.ID
	if err := m.wf.SaveWorkflow(wf); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	if _, err := m.wf.CreateInstance(t.ID, wf); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	log.WithFields(log.Fields{"task_id": t.ID, "title": t.Title}).Info("task created")
	m.emit(ctx, events.TaskCreated, t.ID, nil)
	return t, nil
}

// Start implements the start operation (§4.13): pending -> planning ->
// developing, claim ownership via process.json, and kick off the engine.
// Idempotent if the task has already started; a terminal task cannot be
// (re)started.
func (m *Manager) Start(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusPlanning || t.Status == task.StatusDeveloping {
		return t, nil // already started
	}
	if err := validateTransition(t.Status, task.StatusPlanning); err != nil {
		return nil, err
	}

	if _, err := m.tasks.Patch(taskID, func(x *task.Task) { x.Status = task.StatusPlanning }); err != nil {
		return nil, fmt.Errorf("transition to planning: %w", err)
	}

	wf, err := m.wf.GetWorkflow(taskID)
	if err != nil {
		return nil, err
	}
	if _, err := m.engine.Start(ctx, taskID, wf); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	if err := m.tasks.SaveProcessInfo(taskID, &task.ProcessInfo{
		PID: os.Getpid(), StartedAt: time.Now(), Status: task.ProcessRunning,
	}); err != nil {
		return nil, fmt.Errorf("save process info: %w", err)
	}

	t, err = m.tasks.Patch(taskID, func(x *task.Task) { x.Status = task.StatusDeveloping })
	if err != nil {
		return nil, fmt.Errorf("transition to developing: %w", err)
	}

	log.WithField("task_id", taskID).Info("task started")
	m.emit(ctx, events.TaskStarted, taskID, nil)
	return t, nil
}

// Pause implements the pause operation (§4.13): precondition
// status=developing; sets the instance's paused flag so the worker drains
// in-flight jobs and dispatches no new ones, and records pauseReason.
// Idempotent if already paused.
func (m *Manager) Pause(ctx context.Context, taskID, reason string) (*task.Task, error) {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusPaused {
		return t, nil
	}
	if err := validateTransition(t.Status, task.StatusPaused); err != nil {
		return nil, err
	}

	if _, err := m.wf.Pause(taskID, reason); err != nil {
		return nil, fmt.Errorf("pause instance: %w", err)
	}
	t, err = m.tasks.Patch(taskID, func(x *task.Task) { x.Status = task.StatusPaused })
	if err != nil {
		return nil, fmt.Errorf("transition to paused: %w", err)
	}

	log.WithFields(log.Fields{"task_id": taskID, "reason": reason}).Info("task paused")
	m.emit(ctx, events.TaskPaused, taskID, map[string]interface{}{"reason": reason})
	return t, nil
}

// Resume implements the resume operation (§4.13): precondition
// status=paused and the owner pid still alive; refuses and recommends a
// respawn otherwise. Clears the paused flag and resumes any
// human_waiting jobs (a human approval that arrived while paused is not
// lost, it is just applied once the instance resumes). Idempotent if
// already developing.
func (m *Manager) Resume(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusDeveloping {
		return t, nil
	}
	if err := validateTransition(t.Status, task.StatusDeveloping); err != nil {
		return nil, err
	}

	info, err := m.tasks.GetProcessInfo(taskID)
	if err != nil || !task.IsProcessRunning(info.PID) {
		return nil, fmt.Errorf("%w: task %s has no live owner process, respawn before resuming", store.ErrPreconditionFailed, taskID)
	}

	inst, err := m.wf.Unpause(taskID)
	if err != nil {
		return nil, fmt.Errorf("unpause instance: %w", err)
	}
	if _, err := m.queue.ResumeWaitingJobsForInstance(inst.ID); err != nil {
		return nil, fmt.Errorf("resume waiting jobs: %w", err)
	}

	t, err = m.tasks.Patch(taskID, func(x *task.Task) { x.Status = task.StatusDeveloping })
	if err != nil {
		return nil, fmt.Errorf("transition to developing: %w", err)
	}

	log.WithField("task_id", taskID).Info("task resumed")
	m.emit(ctx, events.TaskResumed, taskID, nil)
	return t, nil
}

// Stop implements the stop operation (§4.13): kills the owner process,
// drops waiting/delayed queue jobs, and marks the task and instance
// cancelled. Idempotent: stopping an already-terminal task is a no-op.
func (m *Manager) Stop(ctx context.Context, taskID, reason string) (*task.Task, error) {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	if info, err := m.tasks.GetProcessInfo(taskID); err == nil {
		if err := killProcess(info.PID); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("stop: failed to signal owner process")
		}
	}

	if inst, err := m.wf.GetInstance(taskID); err == nil {
		if _, err := m.queue.RemoveWorkflowJobs(inst.ID); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("stop: failed to remove queued jobs")
		}
		if _, err := m.wf.UpdateInstanceStatus(taskID, workflow.InstanceCancelled, reason); err != nil {
			return nil, fmt.Errorf("cancel instance: %w", err)
		}
	}

	t, err = m.tasks.Patch(taskID, func(x *task.Task) { x.Status = task.StatusCancelled })
	if err != nil {
		return nil, fmt.Errorf("transition to cancelled: %w", err)
	}
	_ = m.tasks.RemoveProcessInfo(taskID)

	log.WithFields(log.Fields{"task_id": taskID, "reason": reason}).Info("task stopped")
	m.emit(ctx, events.TaskStopped, taskID, map[string]interface{}{"reason": reason})
	return t, nil
}

// Complete implements the complete operation (§4.13): precondition
// status=reviewing. Idempotent if already completed.
func (m *Manager) Complete(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusCompleted {
		return t, nil
	}
	if err := validateTransition(t.Status, task.StatusCompleted); err != nil {
		return nil, err
	}

	t, err = m.tasks.Patch(taskID, func(x *task.Task) { x.Status = task.StatusCompleted })
	if err != nil {
		return nil, fmt.Errorf("transition to completed: %w", err)
	}

	log.WithField("task_id", taskID).Info("task completed")
	m.emit(ctx, events.TaskCompleted, taskID, nil)
	return t, nil
}

// Reject implements the reject operation (§4.13): precondition
// status=reviewing; sends the task back to pending, bumps retryCount,
// and records the reason.
func (m *Manager) Reject(ctx context.Context, taskID, reason string) (*task.Task, error) {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(t.Status, task.StatusPending); err != nil {
		return nil, err
	}

	t, err = m.tasks.Patch(taskID, func(x *task.Task) {
		x.Status = task.StatusPending
		x.RetryCount++
		x.RejectReason = reason
	})
	if err != nil {
		return nil, fmt.Errorf("transition to pending: %w", err)
	}

	log.WithFields(log.Fields{"task_id": taskID, "reason": reason, "retry_count": t.RetryCount}).Info("task rejected")
	m.emit(ctx, events.TaskRejected, taskID, map[string]interface{}{"reason": reason, "retryCount": t.RetryCount})
	return t, nil
}

// Inject implements the inject operation (§4.13): precondition not
// terminal. The graph-rewiring work itself belongs to the engine
// (C11); this just enforces the lifecycle precondition and emits the
// lifecycle-level event.
func (m *Manager) Inject(ctx context.Context, taskID, prompt, persona string) (*workflow.Instance, error) {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is terminal (%s), cannot inject", store.ErrPreconditionFailed, taskID, t.Status)
	}

	inst, err := m.engine.Inject(ctx, taskID, prompt, persona)
	if err != nil {
		return nil, err
	}

	log.WithField("task_id", taskID).Info("task injected with new node")
	m.emit(ctx, events.TaskInjected, taskID, map[string]interface{}{"prompt": prompt, "persona": persona})
	return inst, nil
}

// killProcess sends SIGTERM to pid, tolerating a process that is already
// gone (ESRCH).
func killProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := process.Signal(syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
