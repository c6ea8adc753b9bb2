package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/events"
	"github.com/aosanya/taskflow-core/internal/executor"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// handle runs the on-job-execution steps of §4.8 for one leased job.
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	logger := log.WithFields(log.Fields{"job_id": job.ID, "task_id": job.Data.TaskID, "node_id": job.Data.NodeID})

	w.bus.Emit(ctx, events.Event{Name: events.NodeStarted, Data: map[string]interface{}{
		"taskId": job.Data.TaskID, "nodeId": job.Data.NodeID, "attempt": job.Data.Attempt,
	}, Timestamp: time.Now(), Context: ctx})

	global := w.globalSlots
	instance := w.instanceSlot(job.Data.InstanceID)

	select {
	case global <- struct{}{}:
	case <-ctx.Done():
		w.requeue(job, logger)
		return
	}
	defer func() { <-global }()

	select {
	case instance <- struct{}{}:
	case <-ctx.Done():
		w.requeue(job, logger)
		return
	}
	defer func() { <-instance }()

	inst, err := w.wf.GetInstance(job.Data.TaskID)
	if err != nil {
		logger.WithError(err).Error("worker: failed to load instance")
		w.fail(job, err.Error(), logger)
		return
	}
	if inst.Status == workflow.InstancePaused || inst.Status.Terminal() {
		w.requeue(job, logger)
		return
	}

	wf, err := w.wf.GetWorkflow(job.Data.TaskID)
	if err != nil {
		logger.WithError(err).Error("worker: failed to load workflow")
		w.fail(job, err.Error(), logger)
		return
	}
	node := findNode(wf, job.Data.NodeID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now()
	attempt := job.Attempts + 1
	if _, err := w.wf.UpdateNodeState(job.Data.TaskID, node.ID, workflow.NodeState{Status: workflow.NodeRunning, StartedAt: &now, Attempts: attempt}); err != nil {
		logger.WithError(err).Warn("worker: failed to mark node running")
	}

	outcome := w.executor.Execute(runCtx, job.Data.TaskID, wf, inst, node, job)

	switch outcome.Status {
	case workflow.NodeDone:
		w.complete(ctx, job, wf, node, outcome, logger)
	case workflow.NodeWaiting:
		w.waitOnHuman(ctx, job, node, logger)
	default:
		w.onFailure(ctx, job, wf, node, outcome, logger)
	}
}

func (w *Worker) complete(ctx context.Context, job *queue.Job, wf *workflow.Workflow, node workflow.Node, outcome executor.Outcome, logger *log.Entry) {
	if _, err := w.wf.SetNodeOutput(job.Data.TaskID, node.ID, outcome.Output); err != nil {
		logger.WithError(err).Error("worker: failed to record node output")
	}
	now := time.Now()
	inst, err := w.wf.UpdateNodeState(job.Data.TaskID, node.ID, workflow.NodeState{Status: workflow.NodeDone, CompletedAt: &now})
	if err != nil {
		logger.WithError(err).Error("worker: failed to mark node done")
		return
	}
	if err := w.queue.CompleteJob(job.ID); err != nil {
		logger.WithError(err).Warn("worker: failed to complete job")
	}
	w.bus.Emit(ctx, events.Event{Name: events.NodeCompleted, Data: map[string]interface{}{
		"taskId": job.Data.TaskID, "nodeId": node.ID,
	}, Timestamp: time.Now(), Context: ctx})

	if _, err := w.engine.ApplyTransitions(ctx, job.Data.TaskID, wf, inst); err != nil {
		logger.WithError(err).Error("worker: failed to apply transitions")
	}
}

func (w *Worker) waitOnHuman(ctx context.Context, job *queue.Job, node workflow.Node, logger *log.Entry) {
	if _, err := w.wf.UpdateNodeState(job.Data.TaskID, node.ID, workflow.NodeState{Status: workflow.NodeWaiting}); err != nil {
		logger.WithError(err).Warn("worker: failed to mark node waiting")
	}
	w.bus.Emit(ctx, events.Event{Name: events.NodeStarted, Data: map[string]interface{}{
		"taskId": job.Data.TaskID, "nodeId": node.ID, "waitingOnHuman": true,
	}, Timestamp: time.Now(), Context: ctx})
}

// onFailure classifies the outcome and applies the retry-or-terminal rule
// (§4.8 step 6): cancelled never consumes the retry budget; timeout and
// every other category do.
func (w *Worker) onFailure(ctx context.Context, job *queue.Job, wf *workflow.Workflow, node workflow.Node, outcome executor.Outcome, logger *log.Entry) {
	if outcome.Category == "cancelled" {
		w.requeue(job, logger)
		return
	}

	if err := w.queue.FailJob(job.ID, outcome.ErrMsg); err != nil {
		logger.WithError(err).Warn("worker: failJob error")
	}

	refreshed, err := w.queue.GetJob(job.ID)
	if err != nil {
		logger.WithError(err).Warn("worker: failed to reload job after failure")
		return
	}
	if refreshed.Status == queue.StatusWaiting {
		// Still inside the retry budget: record the error but leave the
		// node's own status as running — it must not read as pending
		// (which would make the state manager re-ready it off the same
		// edges and re-enqueue attempt 1, clobbering the backoff the
		// queue just set) or as a terminal status. The waiting job
		// already sitting in the queue is what drives the retry.
		if _, err := w.wf.UpdateNodeState(job.Data.TaskID, node.ID, workflow.NodeState{Error: outcome.ErrMsg}); err != nil {
			logger.WithError(err).Warn("worker: failed to record retry error")
		}
		return
	}

	if _, err := w.wf.UpdateNodeState(job.Data.TaskID, node.ID, workflow.NodeState{Status: workflow.NodeFailed, Error: outcome.ErrMsg}); err != nil {
		logger.WithError(err).Error("worker: failed to mark node failed")
	}
	w.bus.Emit(ctx, events.Event{Name: events.NodeFailed, Data: map[string]interface{}{
		"taskId": job.Data.TaskID, "nodeId": node.ID, "error": outcome.ErrMsg, "category": outcome.Category,
	}, Timestamp: time.Now(), Context: ctx})

	// Terminal failure: let the state manager decide whether downstream
	// nodes are now unreachable or the whole instance has failed.
	inst, err := w.wf.GetInstance(job.Data.TaskID)
	if err != nil {
		logger.WithError(err).Error("worker: failed to reload instance after terminal failure")
		return
	}
	if _, err := w.engine.ApplyTransitions(ctx, job.Data.TaskID, wf, inst); err != nil {
		logger.WithError(err).Error("worker: failed to apply transitions after failure")
	}
}

func (w *Worker) requeue(job *queue.Job, logger *log.Entry) {
	if err := w.queue.Requeue(job.ID); err != nil {
		logger.WithError(err).Warn("worker: failed to requeue job")
	}
}

func (w *Worker) fail(job *queue.Job, msg string, logger *log.Entry) {
	if err := w.queue.MarkJobFailed(job.ID, msg); err != nil {
		logger.WithError(err).Warn("worker: failed to mark job failed")
	}
}

func findNode(wf *workflow.Workflow, id string) workflow.Node {
	for _, n := range wf.Nodes {
		if n.ID == id {
			return n
		}
	}
	return workflow.Node{}
}
