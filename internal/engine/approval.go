package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aosanya/taskflow-core/internal/workflow"
)

// ApproveHuman implements the resume half of a human node (§4.9: "on
// resume, node is marked done"). jobID is the queue job the node's
// executor put into human_waiting; output is recorded as outputs[nodeId]
// (typically the approver's decision or comment).
func (e *Engine) ApproveHuman(ctx context.Context, taskID, nodeID, jobID string, output interface{}) (*workflow.Instance, error) {
	if err := e.queue.ResumeWaitingJob(jobID); err != nil {
		return nil, fmt.Errorf("resume waiting job: %w", err)
	}
	if _, err := e.wf.SetNodeOutput(taskID, nodeID, output); err != nil {
		return nil, fmt.Errorf("record human node output: %w", err)
	}
	now := time.Now()
	inst, err := e.wf.UpdateNodeState(taskID, nodeID, workflow.NodeState{Status: workflow.NodeDone, CompletedAt: &now})
	if err != nil {
		return nil, fmt.Errorf("mark human node done: %w", err)
	}

	wf, err := e.wf.GetWorkflow(taskID)
	if err != nil {
		return nil, err
	}
	return e.ApplyTransitions(ctx, taskID, wf, inst)
}
