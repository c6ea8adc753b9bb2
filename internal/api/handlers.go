package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aosanya/taskflow-core/internal/store"
	"github.com/aosanya/taskflow-core/internal/task"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return 404, "NOT_FOUND"
	case errors.Is(err, store.ErrPreconditionFailed):
		return 409, "PRECONDITION_FAILED"
	case errors.Is(err, store.ErrLockContention):
		return 423, "LOCKED"
	default:
		return 500, "INTERNAL_ERROR"
	}
}

func writeErr(c *gin.Context, err error) {
	status, code := statusFor(err)
	fail(c, status, code, err.Error())
}

// --- tasks ---------------------------------------------------------------

func (s *Server) listTasks(c *gin.Context) {
	var filter task.Filter
	if st := c.Query("status"); st != "" {
		filter.Status = []task.Status{task.Status(st)}
	}
	if p := c.Query("priority"); p != "" {
		filter.Priority = task.Priority(p)
	}
	entries, err := s.services.Tasks.List(filter)
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, entries)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.services.Tasks.Get(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, t)
}

// createTaskBody is the submission API payload (§4.13 create): a task
// plus the workflow graph a collaborator (e.g. a planning LLM call) has
// already synthesized for it.
type createTaskBody struct {
	Title       string          `json:"title" binding:"required"`
	Description string          `json:"description"`
	Priority    task.Priority   `json:"priority"`
	WorkingDir  string          `json:"workingDir" binding:"required"`
	Assignee    string          `json:"assignee"`
	Model       string          `json:"model"`
	Workflow    workflowPayload `json:"workflow" binding:"required"`
}

type workflowPayload struct {
	Nodes     []workflow.Node        `json:"nodes" binding:"required"`
	Edges     []workflow.Edge        `json:"edges"`
	Variables map[string]interface{} `json:"variables"`
}

func (s *Server) createTask(c *gin.Context) {
	var body createTaskBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, 400, "BAD_REQUEST", err.Error())
		return
	}
	t := &task.Task{
		Title:       body.Title,
		Description: body.Description,
		Priority:    body.Priority,
		WorkingDir:  body.WorkingDir,
		Assignee:    body.Assignee,
		Model:       body.Model,
	}
	wf := &workflow.Workflow{
		Nodes:     body.Workflow.Nodes,
		Edges:     body.Workflow.Edges,
		Variables: body.Workflow.Variables,
	}
	created, err := s.services.Lifecycle.Create(c.Request.Context(), t, wf)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(201, Response{Success: true, Data: created, Metadata: meta(c)})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) startTask(c *gin.Context) {
	t, err := s.services.Lifecycle.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) pauseTask(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	t, err := s.services.Lifecycle.Pause(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) resumeTask(c *gin.Context) {
	t, err := s.services.Lifecycle.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) stopTask(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	t, err := s.services.Lifecycle.Stop(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) completeTask(c *gin.Context) {
	t, err := s.services.Lifecycle.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, t)
}

func (s *Server) rejectTask(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	t, err := s.services.Lifecycle.Reject(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, t)
}

type injectBody struct {
	Prompt  string `json:"prompt"`
	Persona string `json:"persona"`
}

func (s *Server) injectTask(c *gin.Context) {
	var body injectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, 400, "BAD_REQUEST", err.Error())
		return
	}
	inst, err := s.services.Lifecycle.Inject(c.Request.Context(), c.Param("id"), body.Prompt, body.Persona)
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, inst)
}

func (s *Server) getWorkflow(c *gin.Context) {
	wf, err := s.services.Workflows.GetWorkflow(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, wf)
}

func (s *Server) getInstance(c *gin.Context) {
	inst, err := s.services.Workflows.GetInstance(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, inst)
}

// getWaitingForTask is the approval front-end's per-task polling
// endpoint (§6): the jobs this task's instance currently has parked in
// human_waiting.
func (s *Server) getWaitingForTask(c *gin.Context) {
	inst, err := s.services.Workflows.GetInstance(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	all, err := s.services.Queue.GetWaitingHumanJobs()
	if err != nil {
		writeErr(c, err)
		return
	}
	var mine []interface{}
	for _, j := range all {
		if j.Data.InstanceID == inst.ID {
			mine = append(mine, j)
		}
	}
	ok(c, mine)
}

// --- human approval --------------------------------------------------------

func (s *Server) listHumanWaiting(c *gin.Context) {
	jobs, err := s.services.Queue.GetWaitingHumanJobs()
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, jobs)
}

type resumeJobBody struct {
	Output interface{} `json:"output"`
}

// resumeJob is POST /jobs/{id}/resume: a human supplied output for a
// human node's waiting job, so the engine can apply its transitions.
func (s *Server) resumeJob(c *gin.Context) {
	jobID := c.Param("id")
	job, err := s.services.Queue.GetJob(jobID)
	if err != nil {
		writeErr(c, err)
		return
	}
	var body resumeJobBody
	_ = c.ShouldBindJSON(&body)

	taskID, err := s.services.Workflows.TaskIDForInstance(job.Data.InstanceID)
	if err != nil {
		writeErr(c, err)
		return
	}
	inst, err := s.services.Engine.ApproveHuman(c.Request.Context(), taskID, job.Data.NodeID, jobID, body.Output)
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, inst)
}

// --- queue -----------------------------------------------------------------

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.services.Queue.GetQueueStats()
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, stats)
}

// --- traces ------------------------------------------------------------

func (s *Server) listTraces(c *gin.Context) {
	ids, err := s.services.Traces.ListTraces(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, ids)
}

func (s *Server) getTrace(c *gin.Context) {
	summary, err := s.services.Traces.GetTrace(c.Param("id"), c.Param("traceId"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, summary)
}

func (s *Server) getSlowSpans(c *gin.Context) {
	minMs, _ := strconv.ParseInt(c.DefaultQuery("minDurationMs", "1000"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	spans, err := s.services.Traces.QuerySlowSpans(c.Param("id"), c.Param("traceId"), minMs, limit)
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, spans)
}

func (s *Server) getErrorChain(c *gin.Context) {
	chain, err := s.services.Traces.GetErrorChain(c.Param("id"), c.Param("traceId"), c.Param("spanId"))
	if err != nil {
		writeErr(c, err)
		return
	}
	ok(c, chain)
}
