package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/taskflow-core/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(&store.Layout{Root: t.TempDir()})
}

func TestEnqueueNodeIsIdempotentByCanonicalID(t *testing.T) {
	q := newTestQueue(t)
	data := JobData{InstanceID: "inst-1", NodeID: "fetch", Attempt: 0}

	id1, err := q.EnqueueNode(data, EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	id2, err := q.EnqueueNode(data, EnqueueOptions{Priority: 9})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	job, err := q.GetJob(id1)
	require.NoError(t, err)
	assert.Equal(t, 9, job.Priority)
}

func TestGetNextJobPicksHighestPriorityThenOldest(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "low", Attempt: 0}, EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	_, err = q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "high", Attempt: 0}, EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	job, err := q.GetNextJob("")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "high", job.Data.NodeID)
	assert.Equal(t, StatusActive, job.Status)
}

func TestGetNextJobFiltersByInstance(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "a", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.EnqueueNode(JobData{InstanceID: "i2", NodeID: "b", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)

	job, err := q.GetNextJob("i2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "b", job.Data.NodeID)
}

func TestGetNextJobRespectsDelay(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "later", Attempt: 0}, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	job, err := q.GetNextJob("")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestGetNextJobReturnsNilWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.GetNextJob("")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailJobRetriesUntilMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	data := JobData{InstanceID: "i1", NodeID: "flaky", Attempt: 0}
	id, err := q.EnqueueNode(data, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	require.NoError(t, q.FailJob(id, "boom"))
	job, err := q.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, job.Status)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, q.FailJob(id, "boom again"))
	job, err = q.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "boom again", job.Error)
}

func TestCompleteJobMarksCompleted(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "n1", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, q.CompleteJob(id))
	job, err := q.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestMarkJobWaitingAndResume(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "human", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = q.GetNextJob("")
	require.NoError(t, err)

	require.NoError(t, q.MarkJobWaiting(id))
	job, err := q.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusHumanWaiting, job.Status)

	waiting, err := q.GetWaitingHumanJobs()
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	require.NoError(t, q.ResumeWaitingJob(id))
	job, err = q.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestResumeWaitingJobRejectsWrongState(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "n1", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)

	err = q.ResumeWaitingJob(id)
	assert.ErrorIs(t, err, store.ErrPreconditionFailed)
}

func TestRemoveWorkflowJobsOnlyRemovesWaiting(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "a", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)
	activeData := JobData{InstanceID: "i1", NodeID: "b", Attempt: 0}
	_, err = q.EnqueueNode(activeData, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.GetNextJob("i1") // leases node "a" or "b" depending on tie order into active

	removed, err := q.RemoveWorkflowJobs("i1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestActiveJobsForInstance(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "a", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)

	job, err := q.GetNextJob("i1")
	require.NoError(t, err)
	require.NotNil(t, job)

	ids, err := q.ActiveJobsForInstance("i1")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)
}

func TestRequeuePutsActiveJobBackToWaiting(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "a", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)

	job, err := q.GetNextJob("i1")
	require.NoError(t, err)

	require.NoError(t, q.Requeue(job.ID))
	reloaded, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, reloaded.Status)
	assert.Equal(t, job.Attempts, reloaded.Attempts)
}

func TestGetQueueStats(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "waiting", Attempt: 0}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "delayed", Attempt: 0}, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	stats, err := q.GetQueueStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Delayed)
}

func TestCleanupOldJobsKeepsMostRecentTerminal(t *testing.T) {
	q := newTestQueue(t)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.EnqueueNode(JobData{InstanceID: "i1", NodeID: "n", Attempt: i}, EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
		require.NoError(t, q.CompleteJob(id))
	}

	removed, err := q.CleanupOldJobs(1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats, err := q.GetQueueStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

func TestGetJobNotFound(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.GetJob("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
