package queue

import (
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/store"
)

// Queue is C7. All mutating operations run inside the file lock's
// critical section; callers must never invoke anything that suspends
// (notably the LLM) while holding it (§4.7 concurrency semantics).
type Queue struct {
	layout *store.Layout
	lock   *store.FileLock
}

// New builds a queue rooted at layout, using its own lock file distinct
// from the daemon's runner.lock (§3 "Global PID lock" is a separate
// concern reusing the same C2 primitive — see SPEC_FULL supplement #6).
func New(layout *store.Layout) *Queue {
	return &Queue{layout: layout, lock: store.NewFileLock(layout.QueueFile() + ".lock")}
}

func (q *Queue) load() (*document, error) {
	var doc document
	result, err := store.ReadJSON(q.layout.QueueFile(), &doc)
	if err != nil {
		return nil, err
	}
	switch result {
	case store.ReadAbsent:
		return &document{Jobs: []Job{}}, nil
	case store.ReadCorrupt:
		log.WithField("path", q.layout.QueueFile()).Warn("queue file corrupt, treating as empty")
		return &document{Jobs: []Job{}}, nil
	}
	return &doc, nil
}

func (q *Queue) save(doc *document) error {
	doc.UpdatedAt = time.Now()
	return store.WriteJSON(q.layout.QueueFile(), doc)
}

func findJob(doc *document, id string) int {
	for i := range doc.Jobs {
		if doc.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// EnqueueNode constructs the canonical job id and inserts or idempotently
// replaces the job with that id (used for retries: re-enqueueing the same
// tuple never produces a duplicate — §8 property 1).
func (q *Queue) EnqueueNode(data JobData, opts EnqueueOptions) (string, error) {
	id := data.JobID()
	err := q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		q.upsertLocked(doc, data, opts)
		return q.save(doc)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) upsertLocked(doc *document, data JobData, opts EnqueueOptions) {
	now := time.Now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	job := Job{
		ID:          data.JobID(),
		Data:        data,
		Status:      StatusWaiting,
		Priority:    opts.Priority,
		ProcessAt:   now.Add(opts.Delay),
		CreatedAt:   now,
		Attempts:    0,
		MaxAttempts: maxAttempts,
	}
	if idx := findJob(doc, job.ID); idx >= 0 {
		job.CreatedAt = doc.Jobs[idx].CreatedAt
		doc.Jobs[idx] = job
		return
	}
	doc.Jobs = append(doc.Jobs, job)
}

// EnqueueNodes is the batch variant: a single critical section for the
// whole list.
func (q *Queue) EnqueueNodes(items []struct {
	Data JobData
	Opts EnqueueOptions
}) ([]string, error) {
	ids := make([]string, len(items))
	err := q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		for i, item := range items {
			q.upsertLocked(doc, item.Data, item.Opts)
			ids[i] = item.Data.JobID()
		}
		return q.save(doc)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetNextJob atomically picks the highest-priority waiting job whose
// processAt <= now (optionally filtered by instanceID), flips it to
// active, and returns a copy. Returns nil, nil when nothing is eligible.
func (q *Queue) GetNextJob(instanceID string) (*Job, error) {
	var picked *Job
	err := q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		now := time.Now()

		var candidates []int
		for i := range doc.Jobs {
			j := &doc.Jobs[i]
			if j.Status != StatusWaiting {
				continue
			}
			if j.ProcessAt.After(now) {
				continue
			}
			if instanceID != "" && j.Data.InstanceID != instanceID {
				continue
			}
			candidates = append(candidates, i)
		}
		if len(candidates) == 0 {
			return nil
		}

		sort.Slice(candidates, func(a, b int) bool {
			ja, jb := doc.Jobs[candidates[a]], doc.Jobs[candidates[b]]
			if ja.Priority != jb.Priority {
				return ja.Priority > jb.Priority
			}
			return ja.CreatedAt.Before(jb.CreatedAt)
		})

		idx := candidates[0]
		doc.Jobs[idx].Status = StatusActive
		jobCopy := doc.Jobs[idx]
		picked = &jobCopy
		return q.save(doc)
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// CompleteJob flips status to completed and stamps completedAt.
func (q *Queue) CompleteJob(id string) error {
	return q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		idx := findJob(doc, id)
		if idx < 0 {
			return fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		now := time.Now()
		doc.Jobs[idx].Status = StatusCompleted
		doc.Jobs[idx].CompletedAt = &now
		return q.save(doc)
	})
}

// FailJob applies the retry-or-terminal rule: if attempts+1 < maxAttempts,
// the job goes back to waiting with processAt = now + 2^attempts seconds;
// otherwise it becomes terminally failed (§3 Job lifecycle, §8 property 4).
func (q *Queue) FailJob(id, errMsg string) error {
	return q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		idx := findJob(doc, id)
		if idx < 0 {
			return fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		job := &doc.Jobs[idx]
		job.Error = errMsg
		if job.Attempts+1 < job.MaxAttempts {
			job.Attempts++
			job.Status = StatusWaiting
			job.ProcessAt = time.Now().Add(backoff(job.Attempts))
		} else {
			job.Status = StatusFailed
		}
		return q.save(doc)
	})
}

func backoff(attempts int) time.Duration {
	return time.Duration(1<<uint(attempts)) * time.Second
}

// MarkJobFailed is unconditional terminal failure, bypassing the retry
// budget (used for cancellation-adjacent paths that must not retry).
func (q *Queue) MarkJobFailed(id, errMsg string) error {
	return q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		idx := findJob(doc, id)
		if idx < 0 {
			return fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		doc.Jobs[idx].Status = StatusFailed
		doc.Jobs[idx].Error = errMsg
		return q.save(doc)
	})
}

// MarkJobWaiting transitions active -> human_waiting (the node requires
// approval).
func (q *Queue) MarkJobWaiting(id string) error {
	return q.transition(id, StatusActive, StatusHumanWaiting)
}

// ResumeWaitingJob transitions human_waiting -> completed (approval
// granted; the node is done).
func (q *Queue) ResumeWaitingJob(id string) error {
	return q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		idx := findJob(doc, id)
		if idx < 0 {
			return fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		if doc.Jobs[idx].Status != StatusHumanWaiting {
			return fmt.Errorf("%w: job %s is not human_waiting", store.ErrPreconditionFailed, id)
		}
		now := time.Now()
		doc.Jobs[idx].Status = StatusCompleted
		doc.Jobs[idx].CompletedAt = &now
		return q.save(doc)
	})
}

func (q *Queue) transition(id string, from, to JobStatus) error {
	return q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		idx := findJob(doc, id)
		if idx < 0 {
			return fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		if doc.Jobs[idx].Status != from {
			return fmt.Errorf("%w: job %s is not %s", store.ErrPreconditionFailed, id, from)
		}
		doc.Jobs[idx].Status = to
		return q.save(doc)
	})
}

// ResumeWaitingJobsForInstance is the bulk variant used by pause-resume:
// every human_waiting job of the instance is resumed to completed.
func (q *Queue) ResumeWaitingJobsForInstance(instanceID string) (int, error) {
	count := 0
	err := q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		now := time.Now()
		for i := range doc.Jobs {
			j := &doc.Jobs[i]
			if j.Data.InstanceID == instanceID && j.Status == StatusHumanWaiting {
				j.Status = StatusCompleted
				j.CompletedAt = &now
				count++
			}
		}
		if count == 0 {
			return nil
		}
		return q.save(doc)
	})
	return count, err
}

// GetWaitingHumanJobs returns every job awaiting human approval.
func (q *Queue) GetWaitingHumanJobs() ([]Job, error) {
	doc, err := q.load()
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, j := range doc.Jobs {
		if j.Status == StatusHumanWaiting {
			out = append(out, j)
		}
	}
	return out, nil
}

// RemoveWorkflowJobs deletes waiting/delayed jobs belonging to instanceID
// (used on stop); active/terminal jobs are left for the caller/recovery
// to reconcile.
func (q *Queue) RemoveWorkflowJobs(instanceID string) (int, error) {
	removed := 0
	err := q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		kept := doc.Jobs[:0]
		for _, j := range doc.Jobs {
			if j.Data.InstanceID == instanceID && (j.Status == StatusWaiting) {
				removed++
				continue
			}
			kept = append(kept, j)
		}
		doc.Jobs = kept
		if removed == 0 {
			return nil
		}
		return q.save(doc)
	})
	return removed, err
}

// CleanupOldJobs keeps the keepCount most recently created terminal jobs
// and discards the rest, so a long-running daemon's queue.json doesn't
// grow unbounded (§4.7, SPEC_FULL supplemented feature #3).
func (q *Queue) CleanupOldJobs(keepCount int) (int, error) {
	removed := 0
	err := q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}

		var terminal, active []Job
		for _, j := range doc.Jobs {
			switch j.Status {
			case StatusCompleted, StatusFailed:
				terminal = append(terminal, j)
			default:
				active = append(active, j)
			}
		}
		sort.Slice(terminal, func(i, j int) bool { return terminal[i].CreatedAt.After(terminal[j].CreatedAt) })
		if len(terminal) > keepCount {
			removed = len(terminal) - keepCount
			terminal = terminal[:keepCount]
		}
		if removed == 0 {
			return nil
		}
		doc.Jobs = append(active, terminal...)
		return q.save(doc)
	})
	return removed, err
}

// GetQueueStats counts jobs per status; a waiting job whose processAt is
// still in the future counts as delayed instead.
func (q *Queue) GetQueueStats() (Stats, error) {
	doc, err := q.load()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	now := time.Now()
	for _, j := range doc.Jobs {
		switch j.Status {
		case StatusWaiting:
			if j.ProcessAt.After(now) {
				s.Delayed++
			} else {
				s.Waiting++
			}
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusHumanWaiting:
			s.HumanWaiting++
		}
	}
	return s, nil
}

// ActiveJobsForInstance returns the ids of every job owned by instanceID
// currently in status active — used by crash recovery to find the leases
// a dead worker held (§4.12 step 2).
func (q *Queue) ActiveJobsForInstance(instanceID string) ([]string, error) {
	doc, err := q.load()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, j := range doc.Jobs {
		if j.Data.InstanceID == instanceID && j.Status == StatusActive {
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

// GetJob returns a copy of the job by id, for callers (e.g. the worker)
// that need to re-inspect state outside the critical section.
func (q *Queue) GetJob(id string) (*Job, error) {
	doc, err := q.load()
	if err != nil {
		return nil, err
	}
	idx := findJob(doc, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	job := doc.Jobs[idx]
	return &job, nil
}

// Requeue puts an active job back to waiting without bumping attempts —
// used when a worker observes pause/stop after leasing a job (§4.8 step 3)
// or when a cancelled execution must not consume the retry budget.
func (q *Queue) Requeue(id string) error {
	return q.lock.WithLock(func() error {
		doc, err := q.load()
		if err != nil {
			return err
		}
		idx := findJob(doc, id)
		if idx < 0 {
			return fmt.Errorf("%w: job %s", store.ErrNotFound, id)
		}
		doc.Jobs[idx].Status = StatusWaiting
		return q.save(doc)
	})
}
