// Package worker implements C8: a bounded-concurrency poller that leases
// jobs off the queue, runs them through the node executor, and drives the
// workflow engine forward on every outcome.
package worker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/engine"
	"github.com/aosanya/taskflow-core/internal/events"
	"github.com/aosanya/taskflow-core/internal/executor"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// Config tunes the worker's concurrency and polling cadence (§4.8).
type Config struct {
	GlobalSlots          int           // default 10
	PerInstanceSlots     int           // default 3
	PollInterval         time.Duration // default 200ms
	IdleWait             time.Duration // default 500ms
	CleanupEveryIdleTick int           // default 50
	CleanupKeepCount     int           // default 500
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		GlobalSlots:          10,
		PerInstanceSlots:     3,
		PollInterval:         200 * time.Millisecond,
		IdleWait:             500 * time.Millisecond,
		CleanupEveryIdleTick: 50,
		CleanupKeepCount:     500,
	}
}

// Worker is C8.
type Worker struct {
	cfg      Config
	queue    *queue.Queue
	wf       *workflow.Store
	executor *executor.Executor
	engine   *engine.Engine
	bus      *events.Bus

	globalSlots chan struct{}

	instMu   sync.Mutex
	instSlot map[string]chan struct{}

	idleTicks int
}

// New builds a worker over its collaborators.
func New(cfg Config, q *queue.Queue, wf *workflow.Store, exec *executor.Executor, eng *engine.Engine, bus *events.Bus) *Worker {
	return &Worker{
		cfg:         cfg,
		queue:       q,
		wf:          wf,
		executor:    exec,
		engine:      eng,
		bus:         bus,
		globalSlots: make(chan struct{}, cfg.GlobalSlots),
		instSlot:    make(map[string]chan struct{}),
	}
}

func (w *Worker) instanceSlot(instanceID string) chan struct{} {
	w.instMu.Lock()
	defer w.instMu.Unlock()
	s, ok := w.instSlot[instanceID]
	if !ok {
		s = make(chan struct{}, w.cfg.PerInstanceSlots)
		w.instSlot[instanceID] = s
	}
	return s
}

// Run polls for jobs until ctx is cancelled. Each leased job is dispatched
// in its own goroutine, bounded by the global and per-instance semaphores;
// Run itself never blocks on a single job's execution.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.GetNextJob("")
		if err != nil {
			log.WithError(err).Warn("worker: getNextJob failed")
			w.wait(ctx, w.cfg.IdleWait)
			continue
		}
		if job == nil {
			w.idleTicks++
			if w.cfg.CleanupEveryIdleTick > 0 && w.idleTicks%w.cfg.CleanupEveryIdleTick == 0 {
				if n, err := w.queue.CleanupOldJobs(w.cfg.CleanupKeepCount); err != nil {
					log.WithError(err).Warn("worker: queue cleanup failed")
				} else if n > 0 {
					log.WithField("removed", n).Debug("worker: cleaned up old jobs")
				}
			}
			w.wait(ctx, w.cfg.IdleWait)
			continue
		}

		wg.Add(1)
		go func(j *queue.Job) {
			defer wg.Done()
			w.handle(ctx, j)
		}(job)

		w.wait(ctx, w.cfg.PollInterval)
	}
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
