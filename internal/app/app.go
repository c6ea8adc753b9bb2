// Package app wires every component into one running daemon process,
// grounded on the teacher's internal/app package: a single App struct
// built by New(cfg), a Run() that starts the HTTP server and blocks for
// SIGINT/SIGTERM, then shuts everything down in reverse order.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/api"
	"github.com/aosanya/taskflow-core/internal/config"
	"github.com/aosanya/taskflow-core/internal/engine"
	"github.com/aosanya/taskflow-core/internal/events"
	"github.com/aosanya/taskflow-core/internal/executor"
	"github.com/aosanya/taskflow-core/internal/lifecycle"
	"github.com/aosanya/taskflow-core/internal/llm"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/recovery"
	"github.com/aosanya/taskflow-core/internal/store"
	"github.com/aosanya/taskflow-core/internal/task"
	"github.com/aosanya/taskflow-core/internal/trace"
	"github.com/aosanya/taskflow-core/internal/worker"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// App aggregates every wired component for one daemon run.
type App struct {
	config *config.Config
	layout *store.Layout
	lock   *store.FileLock

	tasks     *task.Store
	workflows *workflow.Store
	queue     *queue.Queue
	traces    *trace.Store
	bus       *events.Bus
	engine    *engine.Engine
	recovery  *recovery.Recovery
	worker    *worker.Worker
	lifecycle *lifecycle.Manager
	apiServer *api.Server
}

// New wires every component over cfg, the way the teacher's app.New
// builds its service graph bottom-up from the database client before
// handing collaborators to higher-level services.
func New(cfg *config.Config) *App {
	layout := store.NewLayout()
	bus := events.New()

	tasks := task.NewStore(layout)
	workflows := workflow.NewStore(layout)
	q := queue.New(layout)
	traces := trace.NewStore(layout)

	eng := engine.New(workflows, tasks, q, bus)
	rec := recovery.New(tasks, workflows, q)

	invoker := buildInvoker(cfg.LLM)
	exec := executor.New(executor.Deps{Workflow: workflows, Queue: q, Trace: traces, Invoker: invoker})

	workerCfg := worker.DefaultConfig()
	workerCfg.GlobalSlots = cfg.Worker.GlobalSlots
	workerCfg.PerInstanceSlots = cfg.Worker.PerInstanceSlots
	workerCfg.PollInterval = cfg.Worker.PollInterval
	workerCfg.IdleWait = cfg.Worker.IdleWait
	w := worker.New(workerCfg, q, workflows, exec, eng, bus)

	lc := lifecycle.New(tasks, workflows, q, eng, bus)

	apiServer := api.NewServer(api.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, &api.Services{
		Tasks:     tasks,
		Workflows: workflows,
		Queue:     q,
		Traces:    traces,
		Engine:    eng,
		Lifecycle: lc,
		Bus:       bus,
	})

	return &App{
		config:    cfg,
		layout:    layout,
		lock:      store.NewFileLock(layout.RunnerLock()),
		tasks:     tasks,
		workflows: workflows,
		queue:     q,
		traces:    traces,
		bus:       bus,
		engine:    eng,
		recovery:  rec,
		worker:    w,
		lifecycle: lc,
		apiServer: apiServer,
	}
}

// buildInvoker returns an HTTP-backed Invoker when an API key is
// configured, falling back to a mock invoker otherwise (§SPEC_FULL
// AMBIENT STACK: local runs never require a live LLM backend).
func buildInvoker(cfg config.LLMConfig) llm.Invoker {
	if cfg.APIKey == "" {
		log.Warn("llm api key not configured, using mock invoker")
		return llm.NewMockInvoker("mock response")
	}
	client, err := llm.NewHTTPClient(llm.HTTPConfig{
		APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		log.WithError(err).Warn("failed to build llm http client, using mock invoker")
		return llm.NewMockInvoker("mock response")
	}
	return client
}

// Run acquires the global runner lock, runs crash recovery, then starts
// the worker pool and API server until SIGINT/SIGTERM, shutting both
// down gracefully before releasing the lock.
func (a *App) Run() error {
	if err := a.lock.Acquire(); err != nil {
		return fmt.Errorf("acquire runner lock: %w", err)
	}
	defer a.lock.Release()

	orphans, err := a.recovery.Scan()
	if err != nil {
		log.WithError(err).Error("crash recovery scan failed")
	} else if len(orphans) > 0 {
		log.WithField("count", len(orphans)).Warn("crash recovery reconciled orphaned tasks")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.worker.Run(ctx)

	go func() {
		log.WithFields(log.Fields{"host": a.config.Server.Host, "port": a.config.Server.Port}).Info("starting taskflow-core daemon")
		if err := a.apiServer.Start(); err != nil {
			log.WithError(err).Fatal("api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel() // stop the worker pool

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := a.apiServer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("api server shutdown error")
		return err
	}

	log.Info("shutdown complete")
	return nil
}
