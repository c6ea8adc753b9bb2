// Package api implements the read/query HTTP surface mentioned in §6 as a
// valid external consumer: task/workflow/trace/queue-stats queries, the
// lifecycle verbs, and the approval front-end's polling endpoints
// (GET /human-waiting, GET /tasks/{id}/waiting, POST /jobs/{id}/resume).
// Grounded on the teacher's internal/api package (Server wrapping a gin
// router, a fixed middleware chain, one setup*Routes method per concern).
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/engine"
	"github.com/aosanya/taskflow-core/internal/events"
	"github.com/aosanya/taskflow-core/internal/lifecycle"
	"github.com/aosanya/taskflow-core/internal/queue"
	"github.com/aosanya/taskflow-core/internal/task"
	"github.com/aosanya/taskflow-core/internal/trace"
	"github.com/aosanya/taskflow-core/internal/workflow"
)

// Config configures the HTTP listener.
type Config struct {
	Host string
	Port int
}

// Services collects every store/component the API surface reads from or
// drives lifecycle operations through.
type Services struct {
	Tasks     *task.Store
	Workflows *workflow.Store
	Queue     *queue.Queue
	Traces    *trace.Store
	Engine    *engine.Engine
	Lifecycle *lifecycle.Manager
	Bus       *events.Bus
}

// Server wraps a gin router bound to Services.
type Server struct {
	router   *gin.Engine
	http     *http.Server
	services *Services
}

// NewServer builds the router and its middleware chain, and registers a
// node:started subscriber that logs approval waits — the event
// subscription example named in the approval polling supplement (§6).
func NewServer(cfg Config, svc *Services) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{router: router, services: svc}
	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	svc.Bus.On(events.NodeStarted, func(ctx context.Context, ev events.Event) error {
		if waiting, _ := ev.Data["waitingOnHuman"].(bool); waiting {
			log.WithField("task_id", ev.Data["taskId"]).Info("human node started, awaiting approval")
		}
		return nil
	})

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(recoveryMiddleware())
	s.router.Use(requestIDMiddleware())
	s.router.Use(loggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)

	tasks := s.router.Group("/tasks")
	{
		tasks.GET("", s.listTasks)
		tasks.POST("", s.createTask)
		tasks.GET("/:id", s.getTask)
		tasks.POST("/:id/start", s.startTask)
		tasks.POST("/:id/pause", s.pauseTask)
		tasks.POST("/:id/resume", s.resumeTask)
		tasks.POST("/:id/stop", s.stopTask)
		tasks.POST("/:id/complete", s.completeTask)
		tasks.POST("/:id/reject", s.rejectTask)
		tasks.POST("/:id/inject", s.injectTask)
		tasks.GET("/:id/workflow", s.getWorkflow)
		tasks.GET("/:id/instance", s.getInstance)
		tasks.GET("/:id/waiting", s.getWaitingForTask)
		tasks.GET("/:id/traces", s.listTraces)
		tasks.GET("/:id/traces/:traceId", s.getTrace)
		tasks.GET("/:id/traces/:traceId/slow", s.getSlowSpans)
		tasks.GET("/:id/traces/:traceId/spans/:spanId/chain", s.getErrorChain)
	}

	s.router.GET("/human-waiting", s.listHumanWaiting)
	s.router.POST("/jobs/:id/resume", s.resumeJob)
	s.router.GET("/queue/stats", s.queueStats)
}

// Start runs the HTTP server until it is shut down or fails.
func (s *Server) Start() error {
	log.WithField("addr", s.http.Addr).Info("starting api server")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ok(c, HealthStatus{Status: "healthy"})
}
