// Package api exposes the orchestrator's HTTP and websocket surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/audit"
	"github.com/aosanya/FlowCortex/internal/bus"
	"github.com/aosanya/FlowCortex/internal/config"
	"github.com/aosanya/FlowCortex/internal/orchestrator"
	"github.com/aosanya/FlowCortex/internal/queue"
	"github.com/aosanya/FlowCortex/internal/registry"
	"github.com/aosanya/FlowCortex/internal/store"
	"github.com/aosanya/FlowCortex/internal/tracker"
)

// QueueStats exposes the durable queue's depth counters.
type QueueStats interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Server is the REST and websocket front of the orchestrator.
type Server struct {
	router *gin.Engine
	server *http.Server
	cfg    *config.Config

	orch *orchestrator.Orchestrator
	st   store.StateStore
	reg  *registry.Registry
	trk  *tracker.Tracker
	nb   *bus.Bus
	aud  *audit.Logger
	qs   QueueStats

	startedAt time.Time
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, st store.StateStore, reg *registry.Registry, trk *tracker.Tracker, nb *bus.Bus, aud *audit.Logger, qs QueueStats) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	s := &Server{
		router:    router,
		cfg:       cfg,
		orch:      orch,
		st:        st,
		reg:       reg,
		trk:       trk,
		nb:        nb,
		aud:       aud,
		qs:        qs,
		startedAt: time.Now().UTC(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware() {
	s.router.Use(RecoveryMiddleware())
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggingMiddleware())
	s.router.Use(CORSMiddleware(s.cfg.CORSOriginList()))
	s.router.Use(RateLimitMiddleware(s.cfg.Auth.RateLimitMax, s.cfg.RateLimitWindow()))
}

// setupRoutes configures the HTTP surface.
func (s *Server) setupRoutes() {
	// Unauthenticated probes.
	s.router.GET("/health", s.health)
	s.router.GET("/health/detailed", s.healthDetailed)

	// The websocket channel authenticates in-band.
	if s.cfg.Features.EnableWebsockets {
		s.router.GET("/ws", func(c *gin.Context) {
			s.nb.HandleConnection(c.Writer, c.Request)
		})
	}

	authed := s.router.Group("/", AuthMiddleware(s.cfg.Auth.JWTSecret, s.aud))
	{
		authed.GET("/agents/status", s.agentsStatus)
		authed.GET("/agents/tasks", s.agentsTasks)

		authed.GET("/workflows", s.listWorkflows)
		authed.POST("/workflows", s.createWorkflow)
		authed.POST("/workflows/execute", s.executeWorkflow)
		authed.GET("/workflows/:runId/status", s.runStatus)
		authed.POST("/workflows/:runId/cancel", s.cancelRun)
	}
}

// Start starts the HTTP listener.
func (s *Server) Start() error {
	log.WithFields(log.Fields{
		"host": s.cfg.Server.Host,
		"port": s.cfg.Server.Port,
	}).Info("Starting API server")
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Router returns the Gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// health reports liveness.
func (s *Server) health(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":    "healthy",
		"uptime":    time.Since(s.startedAt).String(),
		"timestamp": time.Now().UTC(),
	})
}

// healthDetailed adds queue, subscriber and memory statistics.
func (s *Server) healthDetailed(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	detail := gin.H{
		"status":    "healthy",
		"uptime":    time.Since(s.startedAt).String(),
		"timestamp": time.Now().UTC(),
		"memory": gin.H{
			"heapAllocBytes": memStats.HeapAlloc,
			"sysBytes":       memStats.Sys,
			"numGC":          memStats.NumGC,
			"goroutines":     runtime.NumGoroutine(),
		},
		"subscribers": s.nb.Stats(),
		"tasks":       s.trk.Metrics(),
		"activeRuns":  s.orch.ActiveRuns(),
	}

	if s.qs != nil {
		if stats, err := s.qs.Stats(c.Request.Context()); err == nil {
			detail["queue"] = stats
		} else {
			detail["status"] = "degraded"
			detail["queue"] = gin.H{"error": "unreachable"}
		}
	}

	c.JSON(200, detail)
}

// agentsStatus lists the registered agents.
func (s *Server) agentsStatus(c *gin.Context) {
	agents := s.reg.List()
	active := 0
	for _, agent := range agents {
		if agent.Status == store.AgentStatusActive {
			active++
		}
	}

	c.JSON(200, gin.H{
		"agents":       agents,
		"totalAgents":  len(agents),
		"activeAgents": active,
	})
}

// agentsTasks lists the currently running tasks.
func (s *Server) agentsTasks(c *gin.Context) {
	running := s.trk.Running()
	c.JSON(200, gin.H{
		"runningTasks": running,
		"totalRunning": len(running),
	})
}

// executeWorkflowRequest is the body of POST /workflows/execute.
type executeWorkflowRequest struct {
	WorkflowID string         `json:"workflowId" binding:"required"`
	Input      map[string]any `json:"input"`
	Priority   string         `json:"priority"`
}

// executeWorkflow submits a run.
func (s *Server) executeWorkflow(c *gin.Context) {
	var req executeWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "workflowId is required", err.Error())
		return
	}

	priority := store.Priority(req.Priority)
	if req.Priority == "" {
		priority = store.PriorityNormal
	}
	if !priority.Valid() {
		badRequest(c, fmt.Sprintf("invalid priority %q", req.Priority), nil)
		return
	}

	actor := actorFrom(c)
	run, err := s.orch.SubmitRun(c.Request.Context(), actor, req.WorkflowID, req.Input, priority, c.ClientIP())
	if err != nil {
		s.writeDomainError(c, actor, err, "workflow", req.WorkflowID)
		return
	}

	c.JSON(201, gin.H{
		"workflowRunId": run.ID,
		"status":        "started",
	})
}

// runStatus returns a run with its embedded task list.
func (s *Server) runStatus(c *gin.Context) {
	actor := actorFrom(c)
	runID := c.Param("runId")

	withTasks, err := s.orch.RunStatus(c.Request.Context(), actor, runID)
	if err != nil {
		s.writeDomainError(c, actor, err, "workflow_run", runID)
		return
	}

	c.JSON(200, withTasks)
}

// cancelRun cancels an active or pending run.
func (s *Server) cancelRun(c *gin.Context) {
	actor := actorFrom(c)
	runID := c.Param("runId")

	if err := s.orch.CancelRun(c.Request.Context(), actor, runID); err != nil {
		s.writeDomainError(c, actor, err, "workflow_run", runID)
		return
	}

	c.JSON(200, gin.H{"message": "cancellation requested"})
}

// createWorkflowRequest is the body of POST /workflows.
type createWorkflowRequest struct {
	Name  string `json:"name" binding:"required"`
	Steps []struct {
		ID        string         `json:"id" binding:"required"`
		AgentID   string         `json:"agentId" binding:"required"`
		Name      string         `json:"name" binding:"required"`
		Order     int            `json:"order"`
		Config    map[string]any `json:"config"`
		DependsOn []string       `json:"dependsOn"`
	} `json:"steps" binding:"required"`
}

// createWorkflow registers a workflow definition.
func (s *Server) createWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name and steps are required", err.Error())
		return
	}

	actor := actorFrom(c)
	workflow := &store.Workflow{
		OrganizationID: actor.OrganizationID,
		Name:           req.Name,
		Status:         store.WorkflowStatusActive,
	}
	for _, step := range req.Steps {
		workflow.Steps = append(workflow.Steps, store.WorkflowStep{
			ID:        step.ID,
			AgentID:   step.AgentID,
			Name:      step.Name,
			Order:     step.Order,
			Config:    step.Config,
			DependsOn: step.DependsOn,
		})
	}

	if err := s.st.CreateWorkflow(c.Request.Context(), workflow); err != nil {
		if errors.Is(err, store.ErrInvalidWorkflow) {
			badRequest(c, err.Error(), nil)
			return
		}
		internalError(c, "failed to create workflow")
		return
	}

	s.aud.Record(c.Request.Context(), audit.Entry{
		Actor:      actor,
		Action:     audit.ActionWorkflowCreated,
		Resource:   "workflow",
		ResourceID: workflow.ID,
		SourceAddr: c.ClientIP(),
	})

	c.JSON(201, workflow)
}

// listWorkflows returns the actor's organization workflows.
func (s *Server) listWorkflows(c *gin.Context) {
	actor := actorFrom(c)
	workflows, err := s.st.ListWorkflows(c.Request.Context(), actor.OrganizationID)
	if err != nil {
		internalError(c, "failed to list workflows")
		return
	}
	c.JSON(200, gin.H{"workflows": workflows})
}

// writeDomainError maps store and orchestrator errors onto the error
// taxonomy. Organization-boundary violations are audited.
func (s *Server) writeDomainError(c *gin.Context, actor store.Actor, err error, resource, resourceID string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		notFound(c, err.Error())
	case errors.Is(err, store.ErrOrganizationMismatch):
		s.aud.Record(c.Request.Context(), audit.Entry{
			Actor:      actor,
			Action:     audit.ActionPermissionDenied,
			Resource:   resource,
			ResourceID: resourceID,
			Severity:   audit.SeverityHigh,
			SourceAddr: c.ClientIP(),
		})
		// A cross-tenant probe learns nothing about the resource.
		notFound(c, "not found")
	case errors.Is(err, store.ErrWorkflowDisabled):
		badRequest(c, err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		badRequest(c, err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInvalidPriority):
		badRequest(c, err.Error(), nil)
	default:
		log.WithError(err).Error("Request failed")
		internalError(c, "request failed")
	}
}
