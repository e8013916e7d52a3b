// Package api exposes the HTTP/SSE surface of the orchestration server.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/simonstaton/claudeswarm/pkg/agent"
	"github.com/simonstaton/claudeswarm/pkg/archive"
	"github.com/simonstaton/claudeswarm/pkg/bus"
	"github.com/simonstaton/claudeswarm/pkg/config"
	"github.com/simonstaton/claudeswarm/pkg/depcache"
	"github.com/simonstaton/claudeswarm/pkg/memorypressure"
)

// actorHeader carries the validated token subject, installed by the
// authentication middleware in front of this server. The subject
// "agent-service" identifies calls made by agents themselves.
const actorHeader = "X-Actor-Sub"

const agentServiceActor = "agent-service"

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	manager    *agent.Manager
	bus        *bus.Bus
	guardrails *config.Guardrails
	probe      *memorypressure.Probe
	depCache   *depcache.Service
	archive    *archive.Store // nil when the archive is disabled
}

// NewServer wires the API routes over the core services.
func NewServer(
	manager *agent.Manager,
	messageBus *bus.Bus,
	guardrails *config.Guardrails,
	probe *memorypressure.Probe,
	depCache *depcache.Service,
	eventArchive *archive.Store,
) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		manager:    manager,
		bus:        messageBus,
		guardrails: guardrails,
		probe:      probe,
		depCache:   depCache,
		archive:    eventArchive,
	}
	s.setupRoutes()
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.healthHandler)

	agents := s.engine.Group("/api/agents")
	{
		agents.GET("", s.listAgentsHandler)
		agents.POST("", s.createAgentHandler)
		agents.POST("/batch", s.createBatchHandler)
		agents.GET("/registry", s.registryHandler)
		agents.GET("/topology", s.topologyHandler)

		agents.GET("/:id", s.getAgentHandler)
		agents.PATCH("/:id", s.patchAgentHandler)
		agents.DELETE("/:id", s.forbidAgentActor, s.deleteAgentHandler)
		agents.POST("/:id/message", s.messageAgentHandler)
		agents.GET("/:id/events", s.eventsHandler)
		agents.GET("/:id/raw-events", s.rawEventsHandler)
		agents.GET("/:id/logs", s.logsHandler)
		agents.GET("/:id/files", s.filesHandler)
		agents.GET("/:id/metadata", s.metadataHandler)
		agents.GET("/:id/usage", s.usageHandler)
		agents.POST("/:id/pause", s.forbidAgentActor, s.pauseHandler)
		agents.POST("/:id/resume", s.forbidAgentActor, s.resumeHandler)
		agents.POST("/:id/attachments", s.attachmentsHandler)
	}

	messages := s.engine.Group("/api/messages")
	{
		messages.GET("", s.queryMessagesHandler)
		messages.POST("", s.postMessageHandler)
		messages.POST("/:id/read", s.markReadHandler)
		messages.POST("/read-all", s.markAllReadHandler)
		messages.DELETE("/:id", s.forbidAgentActor, s.deleteMessageHandler)
	}

	guardrails := s.engine.Group("/api/guardrails")
	{
		guardrails.GET("", s.getGuardrailsHandler)
		guardrails.PATCH("", s.forbidAgentActor, s.patchGuardrailsHandler)
	}
}

// forbidAgentActor rejects calls made with the agent-service subject.
// Agents may not pause, resume or destroy their peers.
func (s *Server) forbidAgentActor(c *gin.Context) {
	if c.GetHeader(actorHeader) == agentServiceActor {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "agents are not allowed to perform this operation",
		})
	}
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// mapError translates manager sentinel errors to HTTP statuses.
func mapError(err error) int {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrMemoryPressure):
		return http.StatusServiceUnavailable
	default:
		// Validation failures, admission limits, illegal state transitions.
		return http.StatusBadRequest
	}
}
