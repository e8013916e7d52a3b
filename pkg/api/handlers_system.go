package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/simonstaton/claudeswarm/pkg/config"
)

func (s *Server) healthHandler(c *gin.Context) {
	mem := s.probe.Read()
	status := "ok"
	if mem.Limit > 0 && mem.Fraction >= config.MemoryPressureThreshold {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"agents":   s.manager.Count(),
		"memory":   mem,
		"depCache": s.depCache.Status(),
	})
}

func (s *Server) getGuardrailsHandler(c *gin.Context) {
	l := s.guardrails.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"maxPromptLength":     l.MaxPromptLength,
		"maxTurns":            l.MaxTurns,
		"maxAgents":           l.MaxAgents,
		"maxBatchSize":        l.MaxBatchSize,
		"maxAgentDepth":       l.MaxAgentDepth,
		"maxChildrenPerAgent": l.MaxChildrenPerAgent,
		"sessionTtlMs":        int(l.SessionTTL / time.Millisecond),
		"allowedModels":       config.AllowedModels,
		"defaultModel":        config.DefaultModel,
	})
}

func (s *Server) patchGuardrailsHandler(c *gin.Context) {
	var body struct {
		MaxPromptLength     *int `json:"maxPromptLength"`
		MaxTurns            *int `json:"maxTurns"`
		MaxAgents           *int `json:"maxAgents"`
		MaxBatchSize        *int `json:"maxBatchSize"`
		MaxAgentDepth       *int `json:"maxAgentDepth"`
		MaxChildrenPerAgent *int `json:"maxChildrenPerAgent"`
		SessionTTLMs        *int `json:"sessionTtlMs"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	l := s.guardrails.Snapshot()
	if body.MaxPromptLength != nil {
		l.MaxPromptLength = *body.MaxPromptLength
	}
	if body.MaxTurns != nil {
		l.MaxTurns = *body.MaxTurns
	}
	if body.MaxAgents != nil {
		l.MaxAgents = *body.MaxAgents
	}
	if body.MaxBatchSize != nil {
		l.MaxBatchSize = *body.MaxBatchSize
	}
	if body.MaxAgentDepth != nil {
		l.MaxAgentDepth = *body.MaxAgentDepth
	}
	if body.MaxChildrenPerAgent != nil {
		l.MaxChildrenPerAgent = *body.MaxChildrenPerAgent
	}
	if body.SessionTTLMs != nil {
		l.SessionTTL = time.Duration(*body.SessionTTLMs) * time.Millisecond
	}

	if err := s.guardrails.Update(l); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
