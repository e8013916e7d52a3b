package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/simonstaton/claudeswarm/pkg/bus"
)

func (s *Server) postMessageHandler(c *gin.Context) {
	var body struct {
		From         string            `json:"from"`
		FromName     string            `json:"fromName"`
		To           string            `json:"to"`
		Channel      string            `json:"channel"`
		Type         string            `json:"type"`
		Content      string            `json:"content"`
		Metadata     map[string]string `json:"metadata"`
		ExcludeRoles []string          `json:"excludeRoles"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if body.From == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from is required"})
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	msg := s.bus.Post(bus.PostOptions{
		From:         body.From,
		FromName:     body.FromName,
		To:           body.To,
		Channel:      body.Channel,
		Type:         body.Type,
		Content:      body.Content,
		Metadata:     body.Metadata,
		ExcludeRoles: body.ExcludeRoles,
	})
	c.JSON(http.StatusOK, msg)
}

func (s *Server) queryMessagesHandler(c *gin.Context) {
	opts := bus.QueryOptions{
		To:        c.Query("to"),
		AgentRole: c.Query("agentRole"),
		From:      c.Query("from"),
		Channel:   c.Query("channel"),
		Type:      c.Query("type"),
		UnreadBy:  c.Query("unreadBy"),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		opts.Since = since
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		opts.Limit = limit
	}
	msgs := s.bus.Query(opts)
	if msgs == nil {
		msgs = []bus.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) markReadHandler(c *gin.Context) {
	var body struct {
		AgentID string `json:"agentId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}
	changed := s.bus.MarkRead(c.Param("id"), body.AgentID)
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (s *Server) markAllReadHandler(c *gin.Context) {
	var body struct {
		AgentID   string `json:"agentId"`
		AgentRole string `json:"agentRole"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}
	count := s.bus.MarkAllRead(body.AgentID, body.AgentRole)
	c.JSON(http.StatusOK, gin.H{"marked": count})
}

func (s *Server) deleteMessageHandler(c *gin.Context) {
	if !s.bus.DeleteMessage(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
