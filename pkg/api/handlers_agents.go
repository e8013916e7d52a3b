package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/simonstaton/claudeswarm/pkg/agent"
	"github.com/simonstaton/claudeswarm/pkg/events"
)

func (s *Server) listAgentsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.List())
}

func (s *Server) registryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Registry())
}

func (s *Server) topologyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Topology())
}

// createAgentHandler starts an agent and streams its events until the first
// turn completes (closeOnDone=false keeps the stream open past turn
// boundaries).
func (s *Server) createAgentHandler(c *gin.Context) {
	var spec agent.CreateSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(spec.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	a, sub, err := s.manager.Create(c.Request.Context(), spec)
	if err != nil {
		c.JSON(mapError(err), gin.H{"error": err.Error()})
		return
	}

	c.Header("X-Agent-Id", a.ID)
	c.Header("X-Agent-Name", a.Name)
	s.streamEvents(c, sub, 0, closeOnDone(c))
}

func (s *Server) createBatchHandler(c *gin.Context) {
	var body struct {
		Agents []agent.CreateSpec `json:"agents"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	results, err := s.manager.CreateBatch(c.Request.Context(), body.Agents)
	if err != nil {
		c.JSON(mapError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) getAgentHandler(c *gin.Context) {
	id := c.Param("id")
	a, ok := s.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	s.manager.Touch(id)
	c.JSON(http.StatusOK, a)
}

func (s *Server) patchAgentHandler(c *gin.Context) {
	var body struct {
		Role                       *string `json:"role"`
		CurrentTask                *string `json:"currentTask"`
		Name                       *string `json:"name"`
		DangerouslySkipPermissions *bool   `json:"dangerouslySkipPermissions"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	a, ok := s.manager.Update(c.Param("id"), body.Role, body.CurrentTask, body.Name, body.DangerouslySkipPermissions)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) deleteAgentHandler(c *gin.Context) {
	if !s.manager.Destroy(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// messageAgentHandler sends a prompt and streams the resulting turn.
func (s *Server) messageAgentHandler(c *gin.Context) {
	var body struct {
		Prompt      string             `json:"prompt"`
		MaxTurns    int                `json:"maxTurns"`
		SessionID   string             `json:"sessionId"`
		After       *int               `json:"after"`
		Attachments []attachmentUpload `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	id := c.Param("id")

	prompt := body.Prompt
	if len(body.Attachments) > 0 {
		a, ok := s.manager.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		suffix, err := s.saveUploads(a.WorkspaceDir, body.Attachments)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		prompt += suffix
		s.manager.Touch(id)
	}

	// Default replay position: from the end of the log as it stood before
	// this prompt, so the stream carries exactly the new turn.
	after := s.logLength(id)
	if body.After != nil {
		after = *body.After
	}

	_, sub, err := s.manager.Message(id, prompt, body.MaxTurns, body.SessionID)
	if err != nil {
		c.JSON(mapError(err), gin.H{"error": err.Error()})
		return
	}
	s.streamEvents(c, sub, after, closeOnDone(c))
}

func (s *Server) logLength(id string) int {
	entries, ok := s.manager.Events(id)
	if !ok || len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Index + 1
}

// eventsHandler is the reconnection stream: replay from ?after=N, then live.
// Historical done events never close it.
func (s *Server) eventsHandler(c *gin.Context) {
	id := c.Param("id")
	after, _ := strconv.Atoi(c.DefaultQuery("after", "0"))

	if _, ok := s.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	s.manager.Touch(id)
	s.streamEvents(c, s.subscriptionFor(id), after, false)
}

func (s *Server) subscriptionFor(id string) agent.Subscription {
	return func(listener events.Listener, afterIndex int) func() {
		return s.manager.Subscribe(id, listener, afterIndex)
	}
}

// renderLogLine formats one event for the text log view.
func renderLogLine(e events.Entry) string {
	ev := e.Event
	switch ev.Type() {
	case events.TypeStderr, events.TypeRaw:
		return fmt.Sprintf("[%d] %s: %s\n", e.Index, ev.Type(), ev.GetString("text"))
	case events.TypeUserPrompt:
		return fmt.Sprintf("[%d] prompt: %s\n", e.Index, ev.GetString("text"))
	case events.TypeResult:
		return fmt.Sprintf("[%d] result: %s\n", e.Index, ev.GetString("result"))
	default:
		return fmt.Sprintf("[%d] %s: %s\n", e.Index, ev.Type(), ev.JSON())
	}
}

// rawEventsHandler is the debug summary: the retained tail by default, or a
// page of archived history when ?from= is given, so operators can read past
// the in-memory window.
func (s *Server) rawEventsHandler(c *gin.Context) {
	id := c.Param("id")
	entries, ok := s.manager.Events(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	archived := 0
	if s.archive != nil {
		if n, err := s.archive.Count(c.Request.Context(), id); err == nil {
			archived = n
		}
	}

	if raw := c.Query("from"); raw != "" {
		from, err := strconv.Atoi(raw)
		if err != nil || from < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		page := []events.Entry{}
		if s.archive != nil {
			page, err = s.archive.Range(c.Request.Context(), id, from, limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read event archive"})
				return
			}
			if page == nil {
				page = []events.Entry{}
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"archived": archived,
			"from":     from,
			"events":   page,
		})
		return
	}

	total := 0
	if len(entries) > 0 {
		total = entries[len(entries)-1].Index + 1
	}
	c.JSON(http.StatusOK, gin.H{
		"total":    total,
		"retained": len(entries),
		"archived": archived,
		"events":   entries,
	})
}

func (s *Server) logsHandler(c *gin.Context) {
	id := c.Param("id")
	var types []string
	if raw := c.Query("types"); raw != "" {
		types = strings.Split(raw, ",")
	}
	tail, _ := strconv.Atoi(c.DefaultQuery("tail", "0"))

	entries, ok := s.manager.Logs(id, types, tail)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	if c.DefaultQuery("format", "json") == "text" {
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(renderLogLine(e))
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) filesHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	files, ok := s.manager.ListWorkspaceFiles(c.Param("id"), c.Query("q"), limit)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, files)
}

func (s *Server) metadataHandler(c *gin.Context) {
	meta, ok := s.manager.Metadata(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) usageHandler(c *gin.Context) {
	usage, ok := s.manager.Usage(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) pauseHandler(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if !s.manager.Pause(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent cannot be paused in its current state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) resumeHandler(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if !s.manager.Resume(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent is not paused"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type attachmentUpload struct {
	Name string `json:"name"`
	Data string `json:"data"` // base64
}

func (s *Server) attachmentsHandler(c *gin.Context) {
	var body struct {
		Attachments []attachmentUpload `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	id := c.Param("id")
	a, ok := s.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	suffix, err := s.saveUploads(a.WorkspaceDir, body.Attachments)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.manager.Touch(id)
	c.JSON(http.StatusOK, gin.H{"suffix": suffix})
}

func (s *Server) saveUploads(workspaceDir string, uploads []attachmentUpload) (string, error) {
	attachments := make([]agent.Attachment, 0, len(uploads))
	for _, u := range uploads {
		data, err := base64.StdEncoding.DecodeString(u.Data)
		if err != nil {
			return "", fmt.Errorf("attachment %q is not valid base64", u.Name)
		}
		attachments = append(attachments, agent.Attachment{Name: u.Name, Data: data})
	}
	return s.manager.SaveAttachments(workspaceDir, attachments)
}

// closeOnDone defaults to true; ?closeOnDone=false keeps a create/message
// stream open across turn boundaries.
func closeOnDone(c *gin.Context) bool {
	return c.DefaultQuery("closeOnDone", "true") != "false"
}
