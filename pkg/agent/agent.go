// Package agent holds the registry of supervised agents: creation with
// admission guardrails, lifecycle, messaging, TTL cleanup, and topology.
package agent

import (
	"time"

	"github.com/simonstaton/claudeswarm/pkg/supervisor"
)

// Usage accumulates token counts and the derived cost estimate.
type Usage struct {
	TokensIn      int64   `json:"tokensIn"`
	TokensOut     int64   `json:"tokensOut"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// Agent is the public record for one supervised agent.
type Agent struct {
	ID                         string            `json:"id"`
	Name                       string            `json:"name"`
	ParentID                   string            `json:"parentId,omitempty"`
	Depth                      int               `json:"depth"`
	Role                       string            `json:"role,omitempty"`
	Capabilities               []string          `json:"capabilities,omitempty"`
	Model                      string            `json:"model"`
	MaxTurns                   int               `json:"maxTurns,omitempty"`
	WorkspaceDir               string            `json:"workspaceDir"`
	Status                     supervisor.Status `json:"status"`
	CurrentTask                string            `json:"currentTask,omitempty"`
	ClaudeSessionID            string            `json:"claudeSessionId,omitempty"`
	Usage                      Usage             `json:"usage"`
	LastActivity               time.Time         `json:"lastActivity"`
	CreatedAt                  time.Time         `json:"createdAt"`
	DangerouslySkipPermissions bool              `json:"dangerouslySkipPermissions,omitempty"`
}

// RepoAccess grants the agent push access to one git remote.
type RepoAccess struct {
	// Host including optional port, e.g. "github.com".
	Host string `json:"host"`
	// Path is the repository path, e.g. "acme/widget.git".
	Path string `json:"path"`
	// PAT is the personal access token written to .git-credentials.
	PAT string `json:"pat"`
}

// CreateSpec describes one agent to create.
type CreateSpec struct {
	Prompt                     string       `json:"prompt"`
	ParentID                   string       `json:"parentId,omitempty"`
	Role                       string       `json:"role,omitempty"`
	Capabilities               []string     `json:"capabilities,omitempty"`
	Model                      string       `json:"model,omitempty"`
	MaxTurns                   int          `json:"maxTurns,omitempty"`
	SessionID                  string       `json:"sessionId,omitempty"`
	Repos                      []RepoAccess `json:"repos,omitempty"`
	DangerouslySkipPermissions bool         `json:"dangerouslySkipPermissions,omitempty"`
}

// Attachment is an uploaded file destined for an agent's workspace.
type Attachment struct {
	Name string
	Data []byte
}

// BatchResult is the per-item outcome of CreateBatch.
type BatchResult struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`
}

// TopologyNode is one agent in the spawn graph.
type TopologyNode struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Role   string            `json:"role,omitempty"`
	Status supervisor.Status `json:"status"`
	Depth  int               `json:"depth"`
}

// TopologyEdge links a parent to a child it spawned.
type TopologyEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Topology is the spawn graph derived from parentage.
type Topology struct {
	Nodes []TopologyNode `json:"nodes"`
	Edges []TopologyEdge `json:"edges"`
}

// RegistryEntry is the compact listing used by dashboards, including the
// unread message count from the bus.
type RegistryEntry struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Role           string            `json:"role,omitempty"`
	Status         supervisor.Status `json:"status"`
	CurrentTask    string            `json:"currentTask,omitempty"`
	UnreadMessages int               `json:"unreadMessages"`
	LastActivity   time.Time         `json:"lastActivity"`
}

// Metadata is runtime detail for one agent, for the metadata endpoint.
type Metadata struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Role         string            `json:"role,omitempty"`
	Model        string            `json:"model"`
	Depth        int               `json:"depth"`
	ParentID     string            `json:"parentId,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	WorkspaceDir string            `json:"workspaceDir"`
	Status       supervisor.Status `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	EventCount   int               `json:"eventCount"`
}
