package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simonstaton/claudeswarm/pkg/config"
	"github.com/simonstaton/claudeswarm/pkg/events"
	"github.com/simonstaton/claudeswarm/pkg/supervisor"
)

// cleanupInterval is how often the TTL loop scans for expired agents.
const cleanupInterval = time.Minute

// Token cost rates, dollars per million tokens.
const (
	costPerInputToken  = 3.0 / 1_000_000
	costPerOutputToken = 15.0 / 1_000_000
)

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	ErrNotFound        = errors.New("agent not found")
	ErrMemoryPressure  = errors.New("server is under memory pressure, retry later")
	ErrTooManyAgents   = errors.New("maximum number of agents reached")
	ErrDepthExceeded   = errors.New("maximum agent depth exceeded")
	ErrTooManyChildren = errors.New("parent has reached its children limit")
	ErrParentNotFound  = errors.New("parent agent not found")
	ErrBatchTooLarge   = errors.New("batch exceeds the maximum batch size")
	ErrPromptTooLong   = errors.New("prompt exceeds the maximum length")
	ErrModelNotAllowed = errors.New("model is not in the allowed set")
)

// Pressure is the admission-control memory probe.
type Pressure interface {
	UnderPressure() bool
}

// MessageStore is the slice of the bus the manager needs.
type MessageStore interface {
	CleanupForAgent(agentID string)
	UnreadCount(agentID, role string) int
}

// Spiller receives evicted event-log entries (the archive).
type Spiller interface {
	Enqueue(agentID string, entries []events.Entry)
}

// Process is the supervisor surface the manager drives. Satisfied by
// *supervisor.Supervisor; swapped for a fake in tests.
// Status transitions reach the manager through the onStatus callback, so
// the interface carries only the operations the manager drives.
type Process interface {
	Start(ctx context.Context, prompt string) error
	Send(prompt string, maxTurns int, sessionID string) error
	Pause() bool
	Resume() bool
	Destroy()
}

// ProcessFactory builds a Process for a new agent.
type ProcessFactory func(cfg supervisor.Config, hub *events.Hub, onStatus func(supervisor.Status), onEvent func(events.Event)) Process

// Subscription replays history from afterIndex and then delivers live
// events; the returned func unsubscribes.
type Subscription func(listener events.Listener, afterIndex int) (unsubscribe func())

// Options wires a Manager.
type Options struct {
	Sanitizer     events.Sanitizer
	Guardrails    *config.Guardrails
	Pressure      Pressure
	Bus           MessageStore
	Archive       Spiller // optional
	WorkspacesDir string
	CLIBinary     string

	// NewProcess defaults to the real supervisor.
	NewProcess ProcessFactory

	// Now defaults to time.Now.
	Now func() time.Time
}

type record struct {
	mu    sync.Mutex
	agent Agent
	hub   *events.Hub
	proc  Process
}

func (r *record) snapshot() Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.agent
	a.Capabilities = slices.Clone(r.agent.Capabilities)
	return a
}

// Manager owns the agent registry.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	registry map[string]*record

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. Start must be called to run the TTL loop.
func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewProcess == nil {
		opts.NewProcess = func(cfg supervisor.Config, hub *events.Hub, onStatus func(supervisor.Status), onEvent func(events.Event)) Process {
			return supervisor.New(cfg, hub, onStatus, onEvent)
		}
	}
	return &Manager{
		opts:     opts,
		registry: make(map[string]*record),
	}
}

// Start launches the TTL cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.cleanupLoop(ctx)
	slog.Info("Agent TTL cleanup started", "interval", cleanupInterval)
}

// Stop halts the TTL loop. Live agents are left to Shutdown.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.destroyExpired()
		}
	}
}

func (m *Manager) destroyExpired() {
	ttl := m.opts.Guardrails.Snapshot().SessionTTL
	cutoff := m.opts.Now().Add(-ttl)

	var expired []string
	m.mu.RLock()
	for id, rec := range m.registry {
		rec.mu.Lock()
		if rec.agent.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
		rec.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, id := range expired {
		slog.Info("Destroying idle agent past TTL", "agent_id", id, "ttl", ttl)
		m.Destroy(id)
	}
}

// admit runs the admission checks in their documented order. Caller must
// not hold m.mu.
func (m *Manager) admit(spec CreateSpec, limits config.Limits) error {
	if m.opts.Pressure != nil && m.opts.Pressure.UnderPressure() {
		return ErrMemoryPressure
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.registry) >= limits.MaxAgents {
		return fmt.Errorf("%w (%d)", ErrTooManyAgents, limits.MaxAgents)
	}
	if spec.ParentID != "" {
		parent, ok := m.registry[spec.ParentID]
		if !ok {
			return ErrParentNotFound
		}
		parent.mu.Lock()
		depth := parent.agent.Depth
		parent.mu.Unlock()
		if depth+1 > limits.MaxAgentDepth {
			return fmt.Errorf("%w (%d)", ErrDepthExceeded, limits.MaxAgentDepth)
		}
		children := 0
		for _, rec := range m.registry {
			rec.mu.Lock()
			if rec.agent.ParentID == spec.ParentID {
				children++
			}
			rec.mu.Unlock()
		}
		if children >= limits.MaxChildrenPerAgent {
			return fmt.Errorf("%w (%d)", ErrTooManyChildren, limits.MaxChildrenPerAgent)
		}
	}
	return nil
}

// Create admission-checks and starts a new agent, returning its record and
// a replay-capable subscription.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (Agent, Subscription, error) {
	limits := m.opts.Guardrails.Snapshot()

	if len(spec.Prompt) > limits.MaxPromptLength {
		return Agent{}, nil, fmt.Errorf("%w (%d bytes)", ErrPromptTooLong, limits.MaxPromptLength)
	}
	model := spec.Model
	if model == "" {
		model = config.DefaultModel
	}
	if !config.ModelAllowed(model) {
		return Agent{}, nil, fmt.Errorf("%w: %q", ErrModelNotAllowed, model)
	}
	maxTurns := spec.MaxTurns
	if maxTurns <= 0 || maxTurns > limits.MaxTurns {
		maxTurns = limits.MaxTurns
	}

	if err := m.admit(spec, limits); err != nil {
		return Agent{}, nil, err
	}

	id := uuid.New().String()
	name := GenerateNameFromPrompt(spec.Prompt, id)
	now := m.opts.Now()

	depth := 0
	if spec.ParentID != "" {
		parent, ok := m.get(spec.ParentID)
		if !ok {
			return Agent{}, nil, ErrParentNotFound
		}
		depth = parent.snapshot().Depth + 1
	}

	workspace := filepath.Join(m.opts.WorkspacesDir, name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return Agent{}, nil, fmt.Errorf("failed to allocate workspace: %w", err)
	}
	if err := writeGitCredentials(workspace, spec.Repos); err != nil {
		return Agent{}, nil, err
	}

	rec := &record{
		agent: Agent{
			ID:                         id,
			Name:                       name,
			ParentID:                   spec.ParentID,
			Depth:                      depth,
			Role:                       spec.Role,
			Capabilities:               slices.Clone(spec.Capabilities),
			Model:                      model,
			MaxTurns:                   maxTurns,
			WorkspaceDir:               workspace,
			Status:                     supervisor.StatusStarting,
			ClaudeSessionID:            spec.SessionID,
			LastActivity:               now,
			CreatedAt:                  now,
			DangerouslySkipPermissions: spec.DangerouslySkipPermissions,
		},
	}

	var evict events.EvictFunc
	if m.opts.Archive != nil {
		archive := m.opts.Archive
		evict = func(entries []events.Entry) { archive.Enqueue(id, entries) }
	}
	rec.hub = events.NewHub(id, events.NewLog(0, evict), m.opts.Sanitizer)
	rec.proc = m.opts.NewProcess(supervisor.Config{
		AgentID:         id,
		Binary:          m.opts.CLIBinary,
		WorkDir:         workspace,
		Model:           model,
		MaxTurns:        maxTurns,
		SessionID:       spec.SessionID,
		SkipPermissions: spec.DangerouslySkipPermissions,
		StallTimeout:    config.StallTimeout,
	}, rec.hub, m.statusCallback(rec), m.eventCallback(rec))

	m.mu.Lock()
	// Re-check the cap under the write lock; concurrent creates may have
	// admitted since the read-locked check.
	if len(m.registry) >= limits.MaxAgents {
		m.mu.Unlock()
		return Agent{}, nil, fmt.Errorf("%w (%d)", ErrTooManyAgents, limits.MaxAgents)
	}
	m.registry[id] = rec
	m.mu.Unlock()

	if err := rec.proc.Start(ctx, spec.Prompt); err != nil {
		m.mu.Lock()
		delete(m.registry, id)
		m.mu.Unlock()
		rec.hub.Close()
		return Agent{}, nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	slog.Info("Agent created",
		"agent_id", id, "name", name, "model", model, "depth", depth, "parent_id", spec.ParentID)
	return rec.snapshot(), m.subscription(rec), nil
}

// CreateBatch creates up to MaxBatchSize agents, returning a per-item
// result. One failure never aborts the rest.
func (m *Manager) CreateBatch(ctx context.Context, specs []CreateSpec) ([]BatchResult, error) {
	limits := m.opts.Guardrails.Snapshot()
	if len(specs) > limits.MaxBatchSize {
		return nil, fmt.Errorf("%w (%d > %d)", ErrBatchTooLarge, len(specs), limits.MaxBatchSize)
	}
	results := make([]BatchResult, len(specs))
	for i, spec := range specs {
		agent, _, err := m.Create(ctx, spec)
		if err != nil {
			results[i] = BatchResult{Error: err.Error()}
			continue
		}
		results[i] = BatchResult{ID: agent.ID, Name: agent.Name}
	}
	return results, nil
}

func (m *Manager) statusCallback(rec *record) func(supervisor.Status) {
	return func(st supervisor.Status) {
		rec.mu.Lock()
		rec.agent.Status = st
		rec.mu.Unlock()
	}
}

// eventCallback tracks usage and the CLI session id from child events.
func (m *Manager) eventCallback(rec *record) func(events.Event) {
	return func(ev events.Event) {
		if sid := ev.GetString("session_id"); sid != "" {
			rec.mu.Lock()
			rec.agent.ClaudeSessionID = sid
			rec.mu.Unlock()
		}
		usage, ok := ev["usage"].(map[string]any)
		if !ok {
			return
		}
		in := numField(usage, "input_tokens")
		out := numField(usage, "output_tokens")
		if in == 0 && out == 0 {
			return
		}
		rec.mu.Lock()
		rec.agent.Usage.TokensIn += in
		rec.agent.Usage.TokensOut += out
		rec.agent.Usage.EstimatedCost = float64(rec.agent.Usage.TokensIn)*costPerInputToken +
			float64(rec.agent.Usage.TokensOut)*costPerOutputToken
		rec.mu.Unlock()
	}
}

func numField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

func (m *Manager) get(id string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.registry[id]
	return rec, ok
}

func (m *Manager) subscription(rec *record) Subscription {
	return func(listener events.Listener, afterIndex int) func() {
		return rec.hub.Subscribe(listener, afterIndex)
	}
}

// Get returns the agent record. Does not touch; callers that serve
// GET /api/agents/:id touch explicitly.
func (m *Manager) Get(id string) (Agent, bool) {
	rec, ok := m.get(id)
	if !ok {
		return Agent{}, false
	}
	return rec.snapshot(), true
}

// List returns all live agents, newest first. Listing does not touch.
func (m *Manager) List() []Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Agent, 0, len(m.registry))
	for _, rec := range m.registry {
		out = append(out, rec.snapshot())
	}
	slices.SortFunc(out, func(a, b Agent) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// Count returns the number of live agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.registry)
}

// Touch advances the agent's activity clock, deferring TTL expiry.
func (m *Manager) Touch(id string) bool {
	rec, ok := m.get(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	rec.agent.LastActivity = m.opts.Now()
	rec.mu.Unlock()
	return true
}

// Message sends a prompt to a running agent and returns a fresh
// subscription. Interrupts the current turn when one is in flight.
func (m *Manager) Message(id, prompt string, maxTurns int, sessionID string) (Agent, Subscription, error) {
	limits := m.opts.Guardrails.Snapshot()
	if len(prompt) > limits.MaxPromptLength {
		return Agent{}, nil, fmt.Errorf("%w (%d bytes)", ErrPromptTooLong, limits.MaxPromptLength)
	}
	rec, ok := m.get(id)
	if !ok {
		return Agent{}, nil, ErrNotFound
	}
	if sessionID == "" {
		sessionID = rec.snapshot().ClaudeSessionID
	}
	if err := rec.proc.Send(prompt, maxTurns, sessionID); err != nil {
		return Agent{}, nil, err
	}
	rec.mu.Lock()
	rec.agent.LastActivity = m.opts.Now()
	rec.mu.Unlock()
	return rec.snapshot(), m.subscription(rec), nil
}

// Subscribe attaches a listener with replay; nil when the agent is unknown.
func (m *Manager) Subscribe(id string, listener events.Listener, afterIndex int) (unsubscribe func()) {
	rec, ok := m.get(id)
	if !ok {
		return nil
	}
	return rec.hub.Subscribe(listener, afterIndex)
}

// Destroy cascades to children first (best-effort), cleans the agent's
// messages, terminates its process, and removes it from the registry.
func (m *Manager) Destroy(id string) bool {
	rec, ok := m.get(id)
	if !ok {
		return false
	}

	m.mu.RLock()
	var children []string
	for childID, child := range m.registry {
		child.mu.Lock()
		if child.agent.ParentID == id {
			children = append(children, childID)
		}
		child.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, childID := range children {
		if !m.Destroy(childID) {
			slog.Warn("Failed to destroy child agent", "agent_id", childID, "parent_id", id)
		}
	}

	if m.opts.Bus != nil {
		m.opts.Bus.CleanupForAgent(id)
	}
	if m.opts.Archive != nil {
		// Preserve the retained tail for post-mortem reads.
		m.opts.Archive.Enqueue(id, rec.hub.Log().All())
	}

	rec.proc.Destroy()

	m.mu.Lock()
	delete(m.registry, id)
	m.mu.Unlock()
	return true
}

// Shutdown destroys every agent. Used at server exit.
func (m *Manager) Shutdown() {
	for _, a := range m.List() {
		// Roots cascade to their subtrees; children destroyed by then are
		// simply gone from the registry.
		if a.ParentID == "" {
			m.Destroy(a.ID)
		}
	}
	for _, a := range m.List() {
		m.Destroy(a.ID)
	}
}

// Pause delivers a job-control stop; false when illegal or unknown.
func (m *Manager) Pause(id string) bool {
	rec, ok := m.get(id)
	return ok && rec.proc.Pause()
}

// Resume continues a paused agent; false when illegal or unknown.
func (m *Manager) Resume(id string) bool {
	rec, ok := m.get(id)
	return ok && rec.proc.Resume()
}

// Usage returns the accumulated token usage.
func (m *Manager) Usage(id string) (Usage, bool) {
	rec, ok := m.get(id)
	if !ok {
		return Usage{}, false
	}
	return rec.snapshot().Usage, true
}

// Metadata returns runtime metadata for one agent.
func (m *Manager) Metadata(id string) (Metadata, bool) {
	rec, ok := m.get(id)
	if !ok {
		return Metadata{}, false
	}
	a := rec.snapshot()
	return Metadata{
		ID:           a.ID,
		Name:         a.Name,
		Role:         a.Role,
		Model:        a.Model,
		Depth:        a.Depth,
		ParentID:     a.ParentID,
		Capabilities: a.Capabilities,
		WorkspaceDir: a.WorkspaceDir,
		Status:       a.Status,
		CreatedAt:    a.CreatedAt,
		EventCount:   rec.hub.Log().Len(),
	}, true
}

// Events returns the retained event log.
func (m *Manager) Events(id string) ([]events.Entry, bool) {
	rec, ok := m.get(id)
	if !ok {
		return nil, false
	}
	return rec.hub.Log().All(), true
}

// Logs returns retained events filtered by type, keeping the last tail
// entries (0 = no tail limit).
func (m *Manager) Logs(id string, types []string, tail int) ([]events.Entry, bool) {
	all, ok := m.Events(id)
	if !ok {
		return nil, false
	}
	filtered := all
	if len(types) > 0 {
		filtered = filtered[:0:0]
		for _, e := range all {
			if slices.Contains(types, e.Event.Type()) {
				filtered = append(filtered, e)
			}
		}
	}
	if tail > 0 && len(filtered) > tail {
		filtered = filtered[len(filtered)-tail:]
	}
	return filtered, true
}

// Update patches the mutable agent fields. Returns the updated record.
func (m *Manager) Update(id string, role, currentTask, name *string, skipPermissions *bool) (Agent, bool) {
	rec, ok := m.get(id)
	if !ok {
		return Agent{}, false
	}
	rec.mu.Lock()
	if role != nil {
		rec.agent.Role = *role
	}
	if currentTask != nil {
		rec.agent.CurrentTask = *currentTask
	}
	if name != nil && *name != "" {
		rec.agent.Name = *name
	}
	if skipPermissions != nil {
		rec.agent.DangerouslySkipPermissions = *skipPermissions
	}
	rec.mu.Unlock()
	return rec.snapshot(), true
}

// Topology derives the spawn graph from parentage.
func (m *Manager) Topology() Topology {
	agents := m.List()
	topo := Topology{
		Nodes: make([]TopologyNode, 0, len(agents)),
		Edges: []TopologyEdge{},
	}
	live := make(map[string]bool, len(agents))
	for _, a := range agents {
		live[a.ID] = true
	}
	for _, a := range agents {
		topo.Nodes = append(topo.Nodes, TopologyNode{
			ID: a.ID, Name: a.Name, Role: a.Role, Status: a.Status, Depth: a.Depth,
		})
		if a.ParentID != "" && live[a.ParentID] {
			topo.Edges = append(topo.Edges, TopologyEdge{From: a.ParentID, To: a.ID})
		}
	}
	return topo
}

// Registry returns the compact listing with unread counts.
func (m *Manager) Registry() []RegistryEntry {
	agents := m.List()
	out := make([]RegistryEntry, 0, len(agents))
	for _, a := range agents {
		unread := 0
		if m.opts.Bus != nil {
			unread = m.opts.Bus.UnreadCount(a.ID, a.Role)
		}
		out = append(out, RegistryEntry{
			ID:             a.ID,
			Name:           a.Name,
			Role:           a.Role,
			Status:         a.Status,
			CurrentTask:    a.CurrentTask,
			UnreadMessages: unread,
			LastActivity:   a.LastActivity,
		})
	}
	return out
}

// SaveAttachments writes uploads into the agent workspace and returns the
// newline-prefixed block of @-references to append to the prompt. The
// workspace-relative attachments/ layout is the interface the child CLI
// resolves @-references against.
func (m *Manager) SaveAttachments(workspaceDir string, attachments []Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	dir := filepath.Join(workspaceDir, "attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create attachments dir: %w", err)
	}
	refs := make([]string, 0, len(attachments))
	for _, att := range attachments {
		name := safeFilename(att.Name)
		if name == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), att.Data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write attachment %s: %w", name, err)
		}
		refs = append(refs, "@attachments/"+name)
	}
	if len(refs) == 0 {
		return "", nil
	}
	return "\n\n" + strings.Join(refs, "\n"), nil
}

// ListWorkspaceFiles walks the agent's workspace, returning relative paths
// matching the substring query, bounded by limit.
func (m *Manager) ListWorkspaceFiles(id, query string, limit int) ([]string, bool) {
	rec, ok := m.get(id)
	if !ok {
		return nil, false
	}
	root := rec.snapshot().WorkspaceDir
	if limit <= 0 {
		limit = 100
	}

	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if query == "" || strings.Contains(strings.ToLower(rel), strings.ToLower(query)) {
			out = append(out, rel)
		}
		if len(out) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	return out, true
}

func safeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "." || base == ".." {
		return ""
	}
	return base
}

// writeGitCredentials writes .git-credentials (mode 0600) for repos with a
// configured PAT.
func writeGitCredentials(workspace string, repos []RepoAccess) error {
	var lines []string
	for _, r := range repos {
		if r.PAT == "" || r.Host == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("https://oauth2:%s@%s/%s", r.PAT, r.Host,
			strings.TrimPrefix(r.Path, "/")))
	}
	if len(lines) == 0 {
		return nil
	}
	path := filepath.Join(workspace, ".git-credentials")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write git credentials: %w", err)
	}
	return nil
}
