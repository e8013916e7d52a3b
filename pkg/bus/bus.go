// Package bus is the inter-agent message store: in-memory primary with
// best-effort, debounced persistence to a single JSON dump.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simonstaton/claudeswarm/pkg/config"
)

// flushDebounce coalesces bursts of mutations into one disk write.
const flushDebounce = 500 * time.Millisecond

// Message is one inter-agent message. A missing To means broadcast; a
// broadcast with ExcludeRoles is invisible (and untracked) for agents whose
// role is listed.
type Message struct {
	ID           string            `json:"id"`
	From         string            `json:"from"`
	FromName     string            `json:"fromName,omitempty"`
	To           string            `json:"to,omitempty"`
	Channel      string            `json:"channel,omitempty"`
	Type         string            `json:"type"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ReadBy       []string          `json:"readBy"`
	ExcludeRoles []string          `json:"excludeRoles,omitempty"`
}

// VisibleTo reports whether the message is addressed to (agentID, role):
// directly, or as a broadcast whose role exclusions do not apply.
func (m *Message) VisibleTo(agentID, role string) bool {
	if m.To != "" {
		return m.To == agentID
	}
	return !slices.Contains(m.ExcludeRoles, role)
}

// ReadByAgent reports whether agentID has marked the message read.
func (m *Message) ReadByAgent(agentID string) bool {
	return slices.Contains(m.ReadBy, agentID)
}

func (m *Message) clone() Message {
	out := *m
	out.ReadBy = slices.Clone(m.ReadBy)
	out.ExcludeRoles = slices.Clone(m.ExcludeRoles)
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// PostOptions describes a message to post.
type PostOptions struct {
	From         string
	FromName     string
	To           string
	Channel      string
	Type         string
	Content      string
	Metadata     map[string]string
	ExcludeRoles []string
}

// QueryOptions filters messages. AgentRole participates in broadcast
// visibility when To is set.
type QueryOptions struct {
	To        string
	AgentRole string
	From      string
	Channel   string
	Type      string
	UnreadBy  string
	Since     time.Time
	Limit     int
}

// Listener observes every posted message, in post order.
type Listener func(Message)

// Bus stores up to config.MaxMessages messages, newest kept, and notifies
// subscribers on every post. All mutations schedule a debounced flush.
type Bus struct {
	path string

	mu       sync.Mutex
	messages []*Message
	subs     map[int]Listener
	nextSub  int

	flushTimer *time.Timer
	flushing   bool
	dirty      bool

	// now is swappable in tests.
	now func() time.Time
}

// New creates a bus persisting to path and loads any previous dump.
// A missing or unparsable dump starts empty.
func New(path string) *Bus {
	b := &Bus{
		path: path,
		subs: make(map[int]Listener),
		now:  time.Now,
	}
	b.load()
	return b
}

func (b *Bus) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Could not read message dump, starting empty", "path", b.path, "error", err)
		}
		return
	}
	var msgs []*Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		slog.Warn("Message dump is corrupt, starting empty", "path", b.path, "error", err)
		return
	}
	if len(msgs) > config.MaxMessages {
		msgs = msgs[len(msgs)-config.MaxMessages:]
	}
	b.messages = msgs
	slog.Info("Loaded message history", "path", b.path, "count", len(msgs))
}

// Post stores a message, trims to the cap, notifies listeners, and schedules
// a flush. Returns a copy of the stored message.
func (b *Bus) Post(opts PostOptions) Message {
	b.mu.Lock()
	// Stamped under the lock so createdAt and storage order always agree,
	// even across concurrent posters.
	msg := &Message{
		ID:           uuid.New().String(),
		From:         opts.From,
		FromName:     opts.FromName,
		To:           opts.To,
		Channel:      opts.Channel,
		Type:         opts.Type,
		Content:      opts.Content,
		Metadata:     opts.Metadata,
		CreatedAt:    b.now().UTC(),
		ReadBy:       []string{},
		ExcludeRoles: slices.Clone(opts.ExcludeRoles),
	}
	b.messages = append(b.messages, msg)
	if over := len(b.messages) - config.MaxMessages; over > 0 {
		b.messages = append(b.messages[:0:0], b.messages[over:]...)
	}
	listeners := make([]Listener, 0, len(b.subs))
	for _, l := range b.subs {
		listeners = append(listeners, l)
	}
	out := msg.clone()
	b.scheduleFlushLocked()
	b.mu.Unlock()

	for _, l := range listeners {
		b.notify(l, out)
	}
	return out
}

func (b *Bus) notify(l Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Message listener panicked", "panic", r)
		}
	}()
	l(msg)
}

// Query returns the newest Limit matches (default 100), in original
// storage order.
func (b *Bus) Query(opts QueryOptions) []Message {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var matches []Message
	for _, m := range b.messages {
		if !matchesQuery(m, opts) {
			continue
		}
		matches = append(matches, m.clone())
	}
	if len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}

func matchesQuery(m *Message, opts QueryOptions) bool {
	if opts.To != "" && !m.VisibleTo(opts.To, opts.AgentRole) {
		return false
	}
	if opts.From != "" && m.From != opts.From {
		return false
	}
	if opts.Channel != "" && m.Channel != opts.Channel {
		return false
	}
	if opts.Type != "" && m.Type != opts.Type {
		return false
	}
	if opts.UnreadBy != "" && m.ReadByAgent(opts.UnreadBy) {
		return false
	}
	if !opts.Since.IsZero() && m.CreatedAt.Before(opts.Since) {
		return false
	}
	return true
}

// MarkRead records that agentID has read the message. Returns true when the
// read set changed; only then is a flush scheduled.
func (b *Bus) MarkRead(messageID, agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if m.ID != messageID {
			continue
		}
		if m.ReadByAgent(agentID) {
			return false
		}
		m.ReadBy = append(m.ReadBy, agentID)
		b.scheduleFlushLocked()
		return true
	}
	return false
}

// MarkAllRead marks every message visible to (agentID, role) as read by
// agentID and returns how many changed.
func (b *Bus) MarkAllRead(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := 0
	for _, m := range b.messages {
		if !m.VisibleTo(agentID, role) || m.ReadByAgent(agentID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, agentID)
		changed++
	}
	if changed > 0 {
		b.scheduleFlushLocked()
	}
	return changed
}

// UnreadCount counts messages visible to (agentID, role) not yet read.
func (b *Bus) UnreadCount(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, m := range b.messages {
		if m.VisibleTo(agentID, role) && !m.ReadByAgent(agentID) {
			count++
		}
	}
	return count
}

// DeleteMessage removes one message by id.
func (b *Bus) DeleteMessage(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.messages {
		if m.ID == id {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			b.scheduleFlushLocked()
			return true
		}
	}
	return false
}

// CleanupForAgent removes messages sent by or directly addressed to the
// agent, and its read marks on everything else. Called on agent destroy.
func (b *Bus) CleanupForAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.messages[:0]
	removed := 0
	for _, m := range b.messages {
		if m.From == agentID || m.To == agentID {
			removed++
			continue
		}
		if i := slices.Index(m.ReadBy, agentID); i >= 0 {
			m.ReadBy = slices.Delete(m.ReadBy, i, i+1)
		}
		kept = append(kept, m)
	}
	b.messages = kept
	if removed > 0 {
		slog.Debug("Cleaned up agent messages", "agent_id", agentID, "removed", removed)
	}
	b.scheduleFlushLocked()
}

// Subscribe registers a listener for future posts. No history replay.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = l
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Len returns the number of stored messages.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// scheduleFlushLocked arms the debounce timer. Caller holds b.mu.
func (b *Bus) scheduleFlushLocked() {
	b.dirty = true
	if b.flushTimer != nil {
		return
	}
	b.flushTimer = time.AfterFunc(flushDebounce, b.flush)
}

// flush writes the dump via temp-file-plus-rename. A flush in progress
// inhibits a concurrent one; mutations during a flush are picked up by the
// next scheduled flush.
func (b *Bus) flush() {
	b.mu.Lock()
	b.flushTimer = nil
	if b.flushing {
		// The running flush will reschedule for the dirty state.
		b.mu.Unlock()
		return
	}
	b.flushing = true
	b.dirty = false
	snapshot := make([]Message, len(b.messages))
	for i, m := range b.messages {
		snapshot[i] = m.clone()
	}
	b.mu.Unlock()

	if err := writeDump(b.path, snapshot); err != nil {
		slog.Error("Message flush failed, keeping in-memory state", "path", b.path, "error", err)
	}

	b.mu.Lock()
	b.flushing = false
	if b.dirty && b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(flushDebounce, b.flush)
	}
	b.mu.Unlock()
}

// Flush forces a synchronous write. Used on shutdown.
func (b *Bus) Flush() error {
	b.mu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.dirty = false
	snapshot := make([]Message, len(b.messages))
	for i, m := range b.messages {
		snapshot[i] = m.clone()
	}
	b.mu.Unlock()
	return writeDump(b.path, snapshot)
}

func writeDump(path string, msgs []Message) error {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp dump: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace dump: %w", err)
	}
	return nil
}
