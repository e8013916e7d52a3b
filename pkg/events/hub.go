package events

import (
	"log/slog"
	"sync"
)

// Sanitizer scrubs an event before it enters the log or reaches any
// subscriber. ok=false means the event must be dropped.
type Sanitizer interface {
	Sanitize(event map[string]any) (map[string]any, bool)
}

// Listener receives one event. index is the event's log index, or
// InjectedIndex for local-only events that are never appended. Listeners are
// invoked on the publisher's goroutine in strict per-agent order and must
// not block; slow consumers buffer on their side.
type Listener func(index int, ev Event)

// InjectedIndex marks an event delivered live but absent from the log, so
// replay on reconnect can never resurface it.
const InjectedIndex = -1

// Hub is one agent's pub/sub: it sanitizes, appends to the agent's log, and
// fans the event out to every current subscriber.
type Hub struct {
	agentID   string
	log       *Log
	sanitizer Sanitizer

	mu      sync.Mutex
	subs    map[int]Listener
	nextSub int
	closed  bool
}

// NewHub creates a hub over the given log.
func NewHub(agentID string, log *Log, sanitizer Sanitizer) *Hub {
	return &Hub{
		agentID:   agentID,
		log:       log,
		sanitizer: sanitizer,
		subs:      make(map[int]Listener),
	}
}

// Log exposes the underlying event log for read endpoints.
func (h *Hub) Log() *Log { return h.log }

// Subscribe atomically replays retained entries with index >= after into
// listener, then registers it for live events. The returned unsubscribe is
// idempotent. Subscribing to a closed hub replays history but delivers
// nothing further.
func (h *Hub) Subscribe(listener Listener, after int) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, entry := range h.log.Snapshot(after) {
		h.deliver(listener, entry.Index, entry.Event)
	}
	if h.closed {
		return func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = listener
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish sanitizes the event, appends it to the log, and notifies every
// subscriber. When sanitization fails the event is dropped and a synthetic
// error event is recorded in its place, so raw secrets are never forwarded.
func (h *Hub) Publish(ev Event) int {
	clean, ok := h.sanitizer.Sanitize(ev)
	if !ok {
		slog.Warn("Event dropped by sanitizer", "agent_id", h.agentID, "event_type", ev.Type())
		clean = map[string]any{
			"type":    TypeSystem,
			"subtype": "sanitizer_error",
			"text":    "an event was dropped because it could not be sanitized",
		}
	}
	event := Event(clean)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return InjectedIndex
	}
	idx := h.log.Append(event)
	for _, l := range h.subs {
		h.deliver(l, idx, event)
	}
	return idx
}

// Inject delivers a local-only event to current subscribers without touching
// the log. Replay on reconnect never reproduces injected events.
func (h *Hub) Inject(ev Event) {
	clean, ok := h.sanitizer.Sanitize(ev)
	if !ok {
		slog.Warn("Injected event dropped by sanitizer", "agent_id", h.agentID)
		return
	}
	event := Event(clean)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, l := range h.subs {
		h.deliver(l, InjectedIndex, event)
	}
}

// Close drops all subscribers and refuses further publishes. The caller is
// expected to have published a terminal destroyed event first.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.subs = make(map[int]Listener)
	h.mu.Unlock()
}

// deliver invokes a listener, containing panics so one bad subscriber cannot
// starve the others. Caller holds h.mu.
func (h *Hub) deliver(l Listener, idx int, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Event listener panicked", "agent_id", h.agentID, "panic", r)
		}
	}()
	l(idx, ev)
}
