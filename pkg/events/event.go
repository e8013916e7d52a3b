// Package events holds the per-agent event log and the fan-out hub that
// delivers each agent's output stream to many concurrent subscribers.
package events

import "encoding/json"

// Event is one parsed record emitted by an agent's child process, or
// synthetically by its supervisor. Events carry arbitrary JSON fields beside
// the discriminator; they are kept as generic maps so the sanitizer can walk
// every string leaf regardless of shape.
type Event map[string]any

// Well-known event type discriminators.
const (
	TypeSystem     = "system"
	TypeUserPrompt = "user_prompt"
	TypeAssistant  = "assistant"
	TypeUser       = "user"
	TypeResult     = "result"
	TypeStderr     = "stderr"
	TypeDone       = "done"
	TypeDestroyed  = "destroyed"
	TypeRaw        = "raw"
)

// New builds an event with the given discriminator and fields.
func New(eventType string, fields map[string]any) Event {
	ev := make(Event, len(fields)+1)
	for k, v := range fields {
		ev[k] = v
	}
	ev["type"] = eventType
	return ev
}

// Type returns the discriminator, or "" when absent.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// GetString returns a string field, or "" when absent or not a string.
func (e Event) GetString(key string) string {
	s, _ := e[key].(string)
	return s
}

// JSON marshals the event; on failure it degrades to an error placeholder so
// a single unmarshalable value can never wedge an SSE stream.
func (e Event) JSON() []byte {
	data, err := json.Marshal(map[string]any(e))
	if err != nil {
		return []byte(`{"type":"system","subtype":"marshal_error"}`)
	}
	return data
}

// Entry is an event with its identity: the index it was appended at.
type Entry struct {
	Index int   `json:"index"`
	Event Event `json:"event"`
}
