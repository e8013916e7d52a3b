package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonstaton/claudeswarm/pkg/agent"
	"github.com/simonstaton/claudeswarm/pkg/archive"
	"github.com/simonstaton/claudeswarm/pkg/bus"
	"github.com/simonstaton/claudeswarm/pkg/config"
	"github.com/simonstaton/claudeswarm/pkg/depcache"
	"github.com/simonstaton/claudeswarm/pkg/events"
	"github.com/simonstaton/claudeswarm/pkg/memorypressure"
	"github.com/simonstaton/claudeswarm/pkg/supervisor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(ev map[string]any) (map[string]any, bool) { return ev, true }

type fakePressure struct{ pressured bool }

func (p *fakePressure) UnderPressure() bool { return p.pressured }

// fakeProcess completes a turn on every start/send by publishing an
// assistant event followed by result and done.
type fakeProcess struct {
	mu       sync.Mutex
	hub      *events.Hub
	onStatus func(supervisor.Status)
	status   supervisor.Status
}

func (f *fakeProcess) completeTurn(prompt string) {
	f.setStatus(supervisor.StatusRunning)
	f.hub.Publish(events.New(events.TypeUserPrompt, map[string]any{"text": prompt}))
	f.hub.Publish(events.New(events.TypeAssistant, map[string]any{
		"message": map[string]any{"content": []any{map[string]any{"type": "text", "text": "working"}}},
	}))
	f.hub.Publish(events.New(events.TypeResult, map[string]any{
		"result": "completed", "session_id": "sess-1",
		"usage": map[string]any{"input_tokens": float64(100), "output_tokens": float64(40)},
	}))
	f.setStatus(supervisor.StatusIdle)
	f.hub.Publish(events.New(events.TypeDone, map[string]any{"session_id": "sess-1"}))
}

func (f *fakeProcess) Start(_ context.Context, prompt string) error {
	f.completeTurn(prompt)
	return nil
}

func (f *fakeProcess) Send(prompt string, _ int, _ string) error {
	f.completeTurn(prompt)
	return nil
}

func (f *fakeProcess) Pause() bool {
	if !f.Status().Pausable() {
		return false
	}
	f.setStatus(supervisor.StatusPaused)
	return true
}

func (f *fakeProcess) Resume() bool {
	if f.Status() != supervisor.StatusPaused {
		return false
	}
	f.setStatus(supervisor.StatusRunning)
	return true
}

func (f *fakeProcess) Destroy() {
	f.setStatus(supervisor.StatusDestroyed)
	f.hub.Publish(events.New(events.TypeDestroyed, nil))
	f.hub.Close()
}

func (f *fakeProcess) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeProcess) Alive() bool { return f.Status() != supervisor.StatusDestroyed }

func (f *fakeProcess) setStatus(st supervisor.Status) {
	f.mu.Lock()
	f.status = st
	cb := f.onStatus
	f.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

type apiFixture struct {
	server   *Server
	manager  *agent.Manager
	bus      *bus.Bus
	archive  *archive.Store
	pressure *fakePressure
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{pressure: &fakePressure{}}
	f.bus = bus.New(filepath.Join(t.TempDir(), "messages.json"))

	store, err := archive.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f.archive = store

	guardrails := config.NewGuardrails()
	f.manager = agent.NewManager(agent.Options{
		Sanitizer:     passthroughSanitizer{},
		Guardrails:    guardrails,
		Pressure:      f.pressure,
		Bus:           f.bus,
		Archive:       store,
		WorkspacesDir: t.TempDir(),
		NewProcess: func(cfg supervisor.Config, hub *events.Hub, onStatus func(supervisor.Status), _ func(events.Event)) agent.Process {
			return &fakeProcess{hub: hub, onStatus: onStatus, status: supervisor.StatusStarting}
		},
	})
	depCache := depcache.NewService(filepath.Join(t.TempDir(), "dep-cache"))
	depCache.Start(context.Background())
	f.server = NewServer(f.manager, f.bus, guardrails, memorypressure.NewProbe(config.MemoryPressureThreshold), depCache, store)
	return f
}

func (f *apiFixture) request(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	return w
}

func (f *apiFixture) createAgent(t *testing.T, prompt string) string {
	t.Helper()
	w := f.request(t, http.MethodPost, "/api/agents", map[string]any{"prompt": prompt})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := w.Header().Get("X-Agent-Id")
	require.NotEmpty(t, id)
	return id
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.request(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	got := decodeJSON[map[string]any](t, w)
	assert.Contains(t, got, "status")
	assert.Contains(t, got, "memory")
	assert.Contains(t, got, "depCache")
	assert.EqualValues(t, 0, got["agents"])
}

func TestCreateAgentStreamsUntilDone(t *testing.T) {
	f := newAPIFixture(t)
	w := f.request(t, http.MethodPost, "/api/agents", map[string]any{
		"prompt": "Analyze security vulnerabilities in auth module",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("X-Agent-Name"), "analyze-security-vulnerabilities")

	body := w.Body.String()
	assert.Contains(t, body, "event: user_prompt")
	assert.Contains(t, body, "event: assistant")
	assert.Contains(t, body, "event: result")
	assert.Contains(t, body, "event: done", "stream ends at the turn boundary")
}

func TestCreateAgentValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPost, "/api/agents", map[string]any{"prompt": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodPost, "/api/agents", map[string]any{"prompt": "ok", "model": "gpt-4"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAgentMemoryPressure503(t *testing.T) {
	f := newAPIFixture(t)
	f.pressure.pressured = true
	w := f.request(t, http.MethodPost, "/api/agents", map[string]any{"prompt": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateBatch(t *testing.T) {
	f := newAPIFixture(t)
	w := f.request(t, http.MethodPost, "/api/agents/batch", map[string]any{
		"agents": []map[string]any{
			{"prompt": "first batch task"},
			{"prompt": "second batch task"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[map[string][]agent.BatchResult](t, w)
	require.Len(t, got["results"], 2)
	assert.NotEmpty(t, got["results"][0].ID)
}

func TestGetAgentTouchesAnd404(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "inspect me closely")

	w := f.request(t, http.MethodGet, "/api/agents/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[agent.Agent](t, w)
	assert.Equal(t, id, got.ID)

	w = f.request(t, http.MethodGet, "/api/agents/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRegistryTopology(t *testing.T) {
	f := newAPIFixture(t)
	f.createAgent(t, "list me please")

	w := f.request(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]agent.Agent](t, w), 1)

	w = f.request(t, http.MethodGet, "/api/agents/registry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]agent.RegistryEntry](t, w), 1)

	w = f.request(t, http.MethodGet, "/api/agents/topology", nil)
	require.Equal(t, http.StatusOK, w.Code)
	topo := decodeJSON[agent.Topology](t, w)
	assert.Len(t, topo.Nodes, 1)
	assert.Empty(t, topo.Edges)
}

func TestPatchAgent(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "patch target")

	w := f.request(t, http.MethodPatch, "/api/agents/"+id, map[string]any{
		"role":        "reviewer",
		"currentTask": "code review",
	})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[agent.Agent](t, w)
	assert.Equal(t, "reviewer", got.Role)
	assert.Equal(t, "code review", got.CurrentTask)
}

func TestDeleteAgent(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "destroy target")

	w := f.request(t, http.MethodDelete, "/api/agents/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodDelete, "/api/agents/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentActorForbidden(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "peer agent")

	for _, call := range []struct{ method, path string }{
		{http.MethodDelete, "/api/agents/" + id},
		{http.MethodPost, "/api/agents/" + id + "/pause"},
		{http.MethodPost, "/api/agents/" + id + "/resume"},
		{http.MethodPatch, "/api/guardrails"},
	} {
		w := f.request(t, call.method, call.path, map[string]any{}, actorHeader, agentServiceActor)
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s", call.method, call.path)
	}

	// The same calls pass for a human actor.
	w := f.request(t, http.MethodPost, "/api/agents/"+id+"/pause", nil, actorHeader, "user:alice")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMessageAgentStreams(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "conversation starter")

	w := f.request(t, http.MethodPost, "/api/agents/"+id+"/message", map[string]any{
		"prompt": "follow-up question",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "follow-up question")
	assert.Contains(t, body, "event: done")
	// The first turn is history, not replayed into the message stream.
	assert.NotContains(t, body, "conversation starter")
}

func TestEventsReplayDoesNotCloseOnDone(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "events history source")

	// Append an event after the done so the stream provably survives the
	// replayed turn boundary.
	f.manager.Subscribe(id, func(int, events.Event) {}, 0)
	_, sub, err := f.manager.Message(id, "second turn", 0, "")
	require.NoError(t, err)
	require.NotNil(t, sub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	req := httptest.NewRequest(http.MethodGet, "/api/agents/"+id+"/events?after=0", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)

	body := w.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: done"), "both historical dones replayed")
	assert.Contains(t, body, "second turn", "stream continued past the first done")
}

func TestEventsStreamEndsOnDestroy(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "short lived streamer")

	go func() {
		time.Sleep(100 * time.Millisecond)
		f.manager.Destroy(id)
	}()
	w := f.request(t, http.MethodGet, "/api/agents/"+id+"/events?after=0", nil)
	assert.Contains(t, w.Body.String(), "event: destroyed")
}

func TestRawEvents(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "raw events source")

	w := f.request(t, http.MethodGet, "/api/agents/"+id+"/raw-events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[map[string]any](t, w)
	assert.EqualValues(t, 4, got["total"])
	assert.EqualValues(t, 4, got["retained"])
	assert.EqualValues(t, 0, got["archived"])
}

func TestRawEventsArchivePaging(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "archived history source")

	// Seed archived history as the log's eviction spill would.
	spilled := make([]events.Entry, 5)
	for i := range spilled {
		spilled[i] = events.Entry{
			Index: i,
			Event: events.New(events.TypeAssistant, map[string]any{"n": i}),
		}
	}
	f.archive.Enqueue(id, spilled)
	require.Eventually(t, func() bool {
		w := f.request(t, http.MethodGet, "/api/agents/"+id+"/raw-events", nil)
		return w.Code == http.StatusOK && decodeJSON[map[string]any](t, w)["archived"] == float64(5)
	}, 3*time.Second, 20*time.Millisecond)

	w := f.request(t, http.MethodGet, "/api/agents/"+id+"/raw-events?from=2&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeJSON[struct {
		Archived int            `json:"archived"`
		From     int            `json:"from"`
		Events   []events.Entry `json:"events"`
	}](t, w)
	assert.Equal(t, 5, page.Archived)
	assert.Equal(t, 2, page.From)
	require.Len(t, page.Events, 2)
	assert.Equal(t, 2, page.Events[0].Index)
	assert.Equal(t, 3, page.Events[1].Index)

	// Paging past the archive returns an empty page, not an error.
	w = f.request(t, http.MethodGet, "/api/agents/"+id+"/raw-events?from=50", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeJSON[map[string]any](t, w)["events"])

	w = f.request(t, http.MethodGet, "/api/agents/"+id+"/raw-events?from=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogsJSONAndText(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "log rendering source")

	w := f.request(t, http.MethodGet, "/api/agents/"+id+"/logs?types=result&tail=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decodeJSON[[]events.Entry](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, events.TypeResult, entries[0].Event.Type())

	w = f.request(t, http.MethodGet, "/api/agents/"+id+"/logs?format=text", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "result: completed")
}

func TestUsageEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "usage source")

	w := f.request(t, http.MethodGet, "/api/agents/"+id+"/usage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	// The fake factory drops the manager's event callback, so counters stay
	// zero; the endpoint shape is what matters here.
	got := decodeJSON[agent.Usage](t, w)
	assert.GreaterOrEqual(t, got.TokensIn, int64(0))
}

func TestPauseResumeLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "pause lifecycle")

	w := f.request(t, http.MethodPost, "/api/agents/"+id+"/resume", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "resume requires paused")

	w = f.request(t, http.MethodPost, "/api/agents/"+id+"/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodPost, "/api/agents/"+id+"/pause", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "already paused")

	w = f.request(t, http.MethodPost, "/api/agents/"+id+"/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodPost, "/api/agents/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessagesEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPost, "/api/messages", map[string]any{
		"from": "a1", "content": "hello everyone", "type": "status",
		"excludeRoles": []string{"reviewer"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	posted := decodeJSON[bus.Message](t, w)
	assert.NotEmpty(t, posted.ID)

	w = f.request(t, http.MethodGet, "/api/messages?to=r1&agentRole=reviewer", nil)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()), "excluded role sees nothing")

	w = f.request(t, http.MethodGet, "/api/messages?to=r2&agentRole=engineer", nil)
	assert.Len(t, decodeJSON[[]bus.Message](t, w), 1)

	w = f.request(t, http.MethodPost, "/api/messages/"+posted.ID+"/read", map[string]any{"agentId": "r2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeJSON[map[string]bool](t, w)["changed"])

	w = f.request(t, http.MethodPost, "/api/messages/read-all", map[string]any{
		"agentId": "r3", "agentRole": "engineer",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeJSON[map[string]int](t, w)["marked"])

	w = f.request(t, http.MethodDelete, "/api/messages/"+posted.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.request(t, http.MethodDelete, "/api/messages/"+posted.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGuardrailsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/api/guardrails", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[map[string]any](t, w)
	assert.EqualValues(t, 100, got["maxAgents"])

	w = f.request(t, http.MethodPatch, "/api/guardrails", map[string]any{"maxAgents": 5})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/guardrails", nil)
	got = decodeJSON[map[string]any](t, w)
	assert.EqualValues(t, 5, got["maxAgents"])

	w = f.request(t, http.MethodPatch, "/api/guardrails", map[string]any{"maxAgents": 1000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAttachmentsUpload(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "attachment target")

	w := f.request(t, http.MethodPost, "/api/agents/"+id+"/attachments", map[string]any{
		"attachments": []map[string]any{
			{"name": "notes.txt", "data": "aGVsbG8="}, // "hello"
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[map[string]string](t, w)
	assert.Equal(t, "\n\n@attachments/notes.txt", got["suffix"])

	w = f.request(t, http.MethodPost, "/api/agents/"+id+"/attachments", map[string]any{
		"attachments": []map[string]any{{"name": "bad.bin", "data": "%%%not-base64%%%"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFilesEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAgent(t, "files workspace")

	a, ok := f.manager.Get(id)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(a.WorkspaceDir, "main.go"), []byte("package main"), 0o644))

	w := f.request(t, http.MethodGet, "/api/agents/"+id+"/files?q=main", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"main.go"}, decodeJSON[[]string](t, w))
}
