package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/engine"
	"github.com/hupe1980/meshchat/model"
	"github.com/hupe1980/meshchat/stream"
)

type testEnv struct {
	srv     *httptest.Server
	eng     *engine.Engine
	scripts *model.ScriptedModel
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	scripts := model.NewScriptedModel("scripted")
	models := model.NewRegistry()
	models.Register("scripted", scripts)
	eng := engine.New(func(o *engine.Options) { o.Models = models })

	srv := httptest.NewServer(NewHandler(eng, func(o *Options) {
		o.AllowedOrigins = []string{"http://localhost:3000"}
	}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, eng: eng, scripts: scripts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// seedSession creates Planner and Coder, attaches both and routes
// Planner (entry) to Coder.
func (e *testEnv) seedSession(t *testing.T) (string, core.SessionAgent, core.SessionAgent) {
	t.Helper()
	planner := decodeBody[core.AgentDefinition](t, e.do(t, http.MethodPost, "/api/agents", map[string]any{
		"name": "Planner", "model_id": "scripted/planner",
	}))
	coder := decodeBody[core.AgentDefinition](t, e.do(t, http.MethodPost, "/api/agents", map[string]any{
		"name": "Coder", "model_id": "scripted/coder",
	}))

	sess := decodeBody[core.Session](t, e.do(t, http.MethodPost, "/api/sessions", map[string]any{"title": "Bugfix"}))

	bp := decodeBody[core.SessionAgent](t, e.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/agents", map[string]any{
		"original_agent_id": planner.ID,
	}))
	bc := decodeBody[core.SessionAgent](t, e.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/agents", map[string]any{
		"original_agent_id": coder.ID,
	}))

	resp := e.do(t, http.MethodPut, "/api/sessions/"+sess.ID+"/graph", map[string]any{
		"nodes": []map[string]any{
			{"id": "n1", "binding_id": bp.ID, "entry": true},
			{"id": "n2", "binding_id": bc.ID},
		},
		"edges": []map[string]any{{"from": "n1", "to": "n2"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return sess.ID, bp, bc
}

type sseEvent struct {
	Type string
	Data map[string]any
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.Data))
		case line == "":
			if cur.Type != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func eventTypes(events []sseEvent) []string {
	var out []string
	for _, e := range events {
		if len(out) == 0 || out[len(out)-1] != e.Type {
			out = append(out, e.Type)
		}
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(0), body["active_streams"])
}

func TestSessionManagement(t *testing.T) {
	env := newTestEnv(t)
	id, bp, bc := env.seedSession(t)

	graph := decodeBody[core.Topology](t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/graph", nil))
	require.Len(t, graph.Nodes, 2)
	assert.Equal(t, "n1", graph.Nodes[0].ID)
	assert.Equal(t, []core.Edge{{From: "n1", To: "n2"}}, graph.Edges)

	agents := decodeBody[[]core.SessionAgent](t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/agents", nil))
	require.Len(t, agents, 2)
	assert.Equal(t, bp.ID, agents[0].ID)
	assert.Equal(t, bc.ID, agents[1].ID)

	resp := env.do(t, http.MethodPatch, "/api/sessions/"+id, map[string]any{"title": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", decodeBody[core.Session](t, resp).Title)

	detail := decodeBody[map[string]any](t, env.do(t, http.MethodGet, "/api/sessions/"+id, nil))
	assert.Equal(t, "Renamed", detail["title"])
	assert.Len(t, detail["agents"], 2)
	assert.NotNil(t, detail["graph_config"])

	list := decodeBody[[]core.Session](t, env.do(t, http.MethodGet, "/api/sessions", nil))
	require.Len(t, list, 1)

	defs := decodeBody[[]core.AgentDefinition](t, env.do(t, http.MethodGet, "/api/agents", nil))
	assert.Len(t, defs, 2)

	resp = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"ok": true}, decodeBody[map[string]any](t, resp))

	resp = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decodeBody[map[string]any](t, resp)["detail"], "session not found")
}

func TestAgents(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/agents", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/agents", map[string]any{"name": "Reviewer", "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	created := decodeBody[core.AgentDefinition](t, env.do(t, http.MethodPost, "/api/agents", map[string]any{"name": "Reviewer"}))
	assert.Equal(t, "You are {{.agent_name}}.", created.SystemPrompt)
	assert.Equal(t, "echo/echo", created.ModelRef)

	got := decodeBody[core.AgentDefinition](t, env.do(t, http.MethodGet, "/api/agents/"+created.ID, nil))
	assert.Equal(t, "Reviewer", got.Name)

	resp = env.do(t, http.MethodGet, "/api/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateGraph_Rejections(t *testing.T) {
	env := newTestEnv(t)
	id, bp, _ := env.seedSession(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"nodes": [`},
		{"unknown binding", map[string]any{
			"nodes": []map[string]any{{"id": "n1", "binding_id": "nope", "entry": true}},
		}},
		{"dangling edge", map[string]any{
			"nodes": []map[string]any{{"id": "n1", "binding_id": bp.ID, "entry": true}},
			"edges": []map[string]any{{"from": "n1", "to": "n9"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPut, "/api/sessions/"+id+"/graph", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	graph := decodeBody[core.Topology](t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/graph", nil))
	assert.Len(t, graph.Nodes, 2, "rejected graphs are not stored")

	resp := env.do(t, http.MethodPut, "/api/sessions/missing/graph", map[string]any{"nodes": []any{}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatStream_SSE(t *testing.T) {
	env := newTestEnv(t)
	id, bp, bc := env.seedSession(t)

	resp := env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{
		"session_id": id, "message": "@coder fix bug",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	events := readSSE(t, resp.Body)
	assert.Equal(t, []string{"thinking", "text", "handoff", "thinking", "text", "end"}, eventTypes(events))

	firstText := events[0]
	for _, ev := range events {
		if ev.Type == "text" {
			firstText = ev
			break
		}
	}
	assert.Equal(t, bp.ID, firstText.Data["agent_id"])
	assert.Equal(t, "Planner", firstText.Data["agent_name"])
	for _, ev := range events {
		if ev.Type == "handoff" {
			assert.Equal(t, bp.ID, ev.Data["from_agent_id"])
			assert.Equal(t, bc.ID, ev.Data["to_agent_id"])
			assert.Equal(t, "Coder", ev.Data["to_agent_name"])
		}
	}

	end := events[len(events)-1]
	assert.NotEmpty(t, end.Data["message_id"])
	assert.NotContains(t, end.Data, "error")

	detail := decodeBody[core.SessionDetail](t, env.do(t, http.MethodGet, "/api/sessions/"+id, nil))
	require.Len(t, detail.Messages, 3)
	assert.Equal(t, end.Data["message_id"], detail.Messages[2].ID)
	assert.Empty(t, env.eng.ActiveStreams())
}

func TestChatStream_Rejections(t *testing.T) {
	env := newTestEnv(t)
	id, _, _ := env.seedSession(t)

	closed := decodeBody[core.Session](t, env.do(t, http.MethodPost, "/api/sessions", map[string]any{"title": "old"}))
	resp := env.do(t, http.MethodPatch, "/api/sessions/"+closed.ID, map[string]any{"status": "closed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.SessionClosed, decodeBody[core.Session](t, resp).Status)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown session", map[string]any{"session_id": "missing", "message": "hi"}, http.StatusNotFound},
		{"missing message", map[string]any{"session_id": id}, http.StatusBadRequest},
		{"unknown field", map[string]any{"session_id": id, "message": "hi", "agent": "x"}, http.StatusBadRequest},
		{"unknown target", map[string]any{"session_id": id, "message": "hi", "target_agent_id": "nobody"}, http.StatusBadRequest},
		{"closed session", map[string]any{"session_id": closed.ID, "message": "hi"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/chat/stream", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.NotEmpty(t, decodeBody[map[string]any](t, resp)["detail"])
		})
	}

	t.Run("stream already active", func(t *testing.T) {
		st, err := env.eng.Open(context.Background(), engine.ChatRequest{SessionID: id, Message: "first"})
		require.NoError(t, err)
		defer st.Close()

		resp := env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"session_id": id, "message": "second"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestChatSend(t *testing.T) {
	env := newTestEnv(t)
	id, _, _ := env.seedSession(t)

	resp := env.do(t, http.MethodPost, "/api/chat/send", map[string]any{"session_id": id, "message": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[engine.SendResult](t, resp)
	assert.Equal(t, "success", res.Status)
	assert.NotEmpty(t, res.NewMessageID)
	assert.NotEmpty(t, res.UserMessageID)

	resp = env.do(t, http.MethodPost, "/api/chat/send", map[string]any{"session_id": "missing", "message": "hello"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatStop(t *testing.T) {
	env := newTestEnv(t)
	id, _, _ := env.seedSession(t)

	resp := env.do(t, http.MethodPost, "/api/chat/stop", map[string]any{"session_id": "idle"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"status": "stopped", "detail": "Signal sent to orchestrator."}, decodeBody[map[string]any](t, resp))

	st, err := env.eng.Open(context.Background(), engine.ChatRequest{SessionID: id, Message: "hello"})
	require.NoError(t, err)
	defer st.Close()

	resp = env.do(t, http.MethodPost, "/api/chat/stop", map[string]any{"session_id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := st.Serve(&stream.Collector{})
	assert.Equal(t, stream.ErrCodeCancelled, res.Code)

	resp = env.do(t, http.MethodPost, "/api/chat/stop", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/chat/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestChatWS(t *testing.T) {
	env := newTestEnv(t)
	id, _, bc := env.seedSession(t)

	conn := dialWS(t, env)
	require.NoError(t, conn.WriteJSON(map[string]any{"session_id": id, "message": "@coder fix bug"}))

	var types []string
	var last map[string]any
	for {
		var frame struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		if len(types) == 0 || types[len(types)-1] != frame.Event {
			types = append(types, frame.Event)
		}
		last = frame.Data
		if frame.Event == string(stream.EventEnd) {
			break
		}
		if frame.Event == string(stream.EventText) && frame.Data["agent_id"] == bc.ID {
			assert.Equal(t, "Coder", frame.Data["agent_name"])
		}
	}
	assert.Equal(t, []string{"thinking", "text", "handoff", "thinking", "text", "end"}, types)
	assert.NotEmpty(t, last["message_id"])
}

func TestChatWS_Rejected(t *testing.T) {
	env := newTestEnv(t)

	conn := dialWS(t, env)
	require.NoError(t, conn.WriteJSON(map[string]any{"session_id": "missing", "message": "hi"}))

	var frame wsError
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, http.StatusNotFound, frame.Status)
	assert.Contains(t, frame.Error, "session not found")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp2, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(core.ErrSessionNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(core.ErrStreamActive))
	assert.Equal(t, http.StatusConflict, statusFor(core.ErrSessionClosed))
	assert.Equal(t, http.StatusBadRequest, statusFor(&core.TopologyError{Reason: "no entry"}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
