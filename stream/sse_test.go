package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plainWriter struct{ http.ResponseWriter }

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)

	require.NoError(t, w.Send(Event{Type: EventText, Data: TextData{Chunk: "a\nb", AgentID: "b1", AgentName: "Planner"}}))
	require.NoError(t, w.Send(Event{Type: EventEnd, Data: EndData{MessageID: "m1"}}))

	want := "event: text\ndata: {\"chunk\":\"a\\nb\",\"agent_id\":\"b1\",\"agent_name\":\"Planner\"}\n\n" +
		"event: end\ndata: {\"message_id\":\"m1\"}\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(plainWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestEvent_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventHandoff, Data: HandoffData{FromAgentID: "b1", FromAgentName: "A", ToAgentID: "b2", ToAgentName: "B"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"handoff","data":{"from_agent_id":"b1","from_agent_name":"A","to_agent_id":"b2","to_agent_name":"B"}}`, string(data))

	data, err = json.Marshal(Event{Type: EventEnd, Data: EndData{Error: ErrCodeCancelled}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"end","data":{"message_id":"","error":"cancelled"}}`, string(data))
}
