package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/engine"
	"github.com/hupe1980/meshchat/stream"
)

const (
	maxWSFrameBytes int64 = 1 << 20
	wsWriteTimeout        = 10 * time.Second
)

func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		s.writeError(w, r, errors.New("streaming unsupported by response writer"))
		return
	}
	var req engine.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.engine.Open(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer st.Close()

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		s.logger.Error("http.chat.sse_failed", "session_id", st.SessionID(), "error", err)
		return
	}
	st.Serve(sse)
}

func (s *server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req engine.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type stopBody struct {
	SessionID string `json:"session_id"`
}

func (s *server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	var body stopBody
	if !s.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: session_id is required", core.ErrInvalidRequest))
		return
	}
	s.engine.Stop(body.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "detail": "Signal sent to orchestrator."})
}

// wsControl is a client frame sent while a stream runs.
type wsControl struct {
	Action string `json:"action"`
}

// wsError is the frame written when a chat request is rejected before
// streaming starts.
type wsError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// wsSink writes each event as one JSON text frame.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (k *wsSink) Send(ev stream.Event) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return k.conn.WriteJSON(ev)
}

func (s *server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.websocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("http.chat.ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSFrameBytes)

	var req engine.ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(wsError{Error: "invalid request: " + err.Error(), Status: http.StatusBadRequest})
		return
	}
	st, err := s.engine.Open(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			s.logger.Error("http.chat.ws_open_failed", "error", err)
			msg = "internal error"
		}
		_ = conn.WriteJSON(wsError{Error: msg, Status: status})
		return
	}
	defer st.Close()

	go func() {
		for {
			var ctl wsControl
			if err := conn.ReadJSON(&ctl); err != nil {
				// read errors include the client closing the socket
				st.Cancel()
				return
			}
			if ctl.Action == "stop" {
				st.Cancel()
			}
		}
	}()

	st.Serve(&wsSink{conn: conn})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
		time.Now().Add(time.Second))
}

// websocketOriginAllowed accepts requests without an Origin header, same-host
// origins and configured CORS origins.
func (s *server) websocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if s.originAllowed(origin) {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func (s *server) originAllowed(origin string) bool {
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

var _ stream.Sink = (*wsSink)(nil)
