// Package httpapi exposes the engine over HTTP: session and agent
// management, SSE and websocket chat streams, and stream control.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/engine"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/topology"
)

const maxRequestBytes int64 = 1 << 20

// Options configures the HTTP handler.
type Options struct {
	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string
	Logger         logging.Logger
}

type server struct {
	engine  *engine.Engine
	logger  logging.Logger
	origins []string
}

// NewHandler returns the routed handler for eng.
func NewHandler(eng *engine.Engine, optFns ...func(o *Options)) http.Handler {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	s := &server{engine: eng, logger: opts.Logger, origins: opts.AllowedOrigins}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/agents", s.handleListAgentDefinitions)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/agents", s.handleListSessionAgents)
	mux.HandleFunc("POST /api/sessions/{id}/agents", s.handleAttachAgent)
	mux.HandleFunc("GET /api/sessions/{id}/graph", s.handleGetGraph)
	mux.HandleFunc("PUT /api/sessions/{id}/graph", s.handleUpdateGraph)

	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	mux.HandleFunc("POST /api/chat/send", s.handleChatSend)
	mux.HandleFunc("POST /api/chat/stop", s.handleChatStop)

	return s.withLogging(s.withCORS(mux))
}

// NewServer wraps handler in an http.Server. No write timeout is set since
// chat streams stay open for the whole request.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"active_streams": len(s.engine.ActiveStreams()),
	})
}

func (s *server) handleListAgentDefinitions(w http.ResponseWriter, r *http.Request) {
	agents, err := s.engine.ListAgentDefinitions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type createAgentBody struct {
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	Description  string  `json:"description"`
	SystemPrompt string  `json:"system_prompt"`
	ModelID      string  `json:"model_id"`
	Temperature  float64 `json:"temperature"`
}

func (s *server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body createAgentBody
	if !s.decode(w, r, &body) {
		return
	}
	a := &core.AgentDefinition{
		Name:         body.Name,
		Role:         body.Role,
		Description:  body.Description,
		SystemPrompt: body.SystemPrompt,
		ModelRef:     strings.TrimSpace(body.ModelID),
		Temperature:  body.Temperature,
	}
	if err := s.engine.CreateAgent(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body engine.NewSession
	if !s.decode(w, r, &body) {
		return
	}
	sess, err := s.engine.CreateSession(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type updateSessionBody struct {
	Title  string             `json:"title"`
	Status core.SessionStatus `json:"status"`
	UserID string             `json:"user_id"`
}

func (s *server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var body updateSessionBody
	if !s.decode(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	switch body.Status {
	case "", core.SessionActive, core.SessionClosed:
	default:
		s.writeError(w, r, fmt.Errorf("%w: unsupported status %q", core.ErrInvalidRequest, body.Status))
		return
	}

	sess, err := s.engine.UpdateSessionTitle(r.Context(), id, body.Title)
	if err == nil && body.Status == core.SessionClosed {
		sess, err = s.engine.CloseSession(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleListSessionAgents(w http.ResponseWriter, r *http.Request) {
	members, err := s.engine.ListAgents(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]core.SessionAgent, 0, len(members))
	for _, m := range members {
		out = append(out, m.Binding)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleAttachAgent(w http.ResponseWriter, r *http.Request) {
	var body engine.AttachAgent
	if !s.decode(w, r, &body) {
		return
	}
	m, err := s.engine.AttachAgent(r.Context(), r.PathValue("id"), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Binding)
}

func (s *server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTopology(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read body: %v", core.ErrInvalidRequest, err))
		return
	}
	t, err := topology.Decode(data)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", core.ErrInvalidTopology, err))
		return
	}
	if _, err := s.engine.UpdateTopology(r.Context(), r.PathValue("id"), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// decode reads one JSON object into dst, rejecting unknown fields and
// trailing content. It writes the 400 response itself.
func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid json: %v", core.ErrInvalidRequest, err))
		return false
	}
	if dec.More() {
		s.writeError(w, r, fmt.Errorf("%w: invalid json: trailing content", core.ErrInvalidRequest))
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrStreamActive), errors.Is(err, core.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidRequest),
		errors.Is(err, core.ErrUnknownAgent),
		errors.Is(err, core.ErrInvalidTopology),
		errors.Is(err, core.ErrEmptyTopology):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("http.request.failed", "method", r.Method, "path", r.URL.Path, "error", err)
		detail = "internal error"
	}
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
