package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/logging"
	"github.com/hupe1980/meshchat/memory"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeHandoff   Outcome = "handoff"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeFailed    Outcome = "failed"
)

// TurnRecord is the buffered result of one turn.
type TurnRecord struct {
	Turn     core.Turn
	Content  string
	Thoughts []core.ThoughtStep
	Outcome  Outcome
	// Diagnostic describes a degraded or failed turn.
	Diagnostic string
}

// Store is the persistence the writer needs.
type Store interface {
	core.TranscriptStore
	GetBinding(ctx context.Context, id string) (*core.SessionAgent, error)
}

// Options configures a Writer.
type Options struct {
	Logger logging.Logger
	// Now is the clock used for message timestamps.
	Now func() time.Time
}

// Writer records the transcript of a single chat request. It is safe for
// concurrent use, although turns are normally committed from one goroutine.
type Writer struct {
	store     Store
	sessionID string
	opts      Options

	mu        sync.Mutex
	parentID  string
	committed map[int]string
	messages  []core.Message
	memories  map[string]core.MemoryContext
}

// New creates a Writer for sessionID.
func New(store Store, sessionID string, optFns ...func(o *Options)) *Writer {
	opts := Options{Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Writer{store: store, sessionID: sessionID, opts: opts, committed: map[int]string{}, memories: map[string]core.MemoryContext{}}
}

// CommitUser persists the user message. Later assistant messages use it as
// their parent.
func (w *Writer) CommitUser(ctx context.Context, text string) (core.Message, error) {
	msg := core.Message{
		ID:        core.NewID(),
		SessionID: w.sessionID,
		Role:      core.RoleUser,
		Content:   text,
		Type:      core.MessageText,
		CreatedAt: w.opts.Now().UTC(),
	}
	if err := w.store.AppendMessage(ctx, &msg, nil); err != nil {
		return core.Message{}, fmt.Errorf("commit user message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.parentID = msg.ID
	w.messages = append(w.messages, msg.Clone())
	return msg, nil
}

// CommitTurn persists rec and returns the message id. Committing the same
// turn index twice returns the first id without writing again. A cancelled
// turn without content is not persisted and yields an empty id.
func (w *Writer) CommitTurn(ctx context.Context, rec TurnRecord) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id, ok := w.committed[rec.Turn.Index]; ok {
		return id, nil
	}
	if rec.Outcome == OutcomeCancelled && rec.Content == "" {
		w.committed[rec.Turn.Index] = ""
		return "", nil
	}

	msg := w.message(rec)

	var (
		update *core.MemoryUpdate
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		update, err = w.memoryUpdate(ctx, rec, msg)
		if err != nil {
			break
		}
		err = w.store.AppendMessage(ctx, &msg, update)
		if !errors.Is(err, core.ErrStaleMemory) {
			break
		}
		w.opts.Logger.Warn("transcript.memory.stale", "session_id", w.sessionID, "binding_id", rec.Turn.BindingID)
	}
	if err != nil {
		return "", fmt.Errorf("commit turn %d: %w", rec.Turn.Index, err)
	}

	w.committed[rec.Turn.Index] = msg.ID
	w.messages = append(w.messages, msg.Clone())
	if update != nil {
		w.memories[update.BindingID] = update.Memory
	}
	w.opts.Logger.Debug("transcript.turn.committed", "session_id", w.sessionID, "turn", rec.Turn.Index, "message_id", msg.ID, "outcome", string(rec.Outcome))
	return msg.ID, nil
}

// Memory returns the memory context this writer last stored for a binding.
func (w *Writer) Memory(bindingID string) (core.MemoryContext, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mem, ok := w.memories[bindingID]
	if !ok {
		return core.MemoryContext{}, false
	}
	mem.Data = append([]byte(nil), mem.Data...)
	return mem, true
}

// Messages returns the messages committed by this writer in order.
func (w *Writer) Messages() []core.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]core.Message, len(w.messages))
	for i, m := range w.messages {
		out[i] = m.Clone()
	}
	return out
}

// LastMessageID returns the id of the most recent persisted assistant or
// system message, or "" if none.
func (w *Writer) LastMessageID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.messages) - 1; i >= 0; i-- {
		if w.messages[i].Role != core.RoleUser {
			return w.messages[i].ID
		}
	}
	return ""
}

func (w *Writer) message(rec TurnRecord) core.Message {
	msg := core.Message{
		ID:             core.NewID(),
		SessionID:      w.sessionID,
		Role:           core.RoleAssistant,
		AgentID:        rec.Turn.BindingID,
		Content:        rec.Content,
		ThoughtProcess: append([]core.ThoughtStep(nil), rec.Thoughts...),
		Type:           core.MessageText,
		ParentID:       w.parentID,
		Partial:        rec.Outcome == OutcomeCancelled,
		TurnIndex:      rec.Turn.Index,
		CreatedAt:      w.opts.Now().UTC(),
	}
	// Fallback replies have no binding to attribute them to.
	if rec.Turn.BindingID == "" {
		msg.Role = core.RoleSystem
	}
	if rec.Outcome == OutcomeDegraded || rec.Outcome == OutcomeFailed {
		msg.Type = core.MessageError
		if rec.Diagnostic != "" && !hasStep(msg.ThoughtProcess, core.LabelDiagnostic, rec.Diagnostic) {
			msg.ThoughtProcess = append(msg.ThoughtProcess, core.ThoughtStep{Step: core.LabelDiagnostic, Text: rec.Diagnostic})
		}
		if strings.TrimSpace(msg.Content) == "" {
			msg.Content = rec.Diagnostic
		}
	}
	return msg
}

func (w *Writer) memoryUpdate(ctx context.Context, rec TurnRecord, msg core.Message) (*core.MemoryUpdate, error) {
	if rec.Turn.BindingID == "" {
		return nil, nil
	}
	b, err := w.store.GetBinding(ctx, rec.Turn.BindingID)
	if err != nil {
		return nil, fmt.Errorf("load binding %s: %w", rec.Turn.BindingID, err)
	}
	now := w.opts.Now().UTC()
	data, err := memory.Next(b.Memory.Data, memory.Record{
		MessageID: msg.ID,
		Content:   rec.Content,
		Partial:   msg.Partial,
		Degraded:  msg.Type == core.MessageError,
		HandedOff: rec.Outcome == OutcomeHandoff,
		At:        now,
	})
	if err != nil {
		return nil, err
	}
	return &core.MemoryUpdate{
		BindingID: b.ID,
		Memory:    core.MemoryContext{Version: b.Memory.Version + 1, Data: data, UpdatedAt: now},
	}, nil
}

func hasStep(steps []core.ThoughtStep, label, text string) bool {
	for _, s := range steps {
		if s.Step == label && s.Text == text {
			return true
		}
	}
	return false
}
