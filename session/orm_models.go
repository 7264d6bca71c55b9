package session

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/meshchat/core"
	"github.com/hupe1980/meshchat/topology"
)

type sessionRow struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Title       string    `gorm:"size:255"`
	UserID      string    `gorm:"size:191;index"`
	Status      string    `gorm:"size:16;not null;default:active"`
	GraphConfig string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string { return "sessions" }

func (r sessionRow) toRecord() (*core.Session, error) {
	topo, err := topology.Decode([]byte(r.GraphConfig))
	if err != nil {
		return nil, err
	}
	return &core.Session{
		ID:        r.ID,
		Title:     r.Title,
		UserID:    r.UserID,
		Status:    core.SessionStatus(r.Status),
		Topology:  topo,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func sessionRowFromRecord(s *core.Session) (sessionRow, error) {
	graph, err := topology.Encode(s.Topology)
	if err != nil {
		return sessionRow{}, err
	}
	return sessionRow{
		ID:          s.ID,
		Title:       s.Title,
		UserID:      s.UserID,
		Status:      string(s.Status),
		GraphConfig: string(graph),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}, nil
}

type agentRow struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Name         string    `gorm:"size:191;not null"`
	Role         string    `gorm:"size:191"`
	Description  string    `gorm:"type:text"`
	SystemPrompt string    `gorm:"type:text"`
	ModelRef     string    `gorm:"size:191"`
	Temperature  float64   `gorm:"not null;default:0.7"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (agentRow) TableName() string { return "agents" }

func (r agentRow) toRecord() core.AgentDefinition {
	return core.AgentDefinition{
		ID:           r.ID,
		Name:         r.Name,
		Role:         r.Role,
		Description:  r.Description,
		SystemPrompt: r.SystemPrompt,
		ModelRef:     r.ModelRef,
		Temperature:  r.Temperature,
		CreatedAt:    r.CreatedAt,
	}
}

func agentRowFromRecord(a *core.AgentDefinition) agentRow {
	return agentRow{
		ID:           a.ID,
		Name:         a.Name,
		Role:         a.Role,
		Description:  a.Description,
		SystemPrompt: a.SystemPrompt,
		ModelRef:     a.ModelRef,
		Temperature:  a.Temperature,
		CreatedAt:    a.CreatedAt,
	}
}

type bindingRow struct {
	ID                   string     `gorm:"primaryKey;size:36"`
	SessionID            string     `gorm:"size:36;not null;index"`
	AgentID              string     `gorm:"size:36;not null"`
	Position             int64      `gorm:"not null"`
	OverrideSystemPrompt string     `gorm:"type:text"`
	OverrideModel        string     `gorm:"size:191"`
	MemoryContext        string     `gorm:"type:text"`
	MemoryVersion        int64      `gorm:"not null;default:0"`
	MemoryUpdatedAt      *time.Time
}

func (bindingRow) TableName() string { return "session_agents" }

func (r bindingRow) toRecord() core.SessionAgent {
	b := core.SessionAgent{
		ID:                   r.ID,
		SessionID:            r.SessionID,
		AgentID:              r.AgentID,
		OverrideSystemPrompt: r.OverrideSystemPrompt,
		OverrideModel:        r.OverrideModel,
		Memory:               core.MemoryContext{Version: r.MemoryVersion},
	}
	if r.MemoryContext != "" {
		b.Memory.Data = json.RawMessage(r.MemoryContext)
	}
	if r.MemoryUpdatedAt != nil {
		b.Memory.UpdatedAt = *r.MemoryUpdatedAt
	}
	return b
}

type messageRow struct {
	ID             string    `gorm:"primaryKey;size:36"`
	SessionID      string    `gorm:"size:36;not null;index:idx_messages_session_seq,priority:1"`
	Sequence       int64     `gorm:"not null;index:idx_messages_session_seq,priority:2"`
	Role           string    `gorm:"size:16;not null"`
	AgentID        string    `gorm:"size:36"`
	Content        string    `gorm:"type:text"`
	ThoughtProcess string    `gorm:"type:text"`
	MsgType        string    `gorm:"size:16;not null;default:text"`
	ParentID       string    `gorm:"size:36"`
	Partial        bool      `gorm:"not null;default:false"`
	TurnIndex      int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) toRecord() (core.Message, error) {
	msg := core.Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		Role:      core.Role(r.Role),
		AgentID:   r.AgentID,
		Content:   r.Content,
		Type:      core.MessageType(r.MsgType),
		ParentID:  r.ParentID,
		Partial:   r.Partial,
		TurnIndex: r.TurnIndex,
		CreatedAt: r.CreatedAt,
	}
	if r.ThoughtProcess != "" {
		if err := json.Unmarshal([]byte(r.ThoughtProcess), &msg.ThoughtProcess); err != nil {
			return core.Message{}, err
		}
	}
	return msg, nil
}

func messageRowFromRecord(m *core.Message, seq int64) (messageRow, error) {
	row := messageRow{
		ID:        m.ID,
		SessionID: m.SessionID,
		Sequence:  seq,
		Role:      string(m.Role),
		AgentID:   m.AgentID,
		Content:   m.Content,
		MsgType:   string(m.Type),
		ParentID:  m.ParentID,
		Partial:   m.Partial,
		TurnIndex: m.TurnIndex,
		CreatedAt: m.CreatedAt,
	}
	if len(m.ThoughtProcess) > 0 {
		data, err := json.Marshal(m.ThoughtProcess)
		if err != nil {
			return messageRow{}, err
		}
		row.ThoughtProcess = string(data)
	}
	return row, nil
}
