package memory

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MaxExcerptRunes bounds the excerpt kept per note.
	MaxExcerptRunes = 280
	// MaxNotes bounds the number of recent notes kept.
	MaxNotes = 5
)

// Note is a short excerpt of one committed reply.
type Note struct {
	MessageID string `json:"message_id"`
	Excerpt   string `json:"excerpt"`
	Partial   bool   `json:"partial,omitempty"`
}

// Summary is the decoded memory blob of a binding.
type Summary struct {
	Turns      int       `json:"turns"`
	Handoffs   int       `json:"handoffs"`
	Failures   int       `json:"failures"`
	Recent     []Note    `json:"recent"`
	LastTurnAt time.Time `json:"last_turn_at"`
}

// Record describes a committed turn of the binding.
type Record struct {
	MessageID string
	Content   string
	Partial   bool
	Degraded  bool
	HandedOff bool
	At        time.Time
}

// Decode parses a memory blob. An empty blob is the zero Summary.
func Decode(data json.RawMessage) (Summary, error) {
	var s Summary
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("decode memory: %w", err)
	}
	return s, nil
}

// Apply folds rec into the summary.
func (s Summary) Apply(rec Record) Summary {
	s.Turns++
	if rec.HandedOff {
		s.Handoffs++
	}
	if rec.Degraded {
		s.Failures++
	}
	if rec.Content != "" {
		recent := append([]Note(nil), s.Recent...)
		recent = append(recent, Note{MessageID: rec.MessageID, Excerpt: excerpt(rec.Content), Partial: rec.Partial})
		if len(recent) > MaxNotes {
			recent = recent[len(recent)-MaxNotes:]
		}
		s.Recent = recent
	}
	s.LastTurnAt = rec.At.UTC()
	return s
}

// Next returns the memory blob following data after rec, encoded as JSON.
func Next(data json.RawMessage, rec Record) (json.RawMessage, error) {
	s, err := Decode(data)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(s.Apply(rec))
	if err != nil {
		return nil, fmt.Errorf("encode memory: %w", err)
	}
	return out, nil
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= MaxExcerptRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxExcerptRunes-1]) + "…"
}
