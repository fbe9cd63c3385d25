package processor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/namikmesic/kimi-gateway/internal/storage"
	"github.com/namikmesic/kimi-gateway/internal/stream"
)

// TurnRecord is what the gateway publishes after every chat turn.
type TurnRecord struct {
	TurnID          string         `json:"turn_id"`
	Timestamp       time.Time      `json:"ts"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	Model           string         `json:"model"`
	Stream          bool           `json:"stream"`
	Outcome         string         `json:"outcome"`
	StatusCode      int            `json:"status_code"`
	Error           string         `json:"error,omitempty"`
	DurationMs      int            `json:"duration_ms"`
	Deltas          int            `json:"deltas"`
	CompletionChars int            `json:"completion_chars"`
	BytesRead       int64          `json:"bytes_read"`
	FramesDropped   int            `json:"frames_dropped"`
	Request         RequestSummary `json:"request"`
	Events          []EventRecord  `json:"events,omitempty"`
}

type EventRecord struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

func EventsFrom(events []stream.Event) []EventRecord {
	out := make([]EventRecord, len(events))
	for i, ev := range events {
		text := ev.Text
		if ev.Kind == stream.EventOpened {
			text = ev.ConversationID
		}
		out[i] = EventRecord{Kind: string(ev.Kind), Text: text}
	}
	return out
}

func (r *TurnRecord) rows() (*storage.TurnRow, []storage.TurnEventRow, error) {
	id, err := uuid.Parse(r.TurnID)
	if err != nil {
		return nil, nil, fmt.Errorf("turn id %q: %w", r.TurnID, err)
	}
	turn := &storage.TurnRow{
		ID:              id,
		Timestamp:       r.Timestamp,
		ConversationID:  r.ConversationID,
		Model:           r.Model,
		IsStream:        r.Stream,
		Outcome:         r.Outcome,
		StatusCode:      r.StatusCode,
		ErrorMessage:    r.Error,
		DurationMs:      r.DurationMs,
		Deltas:          r.Deltas,
		CompletionChars: r.CompletionChars,
		BytesRead:       r.BytesRead,
		FramesDropped:   r.FramesDropped,
		MessageCount:    r.Request.MessageCount,
		SystemPrompt:    r.Request.SystemPrompt,
		PromptChars:     r.Request.PromptChars,
		Temperature:     r.Request.Temperature,
		MaxTokens:       r.Request.MaxTokens,
	}
	events := make([]storage.TurnEventRow, len(r.Events))
	for i, ev := range r.Events {
		events[i] = storage.TurnEventRow{Kind: ev.Kind, Text: ev.Text}
	}
	return turn, events, nil
}
