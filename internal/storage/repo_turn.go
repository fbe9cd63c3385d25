package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TurnRow is one gateway turn as stored in the turns table.
type TurnRow struct {
	ID              uuid.UUID
	Timestamp       time.Time
	ConversationID  string
	Model           string
	IsStream        bool
	Outcome         string
	StatusCode      int
	ErrorMessage    string
	DurationMs      int
	Deltas          int
	CompletionChars int
	BytesRead       int64
	FramesDropped   int
	MessageCount    int
	SystemPrompt    string
	PromptChars     int
	Temperature     *float32
	MaxTokens       *int
}

func InsertTurnJob(r *TurnRow) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		_, err := db.Exec(ctx, `
			INSERT INTO turns (
				id, ts, conversation_id, model, is_stream, outcome, status_code, error_message,
				duration_ms, deltas, completion_chars, bytes_read, frames_dropped,
				message_count, system_prompt, prompt_chars, temperature, max_tokens
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (id) DO NOTHING`,
			r.ID, r.Timestamp, nilIfEmpty(r.ConversationID), r.Model, r.IsStream,
			r.Outcome, r.StatusCode, nilIfEmpty(r.ErrorMessage),
			r.DurationMs, r.Deltas, r.CompletionChars, r.BytesRead, r.FramesDropped,
			r.MessageCount, nilIfEmpty(r.SystemPrompt), r.PromptChars, r.Temperature, r.MaxTokens,
		)
		return err
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
