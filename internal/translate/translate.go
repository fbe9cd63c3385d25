// Package translate turns the normalized upstream event sequence into
// OpenAI chat-completion responses, either aggregated or as a chunked
// event stream.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/namikmesic/kimi-gateway/internal/stream"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// Apology is appended when the backend stops a turn on a content-policy
	// signal.
	Apology = "\n[Generation was stopped because the content was flagged. Let's change the topic.]"

	// FallbackGreeting replaces an aggregated answer with no content at all.
	FallbackGreeting = "Hello! I'm Kimi, how can I help you?"

	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
	doneRecord       = "data: [DONE]\n\n"
)

// EventSource yields normalized events. io.EOF ends the sequence and counts
// as completion.
type EventSource interface {
	Next(ctx context.Context) (stream.Event, error)
}

// Outcome is how a translated turn ended.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeLength   Outcome = "length"
	OutcomeRefused  Outcome = "refused"
	OutcomeFailed   Outcome = "failed"
)

// Summary describes a translated turn for logging and recording.
type Summary struct {
	ConversationID  string
	Outcome         Outcome
	FinishReason    openai.FinishReason
	Deltas          int
	CompletionChars int
	Events          []stream.Event
}

type Translator struct {
	model string
	now   func() time.Time
}

func New(model string) *Translator {
	return &Translator{model: model, now: time.Now}
}

func completionID(conversationID string) string {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return "chatcmpl-" + conversationID
}

func countTokens(text string) int {
	return max(1, len(strings.Fields(text)))
}

// Aggregate consumes src to the end and returns one completion. A source
// error is returned as is.
func (t *Translator) Aggregate(ctx context.Context, src EventSource) (*openai.ChatCompletionResponse, Summary, error) {
	var (
		sum     = Summary{Outcome: OutcomeComplete, FinishReason: openai.FinishReasonStop}
		content strings.Builder
		refused bool
	)

loop:
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sum.Outcome = OutcomeFailed
			return nil, sum, err
		}
		sum.Events = append(sum.Events, ev)

		switch ev.Kind {
		case stream.EventOpened:
			sum.ConversationID = ev.ConversationID
		case stream.EventDelta:
			if ev.Text != "" {
				content.WriteString(ev.Text)
				sum.Deltas++
			}
		case stream.EventLength:
			sum.Outcome = OutcomeLength
			sum.FinishReason = openai.FinishReasonLength
		case stream.EventError:
			content.WriteString(Apology)
			sum.Outcome = OutcomeRefused
			sum.FinishReason = openai.FinishReasonStop
			refused = true
			break loop
		case stream.EventComplete:
			break loop
		}
	}

	text := content.String()
	if sum.Deltas == 0 && !refused {
		text = FallbackGreeting
	}
	sum.CompletionChars = len(text)

	completion := countTokens(text)
	resp := &openai.ChatCompletionResponse{
		ID:      completionID(sum.ConversationID),
		Object:  objectCompletion,
		Created: t.now().Unix(),
		Model:   t.model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
			FinishReason: sum.FinishReason,
		}},
		Usage: openai.Usage{
			PromptTokens:     1,
			CompletionTokens: completion,
			TotalTokens:      1 + completion,
		},
	}
	return resp, sum, nil
}

// chunkWriter renders chunk records onto w, flushing after each one when w
// supports it.
type chunkWriter struct {
	w       io.Writer
	flusher http.Flusher
	id      string
	model   string
	created int64
}

func (c *chunkWriter) record(data []byte) error {
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

// chunkDelta keeps "content" on the wire whenever it is set, including
// the empty string of the role chunk.
type chunkDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int                  `json:"index"`
	Delta        chunkDelta           `json:"delta"`
	FinishReason *openai.FinishReason `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func contentDelta(text string) chunkDelta { return chunkDelta{Content: &text} }

func (c *chunkWriter) chunk(delta chunkDelta, reason openai.FinishReason) error {
	choice := chunkChoice{Index: 0, Delta: delta}
	if reason != "" {
		choice.FinishReason = &reason
	}
	data, err := json.Marshal(completionChunk{
		ID:      c.id,
		Object:  objectChunk,
		Created: c.created,
		Model:   c.model,
		Choices: []chunkChoice{choice},
	})
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return c.record(data)
}

func (c *chunkWriter) done() error {
	if _, err := io.WriteString(c.w, doneRecord); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

// Stream writes the turn as chunk records: a role chunk, one chunk per
// delta, exactly one terminal chunk, then the [DONE] record. A source error
// after the first byte is written ends the stream with an error record. The
// returned error is the source error or a write error.
func (t *Translator) Stream(ctx context.Context, src EventSource, w io.Writer) (Summary, error) {
	sum := Summary{Outcome: OutcomeComplete, FinishReason: openai.FinishReasonStop}
	cw := &chunkWriter{w: w, model: t.model, created: t.now().Unix()}
	if f, ok := w.(http.Flusher); ok {
		cw.flusher = f
	}

	started := false
	start := func(conversationID string) error {
		if started {
			return nil
		}
		started = true
		sum.ConversationID = conversationID
		cw.id = completionID(conversationID)
		return cw.chunk(chunkDelta{Role: openai.ChatMessageRoleAssistant, Content: new(string)}, "")
	}

	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			ev, err = stream.Complete(), nil
		}
		if err != nil {
			sum.Outcome = OutcomeFailed
			if werr := start(""); werr != nil {
				return sum, werr
			}
			return sum, t.streamError(cw, err)
		}
		sum.Events = append(sum.Events, ev)

		if ev.Kind == stream.EventOpened {
			if err := start(ev.ConversationID); err != nil {
				return sum, err
			}
			continue
		}
		if err := start(""); err != nil {
			return sum, err
		}

		switch ev.Kind {
		case stream.EventDelta:
			if ev.Text == "" {
				continue
			}
			sum.Deltas++
			sum.CompletionChars += len(ev.Text)
			if err := cw.chunk(contentDelta(ev.Text), ""); err != nil {
				return sum, err
			}
			continue
		case stream.EventError:
			sum.Outcome = OutcomeRefused
			sum.CompletionChars += len(Apology)
			err = cw.chunk(contentDelta(Apology), openai.FinishReasonStop)
		case stream.EventLength:
			sum.Outcome = OutcomeLength
			sum.FinishReason = openai.FinishReasonLength
			err = cw.chunk(chunkDelta{}, openai.FinishReasonLength)
		case stream.EventComplete:
			err = cw.chunk(chunkDelta{}, openai.FinishReasonStop)
		default:
			continue
		}
		if err != nil {
			return sum, err
		}
		return sum, cw.done()
	}
}

func (t *Translator) streamError(cw *chunkWriter, cause error) error {
	data, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return err
	}
	if err := cw.record(data); err != nil {
		return err
	}
	if err := cw.done(); err != nil {
		return err
	}
	return cause
}
