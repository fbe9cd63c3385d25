package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/namikmesic/kimi-gateway/internal/stream"
	"github.com/rs/zerolog/log"
)

const (
	scenario      = "SCENARIO_K2"
	readChunkSize = 32 * 1024

	// DefaultMaxTurnBytes caps what one turn may read from the chat stream.
	DefaultMaxTurnBytes int64 = 16 << 20
)

// Message is one inbound chat message. Only the last one is sent upstream.
type Message struct {
	Role    string
	Content string
}

// TokenSource yields an access token for a refresh credential.
type TokenSource interface {
	AccessToken(ctx context.Context, refreshToken string) (string, error)
}

// Session opens upstream turns: one conversation, one chat exchange.
type Session struct {
	client       *Client
	tokens       TokenSource
	maxTurnBytes atomic.Int64
}

func NewSession(client *Client, tokens TokenSource, maxTurnBytes int64) *Session {
	s := &Session{client: client, tokens: tokens}
	s.SetMaxTurnBytes(maxTurnBytes)
	return s
}

func (s *Session) SetMaxTurnBytes(n int64) {
	if n <= 0 {
		n = DefaultMaxTurnBytes
	}
	s.maxTurnBytes.Store(n)
}

// Open starts a turn for the last of messages. The outbound frame is built
// before any network call, so an oversize message costs nothing upstream.
// On failure after the conversation exists, it is deleted before returning.
func (s *Session) Open(ctx context.Context, refreshToken string, messages []Message) (*Turn, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}
	frame, err := encodeChat(messages[len(messages)-1].Content)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.tokens.AccessToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	conversationID, err := s.client.CreateConversation(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	resp, err := s.client.openChat(turnCtx, accessToken, frame)
	if err != nil {
		cancel()
		deleteConversation(ctx, s.client, accessToken, conversationID)
		return nil, err
	}

	log.Debug().Str("conversation_id", conversationID).Int("frame_bytes", len(frame)).Msg("turn opened")

	return &Turn{
		client:         s.client,
		parent:         ctx,
		cancel:         cancel,
		accessToken:    accessToken,
		conversationID: conversationID,
		body:           resp.Body,
		decoder:        stream.NewDecoder(),
		buf:            make([]byte, readChunkSize),
		maxBytes:       s.maxTurnBytes.Load(),
		pending:        []stream.Event{stream.Opened(conversationID)},
	}, nil
}

type chatBlock struct {
	MessageID string `json:"message_id"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

type chatMessage struct {
	Role     string      `json:"role"`
	Blocks   []chatBlock `json:"blocks"`
	Scenario string      `json:"scenario"`
}

type chatRequest struct {
	Scenario string      `json:"scenario"`
	Message  chatMessage `json:"message"`
}

func encodeChat(content string) ([]byte, error) {
	block := chatBlock{}
	block.Text.Content = content
	req := chatRequest{
		Scenario: scenario,
		Message: chatMessage{
			Role:     "user",
			Blocks:   []chatBlock{block},
			Scenario: scenario,
		},
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}
	return stream.Encode(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// Turn is one in-flight chat exchange. Next is not safe for concurrent use;
// Close may be called from any goroutine and any number of times.
type Turn struct {
	client         *Client
	parent         context.Context
	cancel         context.CancelFunc
	accessToken    string
	conversationID string

	body     io.ReadCloser
	decoder  *stream.Decoder
	buf      []byte
	read     int64
	maxBytes int64
	pending  []stream.Event
	err      error

	closeOnce sync.Once
}

func (t *Turn) ConversationID() string { return t.conversationID }

// BytesRead is the number of body bytes consumed so far.
func (t *Turn) BytesRead() int64 { return t.read }

func (t *Turn) DecoderStats() stream.DecoderStats { return t.decoder.Stats() }

// Next returns the next normalized event. The first event is always
// EventOpened. After EventComplete, or when the body ends without one, Next
// returns io.EOF. Cancelling ctx aborts a blocked read.
func (t *Turn) Next(ctx context.Context) (stream.Event, error) {
	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()

	for {
		if len(t.pending) > 0 {
			ev := t.pending[0]
			t.pending = t.pending[1:]
			return ev, nil
		}
		if t.err != nil {
			return stream.Event{}, t.err
		}
		if err := ctx.Err(); err != nil {
			t.finish(err)
			continue
		}

		n, err := t.body.Read(t.buf)
		if n > 0 {
			t.read += int64(n)
			if t.read > t.maxBytes {
				t.finish(ErrTurnTooLarge)
				continue
			}
			t.consume(t.buf[:n])
		}
		if err != nil && t.err == nil {
			switch {
			case errors.Is(err, io.EOF):
				t.finish(io.EOF)
			case ctx.Err() != nil:
				t.finish(ctx.Err())
			default:
				t.finish(fmt.Errorf("read upstream chat: %w", err))
			}
		}
	}
}

func (t *Turn) consume(chunk []byte) {
	for _, m := range t.decoder.Feed(chunk) {
		if text, ok := stream.Content(m); ok && text != "" {
			t.pending = append(t.pending, stream.Delta(text))
		}
		if stream.IsComplete(m) {
			t.pending = append(t.pending, stream.Complete())
			t.finish(io.EOF)
			return
		}
	}
}

// finish records the terminal result and stops reading. Events already
// queued are still delivered.
func (t *Turn) finish(err error) {
	if t.err != nil {
		return
	}
	t.err = err
	_ = t.body.Close()
}

// Close releases the stream and deletes the conversation. Deletion runs at
// most once and ignores the caller's cancellation.
func (t *Turn) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.body.Close()
		deleteConversation(t.parent, t.client, t.accessToken, t.conversationID)
	})
}

func deleteConversation(parent context.Context, c *Client, accessToken, conversationID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), callTimeout)
	defer cancel()
	start := time.Now()
	if err := c.DeleteConversation(ctx, accessToken, conversationID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to delete conversation")
		return
	}
	log.Debug().Str("conversation_id", conversationID).Dur("duration", time.Since(start)).Msg("conversation deleted")
}
