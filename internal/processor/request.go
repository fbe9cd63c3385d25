package processor

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// RequestSummary is the part of an inbound chat request kept with a turn.
type RequestSummary struct {
	MessageCount int      `json:"message_count"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	PromptChars  int      `json:"prompt_chars"`
	Temperature  *float32 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
}

func Summarize(req *openai.ChatCompletionRequest) RequestSummary {
	s := RequestSummary{MessageCount: len(req.Messages)}
	if req.Temperature != 0 {
		t := req.Temperature
		s.Temperature = &t
	}
	switch {
	case req.MaxCompletionTokens != 0:
		n := req.MaxCompletionTokens
		s.MaxTokens = &n
	case req.MaxTokens != 0:
		n := req.MaxTokens
		s.MaxTokens = &n
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == openai.ChatMessageRoleSystem {
			if text := MessageText(m); text != "" {
				system = append(system, text)
			}
		}
	}
	s.SystemPrompt = strings.Join(system, "\n")

	// Only the last message reaches the backend.
	if n := len(req.Messages); n > 0 {
		s.PromptChars = len(MessageText(req.Messages[n-1]))
	}
	return s
}

// MessageText flattens a message's content, joining the text parts of a
// multi-part message.
func MessageText(m openai.ChatCompletionMessage) string {
	if m.Content != "" || len(m.MultiContent) == 0 {
		return m.Content
	}
	texts := make([]string, 0, len(m.MultiContent))
	for _, p := range m.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
