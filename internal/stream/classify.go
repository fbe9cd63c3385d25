package stream

import (
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

const (
	opAppend = "append"
	opSet    = "set"

	maskTextContent = "block.text.content"
	maskMessage     = "message"
	maskStatus      = "message.status"

	roleAssistant   = "assistant"
	statusCompleted = "MESSAGE_STATUS_COMPLETED"
)

// Content extracts assistant text from one upstream message. It never fails:
// unknown or partial shapes yield ("", false).
//
// Incremental appends are passed through ValidText; a completed assistant
// message is trusted and returned as the concatenation of its text blocks.
func Content(m AppMessage) (string, bool) {
	op := gjson.GetBytes(m, "op").String()
	mask := gjson.GetBytes(m, "mask").String()

	switch {
	case op == opAppend && mask == maskTextContent:
		content := gjson.GetBytes(m, "block.text.content")
		if content.Type != gjson.String || !ValidText(content.Str) {
			return "", false
		}
		return content.Str, true

	case op == opSet && mask == maskMessage:
		msg := gjson.GetBytes(m, "message")
		if msg.Get("role").String() != roleAssistant || msg.Get("status").String() != statusCompleted {
			return "", false
		}
		blocks := msg.Get("blocks")
		if !blocks.IsArray() {
			return "", false
		}
		var sb strings.Builder
		ok := true
		blocks.ForEach(func(_, block gjson.Result) bool {
			content := block.Get("text.content")
			if !content.Exists() {
				return true
			}
			if content.Type != gjson.String {
				ok = false
				return false
			}
			sb.WriteString(content.Str)
			return true
		})
		if !ok || sb.Len() == 0 {
			return "", false
		}
		return sb.String(), true
	}
	return "", false
}

// IsComplete reports whether m ends the assistant's turn: any message with a
// "done" key, or a status update to MESSAGE_STATUS_COMPLETED.
func IsComplete(m AppMessage) bool {
	if gjson.GetBytes(m, "done").Exists() {
		return true
	}
	return gjson.GetBytes(m, "op").String() == opSet &&
		gjson.GetBytes(m, "mask").String() == maskStatus &&
		gjson.GetBytes(m, "message.status").String() == statusCompleted
}

// ValidText filters transcoding garbage out of incremental fragments.
// It rejects blank text, text where fewer than half of the runes are
// printable (or \n, \r, \t, space), and text holding U+FFFD.
func ValidText(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if strings.ContainsRune(text, unicode.ReplacementChar) {
		return false
	}

	var total, printable int
	for _, r := range text {
		total++
		if unicode.IsPrint(r) || strings.ContainsRune("\n\r\t ", r) {
			printable++
		}
	}
	return printable*2 >= total
}
