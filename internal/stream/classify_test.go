package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContent(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
		ok   bool
	}{
		{
			name: "append text",
			msg:  `{"op":"append","mask":"block.text.content","block":{"text":{"content":"Hello, world."}}}`,
			want: "Hello, world.",
			ok:   true,
		},
		{
			name: "append blank",
			msg:  `{"op":"append","mask":"block.text.content","block":{"text":{"content":"  \n"}}}`,
		},
		{
			name: "append replacement char",
			msg:  `{"op":"append","mask":"block.text.content","block":{"text":{"content":"ab�"}}}`,
		},
		{
			name: "append non-string content",
			msg:  `{"op":"append","mask":"block.text.content","block":{"text":{"content":42}}}`,
		},
		{
			name: "append other mask",
			msg:  `{"op":"append","mask":"block.think.content","block":{"text":{"content":"hidden"}}}`,
		},
		{
			name: "completed assistant message",
			msg: `{"op":"set","mask":"message","message":{"role":"assistant","status":"MESSAGE_STATUS_COMPLETED",` +
				`"blocks":[{"text":{"content":"Hi"}},{"tool":{}},{"text":{"content":" there"}}]}}`,
			want: "Hi there",
			ok:   true,
		},
		{
			name: "completed message is not filtered",
			msg: `{"op":"set","mask":"message","message":{"role":"assistant","status":"MESSAGE_STATUS_COMPLETED",` +
				`"blocks":[{"text":{"content":"\u0001\u0002\u0003x"}}]}}`,
			want: "\x01\x02\x03x",
			ok:   true,
		},
		{
			name: "user message",
			msg:  `{"op":"set","mask":"message","message":{"role":"user","status":"MESSAGE_STATUS_COMPLETED","blocks":[{"text":{"content":"q"}}]}}`,
		},
		{
			name: "generating message",
			msg:  `{"op":"set","mask":"message","message":{"role":"assistant","status":"MESSAGE_STATUS_GENERATING","blocks":[]}}`,
		},
		{
			name: "message without blocks",
			msg:  `{"op":"set","mask":"message","message":{"role":"assistant","status":"MESSAGE_STATUS_COMPLETED"}}`,
		},
		{name: "empty object", msg: `{}`},
		{name: "missing block", msg: `{"op":"append","mask":"block.text.content"}`},
		{name: "block is scalar", msg: `{"op":"append","mask":"block.text.content","block":7}`},
		{name: "message is scalar", msg: `{"op":"set","mask":"message","message":"x"}`},
		{name: "not json", msg: `garbage`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Content(AppMessage(tt.msg))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsComplete(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{`{"done":{}}`, true},
		{`{"done":null}`, true},
		{`{"op":"set","mask":"message.status","message":{"status":"MESSAGE_STATUS_COMPLETED"}}`, true},
		{`{"op":"set","mask":"message.status","message":{"status":"MESSAGE_STATUS_GENERATING"}}`, false},
		{`{"op":"set","mask":"message.status"}`, false},
		{`{"op":"set","mask":"message","message":{"status":"MESSAGE_STATUS_COMPLETED"}}`, false},
		{`{"op":"append","mask":"block.text.content","block":{"text":{"content":"x"}}}`, false},
		{`{}`, false},
		{``, false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, IsComplete(AppMessage(tt.msg)), "IsComplete(%s)", tt.msg)
	}
}

func TestValidText(t *testing.T) {
	assert.True(t, ValidText("Sure! Here's a list:\n\t1. apples, 2. pears."))
	assert.True(t, ValidText("你好，世界"))
	assert.True(t, ValidText(" x"))

	assert.False(t, ValidText(""))
	assert.False(t, ValidText(" \t\n"))
	assert.False(t, ValidText("\x01\x02\x03a"))
	assert.False(t, ValidText("ok �"))
	assert.False(t, ValidText("bad\xffbyte"))

	// Exactly half printable is kept.
	assert.True(t, ValidText("ab\x01\x02"))
}
