package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, payload string) []byte {
	t.Helper()
	f, err := Encode([]byte(payload))
	require.NoError(t, err)
	return f
}

func wire(t *testing.T, payloads ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(frame(t, p))
	}
	return buf.Bytes()
}

func asStrings(msgs []AppMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m)
	}
	return out
}

var samplePayloads = []string{
	`{"op":"append","mask":"block.text.content","block":{"text":{"content":"Hi"}}}`,
	`{"op":"append","mask":"block.text.content","block":{"text":{"content":" there"}}}`,
	`{"heartbeat":{}}`,
	`{"done":{}}`,
}

func TestFeedSingleCall(t *testing.T) {
	d := NewDecoder()
	got := d.Feed(wire(t, samplePayloads...))
	assert.Equal(t, samplePayloads, asStrings(got))
	assert.Zero(t, d.Buffered())
	assert.Equal(t, 4, d.Stats().Frames)
}

func TestFeedChunkBoundaryIndependence(t *testing.T) {
	data := wire(t, samplePayloads...)
	want := asStrings(NewDecoder().Feed(data))

	for size := 1; size <= len(data); size++ {
		d := NewDecoder()
		var got []AppMessage
		for off := 0; off < len(data); off += size {
			end := min(off+size, len(data))
			got = append(got, d.Feed(data[off:end])...)
		}
		require.Equalf(t, want, asStrings(got), "chunk size %d", size)
		require.Zerof(t, d.Buffered(), "chunk size %d", size)
	}
}

func TestFeedRetainsPartialFrame(t *testing.T) {
	complete := wire(t, samplePayloads[0], samplePayloads[1])
	partial := frame(t, samplePayloads[3])
	cut := len(partial) - 3

	d := NewDecoder()
	got := d.Feed(append(append([]byte{}, complete...), partial[:cut]...))
	assert.Len(t, got, 2)
	assert.Equal(t, cut, d.Buffered())

	got = d.Feed(partial[cut:])
	require.Len(t, got, 1)
	assert.Equal(t, samplePayloads[3], string(got[0]))
	assert.Zero(t, d.Buffered())
}

func TestFeedWaitsForHeader(t *testing.T) {
	d := NewDecoder()
	assert.Empty(t, d.Feed([]byte{0, 0, 0, 0}))
	assert.Equal(t, 4, d.Buffered())

	f := frame(t, `{"a":1}`)
	got := d.Feed(f[4:])
	require.Len(t, got, 1)
	assert.Equal(t, `{"a":1}`, string(got[0]))
}

func TestFeedResynchronizes(t *testing.T) {
	garbage := []byte("\xff\x01junk")
	data := append(append([]byte{}, garbage...), wire(t, `{"done":true}`)...)

	d := NewDecoder()
	got := d.Feed(data)
	require.Len(t, got, 1)
	assert.Equal(t, `{"done":true}`, string(got[0]))
	assert.LessOrEqual(t, d.Stats().SkippedBytes, len(data))
	assert.Equal(t, len(garbage), d.Stats().SkippedBytes)
}

func TestFeedDropsMalformedPayload(t *testing.T) {
	data := wire(t, `{"op":`, `[1,2,3]`, `"text"`, `{"ok":true}`)

	d := NewDecoder()
	got := d.Feed(data)
	assert.Equal(t, []string{`{"ok":true}`}, asStrings(got))
	assert.Equal(t, 3, d.Stats().Dropped)
	assert.Zero(t, d.Buffered())
}

func TestFeedStripsInvalidUTF8(t *testing.T) {
	payload := "{\"k\":\"a\xffb\"}"
	d := NewDecoder()
	got := d.Feed(frame(t, payload))
	require.Len(t, got, 1)
	assert.Equal(t, `{"k":"ab"}`, string(got[0]))
}

func TestFeedMessagesDoNotAliasBuffer(t *testing.T) {
	d := NewDecoder()
	data := wire(t, `{"n":1}`)
	got := d.Feed(data)
	require.Len(t, got, 1)
	for i := range data {
		data[i] = 'x'
	}
	assert.Equal(t, `{"n":1}`, string(got[0]))
}

func TestEncode(t *testing.T) {
	f, err := Encode([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 2, '{', '}'}, f)

	full := bytes.Repeat([]byte("a"), MaxPayloadSize)
	f, err = Encode(full)
	require.NoError(t, err)
	assert.Equal(t, byte(255), f[4])
	assert.Len(t, f, 5+MaxPayloadSize)

	_, err = Encode(append(full, 'a'))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
