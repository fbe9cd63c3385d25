package stream

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// Decoder maintains state across chunks to handle frames that span
// network reads. One Decoder serves one turn.
type Decoder struct {
	buffer []byte
	stats  DecoderStats
}

// DecoderStats counts what the decoder consumed and threw away.
type DecoderStats struct {
	Frames        int // well-formed frames emitted
	Dropped       int // frames whose payload was not a JSON object
	SkippedBytes  int // bytes discarded while resynchronizing on the marker
	BytesConsumed int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the working buffer and returns every message whose
// frame is now complete. Bytes of an incomplete trailing frame are kept for
// the next call.
func (d *Decoder) Feed(chunk []byte) []AppMessage {
	d.buffer = append(d.buffer, chunk...)
	var messages []AppMessage

	for len(d.buffer) >= len(frameMarker) {
		if !bytes.HasPrefix(d.buffer, frameMarker) {
			// Unaligned or corrupt input: slide forward one byte.
			d.buffer = d.buffer[1:]
			d.stats.SkippedBytes++
			d.stats.BytesConsumed++
			continue
		}
		if len(d.buffer) < frameHeaderSize {
			break
		}

		total := frameHeaderSize + int(d.buffer[len(frameMarker)])
		if len(d.buffer) < total {
			break
		}

		payload := d.buffer[frameHeaderSize:total]
		d.buffer = d.buffer[total:]
		d.stats.BytesConsumed += total

		msg, ok := decodePayload(payload)
		if !ok {
			d.stats.Dropped++
			continue
		}
		d.stats.Frames++
		messages = append(messages, msg)
	}

	// Release the consumed prefix so the backing array does not pin old data.
	if len(d.buffer) == 0 {
		d.buffer = nil
	}
	return messages
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (d *Decoder) Buffered() int { return len(d.buffer) }

func (d *Decoder) Stats() DecoderStats { return d.stats }

// decodePayload drops invalid UTF-8 sequences and accepts the payload only
// if what remains is a JSON object.
func decodePayload(payload []byte) (AppMessage, bool) {
	// ToValidUTF8 always returns a fresh slice, so the message does not
	// alias the decoder's buffer.
	clean := bytes.ToValidUTF8(payload, nil)
	if !gjson.ValidBytes(clean) || !gjson.ParseBytes(clean).IsObject() {
		return nil, false
	}
	return AppMessage(clean), true
}
