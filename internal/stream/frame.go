package stream

import (
	"errors"
	"fmt"
)

// MaxPayloadSize is the largest payload a single frame can carry: the length
// field is one byte.
const MaxPayloadSize = 255

const frameHeaderSize = 5

var frameMarker = []byte{0x00, 0x00, 0x00, 0x00}

// ErrPayloadTooLarge is returned when a payload does not fit the one-byte
// length field. Payloads are never truncated or split.
var ErrPayloadTooLarge = errors.New("frame payload exceeds 255 bytes")

// Encode wraps payload in the upstream framing: a four byte zero marker, a
// one byte length and the payload itself.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	frame := make([]byte, 0, frameHeaderSize+len(payload))
	frame = append(frame, frameMarker...)
	frame = append(frame, byte(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}
