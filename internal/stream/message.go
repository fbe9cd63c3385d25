package stream

// AppMessage is the JSON object carried by one upstream frame.
// Its shape is owned by the backend; use the classifier helpers to read it.
type AppMessage []byte

// EventKind tags a normalized turn event.
type EventKind string

const (
	EventOpened   EventKind = "opened"
	EventDelta    EventKind = "delta"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
	// EventLength marks a length-exceeded stop. No upstream message maps to it yet;
	// the translators still honor it.
	EventLength EventKind = "length"
)

// Event is the normalized form of the upstream stream, independent of the
// backend's JSON shapes.
type Event struct {
	Kind           EventKind
	ConversationID string // set on EventOpened
	Text           string // set on EventDelta
}

func Opened(conversationID string) Event {
	return Event{Kind: EventOpened, ConversationID: conversationID}
}

func Delta(text string) Event {
	return Event{Kind: EventDelta, Text: text}
}

func Complete() Event { return Event{Kind: EventComplete} }

func Failed() Event { return Event{Kind: EventError} }
