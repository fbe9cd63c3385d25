package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMessages is returned when a turn is opened without any message.
	ErrNoMessages = errors.New("no messages provided")

	// ErrTurnTooLarge is returned once a turn has read more upstream bytes
	// than the configured ceiling.
	ErrTurnTooLarge = errors.New("upstream turn exceeded byte ceiling")
)

// StatusError reports a non-2xx answer from the backend.
type StatusError struct {
	Op         string // refresh, create_conversation, chat, delete_conversation
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream %s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream %s failed: status %d", e.Op, e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given status code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
