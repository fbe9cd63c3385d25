package jetstream

import (
	"errors"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	StreamName    = "GATEWAY"
	SubjectPrefix = "gateway.turns."

	// TurnsFilter matches every turn record subject.
	TurnsFilter = SubjectPrefix + ">"
)

func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"gateway.>"},
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

func TurnSubject(turnID string) string {
	return SubjectPrefix + turnID
}
