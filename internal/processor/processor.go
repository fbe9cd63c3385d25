package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/namikmesic/kimi-gateway/internal/jetstream"
	"github.com/namikmesic/kimi-gateway/internal/storage"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	consumerName = "turn-recorder"
	drainTimeout = 10 * time.Second
)

// Enqueuer accepts write jobs; *storage.BatchWriter in production.
type Enqueuer interface {
	Enqueue(job storage.WriteJob) bool
}

// Processor turns published turn records into database writes.
type Processor struct {
	writer Enqueuer
}

func New(writer Enqueuer) *Processor {
	return &Processor{writer: writer}
}

// Handle decodes one published record and queues its rows.
func (p *Processor) Handle(data []byte) error {
	var rec TurnRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode turn record: %w", err)
	}
	turn, events, err := rec.rows()
	if err != nil {
		return err
	}

	p.writer.Enqueue(storage.InsertTurnJob(turn))
	if len(events) > 0 {
		p.writer.Enqueue(storage.InsertTurnEventsJob(turn.ID, turn.Timestamp, events))
	}

	log.Debug().
		Str("turn_id", rec.TurnID).
		Str("outcome", rec.Outcome).
		Int("events", len(events)).
		Msg("turn record processed")
	return nil
}

// StartConsumer subscribes durably to turn records and blocks until ctx is
// done. Undecodable records are terminated instead of redelivered.
func (p *Processor) StartConsumer(ctx context.Context, js nats.JetStreamContext) error {
	sub, err := js.Subscribe(jetstream.TurnsFilter, func(m *nats.Msg) {
		if err := p.Handle(m.Data); err != nil {
			log.Error().Err(err).Str("subject", m.Subject).Msg("dropping turn record")
			_ = m.Term()
			return
		}
		_ = m.Ack()
	}, nats.Durable(consumerName), nats.ManualAck(), nats.DeliverAll())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", jetstream.TurnsFilter, err)
	}
	log.Info().Str("subject", jetstream.TurnsFilter).Msg("turn consumer started")

	closed := sub.StatusChanged(nats.SubscriptionClosed)
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		log.Warn().Err(err).Msg("failed to drain turn consumer")
		return nil
	}
	// Pending callbacks finish before the subscription reports closed.
	select {
	case <-closed:
	case <-time.After(drainTimeout):
		log.Warn().Dur("timeout", drainTimeout).Msg("turn consumer drain timed out")
	}
	return nil
}

// Publisher sends turn records to JetStream.
type Publisher struct {
	js nats.JetStreamContext
}

func NewPublisher(js nats.JetStreamContext) *Publisher {
	return &Publisher{js: js}
}

// Record publishes rec. Failures are logged; recording never fails a turn.
func (p *Publisher) Record(ctx context.Context, rec TurnRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("turn_id", rec.TurnID).Msg("failed to encode turn record")
		return
	}
	if _, err := p.js.Publish(jetstream.TurnSubject(rec.TurnID), data, nats.Context(ctx)); err != nil {
		log.Warn().Err(err).Str("turn_id", rec.TurnID).Msg("failed to publish turn record")
	}
}
