package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TurnEventRow is one normalized event of a turn.
type TurnEventRow struct {
	Kind string
	Text string
}

var turnEventColumns = []string{"ts", "turn_id", "event_index", "kind", "text"}

// InsertTurnEventsJob creates a batch insert job for turn events using COPY protocol.
func InsertTurnEventsJob(turnID uuid.UUID, ts time.Time, events []TurnEventRow) WriteJob {
	return WriteJobFunc(func(ctx context.Context, db DB) error {
		if len(events) == 0 {
			return nil
		}
		rows := make([][]any, len(events))
		for i, ev := range events {
			rows[i] = []any{ts, turnID, i, ev.Kind, nilIfEmpty(ev.Text)}
		}

		_, err := db.CopyFrom(ctx,
			pgx.Identifier{"turn_events"},
			turnEventColumns,
			pgx.CopyFromRows(rows),
		)
		return err
	})
}
