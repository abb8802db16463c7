package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"tally/internal/event"
)

// EventStore is the server-side event journal: one append-only stream per
// user, shared by all of that user's devices.
type EventStore struct {
	db DB
}

func NewEventStore(db DB) *EventStore {
	return &EventStore{db: db}
}

type eventRow struct {
	ServerSeq     int64     `db:"server_seq"`
	ID            string    `db:"id"`
	UserID        string    `db:"user_id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	EventData     string    `db:"event_data"`
	Timestamp     time.Time `db:"timestamp"`
	DeviceID      string    `db:"device_id"`
	ReceivedAt    time.Time `db:"received_at"`
}

// StoredEvent is an event as the server holds it, with the server-assigned
// arrival metadata clients use as a pull cursor.
type StoredEvent struct {
	Event      event.Event
	ReceivedAt time.Time
}

// Insert appends one event to a user's stream. Duplicate ids are ignored
// and reported, which is what makes pushes idempotent.
func (s *EventStore) Insert(ctx context.Context, tx Execer, userID, deviceID string, evt event.Event) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, user_id, aggregate_type, aggregate_id, event_type, event_data, timestamp, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, userID, string(evt.AggregateType), evt.AggregateID, string(evt.Type),
		string(evt.Payload), evt.Timestamp.UTC(), deviceID)
	if err != nil {
		return false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// ListSince returns a user's events received at or after the cursor, in
// arrival order. Arrival order (not event timestamp) drives the cursor so an
// event pushed late by an offline device is still delivered. The comparison
// is inclusive: every row of a push transaction shares one received_at, so an
// exclusive cursor landing mid-batch at a page boundary would skip the rest
// of that batch forever. Clients deduplicate the re-delivered boundary rows
// by event id.
func (s *EventStore) ListSince(ctx context.Context, userID string, since time.Time, limit int) ([]StoredEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT server_seq, id, user_id, aggregate_type, aggregate_id, event_type, event_data, timestamp, device_id, received_at
		FROM events
		WHERE user_id = $1 AND received_at >= $2
		ORDER BY received_at, server_seq
		LIMIT $3
	`, userID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	events := make([]StoredEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, StoredEvent{
			Event: event.Event{
				ID:            row.ID,
				AggregateType: event.AggregateType(row.AggregateType),
				AggregateID:   row.AggregateID,
				Type:          event.Type(row.EventType),
				Payload:       json.RawMessage(row.EventData),
				Timestamp:     row.Timestamp,
			},
			ReceivedAt: row.ReceivedAt,
		})
	}
	return events, nil
}

// AggregateOwner returns the user that first wrote an event for the
// aggregate, or "" when the aggregate is unknown.
func (s *EventStore) AggregateOwner(ctx context.Context, tx Getter, aggregateID string) (string, error) {
	var owner string
	err := tx.GetContext(ctx, &owner, `
		SELECT user_id FROM events WHERE aggregate_id = $1 ORDER BY server_seq LIMIT 1
	`, aggregateID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}
