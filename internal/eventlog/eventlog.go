// Package eventlog is the durable append-only log backing the local store.
// Rows are never deleted: removals are modeled as deleted events and undo
// as undo events, so the full history stays replayable.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tally/internal/event"
)

var ErrNotFound = errors.New("event not found")

// timeLayout keeps a fixed-width fraction so stored timestamps order
// lexicographically; RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp, seq);
CREATE INDEX IF NOT EXISTS idx_events_synced ON events (synced);
`

type Log struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure event log schema: %w", err)
	}
	return &Log{db: db}, nil
}

type logRow struct {
	Seq           int64  `db:"seq"`
	ID            string `db:"id"`
	AggregateType string `db:"aggregate_type"`
	AggregateID   string `db:"aggregate_id"`
	EventType     string `db:"event_type"`
	EventData     string `db:"event_data"`
	Timestamp     string `db:"timestamp"`
	Synced        bool   `db:"synced"`
	Rejected      bool   `db:"rejected"`
}

func (r logRow) toEvent() (event.Event, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s: bad timestamp %q: %w", r.ID, r.Timestamp, err)
	}
	return event.Event{
		ID:            r.ID,
		Seq:           r.Seq,
		AggregateType: event.AggregateType(r.AggregateType),
		AggregateID:   r.AggregateID,
		Type:          event.Type(r.EventType),
		Payload:       []byte(r.EventData),
		Timestamp:     ts,
		Synced:        r.Synced,
		Rejected:      r.Rejected,
	}, nil
}

// Append durably writes one event and returns it with its assigned sequence
// number. Id and timestamp are filled in when absent (remote events arrive
// with both already set). The write hits disk before Append returns; on
// error the caller must assume nothing was persisted.
func (l *Log) Append(ctx context.Context, evt event.Event) (event.Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	if err := evt.Validate(); err != nil {
		return event.Event{}, err
	}
	result, err := l.db.ExecContext(ctx, `
		INSERT INTO events (id, aggregate_type, aggregate_id, event_type, event_data, timestamp, synced, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, evt.ID, string(evt.AggregateType), evt.AggregateID, string(evt.Type),
		string(evt.Payload), evt.Timestamp.Format(timeLayout), evt.Synced)
	if err != nil {
		return event.Event{}, fmt.Errorf("append event %s: %w", evt.ID, err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return event.Event{}, fmt.Errorf("append event %s: %w", evt.ID, err)
	}
	evt.Seq = seq
	return evt, nil
}

// All returns the full log ordered for replay.
func (l *Log) All(ctx context.Context) ([]event.Event, error) {
	return l.selectEvents(ctx, `SELECT * FROM events ORDER BY timestamp, seq`)
}

// Since returns events with a timestamp at or after the cutoff, ordered for
// replay. Used for incremental sync and point-in-time queries.
func (l *Log) Since(ctx context.Context, cutoff time.Time) ([]event.Event, error) {
	return l.selectEvents(ctx, `SELECT * FROM events WHERE timestamp >= ? ORDER BY timestamp, seq`,
		cutoff.UTC().Format(timeLayout))
}

// Unsynced returns events not yet accepted by the server, oldest first, so
// pushes preserve causal order.
func (l *Log) Unsynced(ctx context.Context) ([]event.Event, error) {
	return l.selectEvents(ctx, `SELECT * FROM events WHERE synced = 0 AND rejected = 0 ORDER BY timestamp, seq`)
}

func (l *Log) selectEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	var rows []logRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	events := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		evt, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// Has reports whether an event id is already in the log. Pulls are
// deduplicated with this before appending.
func (l *Log) Has(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := l.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM events WHERE id = ?`, eventID)
	return count > 0, err
}

// Get returns a single event by id.
func (l *Log) Get(ctx context.Context, eventID string) (event.Event, error) {
	var row logRow
	err := l.db.GetContext(ctx, &row, `SELECT * FROM events WHERE id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, ErrNotFound
	}
	if err != nil {
		return event.Event{}, err
	}
	return row.toEvent()
}

// MarkSynced flips the synced flag. Idempotent: marking an already-synced
// event is a no-op.
func (l *Log) MarkSynced(ctx context.Context, eventID string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE events SET synced = 1 WHERE id = ?`, eventID)
	return err
}

// MarkRejected flags an event the server refused on permission grounds so
// replay skips it. The row itself is retained for audit.
func (l *Log) MarkRejected(ctx context.Context, eventID string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE events SET rejected = 1 WHERE id = ?`, eventID)
	return err
}
