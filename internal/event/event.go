package event

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidAggregate = errors.New("invalid aggregate type")
	ErrInvalidType      = errors.New("invalid event type")
	ErrEmptyAggregateID = errors.New("missing aggregate id")
)

// AggregateType identifies the kind of entity an event applies to.
type AggregateType string

const (
	AggregateContact     AggregateType = "contact"
	AggregateTransaction AggregateType = "transaction"
)

// Type identifies the kind of change an event records.
type Type string

const (
	TypeCreated Type = "created"
	TypeUpdated Type = "updated"
	TypeDeleted Type = "deleted"
	TypeUndo    Type = "undo"
)

// Event is an immutable entry in the append-only log. Only the Synced and
// Rejected flags may change after append; everything else is written once.
type Event struct {
	ID            string          `db:"id" json:"id"`
	Seq           int64           `db:"seq" json:"-"`
	AggregateType AggregateType   `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id" json:"aggregate_id"`
	Type          Type            `db:"event_type" json:"event_type"`
	Payload       json.RawMessage `db:"event_data" json:"event_data"`
	Timestamp     time.Time       `db:"timestamp" json:"timestamp"`
	Synced        bool            `db:"synced" json:"-"`
	Rejected      bool            `db:"rejected" json:"-"`
}

// New builds an event with a fresh id and a UTC timestamp.
func New(aggregateType AggregateType, aggregateID string, eventType Type, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	evt := Event{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       data,
		Timestamp:     time.Now().UTC(),
	}
	return evt, evt.Validate()
}

// Validate checks the fields assigned at creation, not the payload contents.
func (e Event) Validate() error {
	switch e.AggregateType {
	case AggregateContact, AggregateTransaction:
	default:
		return ErrInvalidAggregate
	}
	switch e.Type {
	case TypeCreated, TypeUpdated, TypeDeleted, TypeUndo:
	default:
		return ErrInvalidType
	}
	if e.AggregateID == "" {
		return ErrEmptyAggregateID
	}
	return nil
}

// Sort orders events for replay: timestamp ascending, ties broken by the
// local append sequence and then by id so replay stays deterministic even
// with clock skew between devices.
func Sort(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		if events[i].Seq != events[j].Seq {
			return events[i].Seq < events[j].Seq
		}
		return events[i].ID < events[j].ID
	})
}
