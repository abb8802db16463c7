package services

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"tally/internal/db"
	"tally/internal/event"
	"tally/internal/store"
	"tally/internal/websocket"
)

var (
	ErrEmptyBatch    = errors.New("empty event batch")
	ErrBatchTooLarge = errors.New("event batch too large")
)

const (
	maxBatchSize = 500
	pullPageSize = 1000
)

// Push result statuses. Duplicates are acks: the client marks the event
// synced either way.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// Rejection codes surfaced per event.
const (
	ReasonInvalidEvent     = "invalid_event"
	ReasonPermissionDenied = "permission_denied"
)

type SyncService struct {
	txRunner   db.TxRunner
	eventStore EventStore
	hub        EventHub
}

type EventStore interface {
	Insert(ctx context.Context, tx store.Execer, userID, deviceID string, evt event.Event) (bool, error)
	ListSince(ctx context.Context, userID string, since time.Time, limit int) ([]store.StoredEvent, error)
	AggregateOwner(ctx context.Context, tx store.Getter, aggregateID string) (string, error)
}

type EventHub interface {
	BroadcastEvent(userID, originDeviceID string, notice websocket.EventNotice)
}

func NewSyncService(txRunner db.TxRunner, eventStore EventStore, hub EventHub) *SyncService {
	return &SyncService{
		txRunner:   txRunner,
		eventStore: eventStore,
		hub:        hub,
	}
}

// PushResult is the per-event outcome of a push.
type PushResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Push appends a batch of client events to the user's stream. The whole
// batch commits in one transaction; per-event rejections do not abort the
// rest. Accepted events are broadcast to the user's other devices after
// commit.
func (s *SyncService) Push(ctx context.Context, userID, deviceID string, events []event.Event) ([]PushResult, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(events) > maxBatchSize {
		return nil, ErrBatchTooLarge
	}
	results := make([]PushResult, 0, len(events))
	var accepted []event.Event
	err := s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		results = results[:0]
		accepted = accepted[:0]
		for _, evt := range events {
			if err := evt.Validate(); err != nil {
				results = append(results, PushResult{ID: evt.ID, Status: StatusRejected, Reason: ReasonInvalidEvent})
				continue
			}
			if _, err := event.Decode(evt); err != nil {
				results = append(results, PushResult{ID: evt.ID, Status: StatusRejected, Reason: ReasonInvalidEvent})
				continue
			}
			owner, err := s.eventStore.AggregateOwner(ctx, tx, evt.AggregateID)
			if err != nil {
				return err
			}
			if owner != "" && owner != userID {
				results = append(results, PushResult{ID: evt.ID, Status: StatusRejected, Reason: ReasonPermissionDenied})
				continue
			}
			inserted, err := s.eventStore.Insert(ctx, tx, userID, deviceID, evt)
			if err != nil {
				return err
			}
			if !inserted {
				results = append(results, PushResult{ID: evt.ID, Status: StatusDuplicate})
				continue
			}
			results = append(results, PushResult{ID: evt.ID, Status: StatusAccepted})
			accepted = append(accepted, evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, evt := range accepted {
		s.hub.BroadcastEvent(userID, deviceID, websocket.EventNotice{
			Type:  websocket.NoticeType(evt),
			Event: evt,
		})
	}
	return results, nil
}

// PullPage is one page of a user's stream plus the cursor for the next
// pull.
type PullPage struct {
	Events     []event.Event `json:"events"`
	NextCursor time.Time     `json:"next_cursor"`
	ServerTime time.Time     `json:"server_time"`
}

// Pull returns events received after the cursor, regardless of which
// device wrote them. Clients deduplicate by event id, so overlapping pulls
// are harmless.
func (s *SyncService) Pull(ctx context.Context, userID string, since time.Time) (PullPage, error) {
	stored, err := s.eventStore.ListSince(ctx, userID, since, pullPageSize)
	if err != nil {
		return PullPage{}, err
	}
	page := PullPage{
		Events:     make([]event.Event, 0, len(stored)),
		NextCursor: since,
		ServerTime: time.Now().UTC(),
	}
	for _, item := range stored {
		page.Events = append(page.Events, item.Event)
		if item.ReceivedAt.After(page.NextCursor) {
			page.NextCursor = item.ReceivedAt
		}
	}
	return page, nil
}
