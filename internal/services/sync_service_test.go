package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"tally/internal/event"
	"tally/internal/store"
	"tally/internal/websocket"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return fn(nil)
}

type stubEventStore struct {
	insertFn         func(ctx context.Context, tx store.Execer, userID, deviceID string, evt event.Event) (bool, error)
	listSinceFn      func(ctx context.Context, userID string, since time.Time, limit int) ([]store.StoredEvent, error)
	aggregateOwnerFn func(ctx context.Context, tx store.Getter, aggregateID string) (string, error)
}

func (s *stubEventStore) Insert(ctx context.Context, tx store.Execer, userID, deviceID string, evt event.Event) (bool, error) {
	if s.insertFn != nil {
		return s.insertFn(ctx, tx, userID, deviceID, evt)
	}
	return true, nil
}

func (s *stubEventStore) ListSince(ctx context.Context, userID string, since time.Time, limit int) ([]store.StoredEvent, error) {
	if s.listSinceFn != nil {
		return s.listSinceFn(ctx, userID, since, limit)
	}
	return nil, nil
}

func (s *stubEventStore) AggregateOwner(ctx context.Context, tx store.Getter, aggregateID string) (string, error) {
	if s.aggregateOwnerFn != nil {
		return s.aggregateOwnerFn(ctx, tx, aggregateID)
	}
	return "", nil
}

type stubHub struct {
	notices []websocket.EventNotice
	origins []string
}

func (h *stubHub) BroadcastEvent(userID, originDeviceID string, notice websocket.EventNotice) {
	h.notices = append(h.notices, notice)
	h.origins = append(h.origins, originDeviceID)
}

func validEvent(t *testing.T, id string) event.Event {
	t.Helper()
	payload, err := json.Marshal(event.ContactSnapshot{Name: "Alice"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return event.Event{
		ID:            id,
		AggregateType: event.AggregateContact,
		AggregateID:   "c1",
		Type:          event.TypeCreated,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

func TestPushAcceptsAndBroadcasts(t *testing.T) {
	hub := &stubHub{}
	service := NewSyncService(fakeTxRunner{}, &stubEventStore{}, hub)

	results, err := service.Push(context.Background(), "u1", "d1", []event.Event{validEvent(t, "e1")})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusAccepted {
		t.Fatalf("expected accepted, got %+v", results)
	}
	if len(hub.notices) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(hub.notices))
	}
	if hub.notices[0].Type != "contact_created" {
		t.Fatalf("unexpected notice type %q", hub.notices[0].Type)
	}
	if hub.origins[0] != "d1" {
		t.Fatalf("origin device must be excluded from broadcast, got %q", hub.origins[0])
	}
}

func TestPushRejectsInvalidEvent(t *testing.T) {
	hub := &stubHub{}
	service := NewSyncService(fakeTxRunner{}, &stubEventStore{}, hub)

	bad := validEvent(t, "e1")
	bad.AggregateType = "account"
	results, err := service.Push(context.Background(), "u1", "d1", []event.Event{bad, validEvent(t, "e2")})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if results[0].Status != StatusRejected || results[0].Reason != ReasonInvalidEvent {
		t.Fatalf("expected invalid_event rejection, got %+v", results[0])
	}
	// A per-event rejection must not take the rest of the batch down.
	if results[1].Status != StatusAccepted {
		t.Fatalf("expected second event accepted, got %+v", results[1])
	}
	if len(hub.notices) != 1 {
		t.Fatalf("only accepted events broadcast, got %d notices", len(hub.notices))
	}
}

func TestPushRejectsMalformedPayload(t *testing.T) {
	service := NewSyncService(fakeTxRunner{}, &stubEventStore{}, &stubHub{})

	payload, _ := json.Marshal(event.TransactionSnapshot{ContactID: "c1", Direction: "sideways", Amount: 10, Currency: "USD"})
	bad := event.Event{
		ID:            "e1",
		AggregateType: event.AggregateTransaction,
		AggregateID:   "t1",
		Type:          event.TypeCreated,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
	results, err := service.Push(context.Background(), "u1", "d1", []event.Event{bad})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if results[0].Status != StatusRejected || results[0].Reason != ReasonInvalidEvent {
		t.Fatalf("expected invalid_event rejection, got %+v", results[0])
	}
}

func TestPushRejectsForeignAggregate(t *testing.T) {
	hub := &stubHub{}
	eventStore := &stubEventStore{
		aggregateOwnerFn: func(_ context.Context, _ store.Getter, _ string) (string, error) {
			return "someone-else", nil
		},
	}
	service := NewSyncService(fakeTxRunner{}, eventStore, hub)

	results, err := service.Push(context.Background(), "u1", "d1", []event.Event{validEvent(t, "e1")})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if results[0].Status != StatusRejected || results[0].Reason != ReasonPermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", results[0])
	}
	if len(hub.notices) != 0 {
		t.Fatal("rejected events must not be broadcast")
	}
}

func TestPushReportsDuplicates(t *testing.T) {
	hub := &stubHub{}
	eventStore := &stubEventStore{
		insertFn: func(_ context.Context, _ store.Execer, _, _ string, _ event.Event) (bool, error) {
			return false, nil
		},
	}
	service := NewSyncService(fakeTxRunner{}, eventStore, hub)

	results, err := service.Push(context.Background(), "u1", "d1", []event.Event{validEvent(t, "e1")})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if results[0].Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %+v", results[0])
	}
	if len(hub.notices) != 0 {
		t.Fatal("duplicates must not be re-broadcast")
	}
}

func TestPushBatchLimits(t *testing.T) {
	service := NewSyncService(fakeTxRunner{}, &stubEventStore{}, &stubHub{})

	if _, err := service.Push(context.Background(), "u1", "d1", nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	big := make([]event.Event, maxBatchSize+1)
	for i := range big {
		big[i] = validEvent(t, "e")
	}
	if _, err := service.Push(context.Background(), "u1", "d1", big); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestPullAdvancesCursorByArrival(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eventStore := &stubEventStore{
		listSinceFn: func(_ context.Context, userID string, since time.Time, limit int) ([]store.StoredEvent, error) {
			if userID != "u1" {
				t.Fatalf("unexpected user %q", userID)
			}
			return []store.StoredEvent{
				// Old event timestamp, late arrival: the cursor follows arrival.
				{Event: event.Event{ID: "e1", Timestamp: base.Add(-time.Hour)}, ReceivedAt: base.Add(time.Minute)},
				{Event: event.Event{ID: "e2", Timestamp: base}, ReceivedAt: base.Add(2 * time.Minute)},
			}, nil
		},
	}
	service := NewSyncService(fakeTxRunner{}, eventStore, &stubHub{})

	page, err := service.Pull(context.Background(), "u1", base)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	if !page.NextCursor.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("cursor must track latest arrival, got %v", page.NextCursor)
	}
	if page.ServerTime.IsZero() {
		t.Fatal("expected server time to be set")
	}
}

func TestPullEmptyKeepsCursor(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	service := NewSyncService(fakeTxRunner{}, &stubEventStore{}, &stubHub{})

	page, err := service.Pull(context.Background(), "u1", base)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(page.Events) != 0 {
		t.Fatalf("expected no events, got %d", len(page.Events))
	}
	if !page.NextCursor.Equal(base) {
		t.Fatalf("empty pull must not move the cursor, got %v", page.NextCursor)
	}
}
