package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tally/internal/event"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tally.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func createAlice(t *testing.T, store *Store) string {
	t.Helper()
	contact, err := store.CreateContact(context.Background(), event.ContactSnapshot{Name: "Alice"})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	return contact.ID
}

func lend(t *testing.T, store *Store, contactID string, amount int64) string {
	t.Helper()
	transaction, err := store.CreateTransaction(context.Background(), event.TransactionSnapshot{
		ContactID:       contactID,
		Direction:       event.DirectionLent,
		Amount:          amount,
		Currency:        "USD",
		TransactionDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return transaction.ID
}

func balance(t *testing.T, store *Store, contactID string) int64 {
	t.Helper()
	contact, ok := store.Contact(contactID)
	if !ok {
		t.Fatalf("contact %s not found", contactID)
	}
	return contact.Balance
}

func TestReadYourWrites(t *testing.T) {
	store, _ := openTestStore(t)
	contactID := createAlice(t, store)
	lend(t, store, contactID, 500)

	if got := balance(t, store, contactID); got != 500 {
		t.Fatalf("expected balance 500 immediately after write, got %d", got)
	}
	if got := len(store.Transactions()); got != 1 {
		t.Fatalf("expected 1 transaction, got %d", got)
	}
}

func TestOfflineDurabilityAcrossRestart(t *testing.T) {
	store, path := openTestStore(t)
	contactID := createAlice(t, store)
	lend(t, store, contactID, 500)
	lend(t, store, contactID, 300)
	before := balance(t, store, contactID)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := balance(t, reopened, contactID); got != before {
		t.Fatalf("balance changed across restart: %d vs %d", got, before)
	}
	events, err := reopened.Log().All(context.Background())
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after restart, got %d", len(events))
	}
}

func TestUpdateContact(t *testing.T) {
	store, _ := openTestStore(t)
	contactID := createAlice(t, store)

	notes := "met at work"
	if err := store.UpdateContact(context.Background(), contactID, event.ContactChange{Notes: &notes}); err != nil {
		t.Fatalf("update contact: %v", err)
	}
	contact, _ := store.Contact(contactID)
	if contact.Notes != notes {
		t.Fatalf("expected notes %q, got %q", notes, contact.Notes)
	}
	if contact.Name != "Alice" {
		t.Fatal("untouched fields must survive the update")
	}
}

func TestBulkDeleteContacts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	first := createAlice(t, store)
	second, err := store.CreateContact(ctx, event.ContactSnapshot{Name: "Bob"})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}

	deleted, err := store.BulkDeleteContacts(ctx, []string{first, second.ID, "missing"})
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	if got := len(store.Contacts()); got != 0 {
		t.Fatalf("expected no contacts, got %d", got)
	}
}

func TestUndoRestoresDeletedTransaction(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	contactID := createAlice(t, store)
	transactionID := lend(t, store, contactID, 500)

	if err := store.DeleteTransaction(ctx, transactionID); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}
	if got := balance(t, store, contactID); got != 0 {
		t.Fatalf("expected balance 0 after delete, got %d", got)
	}

	// Find the delete event and undo it.
	events, err := store.Log().All(ctx)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	var deleteEventID string
	for _, evt := range events {
		if evt.Type == event.TypeDeleted {
			deleteEventID = evt.ID
		}
	}
	if deleteEventID == "" {
		t.Fatal("delete event not found in log")
	}
	if err := store.Undo(ctx, deleteEventID); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if got := balance(t, store, contactID); got != 500 {
		t.Fatalf("expected balance 500 after undo, got %d", got)
	}
	if _, ok := store.Transaction(transactionID); !ok {
		t.Fatal("expected transaction restored after undo")
	}
}

func TestIngestRemoteDeduplicates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	contactID := createAlice(t, store)

	remote, err := event.New(event.AggregateTransaction, "t-remote", event.TypeCreated, event.TransactionSnapshot{
		ContactID:       contactID,
		Direction:       event.DirectionLent,
		Amount:          200,
		Currency:        "USD",
		TransactionDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}

	for i := 0; i < 2; i++ {
		fresh, err := store.IngestRemote(ctx, remote)
		if err != nil {
			t.Fatalf("ingest (pass %d): %v", i+1, err)
		}
		if i == 0 && !fresh {
			t.Fatal("first delivery should be fresh")
		}
		if i == 1 && fresh {
			t.Fatal("duplicate delivery must be ignored")
		}
	}
	if got := balance(t, store, contactID); got != 200 {
		t.Fatalf("duplicate delivery double-applied: balance %d", got)
	}
}

func TestChangeSignalFires(t *testing.T) {
	store, _ := openTestStore(t)
	changes := store.Subscribe()
	createAlice(t, store)
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification after a write")
	}
}

func TestDefaultDirection(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	direction, err := store.DefaultDirection(ctx)
	if err != nil {
		t.Fatalf("default direction: %v", err)
	}
	if direction != event.DirectionLent {
		t.Fatalf("expected lent as initial default, got %s", direction)
	}
	if err := store.SetDefaultDirection(ctx, event.DirectionOwed); err != nil {
		t.Fatalf("set default direction: %v", err)
	}
	direction, err = store.DefaultDirection(ctx)
	if err != nil || direction != event.DirectionOwed {
		t.Fatalf("expected owed, got %s (err %v)", direction, err)
	}
	if err := store.SetDefaultDirection(ctx, "sideways"); err == nil {
		t.Fatal("expected invalid direction to be refused")
	}
}

func TestDeviceIDStable(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	first, err := store.DeviceID(ctx)
	if err != nil || first == "" {
		t.Fatalf("device id: %q, %v", first, err)
	}
	store.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	second, err := reopened.DeviceID(ctx)
	if err != nil || second != first {
		t.Fatalf("device id changed across restart: %q vs %q", first, second)
	}
}

func TestRebuildDoesNotSwallowConcurrentWrites(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := store.CreateContact(ctx, event.ContactSnapshot{Name: fmt.Sprintf("Contact %d", n)}); err != nil {
				t.Errorf("create contact: %v", err)
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Rebuild(ctx); err != nil {
				t.Errorf("rebuild: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(store.Contacts()); got != writers {
		t.Fatalf("rebuild raced a write away: %d contacts, want %d", got, writers)
	}
}

func TestTransactionRequiresKnownContact(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CreateTransaction(context.Background(), event.TransactionSnapshot{
		ContactID:       "ghost",
		Direction:       event.DirectionLent,
		Amount:          100,
		Currency:        "USD",
		TransactionDate: time.Now().UTC(),
	})
	if err != ErrContactNotFound {
		t.Fatalf("expected ErrContactNotFound, got %v", err)
	}
}
