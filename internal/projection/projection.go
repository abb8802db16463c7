// Package projection folds the event log into current-state views of
// contacts and transactions. Projections are derived and disposable: the
// log is the single source of truth and any state here can be rebuilt from
// an empty accumulator.
package projection

import (
	"fmt"
	"time"

	"tally/internal/event"
	"tally/internal/models"
)

// State is the materialized view produced by replaying events. Warnings
// collect replay inconsistencies (missing aggregates, dangling undo refs);
// replay never aborts on them.
type State struct {
	Contacts     map[string]*models.Contact
	Transactions map[string]*models.Transaction
	Warnings     []string

	// deleted keeps the last snapshot of removed entities, keyed by the
	// id of the delete event, so history views and undo can still see them.
	deletedContacts     map[string]models.Contact
	deletedTransactions map[string]models.Transaction
}

// NewState returns an empty accumulator.
func NewState() *State {
	return &State{
		Contacts:            make(map[string]*models.Contact),
		Transactions:        make(map[string]*models.Transaction),
		deletedContacts:     make(map[string]models.Contact),
		deletedTransactions: make(map[string]models.Transaction),
	}
}

// DeletedContact returns the snapshot retained by a contact delete event.
func (s *State) DeletedContact(eventID string) (models.Contact, bool) {
	contact, ok := s.deletedContacts[eventID]
	return contact, ok
}

// DeletedTransaction returns the snapshot retained by a transaction delete
// event.
func (s *State) DeletedTransaction(eventID string) (models.Transaction, bool) {
	transaction, ok := s.deletedTransactions[eventID]
	return transaction, ok
}

func (s *State) warnf(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// Rebuild replays every event in order against an empty accumulator and
// returns the resulting state. It is pure: the same event sequence always
// yields the same state, which is what makes post-sync re-projection safe.
func Rebuild(events []event.Event) *State {
	ordered := make([]event.Event, len(events))
	copy(ordered, events)
	event.Sort(ordered)

	state := NewState()
	suppressed := suppressedSet(ordered)
	for _, evt := range ordered {
		if evt.Rejected || suppressed[evt.ID] || evt.Type == event.TypeUndo {
			continue
		}
		Apply(state, evt)
	}
	return state
}

// suppressedSet resolves undo chains. An event is suppressed when a
// non-suppressed undo event targets it, so undoing an undo revives the
// original event. Undo events are walked latest-first: a live later undo
// wins over the earlier event it targets.
func suppressedSet(ordered []event.Event) map[string]bool {
	suppressed := make(map[string]bool)
	for i := len(ordered) - 1; i >= 0; i-- {
		evt := ordered[i]
		if evt.Type != event.TypeUndo || evt.Rejected || suppressed[evt.ID] {
			continue
		}
		ref, err := event.Decode(evt)
		if err != nil {
			continue
		}
		suppressed[ref.(event.UndoRef).UndoneEventID] = true
	}
	return suppressed
}

// Apply folds a single non-undo event into the state. Undo events cannot be
// applied incrementally because they rewrite history; callers fall back to
// Rebuild for those.
func Apply(state *State, evt event.Event) {
	payload, err := event.Decode(evt)
	if err != nil {
		state.warnf("event %s: %v", evt.ID, err)
		return
	}
	switch evt.AggregateType {
	case event.AggregateContact:
		applyContact(state, evt, payload)
	case event.AggregateTransaction:
		applyTransaction(state, evt, payload)
	}
}

func applyContact(state *State, evt event.Event, payload any) {
	switch evt.Type {
	case event.TypeCreated:
		snapshot := payload.(event.ContactSnapshot)
		state.Contacts[evt.AggregateID] = &models.Contact{
			ID:        evt.AggregateID,
			Name:      snapshot.Name,
			Username:  snapshot.Username,
			Phone:     snapshot.Phone,
			Email:     snapshot.Email,
			Notes:     snapshot.Notes,
			CreatedAt: evt.Timestamp,
			UpdatedAt: evt.Timestamp,
		}
	case event.TypeUpdated:
		change := payload.(event.ContactChange)
		contact, ok := state.Contacts[evt.AggregateID]
		if !ok {
			// Out-of-order update: keep a placeholder so later events land.
			state.warnf("contact %s updated before creation", evt.AggregateID)
			contact = &models.Contact{ID: evt.AggregateID, CreatedAt: evt.Timestamp}
			state.Contacts[evt.AggregateID] = contact
		}
		if change.Name != nil {
			contact.Name = *change.Name
		}
		if change.Username != nil {
			contact.Username = *change.Username
		}
		if change.Phone != nil {
			contact.Phone = *change.Phone
		}
		if change.Email != nil {
			contact.Email = *change.Email
		}
		if change.Notes != nil {
			contact.Notes = *change.Notes
		}
		contact.UpdatedAt = evt.Timestamp
	case event.TypeDeleted:
		if contact, ok := state.Contacts[evt.AggregateID]; ok {
			state.deletedContacts[evt.ID] = *contact
			delete(state.Contacts, evt.AggregateID)
		} else {
			state.warnf("contact %s deleted but not present", evt.AggregateID)
		}
	}
}

func applyTransaction(state *State, evt event.Event, payload any) {
	switch evt.Type {
	case event.TypeCreated:
		snapshot := payload.(event.TransactionSnapshot)
		transaction := &models.Transaction{
			ID:              evt.AggregateID,
			ContactID:       snapshot.ContactID,
			Direction:       string(snapshot.Direction),
			Amount:          snapshot.Amount,
			Currency:        snapshot.Currency,
			Description:     snapshot.Description,
			DueDate:         snapshot.DueDate,
			TransactionDate: snapshot.TransactionDate,
			CreatedAt:       evt.Timestamp,
			UpdatedAt:       evt.Timestamp,
			Synced:          evt.Synced,
		}
		state.Transactions[evt.AggregateID] = transaction
		adjustBalance(state, snapshot.ContactID, snapshot.Direction.SignedAmount(snapshot.Amount))
	case event.TypeUpdated:
		change := payload.(event.TransactionChange)
		transaction, ok := state.Transactions[evt.AggregateID]
		if !ok {
			// Out-of-order update: keep a placeholder so later events land.
			// Zero amount means the placeholder itself moves no balance.
			state.warnf("transaction %s updated before creation", evt.AggregateID)
			transaction = &models.Transaction{ID: evt.AggregateID, CreatedAt: evt.Timestamp}
			state.Transactions[evt.AggregateID] = transaction
		}
		oldDelta := event.Direction(transaction.Direction).SignedAmount(transaction.Amount)
		oldContactID := transaction.ContactID
		if change.ContactID != nil {
			transaction.ContactID = *change.ContactID
		}
		if change.Direction != nil {
			transaction.Direction = string(*change.Direction)
		}
		if change.Amount != nil {
			transaction.Amount = *change.Amount
		}
		if change.Currency != nil {
			transaction.Currency = *change.Currency
		}
		if change.Description != nil {
			transaction.Description = *change.Description
		}
		if change.DueDate != nil {
			transaction.DueDate = change.DueDate
		}
		if change.TransactionDate != nil {
			transaction.TransactionDate = *change.TransactionDate
		}
		transaction.UpdatedAt = evt.Timestamp
		newDelta := event.Direction(transaction.Direction).SignedAmount(transaction.Amount)
		if oldContactID == transaction.ContactID {
			adjustBalance(state, transaction.ContactID, newDelta-oldDelta)
		} else {
			adjustBalance(state, oldContactID, -oldDelta)
			adjustBalance(state, transaction.ContactID, newDelta)
		}
	case event.TypeDeleted:
		transaction, ok := state.Transactions[evt.AggregateID]
		if !ok {
			state.warnf("transaction %s deleted but not present", evt.AggregateID)
			return
		}
		state.deletedTransactions[evt.ID] = *transaction
		delete(state.Transactions, evt.AggregateID)
		adjustBalance(state, transaction.ContactID, -event.Direction(transaction.Direction).SignedAmount(transaction.Amount))
	}
}

// adjustBalance applies a signed delta to the referenced contact. Events
// pointing at a deleted or unknown contact are surfaced as warnings rather
// than errors; the log stays authoritative either way.
func adjustBalance(state *State, contactID string, delta int64) {
	if delta == 0 {
		return
	}
	contact, ok := state.Contacts[contactID]
	if !ok {
		state.warnf("transaction references unknown contact %s", contactID)
		return
	}
	contact.Balance += delta
}

// TotalDebtAt replays only events at or before the cutoff and returns the
// sum of all contact balances as of that instant. With cutoff = now the
// result matches the live projection.
func TotalDebtAt(events []event.Event, cutoff time.Time) int64 {
	filtered := make([]event.Event, 0, len(events))
	for _, evt := range events {
		if !evt.Timestamp.After(cutoff) {
			filtered = append(filtered, evt)
		}
	}
	state := Rebuild(filtered)
	var total int64
	for _, contact := range state.Contacts {
		total += contact.Balance
	}
	return total
}
