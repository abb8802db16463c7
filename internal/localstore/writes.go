package localstore

import (
	"context"

	"github.com/google/uuid"

	"tally/internal/event"
	"tally/internal/models"
	"tally/internal/validator"
)

// CreateContact appends a contact created event and returns the projected
// record.
func (s *Store) CreateContact(ctx context.Context, snapshot event.ContactSnapshot) (models.Contact, error) {
	if err := validator.ValidateContactName(snapshot.Name); err != nil {
		return models.Contact{}, err
	}
	if snapshot.Email != "" {
		if err := validator.ValidateEmail(snapshot.Email); err != nil {
			return models.Contact{}, err
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	evt, err := event.New(event.AggregateContact, uuid.NewString(), event.TypeCreated, snapshot)
	if err != nil {
		return models.Contact{}, err
	}
	if _, err := s.append(ctx, evt); err != nil {
		return models.Contact{}, err
	}
	contact, _ := s.Contact(evt.AggregateID)
	return contact, nil
}

// UpdateContact appends a contact updated event carrying only the changed
// fields.
func (s *Store) UpdateContact(ctx context.Context, contactID string, change event.ContactChange) error {
	if change.Name != nil {
		if err := validator.ValidateContactName(*change.Name); err != nil {
			return err
		}
	}
	if change.Email != nil && *change.Email != "" {
		if err := validator.ValidateEmail(*change.Email); err != nil {
			return err
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, ok := s.Contact(contactID); !ok {
		return ErrContactNotFound
	}
	evt, err := event.New(event.AggregateContact, contactID, event.TypeUpdated, change)
	if err != nil {
		return err
	}
	_, err = s.append(ctx, evt)
	return err
}

// BulkDeleteContacts appends one deleted event per contact. Each event
// carries the full snapshot so the deletion can be undone. Unknown ids are
// skipped rather than failing the batch.
func (s *Store) BulkDeleteContacts(ctx context.Context, contactIDs []string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deleted := 0
	for _, contactID := range contactIDs {
		contact, ok := s.Contact(contactID)
		if !ok {
			continue
		}
		evt, err := event.New(event.AggregateContact, contactID, event.TypeDeleted, event.ContactSnapshot{
			Name:     contact.Name,
			Username: contact.Username,
			Phone:    contact.Phone,
			Email:    contact.Email,
			Notes:    contact.Notes,
		})
		if err != nil {
			return deleted, err
		}
		if _, err := s.append(ctx, evt); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// CreateTransaction appends a transaction created event and returns the
// projected record. The referenced contact must exist locally.
func (s *Store) CreateTransaction(ctx context.Context, snapshot event.TransactionSnapshot) (models.Transaction, error) {
	if err := validator.ValidateCurrency(snapshot.Currency); err != nil {
		return models.Transaction{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, ok := s.Contact(snapshot.ContactID); !ok {
		return models.Transaction{}, ErrContactNotFound
	}
	evt, err := event.New(event.AggregateTransaction, uuid.NewString(), event.TypeCreated, snapshot)
	if err != nil {
		return models.Transaction{}, err
	}
	if _, err := event.Decode(evt); err != nil {
		return models.Transaction{}, err
	}
	if _, err := s.append(ctx, evt); err != nil {
		return models.Transaction{}, err
	}
	transaction, _ := s.Transaction(evt.AggregateID)
	return transaction, nil
}

// UpdateTransaction appends a transaction updated event with the changed
// fields only.
func (s *Store) UpdateTransaction(ctx context.Context, transactionID string, change event.TransactionChange) error {
	if change.Currency != nil {
		if err := validator.ValidateCurrency(*change.Currency); err != nil {
			return err
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, ok := s.Transaction(transactionID); !ok {
		return ErrTransactionNotFound
	}
	evt, err := event.New(event.AggregateTransaction, transactionID, event.TypeUpdated, change)
	if err != nil {
		return err
	}
	if _, err := event.Decode(evt); err != nil {
		return err
	}
	_, err = s.append(ctx, evt)
	return err
}

// DeleteTransaction appends a transaction deleted event carrying the final
// snapshot for undo.
func (s *Store) DeleteTransaction(ctx context.Context, transactionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	transaction, ok := s.Transaction(transactionID)
	if !ok {
		return ErrTransactionNotFound
	}
	evt, err := event.New(event.AggregateTransaction, transactionID, event.TypeDeleted, event.TransactionSnapshot{
		ContactID:       transaction.ContactID,
		Direction:       event.Direction(transaction.Direction),
		Amount:          transaction.Amount,
		Currency:        transaction.Currency,
		Description:     transaction.Description,
		DueDate:         transaction.DueDate,
		TransactionDate: transaction.TransactionDate,
	})
	if err != nil {
		return err
	}
	_, err = s.append(ctx, evt)
	return err
}

// Undo appends an undo event referencing a prior event and re-projects.
// The original event stays in the log; the projection behaves as if it had
// never been appended.
func (s *Store) Undo(ctx context.Context, eventID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	target, err := s.log.Get(ctx, eventID)
	if err != nil {
		return err
	}
	evt, err := event.New(target.AggregateType, target.AggregateID, event.TypeUndo, event.UndoRef{
		UndoneEventID: eventID,
	})
	if err != nil {
		return err
	}
	_, err = s.append(ctx, evt)
	return err
}
