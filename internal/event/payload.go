package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownPayload   = errors.New("unknown payload shape")
	ErrMissingUndoRef   = errors.New("undo payload missing undone event id")
	ErrInvalidAmount    = errors.New("transaction amount must be positive")
	ErrInvalidDirection = errors.New("invalid transaction direction")
)

// Direction is the sign convention a transaction applies to a contact's
// balance: money lent out increases it, money owed decreases it.
type Direction string

const (
	DirectionLent Direction = "lent"
	DirectionOwed Direction = "owed"
)

// SignedAmount applies the direction's sign to an amount in minor units.
func (d Direction) SignedAmount(amount int64) int64 {
	if d == DirectionOwed {
		return -amount
	}
	return amount
}

func (d Direction) Valid() bool {
	return d == DirectionLent || d == DirectionOwed
}

// ContactSnapshot is the payload of contact created and deleted events.
// Deleted events carry the full snapshot so an undo can restore the record.
type ContactSnapshot struct {
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// ContactChange is the payload of contact updated events. Nil fields were
// not touched by the update.
type ContactChange struct {
	Name     *string `json:"name,omitempty"`
	Username *string `json:"username,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Email    *string `json:"email,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

// TransactionSnapshot is the payload of transaction created and deleted
// events.
type TransactionSnapshot struct {
	ContactID       string     `json:"contact_id"`
	Direction       Direction  `json:"direction"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Description     string     `json:"description,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	TransactionDate time.Time  `json:"transaction_date"`
}

// TransactionChange is the payload of transaction updated events.
type TransactionChange struct {
	ContactID       *string    `json:"contact_id,omitempty"`
	Direction       *Direction `json:"direction,omitempty"`
	Amount          *int64     `json:"amount,omitempty"`
	Currency        *string    `json:"currency,omitempty"`
	Description     *string    `json:"description,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	TransactionDate *time.Time `json:"transaction_date,omitempty"`
}

// UndoRef is the payload of undo events.
type UndoRef struct {
	UndoneEventID string `json:"undone_event_id"`
}

// Decode parses and validates an event payload exactly once, at the log
// boundary, returning one of ContactSnapshot, ContactChange,
// TransactionSnapshot, TransactionChange or UndoRef.
func Decode(e Event) (any, error) {
	if e.Type == TypeUndo {
		var ref UndoRef
		if err := json.Unmarshal(e.Payload, &ref); err != nil {
			return nil, fmt.Errorf("decode undo payload: %w", err)
		}
		if ref.UndoneEventID == "" {
			return nil, ErrMissingUndoRef
		}
		return ref, nil
	}
	switch e.AggregateType {
	case AggregateContact:
		if e.Type == TypeUpdated {
			var change ContactChange
			if err := json.Unmarshal(e.Payload, &change); err != nil {
				return nil, fmt.Errorf("decode contact change: %w", err)
			}
			return change, nil
		}
		var snapshot ContactSnapshot
		if err := json.Unmarshal(e.Payload, &snapshot); err != nil {
			return nil, fmt.Errorf("decode contact snapshot: %w", err)
		}
		return snapshot, nil
	case AggregateTransaction:
		if e.Type == TypeUpdated {
			var change TransactionChange
			if err := json.Unmarshal(e.Payload, &change); err != nil {
				return nil, fmt.Errorf("decode transaction change: %w", err)
			}
			if change.Amount != nil && *change.Amount <= 0 {
				return nil, ErrInvalidAmount
			}
			if change.Direction != nil && !change.Direction.Valid() {
				return nil, ErrInvalidDirection
			}
			return change, nil
		}
		var snapshot TransactionSnapshot
		if err := json.Unmarshal(e.Payload, &snapshot); err != nil {
			return nil, fmt.Errorf("decode transaction snapshot: %w", err)
		}
		if snapshot.Amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if !snapshot.Direction.Valid() {
			return nil, ErrInvalidDirection
		}
		return snapshot, nil
	}
	return nil, ErrUnknownPayload
}
