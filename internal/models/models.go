package models

import "time"

// Contact is a projected entity. Balance is derived from transaction events
// and is stored in minor currency units (positive: they owe you).
type Contact struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Username  string    `db:"username" json:"username,omitempty"`
	Phone     string    `db:"phone" json:"phone,omitempty"`
	Email     string    `db:"email" json:"email,omitempty"`
	Notes     string    `db:"notes" json:"notes,omitempty"`
	Balance   int64     `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Transaction is a projected entity derived from transaction events.
type Transaction struct {
	ID              string     `db:"id" json:"id"`
	ContactID       string     `db:"contact_id" json:"contact_id"`
	Direction       string     `db:"direction" json:"direction"`
	Amount          int64      `db:"amount" json:"amount"`
	Currency        string     `db:"currency" json:"currency"`
	Description     string     `db:"description" json:"description,omitempty"`
	DueDate         *time.Time `db:"due_date" json:"due_date,omitempty"`
	TransactionDate time.Time  `db:"transaction_date" json:"transaction_date"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	Synced          bool       `db:"synced" json:"synced"`
}

// User is a sync-server account. One user may enroll many devices.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
