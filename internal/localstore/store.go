// Package localstore is the device-resident store bridging the event log
// and the projection engine to readers. Every read and write completes
// against local SQLite with no network involvement; sync happens later.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"tally/internal/event"
	"tally/internal/eventlog"
	"tally/internal/models"
	"tally/internal/projection"
)

var (
	ErrContactNotFound     = errors.New("contact not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	balance INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	contact_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	amount INTEGER NOT NULL,
	currency TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	due_date TEXT,
	transaction_date TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	metaDeviceID         = "device_id"
	metaPullCursor       = "pull_cursor"
	metaDefaultDirection = "default_direction"
)

// Store owns the SQLite handle, the append-only event log and the current
// projection snapshot. All writes are funneled through one serialized path;
// rebuilds swap the snapshot atomically so readers never see partial state.
type Store struct {
	db     *sqlx.DB
	log    *eventlog.Log
	signal *Signal

	writeMu sync.Mutex
	stateMu sync.RWMutex
	state   *projection.State
}

// Open opens (or creates) the store at path and rebuilds projections from
// the log, which also recovers from any divergence between the cached
// projection tables and the authoritative event history.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure local store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure local store schema: %w", err)
	}
	log, err := eventlog.New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store := &Store{db: db, log: log, signal: &Signal{}}
	if err := store.Rebuild(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe returns a channel that receives a tick after any projection
// change: local writes, sync pulls and realtime events alike.
func (s *Store) Subscribe() <-chan struct{} {
	return s.signal.Subscribe()
}

// Log exposes the append-only event log to the sync engine.
func (s *Store) Log() *eventlog.Log {
	return s.log
}

// Rebuild replays the whole log into a fresh state and swaps it in. The
// previous snapshot stays visible to readers until the swap.
func (s *Store) Rebuild(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rebuildLocked(ctx)
}

// rebuildLocked is Rebuild for callers already holding writeMu. Holding the
// write lock across load and swap keeps a concurrent append from being
// overwritten by a snapshot built before it landed.
func (s *Store) rebuildLocked(ctx context.Context) error {
	events, err := s.log.All(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: load events: %w", err)
	}
	state := projection.Rebuild(events)
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
	if err := s.persistProjection(ctx, state); err != nil {
		return err
	}
	s.signal.notify()
	return nil
}

// Contacts returns the live contact projection sorted by name.
func (s *Store) Contacts() []models.Contact {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	contacts := make([]models.Contact, 0, len(s.state.Contacts))
	for _, contact := range s.state.Contacts {
		contacts = append(contacts, *contact)
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].Name < contacts[j].Name })
	return contacts
}

// Transactions returns the live transaction projection, newest first.
func (s *Store) Transactions() []models.Transaction {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	transactions := make([]models.Transaction, 0, len(s.state.Transactions))
	for _, transaction := range s.state.Transactions {
		transactions = append(transactions, *transaction)
	}
	sort.Slice(transactions, func(i, j int) bool {
		return transactions[i].TransactionDate.After(transactions[j].TransactionDate)
	})
	return transactions
}

// Contact returns a single projected contact.
func (s *Store) Contact(id string) (models.Contact, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	contact, ok := s.state.Contacts[id]
	if !ok {
		return models.Contact{}, false
	}
	return *contact, true
}

// Transaction returns a single projected transaction.
func (s *Store) Transaction(id string) (models.Transaction, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	transaction, ok := s.state.Transactions[id]
	if !ok {
		return models.Transaction{}, false
	}
	return *transaction, true
}

// Warnings returns replay inconsistencies from the last rebuild.
func (s *Store) Warnings() []string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return append([]string(nil), s.state.Warnings...)
}

// TotalDebtAt returns the sum of contact balances as of the cutoff.
func (s *Store) TotalDebtAt(ctx context.Context, cutoff time.Time) (int64, error) {
	events, err := s.log.All(ctx)
	if err != nil {
		return 0, err
	}
	return projection.TotalDebtAt(events, cutoff), nil
}

// append writes one locally-originated event and folds it into the live
// snapshot. Local append succeeds or fails before any network involvement.
func (s *Store) append(ctx context.Context, evt event.Event) (event.Event, error) {
	appended, err := s.log.Append(ctx, evt)
	if err != nil {
		return event.Event{}, err
	}
	if appended.Type == event.TypeUndo {
		// Undo rewrites history; incremental application is ambiguous.
		return appended, s.rebuildLocked(ctx)
	}
	s.stateMu.Lock()
	projection.Apply(s.state, appended)
	state := s.state
	s.stateMu.Unlock()
	if err := s.persistProjection(ctx, state); err != nil {
		return event.Event{}, err
	}
	s.signal.notify()
	return appended, nil
}

// AppendRemote stores an event pulled from the server, deduplicated by id.
// It reports whether the event was new. The caller decides when to
// re-project (sync batches pulls into one rebuild).
func (s *Store) AppendRemote(ctx context.Context, evt event.Event) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	seen, err := s.log.Has(ctx, evt.ID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	evt.Synced = true
	if _, err := s.log.Append(ctx, evt); err != nil {
		return false, err
	}
	return true, nil
}

// IngestRemote appends a single server-pushed event and projects it
// immediately: incrementally for plain events, via full rebuild for undo
// events, whose effect on history is ambiguous incrementally. Returns
// false for duplicates.
func (s *Store) IngestRemote(ctx context.Context, evt event.Event) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	seen, err := s.log.Has(ctx, evt.ID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	evt.Synced = true
	appended, err := s.log.Append(ctx, evt)
	if err != nil {
		return false, err
	}
	if appended.Type == event.TypeUndo {
		return true, s.rebuildLocked(ctx)
	}
	s.stateMu.Lock()
	projection.Apply(s.state, appended)
	state := s.state
	s.stateMu.Unlock()
	if err := s.persistProjection(ctx, state); err != nil {
		return true, err
	}
	s.signal.notify()
	return true, nil
}

// MarkSynced records a server ack for a local event and refreshes the
// transaction projection's synced flag.
func (s *Store) MarkSynced(ctx context.Context, eventID string) error {
	if err := s.log.MarkSynced(ctx, eventID); err != nil {
		return err
	}
	evt, err := s.log.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if evt.AggregateType == event.AggregateTransaction {
		s.stateMu.Lock()
		if transaction, ok := s.state.Transactions[evt.AggregateID]; ok {
			transaction.Synced = true
		}
		s.stateMu.Unlock()
		s.signal.notify()
	}
	return nil
}

// MarkRejected flags a server-refused event and re-projects without it,
// reverting the optimistic local change.
func (s *Store) MarkRejected(ctx context.Context, eventID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.log.MarkRejected(ctx, eventID); err != nil {
		return err
	}
	return s.rebuildLocked(ctx)
}

// persistProjection mirrors the in-memory snapshot into the projection
// tables. The tables are a disposable cache; on any divergence Open
// rebuilds them from the log.
func (s *Store) persistProjection(ctx context.Context, state *projection.State) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions`); err != nil {
		return err
	}
	for _, contact := range state.Contacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (id, name, username, phone, email, notes, balance, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, contact.ID, contact.Name, contact.Username, contact.Phone, contact.Email, contact.Notes,
			contact.Balance, contact.CreatedAt.Format(time.RFC3339Nano), contact.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	for _, transaction := range state.Transactions {
		var dueDate any
		if transaction.DueDate != nil {
			dueDate = transaction.DueDate.Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, contact_id, direction, amount, currency, description, due_date, transaction_date, created_at, updated_at, synced)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, transaction.ID, transaction.ContactID, transaction.Direction, transaction.Amount, transaction.Currency,
			transaction.Description, dueDate, transaction.TransactionDate.Format(time.RFC3339Nano),
			transaction.CreatedAt.Format(time.RFC3339Nano), transaction.UpdatedAt.Format(time.RFC3339Nano), transaction.Synced); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// meta helpers

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM meta WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// DeviceID returns this device's stable identifier, generating one on first
// use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, err := s.getMeta(ctx, metaDeviceID)
	if err != nil || id != "" {
		return id, err
	}
	id = uuid.NewString()
	return id, s.setMeta(ctx, metaDeviceID, id)
}

// PullCursor returns the timestamp of the last completed pull.
func (s *Store) PullCursor(ctx context.Context) (time.Time, error) {
	raw, err := s.getMeta(ctx, metaPullCursor)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *Store) SetPullCursor(ctx context.Context, cursor time.Time) error {
	return s.setMeta(ctx, metaPullCursor, cursor.UTC().Format(time.RFC3339Nano))
}

// DefaultDirection is the direction preselected for new entries.
func (s *Store) DefaultDirection(ctx context.Context) (event.Direction, error) {
	raw, err := s.getMeta(ctx, metaDefaultDirection)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return event.DirectionLent, nil
	}
	return event.Direction(raw), nil
}

func (s *Store) SetDefaultDirection(ctx context.Context, direction event.Direction) error {
	if !direction.Valid() {
		return event.ErrInvalidDirection
	}
	return s.setMeta(ctx, metaDefaultDirection, string(direction))
}
