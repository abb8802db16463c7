// Package sync reconciles the local event log with the remote stream:
// push what the server has not acked, pull what this device has not seen,
// re-project, advance the cursor. Events are deltas merged by union and
// timestamp-order replay, so there is no per-field conflict resolution
// here.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"tally/internal/event"
	"tally/internal/localstore"
)

var (
	// ErrSyncInFlight signals a coalesced trigger: one pass is already
	// running and a second is neither queued nor needed.
	ErrSyncInFlight = errors.New("sync already in flight")
	// ErrEventsRetained is returned when the server rejected events for a
	// retryable reason; they stay queued for the next pass.
	ErrEventsRetained = errors.New("server rejected events, kept for retry")
)

// API is the transport the engine pushes and pulls through.
type API interface {
	PushEvents(ctx context.Context, events []event.Event) ([]PushResult, error)
	PullEvents(ctx context.Context, since time.Time) (PullPage, error)
}

// Summary reports what one sync pass did.
type Summary struct {
	Pushed           int
	Pulled           int
	PermissionDenied int
	Retained         int
}

type Engine struct {
	store  *localstore.Store
	client API
	mu     gosync.Mutex
}

func NewEngine(store *localstore.Store, client API) *Engine {
	return &Engine{store: store, client: client}
}

// ManualSync runs one full push+pull pass. Only one pass runs at a time;
// a trigger arriving mid-pass returns ErrSyncInFlight and the next trigger
// picks up anything new. A pass in progress is never hard-cancelled:
// partial pushes are avoided by letting the pass complete.
func (e *Engine) ManualSync(ctx context.Context) (Summary, error) {
	if !e.mu.TryLock() {
		return Summary{}, ErrSyncInFlight
	}
	defer e.mu.Unlock()

	var summary Summary
	if err := e.push(ctx, &summary); err != nil {
		return summary, err
	}
	if err := e.pull(ctx, &summary); err != nil {
		return summary, err
	}
	if summary.Retained > 0 {
		return summary, ErrEventsRetained
	}
	return summary, nil
}

// push sends unsynced events in timestamp order. Transport failure leaves
// the queue untouched; per-event rejections keep the event local, flagged
// for permission denials so the optimistic change is reverted.
func (e *Engine) push(ctx context.Context, summary *Summary) error {
	unsynced, err := e.store.Log().Unsynced(ctx)
	if err != nil {
		return fmt.Errorf("load unsynced events: %w", err)
	}
	if len(unsynced) == 0 {
		return nil
	}
	results, err := e.client.PushEvents(ctx, unsynced)
	if err != nil {
		return fmt.Errorf("push events: %w", err)
	}
	for _, result := range results {
		switch result.Status {
		case StatusAccepted, StatusDuplicate:
			if err := e.store.MarkSynced(ctx, result.ID); err != nil {
				return err
			}
			summary.Pushed++
		case StatusRejected:
			if result.Reason == ReasonPermissionDenied {
				// Revert the optimistic local change and keep the event for
				// audit; it will not be retried.
				if err := e.store.MarkRejected(ctx, result.ID); err != nil {
					return err
				}
				summary.PermissionDenied++
				log.Printf("sync: event %s rejected: permission denied", result.ID)
			} else {
				summary.Retained++
				log.Printf("sync: event %s rejected (%s), retained for retry", result.ID, result.Reason)
			}
		}
	}
	return nil
}

// pull drains the remote stream page by page from the stored cursor,
// appending unseen events (deduplicated by id) and re-projecting once per
// page. The server's cursor comparison is inclusive, so boundary rows come
// back again on the next page; the loop stops when a page brings neither
// fresh events nor a cursor advance.
func (e *Engine) pull(ctx context.Context, summary *Summary) error {
	cursor, err := e.store.PullCursor(ctx)
	if err != nil {
		return fmt.Errorf("load pull cursor: %w", err)
	}
	for {
		page, err := e.client.PullEvents(ctx, cursor)
		if err != nil {
			return fmt.Errorf("pull events: %w", err)
		}
		appended := 0
		for _, evt := range page.Events {
			fresh, err := e.store.AppendRemote(ctx, evt)
			if err != nil {
				return fmt.Errorf("append remote event %s: %w", evt.ID, err)
			}
			if fresh {
				appended++
			}
		}
		if appended > 0 {
			if err := e.store.Rebuild(ctx); err != nil {
				return err
			}
			summary.Pulled += appended
		}
		advanced := page.NextCursor.After(cursor)
		if advanced {
			cursor = page.NextCursor
			if err := e.store.SetPullCursor(ctx, cursor); err != nil {
				return err
			}
		}
		if len(page.Events) == 0 || (appended == 0 && !advanced) {
			return nil
		}
	}
}
