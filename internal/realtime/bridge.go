// Package realtime keeps a websocket open to the sync server and applies
// pushed events as they arrive, so devices converge without waiting for a
// manual sync.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tally/internal/event"
	"tally/internal/localstore"
	"tally/internal/sync"
)

// Notice mirrors the server's push frame: "<aggregate>_<verb>" plus the
// full event.
type Notice struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

type Bridge struct {
	store   *localstore.Store
	engine  *sync.Engine
	wsURL   string
	backoff *Backoff
}

// NewBridge builds a bridge for the given HTTP base URL; the websocket
// endpoint and scheme are derived from it.
func NewBridge(store *localstore.Store, engine *sync.Engine, baseURL, token, deviceID string) (*Bridge, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/events"
	query := parsed.Query()
	query.Set("token", token)
	query.Set("device_id", deviceID)
	parsed.RawQuery = query.Encode()
	return &Bridge{
		store:   store,
		engine:  engine,
		wsURL:   parsed.String(),
		backoff: NewBackoff(time.Second, 2*time.Minute, 2.0),
	}, nil
}

// Run connects and reconnects until the context is cancelled. Every
// successful (re)connect triggers a full sync pass first: the socket alone
// is at-least-once at best, and events missed while disconnected must be
// covered by a pull.
func (b *Bridge) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
		if err != nil {
			wait := b.backoff.Next()
			log.Printf("realtime: connect failed (attempt %d): %v, retrying in %s", b.backoff.Attempts(), err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.backoff.Reset()
		if _, err := b.engine.ManualSync(ctx); err != nil && !errors.Is(err, sync.ErrSyncInFlight) {
			log.Printf("realtime: reconnect sync: %v", err)
		}
		b.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("realtime: connection dropped: %v", err)
			}
			return
		}
		b.handleMessage(ctx, message)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, message []byte) {
	var notice Notice
	if err := json.Unmarshal(message, &notice); err != nil {
		log.Printf("realtime: bad frame: %v", err)
		return
	}
	if notice.Event.ID == "" {
		// Notification without an inline event: fall back to a pull.
		if _, err := b.engine.ManualSync(ctx); err != nil && !errors.Is(err, sync.ErrSyncInFlight) {
			log.Printf("realtime: notification sync: %v", err)
		}
		return
	}
	fresh, err := b.store.IngestRemote(ctx, notice.Event)
	if err != nil {
		log.Printf("realtime: apply %s: %v", notice.Event.ID, err)
		return
	}
	if fresh {
		log.Printf("realtime: applied %s %s", notice.Type, notice.Event.ID)
	}
}
