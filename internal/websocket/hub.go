package websocket

import (
	"encoding/json"
	"sync"

	"tally/internal/event"
)

// EventNotice is the realtime push sent when another device of the same
// user writes an event. Type follows the "<aggregate>_<verb>" wire
// convention; the full event rides along so clients can apply it without a
// follow-up fetch.
type EventNotice struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

// NoticeType renders the wire type for an event, e.g. "contact_created".
func NoticeType(evt event.Event) string {
	return string(evt.AggregateType) + "_" + string(evt.Type)
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// BroadcastEvent pushes a notice to every connected client of the user
// except the device that originated the event. Slow clients drop the
// message; the reconnect-sync path covers them.
func (h *Hub) BroadcastEvent(userID, originDeviceID string, notice EventNotice) {
	payload, _ := json.Marshal(notice)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		if originDeviceID != "" && client.deviceID == originDeviceID {
			continue
		}
		select {
		case client.send <- payload:
		default:
		}
	}
}
