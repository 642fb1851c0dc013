// Package gateway is the realtime fanout edge: it terminates authenticated
// WebSocket connections, maintains user presence, forwards client
// submissions onto the bus, and relays targeted delivery events from the
// bus to locally connected sockets.
package gateway

import (
	"log"
	"sync"

	"github.com/loqui/chat-backend/internal/metrics"
	"github.com/loqui/chat-backend/internal/protocol"
	"github.com/loqui/chat-backend/internal/ws"
)

// Hub groups this instance's sockets by owning user so delivery events can be
// fanned out per user. A user with several tabs open gets the event on every
// socket; users without a local socket are skipped (another gateway instance,
// or nobody, holds them).
type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[string]*ws.Connection // userID -> socketID -> conn
	sockets int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{byUser: make(map[string]map[string]*ws.Connection)}
}

// Join adds a socket to its user's fanout group.
func (h *Hub) Join(c *ws.Connection) {
	h.mu.Lock()
	group, ok := h.byUser[c.UserID]
	if !ok {
		group = make(map[string]*ws.Connection)
		h.byUser[c.UserID] = group
	}
	group[c.ID] = c
	h.sockets++
	h.mu.Unlock()
}

// Leave removes a socket from its user's fanout group and reports whether
// the user still holds at least one local socket afterwards.
func (h *Hub) Leave(c *ws.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.byUser[c.UserID]
	if !ok {
		return false
	}
	if _, ok := group[c.ID]; ok {
		delete(group, c.ID)
		h.sockets--
	}
	if len(group) == 0 {
		delete(h.byUser, c.UserID)
		return false
	}
	return true
}

// UserCount returns the number of distinct users with a local socket.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	n := len(h.byUser)
	h.mu.RUnlock()
	return n
}

// SocketCount returns the number of local sockets across all users.
func (h *Hub) SocketCount() int {
	h.mu.RLock()
	n := h.sockets
	h.mu.RUnlock()
	return n
}

// SendToUsers delivers a server event to every local socket of every listed
// user. Users without a local socket are skipped silently; write failures on
// individual sockets are logged and left for the read path or heartbeat to
// clean up.
func (h *Hub) SendToUsers(userIDs []string, event string, data []byte) {
	frame, err := protocol.NewServerRaw(event, data)
	if err != nil {
		log.Printf("gateway: build %q frame: %v", event, err)
		return
	}

	for _, c := range h.connsFor(userIDs) {
		if err := c.WriteMessage(frame); err != nil {
			log.Printf("gateway: relay %q to user=%s socket=%s failed: %v",
				event, c.UserID, c.ID, err)
			continue
		}
		metrics.EventsRelayed.WithLabelValues(event).Inc()
	}
}

// Broadcast delivers a server event to every local socket regardless of
// owner. Used for presence badge updates, which any connected client may be
// displaying.
func (h *Hub) Broadcast(event string, data []byte) {
	frame, err := protocol.NewServerRaw(event, data)
	if err != nil {
		log.Printf("gateway: build %q frame: %v", event, err)
		return
	}

	h.mu.RLock()
	conns := make([]*ws.Connection, 0, h.sockets)
	for _, group := range h.byUser {
		for _, c := range group {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteMessage(frame); err != nil {
			log.Printf("gateway: broadcast %q to socket=%s failed: %v", event, c.ID, err)
			continue
		}
		metrics.EventsRelayed.WithLabelValues(event).Inc()
	}
}

// connsFor snapshots the target sockets under the read lock so writes happen
// outside it.
func (h *Hub) connsFor(userIDs []string) []*ws.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var conns []*ws.Connection
	for _, userID := range userIDs {
		for _, c := range h.byUser[userID] {
			conns = append(conns, c)
		}
	}
	return conns
}
