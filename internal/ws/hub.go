package ws

import (
	"sync"

	"github.com/pairpad/backend/internal/lifecycle"
	"github.com/pairpad/backend/internal/metrics"
)

// Hub tracks live connections, grouped by session for fan-out and flat for
// the heartbeat monitor. It knows nothing about documents; the router decides
// what to broadcast.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	room, ok := h.rooms[c.sessionID]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[c.sessionID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	metrics.OpenConnections.Inc()
}

func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	room, ok := h.rooms[c.sessionID]
	if ok {
		if _, present := room[c]; present {
			delete(room, c)
			metrics.OpenConnections.Dec()
		}
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
	h.mu.Unlock()
}

// Broadcast fans data out to every connection in the session except the
// sender. A peer that cannot keep up is force-closed rather than allowed to
// stall the room.
func (h *Hub) Broadcast(sessionID string, except *Conn, messageType int, data []byte) {
	h.mu.RLock()
	peers := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		if c != except {
			peers = append(peers, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range peers {
		if c.getState() != stateLive && c.getState() != stateSyncing {
			continue
		}
		if !c.enqueue(messageType, data) {
			c.log.Warn("peer cannot keep up, closing")
			c.Close()
			continue
		}
		metrics.BroadcastFrames.Inc()
	}
}

// Peers returns the number of connections in a session's room.
func (h *Hub) Peers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// LiveConns snapshots every open connection for the heartbeat monitor.
func (h *Hub) LiveConns() []lifecycle.Prober {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []lifecycle.Prober
	for _, room := range h.rooms {
		for c := range room {
			out = append(out, c)
		}
	}
	return out
}

// CloseRoom force-closes every connection in a session; used when the
// session is deleted out from under them.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

// CloseAll force-closes everything; used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var conns []*Conn
	for _, room := range h.rooms {
		for c := range room {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
