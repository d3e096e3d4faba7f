package ws

import (
	"context"
	"sync"

	"collabSync/backend/internal/logging"
)

// Hub owns the live websocket connections and the document rooms. It is the
// collab.Transport of the service.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	// docID -> connID -> conn; a user with two tabs has two entries
	rooms map[string]map[string]*Conn

	logger logging.Logger
}

func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		logger: logger,
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	for docID, room := range h.rooms {
		if room[c.id] == c {
			delete(room, c.id)
			if len(room) == 0 {
				delete(h.rooms, docID)
			}
		}
	}
}

func (h *Hub) conn(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

func (h *Hub) JoinRoom(docID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[string]*Conn)
	}
	h.rooms[docID][connID] = c
}

func (h *Hub) LeaveRoom(docID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[docID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) Send(connID, event string, payload any) {
	c, ok := h.conn(connID)
	if !ok {
		return
	}
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.Error(context.Background(), "encode frame failed", "conn", connID, "event", event, "err", err)
		return
	}
	c.enqueue(frame)
}

// Broadcast encodes once and enqueues on every member of the room except
// exclude. The room is copied first so no lock is held while enqueuing.
func (h *Hub) Broadcast(docID, event string, payload any, exclude string) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[docID]))
	for id, c := range h.rooms[docID] {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.Error(context.Background(), "encode frame failed", "doc", docID, "event", event, "err", err)
		return
	}
	for _, c := range targets {
		c.enqueue(frame)
	}
}

func (h *Hub) Close(connID string) {
	if c, ok := h.conn(connID); ok {
		c.close()
	}
}

// RoomSize is the number of connections in docID.
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}
