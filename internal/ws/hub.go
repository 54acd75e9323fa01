package ws

import (
	"sync"
)

// Hub owns the set of live connections and the per-chat room sets.
// Other components only read room membership through Members.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[*Conn]struct{}
	// joined is the reverse index used to clean up rooms on removal.
	joined map[*Conn]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[*Conn]struct{}),
		joined: make(map[*Conn]map[string]struct{}),
	}
}

// Add registers a connection.
func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID()] = c
	h.joined[c] = make(map[string]struct{})
}

// Get looks a connection up by ID.
func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Join adds c to the room of chatID. It reports false when c is no longer
// registered.
func (h *Hub) Join(chatID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.joined[c]
	if !ok {
		return false
	}
	if h.rooms[chatID] == nil {
		h.rooms[chatID] = make(map[*Conn]struct{})
	}
	h.rooms[chatID][c] = struct{}{}
	rooms[chatID] = struct{}{}
	return true
}

// Remove unregisters c and drops it from every room it joined.
func (h *Hub) Remove(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.joined[c]
	if !ok {
		return false
	}
	for chatID := range rooms {
		if members, ok := h.rooms[chatID]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
	delete(h.joined, c)
	delete(h.conns, c.ID())
	return true
}

// Members returns a snapshot of the connections joined to chatID.
func (h *Hub) Members(chatID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[chatID]
	res := make([]*Conn, 0, len(members))
	for c := range members {
		res = append(res, c)
	}
	return res
}

// Conns returns a snapshot of every registered connection.
func (h *Hub) Conns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	res := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		res = append(res, c)
	}
	return res
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
