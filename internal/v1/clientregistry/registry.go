package clientregistry

import (
	"sync"
)

// Registry is the process-local map of connectionId->*Client, plus a
// secondary roomId->set{connectionId} index so in-room listings are
// O(room size) rather than O(total connections). Mutate only through
// this API — never by reaching into a returned *Client's room directly.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byRoom  map[string]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		byRoom:  make(map[string]map[string]struct{}),
	}
}

// Add registers a newly connected client.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
}

// Remove unregisters a client and drops it from whatever room index entry
// it was in.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[connectionID]
	if !ok {
		return
	}
	r.removeFromRoomLocked(c.RoomID(), connectionID)
	delete(r.clients, connectionID)
}

// Get returns the client for connectionID, if still registered.
func (r *Registry) Get(connectionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connectionID]
	return c, ok
}

// JoinRoom moves connectionID into roomId's index and sets the client's
// RoomID, atomically with respect to other registry operations.
func (r *Registry) JoinRoom(connectionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[connectionID]
	if !ok {
		return
	}
	r.removeFromRoomLocked(c.RoomID(), connectionID)
	c.SetRoomID(roomID)
	if r.byRoom[roomID] == nil {
		r.byRoom[roomID] = make(map[string]struct{})
	}
	r.byRoom[roomID][connectionID] = struct{}{}
}

// LeaveRoom removes connectionID from its current room, if any.
func (r *Registry) LeaveRoom(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[connectionID]
	if !ok {
		return
	}
	r.removeFromRoomLocked(c.RoomID(), connectionID)
	c.SetRoomID("")
}

func (r *Registry) removeFromRoomLocked(roomID, connectionID string) {
	if roomID == "" {
		return
	}
	set, ok := r.byRoom[roomID]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.byRoom, roomID)
	}
}

// InRoom returns a snapshot of every client currently in roomId, pruning
// any whose backing connection already went away.
func (r *Registry) InRoom(roomID string) []*Client {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byRoom[roomID]))
	for id := range r.byRoom[roomID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]*Client, 0, len(ids))
	var stale []string
	r.mu.RLock()
	for _, id := range ids {
		if c, ok := r.clients[id]; ok {
			out = append(out, c)
		} else {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	if len(stale) > 0 {
		r.mu.Lock()
		for _, id := range stale {
			r.removeFromRoomLocked(roomID, id)
		}
		r.mu.Unlock()
	}

	return out
}

// ForEach invokes fn for a snapshot of every currently-registered client,
// used for fleet-wide broadcasts where there's no room or user index to
// narrow the scan.
func (r *Registry) ForEach(fn func(c *Client)) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		fn(c)
	}
}

// RoomSize returns the number of clients currently indexed under roomId.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}
