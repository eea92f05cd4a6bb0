package core

// roomKey identifies one (area, room) broadcast group.
type roomKey struct {
	area string
	room string
}

// Room groups the bound connections present in one room.
type Room struct {
	key     roomKey
	clients map[*Client]struct{}
}

// NewRoom constructs a room with no clients.
func NewRoom(area, room string) *Room {
	return &Room{
		key:     roomKey{area: area, room: room},
		clients: make(map[*Client]struct{}),
	}
}

// AddClient inserts a client into the room. Returns true if newly added.
func (r *Room) AddClient(c *Client) bool {
	if _, exists := r.clients[c]; exists {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

// RemoveClient deletes a client from the room. Returns true if removed.
func (r *Room) RemoveClient(c *Client) bool {
	if _, exists := r.clients[c]; !exists {
		return false
	}
	delete(r.clients, c)
	return true
}

// Broadcast sends the event built by build to every client in the room for
// which build returns non-nil. Slow consumers are skipped.
func (r *Room) Broadcast(build func(*Client) *Event) (dropped int) {
	for client := range r.clients {
		ev := build(client)
		if ev == nil {
			continue
		}
		if !client.send(ev) {
			dropped++
		}
	}
	return dropped
}

// Empty returns true if no clients are in the room.
func (r *Room) Empty() bool {
	return len(r.clients) == 0
}
