// Package rooms holds the mutable per-room state of the world: stream slots,
// the two mini-games and the room counter.
//
// The store is owned by the hub goroutine and is not safe for concurrent use.
package rooms

import (
	"github.com/iccanobif/gikopoi2-sub001/internal/game/chess"
	"github.com/iccanobif/gikopoi2-sub001/internal/game/janken"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// RoomState is the live state of one (area, room) pair.
type RoomState struct {
	Area    string
	Room    *world.Room
	Streams []*StreamSlot
	Chess   *chess.Game
	Janken  *janken.Game
	Counter int64
}

func newRoomState(area string, room *world.Room, counter int64) *RoomState {
	streams := make([]*StreamSlot, room.StreamSlots)
	for i := range streams {
		streams[i] = &StreamSlot{Index: i, State: SlotIdle}
	}
	return &RoomState{
		Area:    area,
		Room:    room,
		Streams: streams,
		Chess:   chess.New(),
		Janken:  janken.New(),
		Counter: counter,
	}
}

// Slot returns the slot at index, or nil when out of range.
func (r *RoomState) Slot(index int) *StreamSlot {
	if index < 0 || index >= len(r.Streams) {
		return nil
	}
	return r.Streams[index]
}

// ActiveStreamers counts slots with a publisher.
func (r *RoomState) ActiveStreamers() int {
	n := 0
	for _, s := range r.Streams {
		if s.IsActive {
			n++
		}
	}
	return n
}

// Store is the two-level area -> room -> state map.
type Store struct {
	states map[string]map[string]*RoomState
}

// NewStore creates one RoomState per area and catalog room.
func NewStore(catalog *world.Catalog) *Store {
	s := &Store{states: make(map[string]map[string]*RoomState, len(catalog.Areas))}
	for _, area := range catalog.Areas {
		byRoom := make(map[string]*RoomState, len(catalog.Rooms))
		for _, room := range catalog.Rooms {
			byRoom[room.ID] = newRoomState(area.ID, room, 0)
		}
		s.states[area.ID] = byRoom
	}
	return s
}

// Get returns the state of a room, or nil when unknown.
func (s *Store) Get(area, room string) *RoomState {
	return s.states[area][room]
}

// Each calls fn for every room state.
func (s *Store) Each(fn func(*RoomState)) {
	for _, byRoom := range s.states {
		for _, st := range byRoom {
			fn(st)
		}
	}
}

// Rebuild swaps the state of room.ID in area for a fresh one built from room,
// keeping the counter. The previous state is returned so the caller can tear
// down whatever it still holds; nil means the room was unknown.
func (s *Store) Rebuild(area string, room *world.Room) (previous, next *RoomState) {
	byRoom, ok := s.states[area]
	if !ok {
		return nil, nil
	}
	previous, ok = byRoom[room.ID]
	if !ok {
		return nil, nil
	}
	next = newRoomState(area, room, previous.Counter)
	byRoom[room.ID] = next
	return previous, next
}

// RelayLoads sums Load(floor) of every active slot per relay server id.
func (s *Store) RelayLoads(floor int) map[string]int {
	loads := make(map[string]int)
	s.Each(func(st *RoomState) {
		for _, slot := range st.Streams {
			if slot.IsActive && slot.Server != nil {
				loads[slot.Server.ID] += slot.Load(floor)
			}
		}
	})
	return loads
}

// Counters returns every non-zero room counter.
func (s *Store) Counters() map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	s.Each(func(st *RoomState) {
		if st.Counter == 0 {
			return
		}
		if out[st.Area] == nil {
			out[st.Area] = make(map[string]int64)
		}
		out[st.Area][st.Room.ID] = st.Counter
	})
	return out
}

// SeedCounters restores counters for rooms that still exist and returns how
// many were applied.
func (s *Store) SeedCounters(counters map[string]map[string]int64) int {
	n := 0
	for area, byRoom := range counters {
		for room, value := range byRoom {
			if st := s.Get(area, room); st != nil {
				st.Counter = value
				n++
			}
		}
	}
	return n
}
