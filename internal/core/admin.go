package core

import (
	"context"
	"fmt"

	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/snapshot"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// Login creates a ghost identity placed at the spawn door of the requested
// room. The caller then connects with the returned private id.
func (h *Hub) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	var (
		res LoginResult
		err error
	)
	doErr := h.Do(ctx, func() {
		if !h.catalog.HasArea(req.AreaID) {
			err = ErrUnknownArea
			return
		}
		roomID := req.RoomID
		if roomID == "" {
			roomID = h.catalog.DefaultRoom
		}
		st := h.rooms.Get(req.AreaID, roomID)
		if st == nil {
			err = ErrUnknownRoom
			return
		}
		pos, dir := st.Room.SpawnPoint()
		var u *presence.User
		u, err = h.users.Login(presence.LoginParams{
			Name:        req.Name,
			CharacterID: req.CharacterID,
			AreaID:      req.AreaID,
			RoomID:      roomID,
			Position:    pos,
			Direction:   dir,
			Address:     req.Address,
			Now:         h.now(),
		})
		if err != nil {
			return
		}
		res = LoginResult{UserID: u.ID, PrivateID: u.PrivateID, AreaID: u.AreaID, RoomID: u.RoomID}
		h.log.Info().Str("user_id", u.ID).Str("area", u.AreaID).Str("room", u.RoomID).Msg("user logged in")
	})
	if doErr != nil {
		return LoginResult{}, doErr
	}
	return res, err
}

// Rooms lists the rooms of area with their population.
func (h *Hub) Rooms(ctx context.Context, area string) ([]RoomSummary, error) {
	if !h.catalog.HasArea(area) {
		return nil, ErrUnknownArea
	}
	var out []RoomSummary
	err := h.Do(ctx, func() {
		for _, id := range h.catalog.RoomIDs() {
			st := h.rooms.Get(area, id)
			if st == nil {
				continue
			}
			out = append(out, RoomSummary{
				ID:            id,
				UserCount:     len(h.users.ListActive(area, id)),
				StreamerCount: st.ActiveStreamers(),
			})
		}
	})
	return out, err
}

// Users lists every user record, ghosts included.
func (h *Hub) Users(ctx context.Context) ([]AdminUserView, error) {
	var out []AdminUserView
	err := h.Do(ctx, func() {
		for _, u := range h.users.All() {
			out = append(out, adminView(u))
		}
	})
	return out, err
}

// BanUser bans every address userID is known to use, disconnects the user and
// removes the record. It returns the banned addresses.
func (h *Hub) BanUser(ctx context.Context, userID string) ([]string, error) {
	if h.gate == nil {
		return nil, ErrNoReputation
	}
	var (
		banned   []string
		bindings []rooms.Binding
		err      error
	)
	doErr := h.Do(ctx, func() {
		u := h.users.ByID(userID)
		if u == nil {
			err = ErrUnknownUser
			return
		}
		banned = append(banned, u.Addresses...)
		h.gate.Ban(banned...)
		if u.Connected() {
			h.kick(u, "banned")
		}
		bindings = h.evict(u)
	})
	if doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}
	h.release(bindings...)
	h.log.Info().Str("user_id", userID).Strs("addresses", banned).Msg("user banned")
	return banned, nil
}

// Unban lifts the ban on address.
func (h *Hub) Unban(address string) (bool, error) {
	if h.gate == nil {
		return false, ErrNoReputation
	}
	return h.gate.Unban(address), nil
}

// Bans returns the current ban set.
func (h *Hub) Bans() ([]string, error) {
	if h.gate == nil {
		return nil, ErrNoReputation
	}
	return h.gate.Bans(), nil
}

// RebuildRoom swaps in a new descriptor for a dynamic room in every area.
// Streams and games of the old state are torn down; the counter survives.
// The new descriptor must keep the room's door graph.
func (h *Hub) RebuildRoom(ctx context.Context, room *world.Room) error {
	if err := room.Validate(); err != nil {
		return err
	}
	room.Prepare()
	var err error
	doErr := h.Do(ctx, func() { err = h.rebuild(room) })
	if doErr != nil {
		return doErr
	}
	return err
}

func (h *Hub) rebuild(room *world.Room) error {
	base, ok := h.catalog.Room(room.ID)
	if !ok {
		return ErrUnknownRoom
	}
	if !base.Dynamic {
		return ErrNotDynamic
	}
	if !base.SameDoorGraph(room) {
		return ErrDoorGraph
	}

	var bindings []rooms.Binding
	for _, area := range h.catalog.Areas {
		prev, next := h.rooms.Rebuild(area.ID, room)
		if prev == nil {
			continue
		}
		for _, slot := range prev.Streams {
			if slot.IsActive {
				bindings = append(bindings, slot.Clear())
			}
		}
		prev.Chess.Stop("")
		prev.Janken.Reset()
		h.broadcastRoom(next, func(viewer *presence.User) *Event {
			return &Event{Kind: EventRoomState, RoomState: h.roomState(viewer, next)}
		})
	}
	h.release(bindings...)
	h.log.Info().Str("room", room.ID).Str("variant", room.Variant).Msg("room rebuilt")
	return nil
}

// Capture implements snapshot.Source.
func (h *Hub) Capture(ctx context.Context) (*snapshot.Document, error) {
	var doc *snapshot.Document
	err := h.Do(ctx, func() {
		doc = &snapshot.Document{
			Version:  snapshot.CurrentVersion,
			TakenAt:  h.now().UTC(),
			Users:    snapshot.FromUsers(h.users.Snapshot()),
			Counters: h.rooms.Counters(),
		}
		if h.gate != nil {
			doc.Bans = h.gate.Bans()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}
	return doc, nil
}

// RestoreStats reports what Restore applied.
type RestoreStats struct {
	Users    int
	Bans     int
	Counters int
}

// Restore loads a snapshot document. Every restored user starts as a ghost.
// Counters stored per area only are applied to the default room.
func (h *Hub) Restore(ctx context.Context, doc *snapshot.Document) (RestoreStats, error) {
	var stats RestoreStats
	if doc == nil {
		return stats, nil
	}
	err := h.Do(ctx, func() {
		stats.Users = h.users.Restore(snapshot.ToUsers(doc.Users, h.catalog), h.now())
		if h.gate != nil {
			h.gate.RestoreBans(doc.Bans)
			stats.Bans = len(doc.Bans)
		}
		counters := make(map[string]map[string]int64, len(doc.Counters))
		for area, byRoom := range doc.Counters {
			counters[area] = make(map[string]int64, len(byRoom))
			for room, n := range byRoom {
				if room == "" {
					room = h.catalog.DefaultRoom
				}
				counters[area][room] += n
			}
		}
		stats.Counters = h.rooms.SeedCounters(counters)
	})
	return stats, err
}
