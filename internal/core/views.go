package core

import (
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/game/chess"
	"github.com/iccanobif/gikopoi2-sub001/internal/game/janken"
	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// UserView is the public part of a user record.
type UserView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CharacterID string          `json:"character_id"`
	Position    world.Point     `json:"position"`
	Direction   world.Direction `json:"direction"`
	IsInactive  bool            `json:"is_inactive"`
	LastMessage string          `json:"last_message,omitempty"`
}

// SlotView is a stream slot as seen by one viewer. Slots whose publisher is
// blocked in either direction, or whose allow-list excludes the viewer, are
// shown as inactive.
type SlotView struct {
	Slot                         int    `json:"slot"`
	IsActive                     bool   `json:"is_active"`
	IsReady                      bool   `json:"is_ready"`
	WithVideo                    bool   `json:"with_video"`
	WithSound                    bool   `json:"with_sound"`
	UserID                       string `json:"user_id,omitempty"`
	StreamID                     uint64 `json:"stream_id"`
	IsVisibleOnlyToSpecificUsers bool   `json:"is_visible_only_to_specific_users"`
	IsListening                  bool   `json:"is_listening"`
}

// RoomStateView is everything a client needs after entering a room.
type RoomStateView struct {
	Area    string       `json:"area"`
	Room    *world.Room  `json:"room"`
	Users   []UserView   `json:"users"`
	Streams []SlotView   `json:"streams"`
	Chess   chess.State  `json:"chess"`
	Janken  janken.State `json:"janken"`
	Counter int64        `json:"counter"`
}

// RoomSummary is one entry of the room list.
type RoomSummary struct {
	ID            string `json:"id"`
	UserCount     int    `json:"user_count"`
	StreamerCount int    `json:"streamer_count"`
}

// LoginRequest creates a new identity.
type LoginRequest struct {
	Name        string
	CharacterID string
	AreaID      string
	RoomID      string
	Address     string
}

// LoginResult carries the identifiers of a freshly created user.
type LoginResult struct {
	UserID    string `json:"user_id"`
	PrivateID string `json:"private_user_id"`
	AreaID    string `json:"area_id"`
	RoomID    string `json:"room_id"`
}

// AdminUserView is a user record as listed to administrators.
type AdminUserView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AreaID       string    `json:"area_id"`
	RoomID       string    `json:"room_id"`
	Addresses    []string  `json:"addresses"`
	IsGhost      bool      `json:"is_ghost"`
	IsInactive   bool      `json:"is_inactive"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

func userView(u *presence.User) *UserView {
	return &UserView{
		ID:          u.ID,
		Name:        u.Name,
		CharacterID: u.CharacterID,
		Position:    u.Position,
		Direction:   u.Direction,
		IsInactive:  u.IsInactive,
		LastMessage: u.LastMessage,
	}
}

func (h *Hub) slotViews(viewer *presence.User, st *rooms.RoomState) []SlotView {
	out := make([]SlotView, len(st.Streams))
	for i, slot := range st.Streams {
		v := SlotView{Slot: slot.Index, StreamID: slot.StreamID()}
		if slot.IsActive && h.visible(viewer, slot) {
			v.IsActive = true
			v.IsReady = slot.IsReady
			v.WithVideo = slot.WithVideo
			v.WithSound = slot.WithSound
			v.UserID = slot.PublisherID()
			v.IsVisibleOnlyToSpecificUsers = slot.IsVisibleOnlyToSpecificUsers
			v.IsListening = viewer != nil && slot.Listener(viewer.ID) != nil
		}
		out[i] = v
	}
	return out
}

func (h *Hub) visible(viewer *presence.User, slot *rooms.StreamSlot) bool {
	if viewer == nil {
		return !slot.IsVisibleOnlyToSpecificUsers
	}
	if !slot.IsAllowed(viewer.ID) {
		return false
	}
	return !presence.Blocked(viewer, h.users.ByID(slot.PublisherID()))
}

func (h *Hub) roomState(viewer *presence.User, st *rooms.RoomState) *RoomStateView {
	users := h.users.ListFiltered(viewer, st.Area, st.Room.ID)
	views := make([]UserView, len(users))
	for i, u := range users {
		views[i] = *userView(u)
	}
	return &RoomStateView{
		Area:    st.Area,
		Room:    st.Room,
		Users:   views,
		Streams: h.slotViews(viewer, st),
		Chess:   st.Chess.State(),
		Janken:  st.Janken.State(),
		Counter: st.Counter,
	}
}

func adminView(u *presence.User) AdminUserView {
	return AdminUserView{
		ID:           u.ID,
		Name:         u.Name,
		AreaID:       u.AreaID,
		RoomID:       u.RoomID,
		Addresses:    append([]string(nil), u.Addresses...),
		IsGhost:      u.IsGhost,
		IsInactive:   u.IsInactive,
		LastActivity: u.LastActivity,
		CreatedAt:    u.CreatedAt,
	}
}
