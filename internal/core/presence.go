package core

import (
	"strings"
	"unicode/utf8"

	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
)

func (h *Hub) connect(c *Client) error {
	u := h.users.ByPrivateID(c.PrivateID)
	if u == nil {
		return ErrUnknownUser
	}
	st := h.rooms.Get(u.AreaID, u.RoomID)
	if st == nil {
		return ErrUnknownRoom
	}

	wasGhost := u.IsGhost
	previous := h.users.Bind(u, c.ConnID, c.Address, h.now())
	var bindings []rooms.Binding
	if previous != "" && previous != c.ConnID {
		if old := h.clients[previous]; old != nil {
			h.dropClient(old)
			old.send(&Event{Kind: EventKicked, Reason: "replaced"})
			old.Close("replaced")
		}
		// Peer connections belonged to the old socket; the new one starts
		// without publications or listener handles.
		var changed bool
		bindings, changed = h.vacateStreams(u, st)
		if changed {
			h.broadcastStreams(st)
		}
	}

	c.userID = u.ID
	h.clients[c.ConnID] = c
	h.group(u.AreaID, u.RoomID).AddClient(c)
	c.send(&Event{Kind: EventRoomState, RoomState: h.roomState(u, st)})
	if wasGhost {
		h.broadcastFrom(u, &Event{Kind: EventUserJoined, UserID: u.ID, User: userView(u)}, false)
	}

	h.log.Info().
		Str("user_id", u.ID).
		Str("conn_id", c.ConnID).
		Str("area", u.AreaID).
		Str("room", u.RoomID).
		Bool("reconnect", !wasGhost).
		Msg("user connected")
	h.release(bindings...)
	return nil
}

// dropClient forgets c without touching the user record.
func (h *Hub) dropClient(c *Client) {
	if h.clients[c.ConnID] == c {
		delete(h.clients, c.ConnID)
	}
	if u := h.users.ByID(c.userID); u != nil {
		h.leaveGroup(c, u.AreaID, u.RoomID)
	}
}

// disconnect turns the user into a ghost if c is still its bound connection.
// A late disconnect of a replaced connection changes nothing.
func (h *Hub) disconnect(c *Client) {
	u := h.users.ByID(c.userID)
	h.dropClient(c)
	if u == nil || !h.users.Unbind(u, c.ConnID, h.now()) {
		return
	}

	st := h.rooms.Get(u.AreaID, u.RoomID)
	var bindings []rooms.Binding
	if st != nil {
		var changed bool
		bindings, changed = h.vacateStreams(u, st)
		if changed {
			h.broadcastStreams(st)
		}
	}
	h.broadcastFrom(u, &Event{Kind: EventUserLeft, UserID: u.ID}, false)
	h.release(bindings...)

	h.log.Info().Str("user_id", u.ID).Str("conn_id", c.ConnID).Msg("user disconnected")
}

// kick closes the connection of u and ghosts it right away.
func (h *Hub) kick(u *presence.User, reason string) {
	c := h.clients[u.ConnID]
	if c == nil {
		return
	}
	c.send(&Event{Kind: EventKicked, Reason: reason})
	h.disconnect(c)
	c.Close(reason)
}

// touch records activity and lifts the inactive flag.
func (h *Hub) touch(u *presence.User) {
	u.LastActivity = h.now()
	if u.IsInactive {
		u.IsInactive = false
		h.broadcastFrom(u, &Event{Kind: EventUserActive, UserID: u.ID}, true)
	}
}

// broadcastFrom sends ev to the room of subject, skipping viewers that block
// or are blocked by subject.
func (h *Hub) broadcastFrom(subject *presence.User, ev *Event, includeSelf bool) {
	g, ok := h.groups[roomKey{area: subject.AreaID, room: subject.RoomID}]
	if !ok {
		return
	}
	g.Broadcast(func(c *Client) *Event {
		viewer := h.users.ByID(c.userID)
		if viewer == nil {
			return nil
		}
		if viewer == subject {
			if includeSelf {
				return ev
			}
			return nil
		}
		if presence.Blocked(viewer, subject) {
			return nil
		}
		return ev
	})
}

// broadcastRoom sends the event built per viewer to everyone in st.
func (h *Hub) broadcastRoom(st *rooms.RoomState, build func(viewer *presence.User) *Event) {
	g, ok := h.groups[roomKey{area: st.Area, room: st.Room.ID}]
	if !ok {
		return
	}
	g.Broadcast(func(c *Client) *Event {
		viewer := h.users.ByID(c.userID)
		if viewer == nil {
			return nil
		}
		return build(viewer)
	})
}

func (h *Hub) broadcastStreams(st *rooms.RoomState) {
	h.broadcastRoom(st, func(viewer *presence.User) *Event {
		return &Event{Kind: EventStreams, Streams: h.slotViews(viewer, st)}
	})
}

func (h *Hub) sendRoomState(u *presence.User) {
	c := h.clientOf(u.ID)
	st := h.rooms.Get(u.AreaID, u.RoomID)
	if c == nil || st == nil {
		return
	}
	c.send(&Event{Kind: EventRoomState, RoomState: h.roomState(u, st)})
}

func (h *Hub) currentRoom(u *presence.User) *rooms.RoomState {
	return h.rooms.Get(u.AreaID, u.RoomID)
}

func (h *Hub) handleMove(c *Client, u *presence.User, cmd *Command) {
	st := h.currentRoom(u)
	if st == nil || !cmd.Direction.Valid() {
		c.send(errorEvent(ErrCodeInvalidMove, "invalid direction"))
		return
	}
	if u.Direction != cmd.Direction {
		u.Direction = cmd.Direction
	} else {
		to := cmd.Direction.Step(u.Position)
		if err := st.Room.CheckStep(u.Position, to); err != nil {
			// Resync the sender with its real position.
			c.send(&Event{Kind: EventUserMoved, UserID: u.ID, User: userView(u)})
			return
		}
		u.Position = to
	}
	h.broadcastFrom(u, &Event{Kind: EventUserMoved, UserID: u.ID, User: userView(u)}, true)
}

// handleChangeRoom validates the destination first, then leaves the old room
// completely before the user shows up in the new one.
func (h *Hub) handleChangeRoom(c *Client, u *presence.User, cmd *Command) {
	from := h.currentRoom(u)
	to := h.rooms.Get(u.AreaID, cmd.TargetRoomID)
	if from == nil || to == nil {
		c.send(errorEvent(ErrCodeRoomNotFound, "room not found"))
		return
	}
	doorID := cmd.TargetDoorID
	if doorID == "" {
		doorID = to.Room.Spawn
	}
	door, ok := to.Room.Door(doorID)
	if !ok {
		c.send(errorEvent(ErrCodeDoorNotFound, "door not found"))
		return
	}

	bindings, changed := h.vacateStreams(u, from)
	if changed {
		h.broadcastStreams(from)
	}
	h.leaveGames(u, from)
	h.leaveGroup(c, u.AreaID, u.RoomID)
	h.broadcastFrom(u, &Event{Kind: EventUserLeft, UserID: u.ID}, false)

	u.RoomID = to.Room.ID
	u.Position = door.Position()
	u.Direction = door.Direction
	u.LastMessage = ""

	h.group(u.AreaID, u.RoomID).AddClient(c)
	c.send(&Event{Kind: EventRoomState, RoomState: h.roomState(u, to)})
	h.broadcastFrom(u, &Event{Kind: EventUserJoined, UserID: u.ID, User: userView(u)}, false)
	h.release(bindings...)

	h.log.Debug().
		Str("user_id", u.ID).
		Str("from", from.Room.ID).
		Str("room", to.Room.ID).
		Str("door", doorID).
		Msg("user changed room")
}

func (h *Hub) handleMessage(c *Client, u *presence.User, cmd *Command) {
	text := strings.TrimSpace(cmd.Text)
	if h.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(text) > h.cfg.MaxMessageLength {
		c.send(errorEvent(ErrCodeMessageLong, "message too long"))
		return
	}
	now := h.now()
	ev := &Event{Kind: EventRoomMessage, UserID: u.ID, Message: &Message{From: u.ID, Text: text, CreatedAt: now}}
	if !h.users.AllowMessage(u, now) {
		// Flooded lines are echoed to the sender only and never become
		// part of the public record.
		c.send(ev)
		return
	}
	u.LastMessage = text
	h.broadcastFrom(u, ev, true)
}

// handleBlock hides target from u and u from target. Streams between them are
// dropped, and both sides get a fresh room view.
func (h *Hub) handleBlock(c *Client, u *presence.User, cmd *Command) {
	target := h.users.ByID(cmd.TargetUserID)
	if target == nil || target == u {
		c.send(errorEvent(ErrCodeUnknownUser, "user not found"))
		return
	}
	h.users.Block(u, target)

	if st := h.currentRoom(u); st != nil {
		var bindings []rooms.Binding
		for _, slot := range st.Streams {
			for _, pair := range [][2]*presence.User{{u, target}, {target, u}} {
				if slot.PublisherID() != pair[0].ID {
					continue
				}
				if l := slot.RemoveListener(pair[1].ID); l != nil && l.Handle != nil {
					bindings = append(bindings, rooms.Binding{Handles: []relay.Handle{l.Handle}})
				}
			}
		}
		h.release(bindings...)
	}
	h.sendRoomState(u)
	h.sendRoomState(target)
}

func (h *Hub) handleCounter(u *presence.User) {
	st := h.currentRoom(u)
	if st == nil {
		return
	}
	st.Counter++
	h.broadcastRoom(st, func(*presence.User) *Event {
		return &Event{Kind: EventCounter, Counter: st.Counter}
	})
}
