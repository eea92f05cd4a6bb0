package core

import (
	"github.com/iccanobif/gikopoi2-sub001/internal/game/chess"
	"github.com/iccanobif/gikopoi2-sub001/internal/game/janken"
)

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventRoomState delivers the full view of the room to one client.
	EventRoomState EventKind = iota
	// EventUserJoined notifies clients about a user appearing in the room.
	EventUserJoined
	// EventUserLeft notifies clients about a user leaving the room.
	EventUserLeft
	// EventUserMoved carries a new position or facing.
	EventUserMoved
	// EventRoomMessage carries a chat line.
	EventRoomMessage
	EventUserActive
	EventUserInactive
	// EventStreams delivers the slot array as seen by the receiving client.
	EventStreams
	// EventStreamAccepted confirms a publish request and its stream id.
	EventStreamAccepted
	EventStreamRejected
	EventListenRejected
	// EventStreamSignal forwards relay SDP or ICE to the client.
	EventStreamSignal
	EventChess
	EventJanken
	EventCounter
	EventPong
	// EventKicked precedes the server closing the connection.
	EventKicked
	// EventError notifies clients about a rejected request.
	EventError
)

var eventNames = [...]string{
	EventRoomState:      "room_state",
	EventUserJoined:     "user_joined",
	EventUserLeft:       "user_left",
	EventUserMoved:      "user_moved",
	EventRoomMessage:    "message",
	EventUserActive:     "user_active",
	EventUserInactive:   "user_inactive",
	EventStreams:        "streams",
	EventStreamAccepted: "stream_accepted",
	EventStreamRejected: "stream_rejected",
	EventListenRejected: "listen_rejected",
	EventStreamSignal:   "stream_signal",
	EventChess:          "chess",
	EventJanken:         "janken",
	EventCounter:        "counter",
	EventPong:           "pong",
	EventKicked:         "kicked",
	EventError:          "error",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is sent to clients to describe what happened in the system. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	UserID    string
	User      *UserView
	RoomState *RoomStateView
	Streams   []SlotView
	Slot      int
	StreamID  uint64
	Reason    string
	Signal    *Signal
	Message   *Message
	Chess     *chess.State
	Janken    *janken.State
	Counter   int64
	Error     *CoreError
}
