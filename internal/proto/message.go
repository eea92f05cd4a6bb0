package proto

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypePing                   = "ping"
	InboundTypeMove                   = "move"
	InboundTypeChangeRoom             = "change_room"
	InboundTypeMessage                = "message"
	InboundTypeBlock                  = "block"
	InboundTypeCounterIncrement       = "counter_increment"
	InboundTypeStreamPublish          = "stream_publish"
	InboundTypeStreamStop             = "stream_stop"
	InboundTypeStreamTake             = "stream_take"
	InboundTypeStreamDrop             = "stream_drop"
	InboundTypeStreamSignal           = "stream_signal"
	InboundTypeStreamAllowedListeners = "stream_allowed_listeners"
	InboundTypeChessJoin              = "chess_join"
	InboundTypeChessQuit              = "chess_quit"
	InboundTypeChessMove              = "chess_move"
	InboundTypeJankenJoin             = "janken_join"
	InboundTypeJankenQuit             = "janken_quit"
	InboundTypeJankenChoose           = "janken_choose"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"
)

// MoveData asks to turn or step in a direction.
type MoveData struct {
	Direction string `json:"direction"`
}

// ChangeRoomData names the destination room and the door to arrive at.
// An empty door means the room's spawn door.
type ChangeRoomData struct {
	RoomID string `json:"room_id"`
	DoorID string `json:"door_id,omitempty"`
}

// MessageData is a chat line.
type MessageData struct {
	Text string `json:"text"`
}

// BlockData names the user to block.
type BlockData struct {
	UserID string `json:"user_id"`
}

// SlotData addresses one stream slot.
type SlotData struct {
	Slot int `json:"slot"`
}

// StreamPublishData requests a slot for publishing.
type StreamPublishData struct {
	Slot                         int      `json:"slot"`
	WithVideo                    bool     `json:"with_video"`
	WithSound                    bool     `json:"with_sound"`
	IsVisibleOnlyToSpecificUsers bool     `json:"is_visible_only_to_specific_users"`
	AllowedListeners             []string `json:"allowed_listeners,omitempty"`
}

// AllowedListenersData replaces the allow-list of the caller's stream.
type AllowedListenersData struct {
	Slot    int      `json:"slot"`
	UserIDs []string `json:"user_ids"`
}

// StreamSignalData carries SDP or an ICE candidate in either direction.
type StreamSignalData struct {
	Slot      int                      `json:"slot"`
	StreamID  uint64                   `json:"stream_id,omitempty"`
	Type      string                   `json:"type"`
	Role      string                   `json:"role,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// ChessMoveData is a move in long algebraic notation, e.g. "e2e4".
type ChessMoveData struct {
	Move string `json:"move"`
}

// JankenChooseData picks a hand.
type JankenChooseData struct {
	Hand string `json:"hand"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventUser carries a user id and, for joins and moves, the public record.
type EventUser struct {
	UserID string `json:"user_id"`
	User   any    `json:"user,omitempty"`
}

// EventMessage is a chat line delivered to the room.
type EventMessage struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	TS     int64  `json:"ts"`
}

// EventStreams is the slot array as seen by the receiver.
type EventStreams struct {
	Streams any `json:"streams"`
}

// EventStreamAccepted confirms a publish request.
type EventStreamAccepted struct {
	Slot     int    `json:"slot"`
	StreamID uint64 `json:"stream_id"`
}

// EventStreamRejected explains why a publish or listen request failed.
type EventStreamRejected struct {
	Slot   int    `json:"slot"`
	Reason string `json:"reason"`
}

// EventCounter is the new value of the room counter.
type EventCounter struct {
	Value int64 `json:"value"`
}

// EventKicked precedes the server closing the connection.
type EventKicked struct {
	Reason string `json:"reason"`
}

// EventGame wraps a game state together with the reason a request was refused.
type EventGame struct {
	State any    `json:"state"`
	Error *Error `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
