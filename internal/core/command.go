package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/iccanobif/gikopoi2-sub001/internal/game/janken"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	CommandPing CommandKind = iota
	CommandMove
	CommandChangeRoom
	CommandSendMessage
	CommandBlock
	CommandIncrementCounter
	CommandStreamPublish
	CommandStreamStop
	CommandStreamTake
	CommandStreamDrop
	CommandStreamSignal
	CommandStreamAllowedListeners
	CommandChessJoin
	CommandChessQuit
	CommandChessMove
	CommandJankenJoin
	CommandJankenQuit
	CommandJankenChoose
)

// Command represents an action requested by a client.
type Command struct {
	Kind CommandKind

	Direction    world.Direction
	Text         string
	TargetUserID string
	TargetRoomID string
	TargetDoorID string

	Slot    int
	Mode    rooms.Mode
	Signal  *Signal
	Allowed []string

	Move string
	Hand janken.Hand
}

// SignalType names a negotiation payload.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal roles tell the client which of its peer connections a payload is for.
const (
	RolePublisher = "publisher"
	RoleListener  = "listener"
)

// Signal is a WebRTC negotiation payload in either direction.
type Signal struct {
	Type        SignalType
	Role        string
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
}
