package http

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/iccanobif/gikopoi2-sub001/internal/core"
	"github.com/iccanobif/gikopoi2-sub001/internal/game/janken"
	"github.com/iccanobif/gikopoi2-sub001/internal/proto"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

var errMalformed = &proto.Error{Code: core.ErrCodeBadRequest, Msg: "malformed data"}

// inboundToCommand maps a client frame to a hub command. Malformed frames
// yield a protocol error for the sender and no command.
func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	decode := func(v any) bool {
		if len(inbound.Data) == 0 {
			return false
		}
		return json.Unmarshal(inbound.Data, v) == nil
	}

	switch inbound.Type {
	case proto.InboundTypePing:
		return &core.Command{Kind: core.CommandPing}, nil
	case proto.InboundTypeMove:
		var d proto.MoveData
		if !decode(&d) {
			return nil, errMalformed
		}
		return &core.Command{Kind: core.CommandMove, Direction: world.Direction(d.Direction)}, nil
	case proto.InboundTypeChangeRoom:
		var d proto.ChangeRoomData
		if !decode(&d) || d.RoomID == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "room_id is required"}
		}
		return &core.Command{Kind: core.CommandChangeRoom, TargetRoomID: d.RoomID, TargetDoorID: d.DoorID}, nil
	case proto.InboundTypeMessage:
		var d proto.MessageData
		if !decode(&d) {
			return nil, errMalformed
		}
		return &core.Command{Kind: core.CommandSendMessage, Text: d.Text}, nil
	case proto.InboundTypeBlock:
		var d proto.BlockData
		if !decode(&d) || d.UserID == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "user_id is required"}
		}
		return &core.Command{Kind: core.CommandBlock, TargetUserID: d.UserID}, nil
	case proto.InboundTypeCounterIncrement:
		return &core.Command{Kind: core.CommandIncrementCounter}, nil
	case proto.InboundTypeStreamPublish:
		var d proto.StreamPublishData
		if !decode(&d) {
			return nil, errMalformed
		}
		return &core.Command{
			Kind: core.CommandStreamPublish,
			Slot: d.Slot,
			Mode: rooms.Mode{
				WithVideo:  d.WithVideo,
				WithSound:  d.WithSound,
				Restricted: d.IsVisibleOnlyToSpecificUsers,
				Allowed:    d.AllowedListeners,
			},
		}, nil
	case proto.InboundTypeStreamStop:
		return &core.Command{Kind: core.CommandStreamStop}, nil
	case proto.InboundTypeStreamTake, proto.InboundTypeStreamDrop:
		var d proto.SlotData
		if !decode(&d) {
			return nil, errMalformed
		}
		kind := core.CommandStreamTake
		if inbound.Type == proto.InboundTypeStreamDrop {
			kind = core.CommandStreamDrop
		}
		return &core.Command{Kind: kind, Slot: d.Slot}, nil
	case proto.InboundTypeStreamSignal:
		var d proto.StreamSignalData
		if !decode(&d) {
			return nil, errMalformed
		}
		return &core.Command{Kind: core.CommandStreamSignal, Slot: d.Slot, Signal: signalFromData(d)}, nil
	case proto.InboundTypeStreamAllowedListeners:
		var d proto.AllowedListenersData
		if !decode(&d) {
			return nil, errMalformed
		}
		return &core.Command{Kind: core.CommandStreamAllowedListeners, Slot: d.Slot, Allowed: d.UserIDs}, nil
	case proto.InboundTypeChessJoin:
		return &core.Command{Kind: core.CommandChessJoin}, nil
	case proto.InboundTypeChessQuit:
		return &core.Command{Kind: core.CommandChessQuit}, nil
	case proto.InboundTypeChessMove:
		var d proto.ChessMoveData
		if !decode(&d) || d.Move == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "move is required"}
		}
		return &core.Command{Kind: core.CommandChessMove, Move: d.Move}, nil
	case proto.InboundTypeJankenJoin:
		return &core.Command{Kind: core.CommandJankenJoin}, nil
	case proto.InboundTypeJankenQuit:
		return &core.Command{Kind: core.CommandJankenQuit}, nil
	case proto.InboundTypeJankenChoose:
		var d proto.JankenChooseData
		if !decode(&d) {
			return nil, errMalformed
		}
		return &core.Command{Kind: core.CommandJankenChoose, Hand: janken.Hand(d.Hand)}, nil
	default:
		return nil, &proto.Error{Code: "invalid_message", Msg: "unknown message type"}
	}
}

func signalFromData(d proto.StreamSignalData) *core.Signal {
	sig := &core.Signal{Type: core.SignalType(d.Type), Role: d.Role, Candidate: d.Candidate}
	if d.SDP != "" {
		desc := webrtc.SessionDescription{SDP: d.SDP, Type: webrtc.NewSDPType(d.Type)}
		sig.Description = &desc
	}
	return sig
}

func signalData(ev *core.Event) proto.StreamSignalData {
	d := proto.StreamSignalData{Slot: ev.Slot, StreamID: ev.StreamID}
	if sig := ev.Signal; sig != nil {
		d.Type = string(sig.Type)
		d.Role = sig.Role
		d.Candidate = sig.Candidate
		if sig.Description != nil {
			d.SDP = sig.Description.SDP
		}
	}
	return d
}

func protoError(e *core.CoreError) *proto.Error {
	if e == nil {
		return nil
	}
	return &proto.Error{Code: e.Code, Msg: e.Message}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	out := proto.Outbound{Type: proto.OutboundTypeEvent, Event: event.Kind.String()}
	switch event.Kind {
	case core.EventRoomState:
		out.Data = event.RoomState
	case core.EventUserJoined, core.EventUserMoved:
		out.Data = proto.EventUser{UserID: event.UserID, User: event.User}
	case core.EventUserLeft, core.EventUserActive, core.EventUserInactive:
		out.Data = proto.EventUser{UserID: event.UserID}
	case core.EventRoomMessage:
		if event.Message != nil {
			out.Data = proto.EventMessage{
				UserID: event.Message.From,
				Text:   event.Message.Text,
				TS:     event.Message.CreatedAt.Unix(),
			}
		}
	case core.EventStreams:
		out.Data = proto.EventStreams{Streams: event.Streams}
	case core.EventStreamAccepted:
		out.Data = proto.EventStreamAccepted{Slot: event.Slot, StreamID: event.StreamID}
	case core.EventStreamRejected, core.EventListenRejected:
		out.Data = proto.EventStreamRejected{Slot: event.Slot, Reason: event.Reason}
	case core.EventStreamSignal:
		out.Data = signalData(event)
	case core.EventChess:
		out.Data = proto.EventGame{State: event.Chess, Error: protoError(event.Error)}
	case core.EventJanken:
		out.Data = proto.EventGame{State: event.Janken, Error: protoError(event.Error)}
	case core.EventCounter:
		out.Data = proto.EventCounter{Value: event.Counter}
	case core.EventKicked:
		out.Data = proto.EventKicked{Reason: event.Reason}
	case core.EventError:
		out = proto.Outbound{Type: proto.OutboundTypeError, Error: protoError(event.Error)}
		if out.Error == nil {
			out.Error = &proto.Error{Code: "unknown", Msg: "unknown error"}
		}
	}
	return out
}
