package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeUnknownUser  = "unknown_user"
	ErrCodeRoomNotFound = "room_not_found"
	ErrCodeAreaNotFound = "area_not_found"
	ErrCodeDoorNotFound = "door_not_found"
	ErrCodeInvalidMove  = "invalid_move"
	ErrCodeMessageLong  = "message_too_long"
	ErrCodeGameMissing  = "game_not_available"
	ErrCodeJanken       = "janken_rejected"
	ErrCodeInvalidName  = "invalid_name"

	// Stream rejection reasons, sent as stream_rejected / listen_rejected.
	ErrCodeSlotNotFound   = "stream_slot_not_found"
	ErrCodeSlotBusy       = "stream_slot_busy"
	ErrCodeSlotNotReady   = "stream_slot_not_ready"
	ErrCodeNotPublishing  = "stream_not_active"
	ErrCodeNotAllowed     = "stream_not_allowed"
	ErrCodeBlocked        = "blocked"
	ErrCodeNoRelay        = "no_relay_available"
	ErrCodeRelayFailure   = "relay_error"
	ErrCodePublishTimeout = "publish_timeout"
	ErrCodeBadSignal      = "bad_signal"
)

var (
	ErrHubStopped   = errors.New("hub stopped")
	ErrUnknownUser  = errors.New("unknown user")
	ErrUnknownRoom  = errors.New("unknown room")
	ErrUnknownArea  = errors.New("unknown area")
	ErrDoorGraph    = errors.New("rebuilt room changes its door graph")
	ErrNotDynamic   = errors.New("room is not dynamic")
	ErrNoReputation = errors.New("reputation gate not configured")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
