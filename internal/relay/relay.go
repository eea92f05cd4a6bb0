// Package relay describes the external media relay (SFU) as seen by the
// coordination core. The core only drives signaling and lifecycle; media never
// passes through it.
//
// Every call may block on the network and must be given a context. None of the
// methods are assumed to complete in order with respect to each other.
package relay

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrCorrupted signals that the relay reported a state the core cannot
	// recover from. Callers treat it as fatal for the process.
	ErrCorrupted = errors.New("relay: internal state corrupted")
	ErrNotReady  = errors.New("relay: server not connected")
	ErrNoServer  = errors.New("relay: no server available")
	ErrClosed    = errors.New("relay: closed")
	ErrNoRoom    = errors.New("relay: room not found")
	ErrNoHandle  = errors.New("relay: publisher handle not found")
)

// CandidateFunc receives local ICE candidates produced by a handle. It may be
// called from any goroutine.
type CandidateFunc func(webrtc.ICECandidateInit)

// Client is one connection to a relay server.
type Client interface {
	Connect(ctx context.Context) error
	CreateSession(ctx context.Context) (Session, error)
	Close() error
}

// Session groups the handles created for one stream slot binding.
type Session interface {
	ID() string
	// CreateRoom is idempotent: an existing room is not an error.
	CreateRoom(ctx context.Context, roomID string) error
	// Publish attaches a publisher to roomID with the client's offer and
	// returns the relay's answer.
	Publish(ctx context.Context, roomID string, offer webrtc.SessionDescription, onCandidate CandidateFunc) (Handle, webrtc.SessionDescription, error)
	// Listen subscribes to publisherID in roomID and returns the relay's offer;
	// the client's answer goes to Handle.SetRemoteAnswer.
	Listen(ctx context.Context, roomID, publisherID string, onCandidate CandidateFunc) (Handle, webrtc.SessionDescription, error)
	// Destroy tears down every handle of the session and the relay room if
	// the session created it.
	Destroy(ctx context.Context) error
}

// Handle is one peer connection on the relay.
type Handle interface {
	ID() string
	SetRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	Trickle(ctx context.Context, candidate webrtc.ICECandidateInit) error
	Detach(ctx context.Context) error
}
