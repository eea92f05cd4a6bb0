package rooms

import (
	"context"
	"slices"

	"github.com/pion/webrtc/v4"

	"github.com/iccanobif/gikopoi2-sub001/internal/game"
	"github.com/iccanobif/gikopoi2-sub001/internal/generation"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
)

// SlotState is the negotiation stage of a slot's publisher.
type SlotState string

const (
	SlotIdle        SlotState = "idle"
	SlotRequested   SlotState = "requested"
	SlotNegotiating SlotState = "negotiating"
	SlotReady       SlotState = "ready"
)

// ParticipantState is the negotiation stage of a listener.
type ParticipantState string

const (
	ParticipantRequested ParticipantState = "requested"
	ParticipantListening ParticipantState = "listening"
)

// Participant binds a user to an optional relay handle. Candidates that
// arrive before the handle exists wait in Pending.
type Participant struct {
	UserID  string
	Handle  relay.Handle
	State   ParticipantState
	Pending []webrtc.ICECandidateInit
}

// Mode is the media configuration a publisher asks for.
type Mode struct {
	WithVideo  bool
	WithSound  bool
	Restricted bool
	Allowed    []string
}

// StreamSlot is one publish/subscribe channel of a room. Slots are never
// destroyed; Clear returns them to idle.
type StreamSlot struct {
	Index     int
	State     SlotState
	IsActive  bool
	IsReady   bool
	WithVideo bool
	WithSound bool

	IsVisibleOnlyToSpecificUsers bool
	AllowedListeners             []string

	Publisher *Participant
	Listeners []*Participant

	Server  *relay.Server
	Session relay.Session
	// RelayRoom is the relay-side room id bound while negotiating or ready.
	RelayRoom string

	Watchdog game.Timer

	gen generation.Counter
}

// StreamID is the slot's version stamp. It strictly increases with every
// accepted publish request.
func (s *StreamSlot) StreamID() uint64 {
	return s.gen.Value()
}

// Begin binds the slot to userID under a new version stamp and returns the
// ticket continuations must hold. The previous generation is cancelled.
func (s *StreamSlot) Begin(parent context.Context, userID string, mode Mode) generation.Ticket {
	ticket := s.gen.Advance(parent)
	s.State = SlotRequested
	s.IsActive = true
	s.IsReady = false
	s.WithVideo = mode.WithVideo
	s.WithSound = mode.WithSound
	s.IsVisibleOnlyToSpecificUsers = mode.Restricted
	s.AllowedListeners = slices.Clone(mode.Allowed)
	s.Publisher = &Participant{UserID: userID, State: ParticipantRequested}
	s.Listeners = nil
	return ticket
}

// Ticket returns the ticket of the current generation.
func (s *StreamSlot) Ticket() generation.Ticket {
	return s.gen.Current()
}

// Current reports whether ticket still owns an active slot.
func (s *StreamSlot) Current(ticket generation.Ticket) bool {
	return s.IsActive && ticket.Valid()
}

// PublisherID returns the publishing user, or "".
func (s *StreamSlot) PublisherID() string {
	if s.Publisher == nil {
		return ""
	}
	return s.Publisher.UserID
}

// Binding is the set of relay resources released by Clear.
type Binding struct {
	Handles []relay.Handle
	Session relay.Session
}

// Empty reports whether there is nothing to tear down.
func (b Binding) Empty() bool {
	return len(b.Handles) == 0 && b.Session == nil
}

// Clear returns the slot to idle and hands back the relay resources it held.
// The version stamp is kept, but tickets of the current generation stop being
// valid.
func (s *StreamSlot) Clear() Binding {
	var b Binding
	if s.Publisher != nil && s.Publisher.Handle != nil {
		b.Handles = append(b.Handles, s.Publisher.Handle)
	}
	for _, l := range s.Listeners {
		if l.Handle != nil {
			b.Handles = append(b.Handles, l.Handle)
		}
	}
	b.Session = s.Session

	s.gen.Cancel()
	s.Watchdog.Stop()
	s.State = SlotIdle
	s.IsActive = false
	s.IsReady = false
	s.WithVideo = false
	s.WithSound = false
	s.IsVisibleOnlyToSpecificUsers = false
	s.AllowedListeners = nil
	s.Publisher = nil
	s.Listeners = nil
	s.Server = nil
	s.Session = nil
	s.RelayRoom = ""
	return b
}

// Listener returns userID's listener entry, or nil.
func (s *StreamSlot) Listener(userID string) *Participant {
	for _, l := range s.Listeners {
		if l.UserID == userID {
			return l
		}
	}
	return nil
}

// RemoveListener drops userID's listener entry and returns it, or nil.
func (s *StreamSlot) RemoveListener(userID string) *Participant {
	for i, l := range s.Listeners {
		if l.UserID == userID {
			s.Listeners = slices.Delete(s.Listeners, i, i+1)
			return l
		}
	}
	return nil
}

// IsAllowed reports whether userID passes the slot's allow-list.
func (s *StreamSlot) IsAllowed(userID string) bool {
	if !s.IsVisibleOnlyToSpecificUsers {
		return true
	}
	return userID == s.PublisherID() || slices.Contains(s.AllowedListeners, userID)
}

// SetAllowedListeners replaces the allow-list and returns the listeners that
// no longer pass it, already removed from the slot.
func (s *StreamSlot) SetAllowedListeners(ids []string) []*Participant {
	s.AllowedListeners = slices.Clone(ids)
	if !s.IsVisibleOnlyToSpecificUsers {
		return nil
	}
	var dropped []*Participant
	kept := s.Listeners[:0]
	for _, l := range s.Listeners {
		if s.IsAllowed(l.UserID) {
			kept = append(kept, l)
		} else {
			dropped = append(dropped, l)
		}
	}
	s.Listeners = kept
	return dropped
}

// Load is the slot's weight for relay balancing: the listener count, but at
// least floor while the slot is active.
func (s *StreamSlot) Load(floor int) int {
	if !s.IsActive {
		return 0
	}
	return max(len(s.Listeners), floor)
}
