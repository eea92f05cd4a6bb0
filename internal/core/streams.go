package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/iccanobif/gikopoi2-sub001/internal/generation"
	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
)

// handlePublish binds a slot to u under a new version stamp. A user holds at
// most one publication per room; any previous one is torn down first.
func (h *Hub) handlePublish(c *Client, u *presence.User, cmd *Command) {
	st := h.currentRoom(u)
	var slot *rooms.StreamSlot
	if st != nil {
		slot = st.Slot(cmd.Slot)
	}
	if slot == nil {
		h.rejectPublish(c, cmd.Slot, ErrCodeSlotNotFound)
		return
	}
	if slot.IsActive && slot.PublisherID() != u.ID {
		h.rejectPublish(c, cmd.Slot, ErrCodeSlotBusy)
		return
	}

	var bindings []rooms.Binding
	for _, s := range st.Streams {
		if s.IsActive && s.PublisherID() == u.ID {
			bindings = append(bindings, s.Clear())
		}
	}

	ticket := slot.Begin(h.ctx, u.ID, cmd.Mode)
	slot.Watchdog.Arm(h.cfg.PublishTimeout, func(t generation.Ticket) {
		h.post(func() {
			if !t.Valid() || !slot.Current(ticket) {
				return
			}
			h.failPublish(st, slot, ErrCodePublishTimeout)
		})
	})

	c.send(&Event{Kind: EventStreamAccepted, Slot: slot.Index, StreamID: slot.StreamID()})
	h.broadcastStreams(st)
	h.release(bindings...)

	h.log.Info().
		Str("user_id", u.ID).
		Str("area", st.Area).
		Str("room", st.Room.ID).
		Int("slot", slot.Index).
		Uint64("stream_id", slot.StreamID()).
		Msg("stream publish accepted")
}

func (h *Hub) rejectPublish(c *Client, slot int, reason string) {
	if c == nil {
		return
	}
	c.send(&Event{Kind: EventStreamRejected, Slot: slot, Reason: reason})
}

// failPublish clears slot after a publish attempt that cannot continue and
// tells the publisher why.
func (h *Hub) failPublish(st *rooms.RoomState, slot *rooms.StreamSlot, reason string) {
	publisher := slot.PublisherID()
	b := slot.Clear()
	h.rejectPublish(h.clientOf(publisher), slot.Index, reason)
	h.broadcastStreams(st)
	h.release(b)

	h.log.Warn().
		Str("user_id", publisher).
		Str("room", st.Room.ID).
		Int("slot", slot.Index).
		Str("reason", reason).
		Msg("stream publish failed")
}

// handleStop ends every publication of u. Observers are told before the relay
// teardown runs.
func (h *Hub) handleStop(u *presence.User) {
	st := h.currentRoom(u)
	if st == nil {
		return
	}
	var bindings []rooms.Binding
	for _, slot := range st.Streams {
		if slot.IsActive && slot.PublisherID() == u.ID {
			bindings = append(bindings, slot.Clear())
		}
	}
	if len(bindings) == 0 {
		return
	}
	h.broadcastStreams(st)
	h.release(bindings...)
}

// vacateStreams removes u as publisher and as listener from every slot of st.
// changed reports whether a publication ended.
func (h *Hub) vacateStreams(u *presence.User, st *rooms.RoomState) (bindings []rooms.Binding, changed bool) {
	for _, slot := range st.Streams {
		if slot.IsActive && slot.PublisherID() == u.ID {
			bindings = append(bindings, slot.Clear())
			changed = true
			continue
		}
		if l := slot.RemoveListener(u.ID); l != nil && l.Handle != nil {
			bindings = append(bindings, rooms.Binding{Handles: []relay.Handle{l.Handle}})
		}
	}
	return bindings, changed
}

func (h *Hub) handleTake(c *Client, u *presence.User, cmd *Command) {
	st := h.currentRoom(u)
	var slot *rooms.StreamSlot
	if st != nil {
		slot = st.Slot(cmd.Slot)
	}
	reject := func(reason string) {
		c.send(&Event{Kind: EventListenRejected, Slot: cmd.Slot, Reason: reason})
	}
	switch {
	case slot == nil:
		reject(ErrCodeSlotNotFound)
		return
	case !slot.IsActive || slot.PublisherID() == u.ID:
		reject(ErrCodeNotPublishing)
		return
	case presence.Blocked(u, h.users.ByID(slot.PublisherID())):
		reject(ErrCodeBlocked)
		return
	case !slot.IsAllowed(u.ID):
		reject(ErrCodeNotAllowed)
		return
	case !slot.IsReady || slot.Publisher.Handle == nil || slot.Session == nil:
		reject(ErrCodeSlotNotReady)
		return
	}

	var bindings []rooms.Binding
	if old := slot.RemoveListener(u.ID); old != nil && old.Handle != nil {
		bindings = append(bindings, rooms.Binding{Handles: []relay.Handle{old.Handle}})
	}
	h.release(bindings...)

	l := &rooms.Participant{UserID: u.ID, State: rooms.ParticipantRequested}
	slot.Listeners = append(slot.Listeners, l)

	ticket := slot.Ticket()
	session := slot.Session
	relayRoom := slot.RelayRoom
	publisherHandle := slot.Publisher.Handle.ID()
	onCandidate := h.candidateForwarder(slot, ticket, u.ID, RoleListener)

	type listenResult struct {
		handle relay.Handle
		offer  webrtc.SessionDescription
	}
	runAsync(h, ticket, func(ctx context.Context) (listenResult, error) {
		ctx, cancel := context.WithTimeout(ctx, h.relayTimeout())
		defer cancel()
		handle, offer, err := session.Listen(ctx, relayRoom, publisherHandle, onCandidate)
		return listenResult{handle: handle, offer: offer}, err
	}, func(res listenResult, err error) {
		current := slot.Current(ticket) && slot.Listener(u.ID) == l
		if err != nil {
			h.checkFatal(err)
			if current {
				slot.RemoveListener(u.ID)
				if c := h.clientOf(u.ID); c != nil {
					c.send(&Event{Kind: EventListenRejected, Slot: slot.Index, Reason: ErrCodeRelayFailure})
				}
				h.log.Warn().Err(err).Str("user_id", u.ID).Int("slot", slot.Index).Msg("relay listen failed")
			}
			if res.handle != nil {
				h.release(rooms.Binding{Handles: []relay.Handle{res.handle}})
			}
			return
		}
		if !current {
			h.release(rooms.Binding{Handles: []relay.Handle{res.handle}})
			return
		}
		l.Handle = res.handle
		h.flushPending(l)
		offer := res.offer
		if c := h.clientOf(u.ID); c != nil {
			c.send(&Event{
				Kind:     EventStreamSignal,
				Slot:     slot.Index,
				StreamID: slot.StreamID(),
				Signal:   &Signal{Type: SignalOffer, Role: RoleListener, Description: &offer},
			})
		}
	})
}

// handleDrop removes u from the listeners of a slot. Dropping a slot u is not
// listening to is a no-op.
func (h *Hub) handleDrop(u *presence.User, cmd *Command) {
	st := h.currentRoom(u)
	if st == nil {
		return
	}
	slot := st.Slot(cmd.Slot)
	if slot == nil {
		return
	}
	if l := slot.RemoveListener(u.ID); l != nil && l.Handle != nil {
		h.release(rooms.Binding{Handles: []relay.Handle{l.Handle}})
	}
}

func (h *Hub) handleAllowedListeners(c *Client, u *presence.User, cmd *Command) {
	st := h.currentRoom(u)
	var slot *rooms.StreamSlot
	if st != nil {
		slot = st.Slot(cmd.Slot)
	}
	if slot == nil || !slot.IsActive || slot.PublisherID() != u.ID {
		h.rejectPublish(c, cmd.Slot, ErrCodeNotPublishing)
		return
	}
	var b rooms.Binding
	for _, l := range slot.SetAllowedListeners(cmd.Allowed) {
		if l.Handle != nil {
			b.Handles = append(b.Handles, l.Handle)
		}
	}
	h.broadcastStreams(st)
	h.release(b)
}

// handleSignal routes a negotiation payload to the publisher or listener side
// of the slot.
func (h *Hub) handleSignal(c *Client, u *presence.User, cmd *Command) {
	sig := cmd.Signal
	st := h.currentRoom(u)
	var slot *rooms.StreamSlot
	if st != nil {
		slot = st.Slot(cmd.Slot)
	}
	if sig == nil || slot == nil {
		c.send(errorEvent(ErrCodeBadSignal, "invalid signal"))
		return
	}

	role := sig.Role
	if role == "" {
		role = RoleListener
		if slot.IsActive && slot.PublisherID() == u.ID {
			role = RolePublisher
		}
	}
	if role == RolePublisher {
		h.publisherSignal(c, u, st, slot, sig)
		return
	}
	h.listenerSignal(c, u, slot, sig)
}

func (h *Hub) publisherSignal(c *Client, u *presence.User, st *rooms.RoomState, slot *rooms.StreamSlot, sig *Signal) {
	if !slot.IsActive || slot.PublisherID() != u.ID {
		h.rejectPublish(c, slot.Index, ErrCodeNotPublishing)
		return
	}
	switch sig.Type {
	case SignalOffer:
		if sig.Description == nil || slot.State != rooms.SlotRequested {
			c.send(errorEvent(ErrCodeBadSignal, "unexpected offer"))
			return
		}
		h.startPublish(st, slot, *sig.Description)
	case SignalCandidate:
		if sig.Candidate == nil {
			c.send(errorEvent(ErrCodeBadSignal, "missing candidate"))
			return
		}
		h.trickle(slot.Publisher, *sig.Candidate)
	default:
		c.send(errorEvent(ErrCodeBadSignal, "unexpected signal"))
	}
}

func (h *Hub) listenerSignal(c *Client, u *presence.User, slot *rooms.StreamSlot, sig *Signal) {
	l := slot.Listener(u.ID)
	if !slot.IsActive || l == nil {
		c.send(&Event{Kind: EventListenRejected, Slot: slot.Index, Reason: ErrCodeNotPublishing})
		return
	}
	switch sig.Type {
	case SignalAnswer:
		if sig.Description == nil || l.Handle == nil {
			c.send(errorEvent(ErrCodeBadSignal, "unexpected answer"))
			return
		}
		l.State = rooms.ParticipantListening
		handle := l.Handle
		answer := *sig.Description
		h.relayCall(func(ctx context.Context) error { return handle.SetRemoteAnswer(ctx, answer) })
	case SignalCandidate:
		if sig.Candidate == nil {
			c.send(errorEvent(ErrCodeBadSignal, "missing candidate"))
			return
		}
		h.trickle(l, *sig.Candidate)
	default:
		c.send(errorEvent(ErrCodeBadSignal, "unexpected signal"))
	}
}

// startPublish picks the least loaded relay and negotiates the publisher's
// offer there. Each step runs under the slot's ticket; a result that arrives
// after the slot moved on is torn down without touching the slot.
func (h *Hub) startPublish(st *rooms.RoomState, slot *rooms.StreamSlot, offer webrtc.SessionDescription) {
	slot.Watchdog.Stop()
	server, err := h.relays.LeastLoaded(h.rooms.RelayLoads(h.cfg.RelayLoadFloor))
	if err != nil {
		h.failPublish(st, slot, ErrCodeNoRelay)
		return
	}

	slot.State = rooms.SlotNegotiating
	slot.Server = server
	slot.RelayRoom = fmt.Sprintf("%s-%s-%d-%d", st.Area, st.Room.ID, slot.Index, slot.StreamID())

	ticket := slot.Ticket()
	relayRoom := slot.RelayRoom
	publisherID := slot.PublisherID()
	onCandidate := h.candidateForwarder(slot, ticket, publisherID, RolePublisher)

	type publishResult struct {
		session relay.Session
		handle  relay.Handle
		answer  webrtc.SessionDescription
	}
	runAsync(h, ticket, func(ctx context.Context) (publishResult, error) {
		ctx, cancel := context.WithTimeout(ctx, h.relayTimeout())
		defer cancel()
		var res publishResult
		session, err := server.Client.CreateSession(ctx)
		if err != nil {
			return res, fmt.Errorf("create session: %w", err)
		}
		res.session = session
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := session.CreateRoom(ctx, relayRoom); err != nil {
			return res, fmt.Errorf("create room: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		handle, answer, err := session.Publish(ctx, relayRoom, offer, onCandidate)
		if err != nil {
			return res, fmt.Errorf("publish: %w", err)
		}
		res.handle, res.answer = handle, answer
		return res, nil
	}, func(res publishResult, err error) {
		leftover := rooms.Binding{Session: res.session}
		if res.handle != nil {
			leftover.Handles = []relay.Handle{res.handle}
		}
		if !slot.Current(ticket) {
			h.release(leftover)
			return
		}
		if err != nil {
			h.checkFatal(err)
			h.log.Warn().Err(err).Str("relay", server.ID).Str("relay_room", relayRoom).Msg("relay publish failed")
			h.failPublish(st, slot, ErrCodeRelayFailure)
			h.release(leftover)
			return
		}

		slot.Session = res.session
		slot.Publisher.Handle = res.handle
		slot.Publisher.State = rooms.ParticipantListening
		slot.State = rooms.SlotReady
		slot.IsReady = true
		h.flushPending(slot.Publisher)

		answer := res.answer
		if c := h.clientOf(publisherID); c != nil {
			c.send(&Event{
				Kind:     EventStreamSignal,
				Slot:     slot.Index,
				StreamID: slot.StreamID(),
				Signal:   &Signal{Type: SignalAnswer, Role: RolePublisher, Description: &answer},
			})
		}
		h.broadcastStreams(st)

		h.log.Info().
			Str("user_id", publisherID).
			Str("relay", server.ID).
			Str("relay_room", relayRoom).
			Int("slot", slot.Index).
			Uint64("stream_id", slot.StreamID()).
			Msg("stream ready")
	})
}

// candidateForwarder returns a relay callback that delivers local candidates
// to userID as long as the slot generation and participant still exist.
func (h *Hub) candidateForwarder(slot *rooms.StreamSlot, ticket generation.Ticket, userID, role string) relay.CandidateFunc {
	return func(candidate webrtc.ICECandidateInit) {
		h.post(func() {
			if !slot.Current(ticket) {
				return
			}
			if role == RoleListener && slot.Listener(userID) == nil {
				return
			}
			c := h.clientOf(userID)
			if c == nil {
				return
			}
			c.send(&Event{
				Kind:     EventStreamSignal,
				Slot:     slot.Index,
				StreamID: ticket.Value,
				Signal:   &Signal{Type: SignalCandidate, Role: role, Candidate: &candidate},
			})
		})
	}
}

// trickle hands a remote candidate to p's relay handle, or keeps it until the
// handle exists.
func (h *Hub) trickle(p *rooms.Participant, candidate webrtc.ICECandidateInit) {
	if p.Handle == nil {
		p.Pending = append(p.Pending, candidate)
		return
	}
	handle := p.Handle
	h.relayCall(func(ctx context.Context) error { return handle.Trickle(ctx, candidate) })
}

func (h *Hub) flushPending(p *rooms.Participant) {
	pending := p.Pending
	p.Pending = nil
	for _, candidate := range pending {
		h.trickle(p, candidate)
	}
}

// relayCall runs a fire-and-forget relay call off the hub goroutine.
func (h *Hub) relayCall(call func(context.Context) error) {
	h.workers.Add(1)
	go func() {
		defer h.workers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.relayTimeout())
		defer cancel()
		if err := call(ctx); err != nil && !errors.Is(err, relay.ErrClosed) {
			h.log.Warn().Err(err).Msg("relay call failed")
			h.checkFatal(err)
		}
	}()
}
