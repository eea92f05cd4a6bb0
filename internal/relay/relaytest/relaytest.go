// Package relaytest provides an in-memory relay.Client for tests.
package relaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
)

// Relay records every call and lets tests delay or fail them.
type Relay struct {
	// Latency is applied to every blocking call.
	Latency time.Duration
	// Gate, when set, holds Publish and Listen until it is closed or receives.
	Gate chan struct{}

	mu          sync.Mutex
	seq         int
	connectErr  error
	publishErr  error
	listenErr   error
	rooms       map[string]bool
	handles     map[string]*Handle
	sessions    int
	destroyed   int
	publishCall int
}

// New returns an empty fake relay.
func New() *Relay {
	return &Relay{rooms: make(map[string]bool), handles: make(map[string]*Handle)}
}

// FailConnect makes Connect return err.
func (r *Relay) FailConnect(err error) {
	r.mu.Lock()
	r.connectErr = err
	r.mu.Unlock()
}

// FailPublish makes Publish return err.
func (r *Relay) FailPublish(err error) {
	r.mu.Lock()
	r.publishErr = err
	r.mu.Unlock()
}

// FailListen makes Listen return err.
func (r *Relay) FailListen(err error) {
	r.mu.Lock()
	r.listenErr = err
	r.mu.Unlock()
}

// Live returns the number of handles not yet detached.
func (r *Relay) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if !h.detached {
			n++
		}
	}
	return n
}

// PublishCalls returns how many Publish calls reached the relay.
func (r *Relay) PublishCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishCall
}

// Sessions returns how many sessions were created and destroyed.
func (r *Relay) Sessions() (created, destroyed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions, r.destroyed
}

// Handle returns a handle by id.
func (r *Relay) Handle(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

func (r *Relay) wait(ctx context.Context, gated bool) error {
	if r.Latency > 0 {
		select {
		case <-time.After(r.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if gated && r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Relay) Connect(ctx context.Context) error {
	if err := r.wait(ctx, false); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectErr
}

func (r *Relay) CreateSession(ctx context.Context) (relay.Session, error) {
	if err := r.wait(ctx, false); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.sessions++
	return &Session{id: fmt.Sprintf("session-%d", r.seq), relay: r}, nil
}

func (r *Relay) Close() error { return nil }

// Session is a fake relay session.
type Session struct {
	id    string
	relay *Relay
	mine  []*Handle
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreateRoom(ctx context.Context, roomID string) error {
	if err := s.relay.wait(ctx, false); err != nil {
		return err
	}
	s.relay.mu.Lock()
	s.relay.rooms[roomID] = true
	s.relay.mu.Unlock()
	return nil
}

func (s *Session) Publish(ctx context.Context, roomID string, offer webrtc.SessionDescription, onCandidate relay.CandidateFunc) (relay.Handle, webrtc.SessionDescription, error) {
	r := s.relay
	r.mu.Lock()
	r.publishCall++
	r.mu.Unlock()
	if err := r.wait(ctx, true); err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return nil, webrtc.SessionDescription{}, r.publishErr
	}
	if !r.rooms[roomID] {
		return nil, webrtc.SessionDescription{}, relay.ErrNoRoom
	}
	h := s.newHandle(roomID, true)
	if onCandidate != nil {
		go onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + h.id})
	}
	return h, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + offer.SDP}, nil
}

func (s *Session) Listen(ctx context.Context, roomID, publisherID string, _ relay.CandidateFunc) (relay.Handle, webrtc.SessionDescription, error) {
	r := s.relay
	if err := r.wait(ctx, true); err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listenErr != nil {
		return nil, webrtc.SessionDescription{}, r.listenErr
	}
	pub := r.handles[publisherID]
	if pub == nil || pub.detached || pub.Room != roomID {
		return nil, webrtc.SessionDescription{}, relay.ErrNoHandle
	}
	h := s.newHandle(roomID, false)
	return h, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + publisherID}, nil
}

// newHandle must be called with relay.mu held.
func (s *Session) newHandle(roomID string, publisher bool) *Handle {
	r := s.relay
	r.seq++
	h := &Handle{id: fmt.Sprintf("handle-%d", r.seq), Room: roomID, Publisher: publisher, relay: r}
	r.handles[h.id] = h
	s.mine = append(s.mine, h)
	return h
}

func (s *Session) Destroy(context.Context) error {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	for _, h := range s.mine {
		h.detached = true
	}
	s.relay.destroyed++
	return nil
}

// Handle is a fake relay handle.
type Handle struct {
	id        string
	Room      string
	Publisher bool
	relay     *Relay

	detached bool
	answer   string
	trickled []webrtc.ICECandidateInit
}

func (h *Handle) ID() string { return h.id }

// Detached reports whether Detach was called.
func (h *Handle) Detached() bool {
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	return h.detached
}

// Answer returns the last remote answer.
func (h *Handle) Answer() string {
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	return h.answer
}

// Trickled returns the candidates received so far.
func (h *Handle) Trickled() []webrtc.ICECandidateInit {
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), h.trickled...)
}

func (h *Handle) SetRemoteAnswer(_ context.Context, answer webrtc.SessionDescription) error {
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	if h.detached {
		return relay.ErrClosed
	}
	h.answer = answer.SDP
	return nil
}

func (h *Handle) Trickle(_ context.Context, c webrtc.ICECandidateInit) error {
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	if h.detached {
		return relay.ErrClosed
	}
	h.trickled = append(h.trickled, c)
	return nil
}

func (h *Handle) Detach(context.Context) error {
	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	h.detached = true
	return nil
}

var (
	_ relay.Client  = (*Relay)(nil)
	_ relay.Session = (*Session)(nil)
	_ relay.Handle  = (*Handle)(nil)
)
