// Package local is an in-process relay built on pion/webrtc. Each publisher's
// incoming tracks are fanned out to every listener handle subscribed to it.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
)

// Client is an in-process relay server.
type Client struct {
	cfg webrtc.Configuration
	log *zerolog.Logger

	mu        sync.Mutex
	api       *webrtc.API
	rooms     map[string]*room
	sessions  map[string]*session
	connected bool
}

// New returns a client whose peer connections use the given ICE servers.
func New(iceServers []string, logger *zerolog.Logger) *Client {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Client{
		cfg:      cfg,
		log:      logger,
		rooms:    make(map[string]*room),
		sessions: make(map[string]*session),
	}
}

// Connect builds the media engine. It performs no network I/O.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	c.connected = true
	return nil
}

// CreateSession opens a new session.
func (c *Client) CreateSession(ctx context.Context) (relay.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, relay.ErrNotReady
	}
	s := &session{id: uuid.NewString(), client: c, handles: make(map[string]*handle)}
	c.sessions[s.id] = s
	return s, nil
}

// Close tears down every session.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.connected = false
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Destroy(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) room(id string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[id]
}

type room struct {
	id string

	mu         sync.Mutex
	publishers map[string]*publisher
}

func (r *room) publisher(id string) *publisher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishers[id]
}

// publisher collects the local tracks mirrored from one publishing peer.
type publisher struct {
	pc       *webrtc.PeerConnection
	expected int

	mu      sync.Mutex
	tracks  []*webrtc.TrackLocalStaticRTP
	ssrcs   []webrtc.SSRC
	arrived chan struct{}
}

func (p *publisher) addTrack(t *webrtc.TrackLocalStaticRTP, ssrc webrtc.SSRC) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	p.ssrcs = append(p.ssrcs, ssrc)
	if len(p.tracks) == p.expected {
		close(p.arrived)
	}
}

func (p *publisher) snapshot() ([]*webrtc.TrackLocalStaticRTP, []webrtc.SSRC) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*webrtc.TrackLocalStaticRTP(nil), p.tracks...), append([]webrtc.SSRC(nil), p.ssrcs...)
}

// requestKeyframe asks the publisher for a fresh keyframe so a new listener
// does not wait for the next natural one.
func (p *publisher) requestKeyframe() {
	_, ssrcs := p.snapshot()
	pkts := make([]rtcp.Packet, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)})
	}
	if len(pkts) > 0 {
		_ = p.pc.WriteRTCP(pkts)
	}
}

type session struct {
	id     string
	client *Client

	mu      sync.Mutex
	handles map[string]*handle
	created []string
	closed  bool
}

func (s *session) ID() string { return s.id }

func (s *session) CreateRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.client
	c.mu.Lock()
	_, exists := c.rooms[roomID]
	if !exists {
		c.rooms[roomID] = &room{id: roomID, publishers: make(map[string]*publisher)}
	}
	c.mu.Unlock()
	if !exists {
		s.mu.Lock()
		s.created = append(s.created, roomID)
		s.mu.Unlock()
	}
	return nil
}

func (s *session) newPeer(onCandidate relay.CandidateFunc) (*webrtc.PeerConnection, error) {
	s.client.mu.Lock()
	api := s.client.api
	s.client.mu.Unlock()
	if api == nil {
		return nil, relay.ErrNotReady
	}
	pc, err := api.NewPeerConnection(s.client.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil && onCandidate != nil {
			onCandidate(c.ToJSON())
		}
	})
	return pc, nil
}

func (s *session) Publish(ctx context.Context, roomID string, offer webrtc.SessionDescription, onCandidate relay.CandidateFunc) (relay.Handle, webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	r := s.client.room(roomID)
	if r == nil {
		return nil, webrtc.SessionDescription{}, relay.ErrNoRoom
	}
	tracks, err := relay.OfferedTracks(offer)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	pc, err := s.newPeer(onCandidate)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}

	pub := &publisher{pc: pc, expected: len(tracks), arrived: make(chan struct{})}
	if pub.expected == 0 {
		close(pub.arrived)
	}
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
		if err != nil {
			s.client.log.Warn().Err(err).Str("room", roomID).Msg("mirror track failed")
			return
		}
		pub.addTrack(local, remote.SSRC())
		go forward(remote, local)
	})

	answer, err := negotiateAnswer(pc, offer)
	if err != nil {
		_ = pc.Close()
		return nil, webrtc.SessionDescription{}, err
	}

	h := s.register(pc)
	r.mu.Lock()
	r.publishers[h.id] = pub
	r.mu.Unlock()
	h.onDetach = func() {
		r.mu.Lock()
		delete(r.publishers, h.id)
		r.mu.Unlock()
	}
	return h, answer, nil
}

func negotiateAnswer(pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set answer: %w", err)
	}
	return *pc.LocalDescription(), nil
}

// mtu bounds one inbound RTP packet.
const mtu = 1500

func forward(remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, mtu)
	var pkt rtp.Packet
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		stripExtensions(&pkt)
		if err := local.WriteRTP(&pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return
		}
	}
}

// stripExtensions drops header extensions negotiated with the publisher; their
// ids mean nothing to a listener's peer connection.
func stripExtensions(pkt *rtp.Packet) {
	pkt.Header.Extension = false
	pkt.Header.ExtensionProfile = 0
	pkt.Header.Extensions = nil
}

func (s *session) Listen(ctx context.Context, roomID, publisherID string, onCandidate relay.CandidateFunc) (relay.Handle, webrtc.SessionDescription, error) {
	r := s.client.room(roomID)
	if r == nil {
		return nil, webrtc.SessionDescription{}, relay.ErrNoRoom
	}
	pub := r.publisher(publisherID)
	if pub == nil {
		return nil, webrtc.SessionDescription{}, relay.ErrNoHandle
	}
	select {
	case <-pub.arrived:
	case <-ctx.Done():
		return nil, webrtc.SessionDescription{}, ctx.Err()
	}

	pc, err := s.newPeer(onCandidate)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	tracks, _ := pub.snapshot()
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, webrtc.SessionDescription{}, fmt.Errorf("add track: %w", err)
		}
		go drainRTCP(sender)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, webrtc.SessionDescription{}, fmt.Errorf("set offer: %w", err)
	}
	pub.requestKeyframe()
	return s.register(pc), *pc.LocalDescription(), nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *session) register(pc *webrtc.PeerConnection) *handle {
	h := &handle{id: uuid.NewString(), pc: pc, session: s}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	return h
}

func (s *session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	created := s.created
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Detach(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c := s.client
	c.mu.Lock()
	for _, id := range created {
		delete(c.rooms, id)
	}
	delete(c.sessions, s.id)
	c.mu.Unlock()
	return errors.Join(errs...)
}

type handle struct {
	id       string
	pc       *webrtc.PeerConnection
	session  *session
	onDetach func()
	once     sync.Once
}

func (h *handle) ID() string { return h.id }

func (h *handle) SetRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	return nil
}

func (h *handle) Trickle(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (h *handle) Detach(context.Context) error {
	var err error
	h.once.Do(func() {
		if h.onDetach != nil {
			h.onDetach()
		}
		h.session.mu.Lock()
		delete(h.session.handles, h.id)
		h.session.mu.Unlock()
		err = h.pc.Close()
	})
	return err
}

var (
	_ relay.Client  = (*Client)(nil)
	_ relay.Session = (*session)(nil)
	_ relay.Handle  = (*handle)(nil)
)
