// Package livekit implements relay.Client on top of a LiveKit server.
//
// Rooms are managed through the twirp RoomService with a short-lived admin
// token. Every relay handle is a LiveKit participant whose signal websocket is
// driven by this process on behalf of the browser: the browser's SDP and ICE
// candidates are forwarded verbatim, so media flows directly between the
// browser and LiveKit.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	lk "github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/twitchtv/twirp"

	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
)

const (
	tokenTTL         = time.Hour
	roomEmptyTimeout = 5 * 60
)

// Client talks to one LiveKit deployment.
type Client struct {
	host      string
	apiKey    string
	apiSecret string
	rooms     lk.RoomService
	log       *zerolog.Logger

	// OnFatal, if set, receives errors that arrive outside any call, such as
	// the server evicting a participant because its identity was reused.
	OnFatal func(error)

	mu        sync.Mutex
	published map[string]*publication
	sessions  map[string]*session
}

// New returns a client for the LiveKit server at host (http or https URL).
func New(host, apiKey, apiSecret string, logger *zerolog.Logger) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:      host,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		rooms:     lk.NewRoomServiceProtobufClient(host, &http.Client{Timeout: 10 * time.Second}),
		log:       logger,
		published: make(map[string]*publication),
		sessions:  make(map[string]*session),
	}
}

// Connect verifies the RoomService answers with our credentials.
func (c *Client) Connect(ctx context.Context) error {
	ctx, err := c.adminContext(ctx, "")
	if err != nil {
		return err
	}
	if _, err := c.rooms.ListRooms(ctx, &lk.ListRoomsRequest{}); err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	return nil
}

// CreateSession opens a new session. It performs no I/O.
func (c *Client) CreateSession(ctx context.Context) (relay.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &session{id: uuid.NewString(), client: c, handles: make(map[string]*handle)}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	return s, nil
}

// Close destroys every open session.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, s := range sessions {
		if err := s.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) token(grant *auth.VideoGrant, identity string) (string, error) {
	at := auth.NewAccessToken(c.apiKey, c.apiSecret)
	at.SetVideoGrant(grant).
		SetValidFor(tokenTTL)
	if identity != "" {
		at.SetIdentity(identity)
	}
	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

func (c *Client) adminContext(ctx context.Context, room string) (context.Context, error) {
	token, err := c.token(&auth.VideoGrant{RoomCreate: true, RoomList: true, RoomAdmin: true, Room: room}, "")
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return twirp.WithHTTPRequestHeaders(ctx, h)
}

func (c *Client) signalURL(room, identity string) (string, error) {
	token, err := c.token(&auth.VideoGrant{RoomJoin: true, Room: room}, identity)
	if err != nil {
		return "", err
	}
	return signalURL(c.host, token), nil
}

func signalURL(host, token string) string {
	base := host
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/rtc?access_token=" + token + "&auto_subscribe=0&protocol=9"
}

func (c *Client) fatal(err error) {
	c.log.Error().Err(err).Msg("livekit reported unrecoverable state")
	if c.OnFatal != nil {
		c.OnFatal(err)
	}
}

// publication is the set of track sids a publisher handle owns.
type publication struct {
	room string
	sids []string
}

func (c *Client) publish(identity string, p *publication) {
	c.mu.Lock()
	c.published[identity] = p
	c.mu.Unlock()
}

func (c *Client) unpublish(identity string) {
	c.mu.Lock()
	delete(c.published, identity)
	c.mu.Unlock()
}

func (c *Client) publication(identity string) *publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[identity]
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

// CreateRoom relies on LiveKit returning the existing room for a known name.
func (s *session) CreateRoom(ctx context.Context, roomID string) error {
	c := s.client
	ctx, err := c.adminContext(ctx, roomID)
	if err != nil {
		return err
	}
	if _, err := c.rooms.CreateRoom(ctx, &lk.CreateRoomRequest{Name: roomID, EmptyTimeout: roomEmptyTimeout}); err != nil {
		return fmt.Errorf("create room %s: %w", roomID, err)
	}
	s.mu.Lock()
	s.created = append(s.created, roomID)
	s.mu.Unlock()
	return nil
}

func (s *session) Publish(ctx context.Context, roomID string, offer webrtc.SessionDescription, onCandidate relay.CandidateFunc) (relay.Handle, webrtc.SessionDescription, error) {
	tracks, err := relay.OfferedTracks(offer)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	identity := "pub-" + uuid.NewString()
	sig, err := s.dial(ctx, roomID, identity, lk.SignalTarget_PUBLISHER, onCandidate)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	fail := func(err error) (relay.Handle, webrtc.SessionDescription, error) {
		sig.close()
		return nil, webrtc.SessionDescription{}, err
	}

	pub := &publication{room: roomID}
	for i, t := range tracks {
		cid := t.TrackID
		if cid == "" {
			cid = fmt.Sprintf("%s-%d", t.Kind, i)
		}
		if err := sig.send(ctx, addTrackRequest(cid, t.Kind)); err != nil {
			return fail(err)
		}
		published, err := await(ctx, sig, sig.published)
		if err != nil {
			return fail(fmt.Errorf("await track %s: %w", cid, err))
		}
		if published.GetTrack() != nil {
			pub.sids = append(pub.sids, published.GetTrack().GetSid())
		}
	}

	req := &lk.SignalRequest{Message: &lk.SignalRequest_Offer{Offer: &lk.SessionDescription{Type: "offer", Sdp: offer.SDP}}}
	if err := sig.send(ctx, req); err != nil {
		return fail(err)
	}
	answer, err := await(ctx, sig, sig.answers)
	if err != nil {
		return fail(fmt.Errorf("await answer: %w", err))
	}

	s.client.publish(identity, pub)
	h := s.register(identity, sig)
	h.publisher = true
	return h, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.GetSdp()}, nil
}

func (s *session) Listen(ctx context.Context, roomID, publisherID string, onCandidate relay.CandidateFunc) (relay.Handle, webrtc.SessionDescription, error) {
	pub := s.client.publication(publisherID)
	if pub == nil || pub.room != roomID {
		return nil, webrtc.SessionDescription{}, relay.ErrNoHandle
	}
	identity := "sub-" + uuid.NewString()
	sig, err := s.dial(ctx, roomID, identity, lk.SignalTarget_SUBSCRIBER, onCandidate)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	req := &lk.SignalRequest{Message: &lk.SignalRequest_Subscription{Subscription: &lk.UpdateSubscription{
		TrackSids: pub.sids,
		Subscribe: true,
	}}}
	if err := sig.send(ctx, req); err != nil {
		sig.close()
		return nil, webrtc.SessionDescription{}, err
	}
	offer, err := await(ctx, sig, sig.offers)
	if err != nil {
		sig.close()
		return nil, webrtc.SessionDescription{}, fmt.Errorf("await offer: %w", err)
	}
	return s.register(identity, sig), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.GetSdp()}, nil
}

func (s *session) register(identity string, sig *signal) *handle {
	h := &handle{id: identity, sig: sig, session: s}
	s.mu.Lock()
	s.handles[identity] = h
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
	for _, room := range created {
		actx, err := c.adminContext(ctx, room)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := c.rooms.DeleteRoom(actx, &lk.DeleteRoomRequest{Room: room}); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("delete room %s: %w", room, err))
		}
	}
	c.mu.Lock()
	delete(c.sessions, s.id)
	c.mu.Unlock()
	return errors.Join(errs...)
}

func isNotFound(err error) bool {
	var terr twirp.Error
	return errors.As(err, &terr) && terr.Code() == twirp.NotFound
}

type handle struct {
	id        string
	sig       *signal
	session   *session
	publisher bool
	once      sync.Once
}

func (h *handle) ID() string { return h.id }

func (h *handle) SetRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	req := &lk.SignalRequest{Message: &lk.SignalRequest_Answer{Answer: &lk.SessionDescription{Type: "answer", Sdp: answer.SDP}}}
	return h.sig.send(ctx, req)
}

func (h *handle) Trickle(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	req, err := trickleRequest(candidate, h.sig.target)
	if err != nil {
		return err
	}
	return h.sig.send(ctx, req)
}

func (h *handle) Detach(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		if h.publisher {
			h.session.client.unpublish(h.id)
		}
		h.session.mu.Lock()
		delete(h.session.handles, h.id)
		h.session.mu.Unlock()

		leave := &lk.SignalRequest{Message: &lk.SignalRequest_Leave{Leave: &lk.LeaveRequest{Reason: lk.DisconnectReason_CLIENT_INITIATED}}}
		if serr := h.sig.send(ctx, leave); serr != nil && !errors.Is(serr, relay.ErrClosed) {
			err = serr
		}
		h.sig.close()
	})
	return err
}

var (
	_ relay.Client  = (*Client)(nil)
	_ relay.Session = (*session)(nil)
	_ relay.Handle  = (*handle)(nil)
)
