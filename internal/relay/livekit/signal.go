package livekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	lk "github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"github.com/iccanobif/gikopoi2-sub001/internal/relay"
)

const signalReadLimit = 1 << 20

// signal is one participant's signal websocket.
type signal struct {
	ws          *websocket.Conn
	target      lk.SignalTarget
	onCandidate relay.CandidateFunc
	onFatal     func(error)
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	joined    chan *lk.JoinResponse
	answers   chan *lk.SessionDescription
	offers    chan *lk.SessionDescription
	published chan *lk.TrackPublishedResponse

	once sync.Once
	done chan struct{}
	err  error
}

func (s *session) dial(ctx context.Context, roomID, identity string, target lk.SignalTarget, onCandidate relay.CandidateFunc) (*signal, error) {
	c := s.client
	url, err := c.signalURL(roomID, identity)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signal: %w", err)
	}
	ws.SetReadLimit(signalReadLimit)

	sctx, cancel := context.WithCancel(context.Background())
	sig := &signal{
		ws:          ws,
		target:      target,
		onCandidate: onCandidate,
		onFatal:     c.fatal,
		log:         c.log.With().Str("room", roomID).Str("identity", identity).Logger(),
		ctx:         sctx,
		cancel:      cancel,
		joined:      make(chan *lk.JoinResponse, 1),
		answers:     make(chan *lk.SessionDescription, 4),
		offers:      make(chan *lk.SessionDescription, 4),
		published:   make(chan *lk.TrackPublishedResponse, 4),
		done:        make(chan struct{}),
	}
	go sig.readLoop()

	join, err := await(ctx, sig, sig.joined)
	if err != nil {
		sig.close()
		return nil, fmt.Errorf("await join: %w", err)
	}
	if interval := time.Duration(join.GetPingInterval()) * time.Second; interval > 0 {
		go sig.pingLoop(interval)
	}
	return sig, nil
}

func (s *signal) send(ctx context.Context, req *lk.SignalRequest) error {
	select {
	case <-s.done:
		return s.err
	default:
	}
	data, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := s.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}

func (s *signal) readLoop() {
	for {
		_, data, err := s.ws.Read(s.ctx)
		if err != nil {
			s.fail(relay.ErrClosed)
			return
		}
		var resp lk.SignalResponse
		if err := proto.Unmarshal(data, &resp); err != nil {
			s.log.Warn().Err(err).Msg("bad signal frame")
			continue
		}
		if err := s.dispatch(&resp); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *signal) dispatch(resp *lk.SignalResponse) error {
	switch {
	case resp.GetJoin() != nil:
		deliver(s, s.joined, resp.GetJoin())
	case resp.GetAnswer() != nil:
		deliver(s, s.answers, resp.GetAnswer())
	case resp.GetOffer() != nil:
		deliver(s, s.offers, resp.GetOffer())
	case resp.GetTrackPublished() != nil:
		deliver(s, s.published, resp.GetTrackPublished())
	case resp.GetTrickle() != nil:
		t := resp.GetTrickle()
		if t.GetTarget() != s.target || s.onCandidate == nil {
			return nil
		}
		candidate, err := parseCandidate(t.GetCandidateInit())
		if err != nil {
			s.log.Warn().Err(err).Msg("bad candidate from relay")
			return nil
		}
		s.onCandidate(candidate)
	case resp.GetLeave() != nil:
		err := leaveError(resp.GetLeave())
		if errors.Is(err, relay.ErrCorrupted) && s.onFatal != nil {
			s.onFatal(err)
		}
		return err
	}
	return nil
}

func deliver[T any](s *signal, ch chan T, v T) {
	select {
	case ch <- v:
	default:
		s.log.Debug().Msg("dropping unsolicited signal message")
	}
}

func await[T any](ctx context.Context, s *signal, ch chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-s.done:
		return zero, s.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *signal) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			req := &lk.SignalRequest{Message: &lk.SignalRequest_Ping{Ping: now.UnixMilli()}}
			if err := s.send(s.ctx, req); err != nil {
				return
			}
		}
	}
}

func (s *signal) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.cancel()
		_ = s.ws.Close(websocket.StatusNormalClosure, "")
	})
}

func (s *signal) close() {
	s.fail(relay.ErrClosed)
}

// leaveError maps a server-initiated leave. A duplicate identity means two
// handles share a participant, which the relay cannot reconcile.
func leaveError(leave *lk.LeaveRequest) error {
	if leave.GetReason() == lk.DisconnectReason_DUPLICATE_IDENTITY {
		return relay.ErrCorrupted
	}
	return relay.ErrClosed
}

func addTrackRequest(cid, kind string) *lk.SignalRequest {
	req := &lk.AddTrackRequest{Cid: cid, Name: kind}
	if kind == "video" {
		req.Type = lk.TrackType_VIDEO
		req.Source = lk.TrackSource_CAMERA
	} else {
		req.Type = lk.TrackType_AUDIO
		req.Source = lk.TrackSource_MICROPHONE
	}
	return &lk.SignalRequest{Message: &lk.SignalRequest_AddTrack{AddTrack: req}}
}

func trickleRequest(c webrtc.ICECandidateInit, target lk.SignalTarget) (*lk.SignalRequest, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal candidate: %w", err)
	}
	return &lk.SignalRequest{Message: &lk.SignalRequest_Trickle{Trickle: &lk.TrickleRequest{
		CandidateInit: string(data),
		Target:        target,
	}}}, nil
}

func parseCandidate(raw string) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("parse candidate: %w", err)
	}
	return c, nil
}
