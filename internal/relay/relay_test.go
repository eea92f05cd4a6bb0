package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	fail bool
}

func (c *stubClient) Connect(context.Context) error {
	if c.fail {
		return errors.New("refused")
	}
	return nil
}

func (c *stubClient) CreateSession(context.Context) (Session, error) { return nil, ErrNotReady }
func (c *stubClient) Close() error { return nil }

func testPool(t *testing.T, ids ...string) *Pool {
	t.Helper()
	logger := zerolog.Nop()
	var servers []*Server
	for _, id := range ids {
		servers = append(servers, NewServer(id, &stubClient{fail: strings.HasPrefix(id, "down")}))
	}
	p := NewPool(&logger, servers...)
	p.ConnectAll(context.Background(), 1, time.Millisecond)
	return p
}

func TestLeastLoaded(t *testing.T) {
	p := testPool(t, "a", "b", "c")

	s, err := p.LeastLoaded(map[string]int{"a": 10, "b": 5, "c": 7})
	require.NoError(t, err)
	assert.Equal(t, "b", s.ID)

	s, err = p.LeastLoaded(nil)
	require.NoError(t, err)
	assert.Equal(t, "a", s.ID, "ties resolve in declaration order")
}

func TestLeastLoadedSkipsUnready(t *testing.T) {
	p := testPool(t, "down1", "b")
	assert.False(t, p.Get("down1").Ready())

	s, err := p.LeastLoaded(map[string]int{"b": 100})
	require.NoError(t, err)
	assert.Equal(t, "b", s.ID)

	p = testPool(t, "down1")
	_, err = p.LeastLoaded(nil)
	assert.ErrorIs(t, err, ErrNoServer)
}

func TestPoolCloseClearsReady(t *testing.T) {
	p := testPool(t, "a")
	require.True(t, p.Get("a").Ready())
	p.Close()
	assert.False(t, p.Get("a").Ready())
	assert.Nil(t, p.Get("missing"))
}

const offerSDP = "v=0\r\n" +
	"o=- 4215 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=msid:stream1 audio1\r\n" +
	"a=sendrecv\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=msid:stream1 video1\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:2\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestOfferedTracks(t *testing.T) {
	tracks, err := OfferedTracks(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP})
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, Track{Kind: "audio", Mid: "0", StreamID: "stream1", TrackID: "audio1"}, tracks[0])
	assert.Equal(t, "video1", tracks[1].TrackID)

	audio, video := MediaFlags(tracks)
	assert.True(t, audio)
	assert.True(t, video)

	audio, video = MediaFlags(tracks[:1])
	assert.True(t, audio)
	assert.False(t, video)
}

func TestOfferedTracksRejectsGarbage(t *testing.T) {
	_, err := OfferedTracks(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	assert.Error(t, err)
}
