package relay

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Track describes one outgoing media section of an offer.
type Track struct {
	Kind     string
	Mid      string
	StreamID string
	TrackID  string
}

// OfferedTracks lists the audio and video sections the offer sends.
func OfferedTracks(desc webrtc.SessionDescription) ([]Track, error) {
	parsed, err := desc.Unmarshal()
	if err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return sendingTracks(parsed), nil
}

func sendingTracks(sd *sdp.SessionDescription) []Track {
	var tracks []Track
	for _, md := range sd.MediaDescriptions {
		kind := md.MediaName.Media
		if kind != "audio" && kind != "video" {
			continue
		}
		if _, ok := md.Attribute("recvonly"); ok {
			continue
		}
		if _, ok := md.Attribute("inactive"); ok {
			continue
		}
		if md.MediaName.Port.Value == 0 {
			continue
		}
		t := Track{Kind: kind}
		t.Mid, _ = md.Attribute("mid")
		if msid, ok := md.Attribute("msid"); ok {
			parts := strings.Fields(msid)
			if len(parts) > 0 {
				t.StreamID = parts[0]
			}
			if len(parts) > 1 {
				t.TrackID = parts[1]
			}
		}
		tracks = append(tracks, t)
	}
	return tracks
}

// MediaFlags reports whether the offer sends audio and video.
func MediaFlags(tracks []Track) (audio, video bool) {
	for _, t := range tracks {
		switch t.Kind {
		case "audio":
			audio = true
		case "video":
			video = true
		}
	}
	return audio, video
}
